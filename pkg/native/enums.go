package native

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/softphone/pkg/model"
)

// Enum двусторонняя таблица перечисления движка: код <-> имя.
// Движок передает значения числом или числовой строкой, старые сборки именем.
type Enum struct {
	field  string
	names  []string
	byName map[string]int
}

func newEnum(field string, names ...string) *Enum {
	e := &Enum{field: field, names: names, byName: make(map[string]int, len(names))}
	for code, name := range names {
		e.byName[name] = code
	}
	return e
}

// Len количество известных значений
func (e *Enum) Len() int { return len(e.names) }

// Name имя значения по коду
func (e *Enum) Name(code int) (string, bool) {
	if code < 0 || code >= len(e.names) {
		return "", false
	}
	return e.names[code], true
}

// Code код значения по имени
func (e *Enum) Code(name string) (int, bool) {
	code, ok := e.byName[strings.ToLower(name)]
	return code, ok
}

// Decode разбирает число, числовую строку или имя
func (e *Enum) Decode(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%s: значение отсутствует", e.field)
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%s: %w", e.field, err)
		}
	} else {
		text = string(raw)
	}
	text = strings.TrimSpace(text)
	if code, err := strconv.Atoi(text); err == nil {
		if _, ok := e.Name(code); !ok {
			return 0, fmt.Errorf("%s: неизвестный код %d", e.field, code)
		}
		return code, nil
	}
	if code, ok := e.Code(text); ok {
		return code, nil
	}
	return 0, fmt.Errorf("%s: неизвестное значение %q", e.field, text)
}

// Коды состояния вызова движка
const (
	callIdle = iota
	callDialing
	callRinging
	callIncoming
	callEstablishing
	callEstablished
	callTerminating
	callTerminated
	callFailed
)

// Коды направления вызова движка
const (
	dirNone = iota
	dirOutgoing
	dirIncoming
)

var (
	CallStates = newEnum("callStatus",
		"idle", "dialing", "ringing", "incoming", "establishing",
		"established", "terminating", "terminated", "failed")

	Connections = newEnum("connection",
		"idle", "connecting", "connected", "registered", "unregistered", "error")

	Directions = newEnum("callDirection", "none", "outgoing", "incoming")
)

// callStatusOf переводит код движка в статус снимка.
// establishing не имеет собственного статуса, второй результат false.
func callStatusOf(code int) (model.CallStatus, bool) {
	switch code {
	case callIdle:
		return model.CallIdle, true
	case callDialing:
		return model.CallDialing, true
	case callRinging:
		return model.CallRinging, true
	case callIncoming:
		return model.CallIncoming, true
	case callEstablished:
		return model.CallEstablished, true
	case callTerminating:
		return model.CallTerminating, true
	case callTerminated:
		return model.CallTerminated, true
	case callFailed:
		return model.CallFailed, true
	}
	return model.CallIdle, false
}

// connectionOf коды подключения движка совпадают с порядком model.ConnectionState
func connectionOf(code int) model.ConnectionState {
	return model.ConnectionState(code)
}

func directionOf(code int) model.CallDirection {
	switch code {
	case dirOutgoing:
		return model.DirectionOutgoing
	case dirIncoming:
		return model.DirectionIncoming
	}
	return model.DirectionNone
}

// PeerFromURI извлекает номер из remote info движка:
// "Name" <sip:1001@host> -> 1001, sip:1001 -> 1001, 1001 -> 1001.
func PeerFromURI(info string) string {
	s := strings.TrimSpace(info)
	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		if gt := strings.IndexByte(s[lt:], '>'); gt > 0 {
			s = s[lt+1 : lt+gt]
		}
	}
	for _, scheme := range []string{"sips:", "sip:", "tel:"} {
		if i := strings.Index(s, scheme); i >= 0 {
			s = s[i+len(scheme):]
			if at := strings.IndexByte(s, '@'); at >= 0 {
				s = s[:at]
			}
			return s
		}
	}
	return s
}
