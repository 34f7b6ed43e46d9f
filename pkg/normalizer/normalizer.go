// Package normalizer переводит сырые события бэкендов в канонические события.
//
// Тег события может быть строкой, целым числом или числовой строкой.
// Словарь каждого бэкенда регистрируется отдельно. Неизвестные теги
// превращаются в model.Unknown со слиянием полного снимка, нераспознаваемые
// данные отбрасываются с ошибкой MalformedEvent.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/arzzra/softphone/pkg/backend"
	"github.com/arzzra/softphone/pkg/model"
)

// Tag декодированный тег события
type Tag struct {
	Name    string
	Code    int
	Numeric bool
}

func (t Tag) String() string {
	if t.Numeric {
		return strconv.Itoa(t.Code)
	}
	return t.Name
}

// Decoder строит событие из полезной нагрузки
type Decoder func(payload json.RawMessage) (model.Event, error)

// Vocabulary словарь событий одного бэкенда
type Vocabulary interface {
	// Event возвращает nil, nil для тега вне словаря
	Event(tag Tag, payload json.RawMessage) (model.Event, error)
	// Snapshot извлекает полный снимок из нагрузки неизвестного события
	Snapshot(payload json.RawMessage) (model.Patch, error)
}

// Table словарь на основе таблиц строковых и числовых тегов
type Table struct {
	Names    map[string]Decoder
	Codes    map[int]Decoder
	Snapshot func(payload json.RawMessage) (model.Patch, error)
}

var _ Vocabulary = (*tableVocabulary)(nil)

type tableVocabulary struct {
	t Table
}

// NewVocabulary оборачивает таблицу в Vocabulary
func NewVocabulary(t Table) Vocabulary {
	return &tableVocabulary{t: t}
}

func (v *tableVocabulary) Event(tag Tag, payload json.RawMessage) (model.Event, error) {
	var dec Decoder
	if tag.Numeric {
		dec = v.t.Codes[tag.Code]
	} else {
		dec = v.t.Names[tag.Name]
	}
	if dec == nil {
		return nil, nil
	}
	return dec(payload)
}

func (v *tableVocabulary) Snapshot(payload json.RawMessage) (model.Patch, error) {
	if v.t.Snapshot == nil {
		return model.Patch{}, nil
	}
	return v.t.Snapshot(payload)
}

// Static декодер, не читающий нагрузку
func Static(ev model.Event) Decoder {
	return func(json.RawMessage) (model.Event, error) { return ev, nil }
}

// Normalizer точка нормализации всех бэкендов
type Normalizer struct {
	mu     sync.RWMutex
	vocab  map[string]Vocabulary
	logger *slog.Logger
}

// New создает нормализатор без словарей
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		vocab:  make(map[string]Vocabulary),
		logger: logger.With(slog.String("component", "normalizer")),
	}
}

// Register регистрирует словарь бэкенда
func (n *Normalizer) Register(backendName string, v Vocabulary) {
	n.mu.Lock()
	n.vocab[backendName] = v
	n.mu.Unlock()
}

// Normalize переводит сырое событие в каноническое.
// Ошибка всегда имеет код MalformedEvent, событие при этом следует отбросить.
func (n *Normalizer) Normalize(raw backend.RawEvent) (model.Envelope, error) {
	n.mu.RLock()
	v, ok := n.vocab[raw.Backend]
	n.mu.RUnlock()
	if !ok {
		return model.Envelope{}, n.malformed(raw, fmt.Errorf("нет словаря для бэкенда %q", raw.Backend))
	}

	tag, err := DecodeTag(raw.Tag)
	if err != nil {
		return model.Envelope{}, n.malformed(raw, err)
	}

	payload, err := UnwrapPayload(raw.Payload)
	if err != nil {
		return model.Envelope{}, n.malformed(raw, err)
	}

	ev, err := v.Event(tag, payload)
	if err != nil {
		return model.Envelope{}, n.malformed(raw, err)
	}
	if ev == nil {
		patch, err := v.Snapshot(payload)
		if err != nil {
			return model.Envelope{}, n.malformed(raw, err)
		}
		ev = model.Unknown{Tag: tag.String(), Patch: patch}
		n.logger.Debug("Неизвестный тег события, слияние снимка",
			slog.String("backend", raw.Backend),
			slog.String("tag", tag.String()))
	}

	return model.Envelope{Event: ev, Attempt: raw.Attempt, Backend: raw.Backend}, nil
}

func (n *Normalizer) malformed(raw backend.RawEvent, err error) error {
	n.logger.Warn("Отброшено некорректное событие",
		slog.String("backend", raw.Backend),
		slog.Any("tag", raw.Tag),
		slog.Int("payload_len", len(raw.Payload)),
		slog.Any("error", err))
	return backend.NewError(backend.CodeMalformedEvent, "некорректное событие").
		WithCause(err).
		WithField("backend", raw.Backend)
}

// DecodeTag разбирает тег: строка, число или числовая строка
func DecodeTag(v any) (Tag, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Tag{}, fmt.Errorf("пустой тег события")
		}
		if code, err := strconv.Atoi(s); err == nil {
			return Tag{Code: code, Numeric: true}, nil
		}
		return Tag{Name: s}, nil
	case int:
		return Tag{Code: t, Numeric: true}, nil
	case int32:
		return Tag{Code: int(t), Numeric: true}, nil
	case int64:
		return Tag{Code: int(t), Numeric: true}, nil
	case uint32:
		return Tag{Code: int(t), Numeric: true}, nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return Tag{}, fmt.Errorf("нецелый числовой тег %v", t)
		}
		return Tag{Code: int(t), Numeric: true}, nil
	case json.Number:
		return DecodeTag(string(t))
	case json.RawMessage:
		return decodeRawTag(t)
	case []byte:
		return decodeRawTag(t)
	case nil:
		return Tag{}, fmt.Errorf("отсутствует тег события")
	}
	return Tag{}, fmt.Errorf("неподдерживаемый тип тега %T", v)
}

func decodeRawTag(raw []byte) (Tag, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Tag{}, fmt.Errorf("отсутствует тег события")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Tag{}, fmt.Errorf("тег события: %w", err)
		}
		return DecodeTag(s)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return Tag{}, fmt.Errorf("тег события: %w", err)
	}
	return DecodeTag(num)
}

// UnwrapPayload приводит нагрузку к JSON-объекту. Нагрузка может прийти
// объектом или строкой с JSON внутри. Пустая нагрузка равна {}.
func UnwrapPayload(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("нагрузка: %w", err)
		}
		return UnwrapPayload(json.RawMessage(inner))
	}
	if raw[0] != '{' || !json.Valid(raw) {
		return nil, fmt.Errorf("нагрузка не является JSON-объектом")
	}
	return raw, nil
}
