package model

import "fmt"

// ConnectionState состояние регистрации/подключения к серверу
type ConnectionState int

const (
	ConnectionIdle ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionRegistered
	ConnectionUnregistered
	ConnectionError
)

var connectionNames = [...]string{
	ConnectionIdle:         "idle",
	ConnectionConnecting:   "connecting",
	ConnectionConnected:    "connected",
	ConnectionRegistered:   "registered",
	ConnectionUnregistered: "unregistered",
	ConnectionError:        "error",
}

// String возвращает строковое представление состояния подключения
func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionNames) {
		return fmt.Sprintf("connection(%d)", int(s))
	}
	return connectionNames[s]
}

// MarshalText реализует encoding.TextMarshaler
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for i, name := range connectionNames {
		if name == string(text) {
			*s = ConnectionState(i)
			return nil
		}
	}
	return fmt.Errorf("неизвестное состояние подключения: %q", text)
}

// CallStatus состояние текущего вызова
type CallStatus int

const (
	CallIdle CallStatus = iota
	CallDialing
	CallRinging
	CallIncoming
	CallEstablished
	CallTerminating
	CallTerminated
	CallFailed
)

var callStatusNames = [...]string{
	CallIdle:        "idle",
	CallDialing:     "dialing",
	CallRinging:     "ringing",
	CallIncoming:    "incoming",
	CallEstablished: "established",
	CallTerminating: "terminating",
	CallTerminated:  "terminated",
	CallFailed:      "failed",
}

// String возвращает строковое представление статуса вызова
func (s CallStatus) String() string {
	if s < 0 || int(s) >= len(callStatusNames) {
		return fmt.Sprintf("call(%d)", int(s))
	}
	return callStatusNames[s]
}

// MarshalText реализует encoding.TextMarshaler
func (s CallStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler
func (s *CallStatus) UnmarshalText(text []byte) error {
	for i, name := range callStatusNames {
		if name == string(text) {
			*s = CallStatus(i)
			return nil
		}
	}
	return fmt.Errorf("неизвестный статус вызова: %q", text)
}

// Active сообщает, существует ли вызов в этом статусе
func (s CallStatus) Active() bool {
	return s != CallIdle && s != CallTerminated
}

// AllCallStatuses возвращает все известные статусы вызова
func AllCallStatuses() []CallStatus {
	out := make([]CallStatus, len(callStatusNames))
	for i := range callStatusNames {
		out[i] = CallStatus(i)
	}
	return out
}

// CallDirection направление вызова. DirectionNone означает отсутствие значения.
type CallDirection int

const (
	DirectionNone CallDirection = iota
	DirectionOutgoing
	DirectionIncoming
)

// String возвращает строковое представление направления
func (d CallDirection) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// MarshalText реализует encoding.TextMarshaler
func (d CallDirection) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler
func (d *CallDirection) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "none":
		*d = DirectionNone
	case "outgoing":
		*d = DirectionOutgoing
	case "incoming":
		*d = DirectionIncoming
	default:
		return fmt.Errorf("неизвестное направление вызова: %q", text)
	}
	return nil
}
