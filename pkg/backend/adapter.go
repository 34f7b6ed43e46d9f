// Package backend описывает контракт адаптера бэкенда сигнализации:
// набор операций, поток сырых событий и типизированные ошибки.
package backend

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// Имена бэкендов, по ним нормализатор выбирает словарь событий
const (
	NameWebSocket = "websocket"
	NameNative    = "native"
)

// RawEvent событие бэкенда до нормализации.
// Tag может быть строкой, целым числом или числовой строкой.
type RawEvent struct {
	Backend string
	Tag     any
	Payload json.RawMessage
	// Attempt номер попытки вызова, к которой адаптер отнес событие, 0 если неизвестно
	Attempt uint64
}

// Adapter единый набор операций поверх конкретного транспорта.
// Ошибки всегда имеют тип *BackendError.
type Adapter interface {
	Name() string

	ConnectAndRegister(ctx context.Context, creds Credentials) error
	UnregisterAndDisconnect(ctx context.Context) error

	// StartCall начинает исходящий вызов. attempt помечает все события этого вызова.
	StartCall(ctx context.Context, target string, attempt uint64) error
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error

	SendDTMF(ctx context.Context, digits string) bool
	SetMuted(ctx context.Context, muted bool) bool
	ToggleMuted(ctx context.Context) bool

	TransferBlind(ctx context.Context, target string) error
	TransferAttended(ctx context.Context, target string) error

	// Events поток сырых событий. Канал закрывается после UnregisterAndDisconnect.
	Events() <-chan RawEvent
}

// Sequencer монотонный счетчик попыток вызова, общий для фасада и адаптеров
type Sequencer struct {
	n atomic.Uint64
}

// Next выделяет номер новой попытки
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Current последний выделенный номер
func (s *Sequencer) Current() uint64 {
	return s.n.Load()
}
