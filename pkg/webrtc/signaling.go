package webrtc

import (
	"context"

	"github.com/arzzra/softphone/pkg/backend"
)

// Теги уведомлений стека сигнализации
const (
	TagRegistered         = "registered"
	TagUnregistered       = "unregistered"
	TagRegistrationFailed = "registrationFailed"
	TagInvite             = "invite"
	TagTrying             = "trying"
	TagProgress           = "progress"
	TagAccepted           = "accepted"
	TagFailed             = "failed"
	TagTerminated         = "terminated"
	TagReferAccepted      = "referAccepted"
	TagReferFailed        = "referFailed"
	TagDTMF               = "dtmf"
	TagMuteChanged        = "muteChanged"
)

// Notification изменение состояния сессии в стеке сигнализации
type Notification struct {
	Tag    string `json:"-"`
	CallID string `json:"-"`

	Peer        string `json:"peer,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	URI         string `json:"uri,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Digit       string `json:"digit,omitempty"`
	Muted       *bool  `json:"muted,omitempty"`
	Direction   string `json:"direction,omitempty"`

	// SDP удаленное описание сессии в том виде, в котором оно пришло
	SDP []byte `json:"-"`
}

// Signaling стек SIP поверх WebSocket. Вызовы адресуются по Call-ID,
// который выбирает адаптер для исходящих и стек для входящих вызовов.
type Signaling interface {
	Register(ctx context.Context, creds backend.Credentials) error
	Unregister(ctx context.Context) error

	// Invite отправляет INVITE и возвращается, не дожидаясь финального ответа
	Invite(ctx context.Context, callID, target string, offer []byte) error
	Accept(ctx context.Context, callID string, answer []byte) error
	Decline(ctx context.Context, callID string) error
	// Bye завершает вызов: CANCEL, отказ или BYE в зависимости от состояния диалога
	Bye(ctx context.Context, callID string) error

	Info(ctx context.Context, callID, contentType string, body []byte) error
	Refer(ctx context.Context, callID, target string) error
	// ReferReplaces переводит вызов callID на собеседника вызова consultID
	ReferReplaces(ctx context.Context, callID, consultID string) error

	Notifications() <-chan Notification
	Close() error
}
