package webrtc

import (
	"encoding/json"
	"fmt"

	"github.com/arzzra/softphone/pkg/model"
	"github.com/arzzra/softphone/pkg/normalizer"
)

func decodeNotification(payload json.RawMessage) (Notification, error) {
	var n Notification
	if len(payload) == 0 {
		return n, nil
	}
	if err := json.Unmarshal(payload, &n); err != nil {
		return n, fmt.Errorf("уведомление стека: %w", err)
	}
	return n, nil
}

func withNotification(build func(n Notification) (model.Event, error)) normalizer.Decoder {
	return func(payload json.RawMessage) (model.Event, error) {
		n, err := decodeNotification(payload)
		if err != nil {
			return nil, err
		}
		return build(n)
	}
}

func directionOf(s string) model.CallDirection {
	switch s {
	case "outgoing":
		return model.DirectionOutgoing
	case "incoming":
		return model.DirectionIncoming
	}
	return model.DirectionNone
}

// notificationPatch снимок из уведомления вне словаря
func notificationPatch(payload json.RawMessage) (model.Patch, error) {
	n, err := decodeNotification(payload)
	if err != nil {
		return model.Patch{}, err
	}
	var p model.Patch
	if n.Peer != "" {
		p.RemotePeer = model.Ptr(n.Peer)
	}
	if n.Reason != "" {
		p.LastError = model.Ptr(n.Reason)
	}
	if n.Muted != nil {
		p.Muted = model.Ptr(*n.Muted)
	}
	return p, nil
}

// Vocabulary словарь уведомлений стека сигнализации
func Vocabulary() normalizer.Vocabulary {
	return normalizer.NewVocabulary(normalizer.Table{
		Names: map[string]normalizer.Decoder{
			TagRegistered:   normalizer.Static(model.Registered{}),
			TagUnregistered: normalizer.Static(model.Unregistered{}),
			TagRegistrationFailed: withNotification(func(n Notification) (model.Event, error) {
				return model.RegistrationFailed{Reason: n.Reason}, nil
			}),
			TagInvite: withNotification(func(n Notification) (model.Event, error) {
				return model.IncomingCall{Info: model.IncomingCallInfo{
					DisplayName: n.DisplayName,
					User:        n.Peer,
					URI:         n.URI,
				}}, nil
			}),
			TagTrying: withNotification(func(n Notification) (model.Event, error) {
				return model.Dialing{Peer: n.Peer}, nil
			}),
			TagProgress: withNotification(func(n Notification) (model.Event, error) {
				return model.Ringing{Peer: n.Peer}, nil
			}),
			TagAccepted: withNotification(func(n Notification) (model.Event, error) {
				return model.Established{Peer: n.Peer, Direction: directionOf(n.Direction)}, nil
			}),
			// отказ удаленной стороны: вызов остается в Failed до сброса
			TagFailed: withNotification(func(n Notification) (model.Event, error) {
				reason := n.Reason
				if reason == "" {
					reason = "вызов не состоялся"
				}
				return model.Unknown{Tag: TagFailed, Patch: model.Patch{
					CallStatus: model.Ptr(model.CallFailed),
					LastError:  model.Ptr(reason),
				}}, nil
			}),
			TagTerminated: withNotification(func(n Notification) (model.Event, error) {
				return model.Terminated{Reason: n.Reason}, nil
			}),
			TagReferAccepted: normalizer.Static(model.TransferSucceeded{}),
			TagReferFailed: withNotification(func(n Notification) (model.Event, error) {
				reason := n.Reason
				if reason == "" {
					reason = "перевод вызова не удался"
				}
				return model.TransferFailed{Reason: reason}, nil
			}),
			TagDTMF: withNotification(func(n Notification) (model.Event, error) {
				if n.Digit == "" {
					return nil, fmt.Errorf("dtmf без поля digit")
				}
				return model.DtmfReceived{Digit: n.Digit}, nil
			}),
			TagMuteChanged: withNotification(func(n Notification) (model.Event, error) {
				if n.Muted == nil {
					return nil, fmt.Errorf("muteChanged без поля muted")
				}
				return model.MuteChanged{Muted: *n.Muted}, nil
			}),
		},
		Snapshot: notificationPatch,
	})
}
