package native

import (
	"encoding/json"
	"fmt"

	"github.com/arzzra/softphone/pkg/model"
	"github.com/arzzra/softphone/pkg/normalizer"
)

// wireSnapshot снимок движка, приходит в нагрузке каждого события
type wireSnapshot struct {
	Connection    json.RawMessage         `json:"connection,omitempty"`
	CallStatus    json.RawMessage         `json:"callStatus,omitempty"`
	CallDirection json.RawMessage         `json:"callDirection,omitempty"`
	Muted         *bool                   `json:"muted,omitempty"`
	Username      string                  `json:"username,omitempty"`
	Domain        string                  `json:"domain,omitempty"`
	RemoteURI     string                  `json:"remoteUri,omitempty"`
	LastError     *string                 `json:"lastError,omitempty"`
	Incoming      *model.IncomingCallInfo `json:"incoming,omitempty"`
	Digit         string                  `json:"digit,omitempty"`
}

func decodeWire(payload json.RawMessage) (wireSnapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(payload, &w); err != nil {
		return w, fmt.Errorf("снимок движка: %w", err)
	}
	return w, nil
}

func (w wireSnapshot) peer() string {
	return PeerFromURI(w.RemoteURI)
}

func (w wireSnapshot) lastError() string {
	if w.LastError == nil {
		return ""
	}
	return *w.LastError
}

func (w wireSnapshot) direction() (model.CallDirection, error) {
	if len(w.CallDirection) == 0 {
		return model.DirectionNone, nil
	}
	code, err := Directions.Decode(w.CallDirection)
	if err != nil {
		return model.DirectionNone, err
	}
	return directionOf(code), nil
}

func (w wireSnapshot) incomingInfo() model.IncomingCallInfo {
	if w.Incoming != nil {
		return *w.Incoming
	}
	return model.IncomingCallInfo{User: w.peer(), URI: w.RemoteURI}
}

// Patch переводит снимок движка в патч. Полный снимок (с connection)
// задает lastError явно, частичный оставляет его без изменений.
func (w wireSnapshot) Patch() (model.Patch, error) {
	var p model.Patch
	full := len(w.Connection) > 0

	if full {
		code, err := Connections.Decode(w.Connection)
		if err != nil {
			return p, err
		}
		p.Connection = model.Ptr(connectionOf(code))
		p.LastError = model.Ptr(w.lastError())
	} else if w.LastError != nil {
		p.LastError = model.Ptr(*w.LastError)
	}

	if len(w.CallStatus) > 0 {
		code, err := CallStates.Decode(w.CallStatus)
		if err != nil {
			return p, err
		}
		if st, ok := callStatusOf(code); ok {
			p.CallStatus = model.Ptr(st)
		}
	}

	if len(w.CallDirection) > 0 {
		dir, err := w.direction()
		if err != nil {
			return p, err
		}
		p.CallDirection = model.Ptr(dir)
	}

	if w.Muted != nil {
		p.Muted = model.Ptr(*w.Muted)
	}
	if w.Username != "" && w.Domain != "" {
		p.Identity = &model.Identity{Username: w.Username, Domain: w.Domain}
	}
	if peer := w.peer(); peer != "" {
		p.RemotePeer = model.Ptr(peer)
	}
	if w.Incoming != nil {
		in := *w.Incoming
		p.Incoming = &in
	}
	return p, nil
}

func snapshotPatch(payload json.RawMessage) (model.Patch, error) {
	w, err := decodeWire(payload)
	if err != nil {
		return model.Patch{}, err
	}
	return w.Patch()
}

func withWire(build func(w wireSnapshot) (model.Event, error)) normalizer.Decoder {
	return func(payload json.RawMessage) (model.Event, error) {
		w, err := decodeWire(payload)
		if err != nil {
			return nil, err
		}
		return build(w)
	}
}

var (
	decodeUnregistered = withWire(func(w wireSnapshot) (model.Event, error) {
		// Движок сообщает о неудачной регистрации событием unregistered с lastError
		if reason := w.lastError(); reason != "" {
			return model.RegistrationFailed{Reason: reason}, nil
		}
		return model.Unregistered{}, nil
	})

	decodeIncoming = withWire(func(w wireSnapshot) (model.Event, error) {
		return model.IncomingCall{Info: w.incomingInfo()}, nil
	})

	decodeDialing = withWire(func(w wireSnapshot) (model.Event, error) {
		return model.Dialing{Peer: w.peer()}, nil
	})

	decodeCallStarted = withWire(func(w wireSnapshot) (model.Event, error) {
		return model.CallStarted{Target: w.peer()}, nil
	})

	decodeRinging = withWire(func(w wireSnapshot) (model.Event, error) {
		return model.Ringing{Peer: w.peer()}, nil
	})

	decodeEstablished = withWire(func(w wireSnapshot) (model.Event, error) {
		dir, err := w.direction()
		if err != nil {
			return nil, err
		}
		return model.Established{Peer: w.peer(), Direction: dir}, nil
	})

	decodeTerminated = withWire(func(w wireSnapshot) (model.Event, error) {
		return model.Terminated{Reason: w.lastError()}, nil
	})

	decodeMute = withWire(func(w wireSnapshot) (model.Event, error) {
		if w.Muted == nil {
			return nil, fmt.Errorf("muteChanged без поля muted")
		}
		return model.MuteChanged{Muted: *w.Muted}, nil
	})

	decodeTransferFailed = withWire(func(w wireSnapshot) (model.Event, error) {
		reason := w.lastError()
		if reason == "" {
			reason = "перевод вызова не удался"
		}
		return model.TransferFailed{Reason: reason}, nil
	})

	decodeDtmf = withWire(func(w wireSnapshot) (model.Event, error) {
		if w.Digit == "" {
			return nil, fmt.Errorf("dtmfReceived без поля digit")
		}
		return model.DtmfReceived{Digit: w.Digit}, nil
	})
)

// statusPatch для кодов без канонического события: слияние снимка
// с принудительным статусом вызова
func statusPatch(tag string, st model.CallStatus) normalizer.Decoder {
	return func(payload json.RawMessage) (model.Event, error) {
		w, err := decodeWire(payload)
		if err != nil {
			return nil, err
		}
		p, err := w.Patch()
		if err != nil {
			return nil, err
		}
		p.CallStatus = model.Ptr(st)
		return model.Unknown{Tag: tag, Patch: p}, nil
	}
}

// Vocabulary словарь событий движка: строковые имена событий
// и числовые коды состояния вызова.
func Vocabulary() normalizer.Vocabulary {
	return normalizer.NewVocabulary(normalizer.Table{
		Names: map[string]normalizer.Decoder{
			"registered":      normalizer.Static(model.Registered{}),
			"unregistered":    decodeUnregistered,
			"incomingCall":    decodeIncoming,
			"incoming":        decodeIncoming,
			"callStarted":     decodeCallStarted,
			"dialing":         decodeDialing,
			"ringing":         decodeRinging,
			"connecting":      normalizer.Static(model.ConnectingMedia{}),
			"mediaActive":     normalizer.Static(model.ConnectingMedia{}),
			"established":     decodeEstablished,
			"terminated":      decodeTerminated,
			"callRejected":    decodeTerminated,
			"muteChanged":     decodeMute,
			"transferSuccess": normalizer.Static(model.TransferSucceeded{}),
			"transferFailed":  decodeTransferFailed,
			"dtmfReceived":    decodeDtmf,
		},
		Codes: map[int]normalizer.Decoder{
			callIdle:         decodeTerminated,
			callDialing:      decodeDialing,
			callRinging:      decodeRinging,
			callIncoming:     decodeIncoming,
			callEstablishing: normalizer.Static(model.ConnectingMedia{}),
			callEstablished:  decodeEstablished,
			callTerminating:  statusPatch("terminating", model.CallTerminating),
			callTerminated:   decodeTerminated,
			callFailed:       statusPatch("failed", model.CallFailed),
		},
		Snapshot: snapshotPatch,
	})
}
