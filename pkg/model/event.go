package model

// EventKind вид канонического события
type EventKind int

const (
	KindRegistered EventKind = iota
	KindUnregistered
	KindRegistrationFailed
	KindIncomingCall
	KindCallStarted
	KindDialing
	KindRinging
	KindConnectingMedia
	KindEstablished
	KindTerminated
	KindMuteChanged
	KindTransferSucceeded
	KindTransferFailed
	KindDtmfReceived
	KindUnknown
)

var kindNames = [...]string{
	KindRegistered:         "Registered",
	KindUnregistered:       "Unregistered",
	KindRegistrationFailed: "RegistrationFailed",
	KindIncomingCall:       "IncomingCall",
	KindCallStarted:        "CallStarted",
	KindDialing:            "Dialing",
	KindRinging:            "Ringing",
	KindConnectingMedia:    "ConnectingMedia",
	KindEstablished:        "Established",
	KindTerminated:         "Terminated",
	KindMuteChanged:        "MuteChanged",
	KindTransferSucceeded:  "TransferSucceeded",
	KindTransferFailed:     "TransferFailed",
	KindDtmfReceived:       "DtmfReceived",
	KindUnknown:            "Unknown",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Invalid"
	}
	return kindNames[k]
}

// CallScoped сообщает, относится ли событие к конкретной попытке вызова
func (k EventKind) CallScoped() bool {
	switch k {
	case KindIncomingCall, KindCallStarted, KindDialing, KindRinging,
		KindConnectingMedia, KindEstablished, KindTerminated:
		return true
	}
	return false
}

// Event каноническое событие сессии. Набор реализаций закрыт.
type Event interface {
	Kind() EventKind
	sealed()
}

type (
	Registered   struct{}
	Unregistered struct{}

	RegistrationFailed struct{ Reason string }

	IncomingCall struct{ Info IncomingCallInfo }

	// CallStarted подтверждение исходящего вызова
	CallStarted struct{ Target string }

	// Dialing исходящий вызов отправлен. Peer может отсутствовать.
	Dialing struct{ Peer string }

	Ringing struct{ Peer string }

	ConnectingMedia struct{}

	// Established вызов установлен. Direction равен DirectionNone,
	// если бэкенд его не сообщил.
	Established struct {
		Peer      string
		Direction CallDirection
	}

	Terminated struct{ Reason string }

	MuteChanged struct{ Muted bool }

	TransferSucceeded struct{}

	TransferFailed struct{ Reason string }

	DtmfReceived struct{ Digit string }

	// Unknown событие вне словаря нормализатора. Patch применяется как
	// слияние полного снимка.
	Unknown struct {
		Tag   string
		Patch Patch
	}
)

func (Registered) Kind() EventKind         { return KindRegistered }
func (Unregistered) Kind() EventKind       { return KindUnregistered }
func (RegistrationFailed) Kind() EventKind { return KindRegistrationFailed }
func (IncomingCall) Kind() EventKind       { return KindIncomingCall }
func (CallStarted) Kind() EventKind        { return KindCallStarted }
func (Dialing) Kind() EventKind            { return KindDialing }
func (Ringing) Kind() EventKind            { return KindRinging }
func (ConnectingMedia) Kind() EventKind    { return KindConnectingMedia }
func (Established) Kind() EventKind        { return KindEstablished }
func (Terminated) Kind() EventKind         { return KindTerminated }
func (MuteChanged) Kind() EventKind        { return KindMuteChanged }
func (TransferSucceeded) Kind() EventKind  { return KindTransferSucceeded }
func (TransferFailed) Kind() EventKind     { return KindTransferFailed }
func (DtmfReceived) Kind() EventKind       { return KindDtmfReceived }
func (Unknown) Kind() EventKind            { return KindUnknown }

func (Registered) sealed()         {}
func (Unregistered) sealed()       {}
func (RegistrationFailed) sealed() {}
func (IncomingCall) sealed()       {}
func (CallStarted) sealed()        {}
func (Dialing) sealed()            {}
func (Ringing) sealed()            {}
func (ConnectingMedia) sealed()    {}
func (Established) sealed()        {}
func (Terminated) sealed()         {}
func (MuteChanged) sealed()        {}
func (TransferSucceeded) sealed()  {}
func (TransferFailed) sealed()     {}
func (DtmfReceived) sealed()       {}
func (Unknown) sealed()            {}

// Envelope нормализованное событие вместе с номером попытки вызова.
// Attempt == 0 означает, что событие нельзя отнести к конкретной попытке.
type Envelope struct {
	Event   Event
	Attempt uint64
	Backend string
}
