// Package model содержит снимок состояния сессии и канонические события,
// общие для всех бэкендов.
package model

// IncomingCallInfo сведения о входящем вызове
type IncomingCallInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	User        string `json:"user,omitempty"`
	URI         string `json:"uri,omitempty"`
}

// Identity учетная запись, под которой выполняется регистрация
type Identity struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
}

// Snapshot неизменяемое представление состояния регистрации и вызова.
// Каждый переход порождает новое значение, существующее не изменяется.
type Snapshot struct {
	Connection    ConnectionState   `json:"connection"`
	CallStatus    CallStatus        `json:"callStatus"`
	CallDirection CallDirection     `json:"callDirection,omitempty"`
	RemotePeer    string            `json:"remotePeer,omitempty"`
	Incoming      *IncomingCallInfo `json:"incoming,omitempty"`
	Identity      *Identity         `json:"identity,omitempty"`
	Muted         bool              `json:"muted"`
	LastError     string            `json:"lastError,omitempty"`
}

// Initial возвращает снимок (Idle, Idle)
func Initial() Snapshot {
	return Snapshot{Connection: ConnectionIdle, CallStatus: CallIdle}
}

// Clone возвращает глубокую копию снимка
func (s Snapshot) Clone() Snapshot {
	if s.Incoming != nil {
		in := *s.Incoming
		s.Incoming = &in
	}
	if s.Identity != nil {
		id := *s.Identity
		s.Identity = &id
	}
	return s
}

// HasCall сообщает, есть ли активный вызов
func (s Snapshot) HasCall() bool {
	return s.CallStatus.Active()
}

// Patch частичное обновление снимка. Nil-поля не изменяют снимок.
type Patch struct {
	Connection    *ConnectionState
	CallStatus    *CallStatus
	CallDirection *CallDirection
	RemotePeer    *string
	Incoming      *IncomingCallInfo
	Identity      *Identity
	// ClearIdentity сбрасывает identity, если Identity не задан
	ClearIdentity bool
	Muted         *bool
	LastError     *string
}

// Empty сообщает, что патч ничего не меняет
func (p Patch) Empty() bool {
	return p.Connection == nil && p.CallStatus == nil && p.CallDirection == nil &&
		p.RemotePeer == nil && p.Incoming == nil && p.Identity == nil && !p.ClearIdentity &&
		p.Muted == nil && p.LastError == nil
}

// Apply накладывает патч на копию снимка
func (p Patch) Apply(s Snapshot) Snapshot {
	next := s.Clone()
	if p.Connection != nil {
		next.Connection = *p.Connection
	}
	if p.CallStatus != nil {
		next.CallStatus = *p.CallStatus
	}
	if p.CallDirection != nil {
		next.CallDirection = *p.CallDirection
	}
	if p.RemotePeer != nil && *p.RemotePeer != "" {
		next.RemotePeer = *p.RemotePeer
	}
	if p.Incoming != nil {
		in := *p.Incoming
		next.Incoming = &in
	}
	switch {
	case p.Identity != nil:
		id := *p.Identity
		next.Identity = &id
	case p.ClearIdentity:
		next.Identity = nil
	}
	if p.Muted != nil {
		next.Muted = *p.Muted
	}
	if p.LastError != nil {
		next.LastError = *p.LastError
	}
	return next
}

// Ptr возвращает указатель на значение, удобно для сборки патчей
func Ptr[T any](v T) *T {
	return &v
}
