// Package webrtc реализует адаптер сигнализации SIP поверх WebSocket,
// работающий внутри процесса.
//
// Стек сигнализации (Signaling) сообщает об изменениях сессий уведомлениями,
// адаптер переводит их в сырые события со строковыми тегами. Удаленные
// описания сессии проходят исправление fingerprint до передачи медиа.
package webrtc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/softphone/pkg/backend"
)

// Config настройки адаптера
type Config struct {
	Stack StackConfig `yaml:",inline"`
	// AttendedTimeout ожидание ответа на консультационный вызов
	AttendedTimeout time.Duration `yaml:"attended_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Stack:           DefaultStackConfig(),
		AttendedTimeout: 30 * time.Second,
		EventBuffer:     64,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	c.Stack.applyDefaults()
	if c.AttendedTimeout <= 0 {
		c.AttendedTimeout = def.AttendedTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

const dtmfDigits = "0123456789*#ABCD"

// maxTrackedCalls ограничивает таблицу Call-ID -> попытка
const maxTrackedCalls = 64

// activeCall текущий вызов адаптера
type activeCall struct {
	id       string
	attempt  uint64
	incoming bool
	accepted bool
	// ended стек уже завершил вызов, ждем сброса от пользователя
	ended bool
	// remote исправленное описание удаленной стороны
	remoteSDP string
	remote    *sdp.SessionDescription
}

// consultation ожидание ответа на консультационный вызов
type consultation struct {
	id     string
	result chan Notification
}

// Adapter адаптер SIP поверх WebSocket
type Adapter struct {
	cfg          Config
	seq          *backend.Sequencer
	newSignaling func() Signaling
	logger       *slog.Logger

	mu         sync.Mutex
	sig        Signaling
	registered bool
	cert       *Certificate
	current    *activeCall
	calls      map[string]uint64
	callOrder  []string
	consult    *consultation
	muted      bool

	events    chan backend.RawEvent
	done      chan struct{}
	emitMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
	pumps     sync.WaitGroup
}

// Option опция адаптера
type Option func(*Adapter)

// WithSignaling подменяет стек сигнализации. Фабрика вызывается при каждой регистрации.
func WithSignaling(f func() Signaling) Option {
	return func(a *Adapter) { a.newSignaling = f }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithCertificate задает локальный DTLS сертификат
func WithCertificate(c Certificate) Option {
	return func(a *Adapter) { a.cert = &c }
}

// NewAdapter создает адаптер. seq общий счетчик попыток сессии.
func NewAdapter(cfg Config, seq *backend.Sequencer, opts ...Option) *Adapter {
	cfg.applyDefaults()
	if seq == nil {
		seq = &backend.Sequencer{}
	}
	a := &Adapter{
		cfg:    cfg,
		seq:    seq,
		logger: slog.Default(),
		calls:  make(map[string]uint64),
		events: make(chan backend.RawEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "webrtc_adapter"))
	if a.newSignaling == nil {
		a.newSignaling = func() Signaling { return NewStack(a.cfg.Stack, a.logger) }
	}
	return a
}

// Name имя бэкенда
func (a *Adapter) Name() string { return backend.NameWebSocket }

// Events поток сырых событий
func (a *Adapter) Events() <-chan backend.RawEvent { return a.events }

// ConnectAndRegister открывает WebSocket и регистрирует учетную запись.
// При ошибке стек закрывается, адаптер остается незарегистрированным.
func (a *Adapter) ConnectAndRegister(ctx context.Context, creds backend.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if a.isClosed() {
		return backend.NewError(backend.CodeCancelled, "адаптер закрыт")
	}

	a.teardown()

	sig := a.newSignaling()
	a.mu.Lock()
	a.sig = sig
	a.mu.Unlock()
	a.startPump(sig)

	if err := sig.Register(ctx, creds); err != nil {
		a.teardown()
		return backend.Wrap(backend.CodeRegistrationRejected, err)
	}

	a.mu.Lock()
	if a.sig == sig {
		a.registered = true
	}
	a.mu.Unlock()

	a.logger.Info("Регистрация через WebSocket выполнена",
		slog.String("username", creds.Username),
		slog.String("url", creds.WebSocketURL()))
	return nil
}

// UnregisterAndDisconnect снимает регистрацию и закрывает стек.
// Ошибки только логируются. После вызова канал Events закрыт.
func (a *Adapter) UnregisterAndDisconnect(ctx context.Context) error {
	a.mu.Lock()
	sig := a.sig
	registered := a.registered
	a.mu.Unlock()

	if sig != nil && registered {
		if err := sig.Unregister(ctx); err != nil {
			a.logger.Warn("Ошибка снятия регистрации", slog.Any("error", err))
		}
	}
	a.teardown()
	a.close()
	return nil
}

// teardown закрывает текущий стек и забывает вызов
func (a *Adapter) teardown() {
	a.mu.Lock()
	sig := a.sig
	a.sig = nil
	a.registered = false
	a.current = nil
	a.consult = nil
	a.muted = false
	a.mu.Unlock()
	if sig != nil {
		if err := sig.Close(); err != nil {
			a.logger.Debug("Ошибка закрытия стека", slog.Any("error", err))
		}
	}
}

func (a *Adapter) close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.pumps.Wait()
		a.emitMu.Lock()
		a.closed = true
		close(a.events)
		a.emitMu.Unlock()
	})
}

func (a *Adapter) isClosed() bool {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	return a.closed
}

// ready возвращает стек или ошибку NotInitialized
func (a *Adapter) ready(op string) (Signaling, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sig == nil || !a.registered {
		return nil, backend.NotInitialized(op)
	}
	return a.sig, nil
}

func (a *Adapter) certificate() (Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cert != nil {
		return *a.cert, nil
	}
	cert, err := NewCertificate()
	if err != nil {
		return Certificate{}, err
	}
	a.cert = &cert
	return cert, nil
}

// StartCall начинает исходящий вызов
func (a *Adapter) StartCall(ctx context.Context, target string, attempt uint64) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return backend.NewError(backend.CodeInvalidArgument, "пустой номер вызова")
	}
	sig, err := a.ready("startCall")
	if err != nil {
		return err
	}
	cert, err := a.certificate()
	if err != nil {
		return backend.NewError(backend.CodeOperationRejected, "ошибка подготовки медиа").WithCause(err)
	}
	offer, err := BuildOffer(cert)
	if err != nil {
		return backend.NewError(backend.CodeOperationRejected, "ошибка создания SDP").WithCause(err)
	}

	id := uuid.NewString()
	a.mu.Lock()
	if a.current != nil && !a.current.ended {
		a.mu.Unlock()
		return backend.Rejected("startCall", "уже есть активный вызов")
	}
	a.current = &activeCall{id: id, attempt: attempt}
	a.trackLocked(id, attempt)
	a.muted = false
	a.mu.Unlock()

	if err := sig.Invite(ctx, id, target, offer); err != nil {
		a.mu.Lock()
		if a.current != nil && a.current.id == id {
			a.current = nil
		}
		a.mu.Unlock()
		return backend.Wrap(backend.CodeOperationRejected, err).WithField("target", target)
	}
	return nil
}

// activeFor текущий вызов, удовлетворяющий условию
func (a *Adapter) activeFor(op string, ok func(c *activeCall) bool) (Signaling, *activeCall, error) {
	sig, err := a.ready(op)
	if err != nil {
		return nil, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.current
	if c == nil || !ok(c) {
		return nil, nil, backend.Rejected(op, "нет подходящего вызова для "+op)
	}
	copied := *c
	return sig, &copied, nil
}

// Answer отвечает на входящий вызов
func (a *Adapter) Answer(ctx context.Context) error {
	sig, c, err := a.activeFor("answer", func(c *activeCall) bool { return c.incoming && !c.accepted && !c.ended })
	if err != nil {
		return err
	}
	cert, err := a.certificate()
	if err != nil {
		return backend.NewError(backend.CodeOperationRejected, "ошибка подготовки медиа").WithCause(err)
	}
	var answer []byte
	if c.remote != nil {
		answer, err = BuildAnswer(cert, c.remote)
	} else {
		// INVITE без SDP: предложение отправляется в ответе
		answer, err = BuildOffer(cert)
	}
	if err != nil {
		return backend.NewError(backend.CodeOperationRejected, "ошибка создания SDP").WithCause(err)
	}
	if err := sig.Accept(ctx, c.id, answer); err != nil {
		return backend.Wrap(backend.CodeOperationRejected, err)
	}
	a.mu.Lock()
	if a.current != nil && a.current.id == c.id {
		a.current.accepted = true
	}
	a.mu.Unlock()
	return nil
}

// Reject отклоняет входящий вызов
func (a *Adapter) Reject(ctx context.Context) error {
	sig, c, err := a.activeFor("reject", func(c *activeCall) bool { return c.incoming && !c.accepted })
	if err != nil {
		return err
	}
	a.forget(c.id)
	if c.ended {
		return nil
	}
	if err := sig.Decline(ctx, c.id); err != nil {
		return backend.Wrap(backend.CodeOperationRejected, err)
	}
	return nil
}

// Hangup завершает текущий вызов в любом состоянии
func (a *Adapter) Hangup(ctx context.Context) error {
	sig, c, err := a.activeFor("hangup", func(*activeCall) bool { return true })
	if err != nil {
		return err
	}
	a.forget(c.id)
	if c.ended {
		return nil
	}
	if err := sig.Bye(ctx, c.id); err != nil {
		return backend.Wrap(backend.CodeOperationRejected, err)
	}
	return nil
}

func (a *Adapter) forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && a.current.id == id {
		a.current = nil
		a.muted = false
	}
}

func established(c *activeCall) bool { return c.accepted && !c.ended }

// SendDTMF отправляет тоны через INFO application/dtmf-relay
func (a *Adapter) SendDTMF(ctx context.Context, digits string) bool {
	if digits == "" {
		return false
	}
	for _, d := range digits {
		if !strings.ContainsRune(dtmfDigits, d) {
			return false
		}
	}
	sig, c, err := a.activeFor("sendDtmf", established)
	if err != nil {
		return false
	}
	for _, d := range digits {
		if err := sig.Info(ctx, c.id, "application/dtmf-relay", dtmfRelayBody(d)); err != nil {
			a.logger.Warn("Ошибка отправки DTMF", slog.String("digit", string(d)), slog.Any("error", err))
			return false
		}
	}
	return true
}

// SetMuted микрофон выключается локально, стек об этом не знает
func (a *Adapter) SetMuted(ctx context.Context, muted bool) bool {
	if _, _, err := a.activeFor("setMuted", func(c *activeCall) bool { return !c.ended }); err != nil {
		return false
	}
	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()

	payload, _ := json.Marshal(Notification{Muted: &muted})
	a.emit(backend.RawEvent{Backend: backend.NameWebSocket, Tag: TagMuteChanged, Payload: payload})
	return true
}

// ToggleMuted переключает микрофон
func (a *Adapter) ToggleMuted(ctx context.Context) bool {
	return a.SetMuted(ctx, !a.Muted())
}

// Muted текущее состояние микрофона
func (a *Adapter) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

// RemoteDescription исправленное описание удаленной стороны текущего вызова
func (a *Adapter) RemoteDescription() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.current.remoteSDP
}

// TransferBlind слепой перевод
func (a *Adapter) TransferBlind(ctx context.Context, target string) error {
	if strings.TrimSpace(target) == "" {
		return backend.NewError(backend.CodeInvalidArgument, "пустой адрес перевода")
	}
	sig, c, err := a.activeFor("transferBlind", established)
	if err != nil {
		return err
	}
	if err := sig.Refer(ctx, c.id, target); err != nil {
		return backend.Wrap(backend.CodeOperationRejected, err)
	}
	return nil
}

// TransferAttended звонит цели перевода и после ответа передает ей
// текущий вызов через REFER с Replaces
func (a *Adapter) TransferAttended(ctx context.Context, target string) error {
	if strings.TrimSpace(target) == "" {
		return backend.NewError(backend.CodeInvalidArgument, "пустой адрес перевода")
	}
	sig, c, err := a.activeFor("transferAttended", established)
	if err != nil {
		return err
	}
	cert, err := a.certificate()
	if err != nil {
		return backend.NewError(backend.CodeOperationRejected, "ошибка подготовки медиа").WithCause(err)
	}
	offer, err := BuildOffer(cert)
	if err != nil {
		return backend.NewError(backend.CodeOperationRejected, "ошибка создания SDP").WithCause(err)
	}

	consult := &consultation{id: uuid.NewString(), result: make(chan Notification, 8)}
	a.mu.Lock()
	if a.consult != nil {
		a.mu.Unlock()
		return backend.Rejected("transferAttended", "перевод уже выполняется")
	}
	a.consult = consult
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.consult == consult {
			a.consult = nil
		}
		a.mu.Unlock()
	}()

	if err := sig.Invite(ctx, consult.id, target, offer); err != nil {
		return backend.Wrap(backend.CodeOperationRejected, err)
	}

	timer := time.NewTimer(a.cfg.AttendedTimeout)
	defer timer.Stop()
	for {
		select {
		case n := <-consult.result:
			switch n.Tag {
			case TagAccepted:
				a.logger.Info("Консультационный вызов принят, передаем вызов",
					slog.String("call_id", c.id), slog.String("consult_id", consult.id))
				if err := sig.ReferReplaces(ctx, c.id, consult.id); err != nil {
					return backend.Wrap(backend.CodeOperationRejected, err)
				}
				return nil
			case TagFailed, TagTerminated:
				reason := n.Reason
				if reason == "" {
					reason = "консультационный вызов завершен"
				}
				return backend.Rejected("transferAttended", reason)
			}
		case <-timer.C:
			_ = sig.Bye(ctx, consult.id)
			return backend.Rejected("transferAttended", "нет ответа на консультационный вызов")
		case <-ctx.Done():
			_ = sig.Bye(context.Background(), consult.id)
			return backend.Wrap(backend.CodeCancelled, ctx.Err())
		}
	}
}

func (a *Adapter) startPump(sig Signaling) {
	a.pumps.Add(1)
	go func() {
		defer a.pumps.Done()
		for {
			select {
			case n, ok := <-sig.Notifications():
				if !ok {
					return
				}
				a.handle(sig, n)
			case <-a.done:
				return
			}
		}
	}()
}

// handle относит уведомление к попытке вызова и передает его дальше
func (a *Adapter) handle(sig Signaling, n Notification) {
	a.mu.Lock()
	if a.sig != sig {
		a.mu.Unlock()
		return
	}
	if a.consult != nil && n.CallID == a.consult.id {
		select {
		case a.consult.result <- n:
		default:
		}
		a.mu.Unlock()
		return
	}

	var attempt uint64
	switch n.Tag {
	case TagRegistrationFailed, TagUnregistered:
		a.registered = false

	case TagInvite:
		if a.current != nil && !a.current.ended {
			a.mu.Unlock()
			a.logger.Info("Второй входящий вызов отклонен", slog.String("call_id", n.CallID))
			go func() {
				if err := sig.Decline(context.Background(), n.CallID); err != nil {
					a.logger.Debug("Ошибка отклонения вызова", slog.Any("error", err))
				}
			}()
			return
		}
		attempt = a.seq.Next()
		a.trackLocked(n.CallID, attempt)
		a.current = &activeCall{id: n.CallID, attempt: attempt, incoming: true}
		a.muted = false
	}

	if n.CallID != "" && n.Tag != TagInvite {
		known, ok := a.calls[n.CallID]
		if !ok {
			a.mu.Unlock()
			a.logger.Debug("Уведомление чужого вызова", slog.String("tag", n.Tag), slog.String("call_id", n.CallID))
			return
		}
		attempt = known
	}

	c := a.current
	if c != nil && c.id == n.CallID {
		switch n.Tag {
		case TagAccepted:
			c.accepted = true
		case TagFailed:
			c.ended = true
		case TagTerminated:
			a.current = nil
			a.muted = false
		}
	}
	a.mu.Unlock()

	if len(n.SDP) > 0 {
		a.remoteDescription(n.CallID, n.SDP)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		a.logger.Error("Ошибка сериализации уведомления", slog.Any("error", err))
		return
	}
	a.emit(backend.RawEvent{Backend: backend.NameWebSocket, Tag: n.Tag, Payload: payload, Attempt: attempt})
}

// remoteDescription исправляет и сохраняет удаленное описание вызова
func (a *Adapter) remoteDescription(callID string, body []byte) {
	fixed, desc, err := ParseRemote(body, a.logger)
	if err != nil {
		a.logger.Warn("SDP удаленной стороны не разобран", slog.String("call_id", callID), slog.Any("error", err))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil && a.current.id == callID {
		a.current.remoteSDP = fixed
		a.current.remote = desc
	}
}

func (a *Adapter) emit(ev backend.RawEvent) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) trackLocked(callID string, attempt uint64) {
	if _, ok := a.calls[callID]; !ok {
		a.callOrder = append(a.callOrder, callID)
	}
	a.calls[callID] = attempt
	for len(a.callOrder) > maxTrackedCalls {
		delete(a.calls, a.callOrder[0])
		a.callOrder = a.callOrder[1:]
	}
}
