// Package native реализует адаптер внепроцессного SIP/RTP движка.
//
// Движок доступен только через асинхронный мост (JSON-RPC поверх WebSocket):
// общей памяти нет, порядок гарантирован лишь внутри одного канала, события
// могут дублироваться. Адаптер относит события движка к попыткам вызова
// по callId, а при его отсутствии по границе FIFO ответа makeCall.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/softphone/pkg/backend"
)

// Config настройки подключения к движку
type Config struct {
	// URL моста движка, например ws://127.0.0.1:7088/rpc. Пустой URL: движок не установлен.
	URL string `yaml:"url"`
	// EnginePath исполняемый файл движка, используется для проверки доступности
	EnginePath       string        `yaml:"engine_path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	EventBuffer      int           `yaml:"event_buffer"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		CallTimeout:      10 * time.Second,
		EventBuffer:      64,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

// Dialer открывает мост к движку
type Dialer func(ctx context.Context) (Bridge, error)

// maxTrackedCalls ограничивает таблицу callId -> попытка
const maxTrackedCalls = 64

// Adapter адаптер нативного движка
type Adapter struct {
	cfg    Config
	seq    *backend.Sequencer
	dial   Dialer
	logger *slog.Logger

	mu          sync.Mutex
	bridge      Bridge
	initialized bool
	muted       bool
	calls       map[string]uint64
	callOrder   []string
	pending     uint64
	current     uint64
	// active вызов текущей попытки еще не завершен
	active bool
	// stopping адаптер отключается, новый мост не принимается
	stopping bool

	events    chan backend.RawEvent
	done      chan struct{}
	emitMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
	pumps     sync.WaitGroup
}

// Option опция адаптера
type Option func(*Adapter)

// WithDialer подменяет способ открытия моста
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
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
	a.logger = a.logger.With(slog.String("component", "native_adapter"))
	if a.dial == nil {
		a.dial = func(ctx context.Context) (Bridge, error) {
			c := NewClient(cfg.URL, cfg.HandshakeTimeout, a.logger)
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	return a
}

// Name имя бэкенда
func (a *Adapter) Name() string { return backend.NameNative }

// Events поток сырых событий движка
func (a *Adapter) Events() <-chan backend.RawEvent { return a.events }

// result общий формат ответа движка
type result struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	CallID  string `json:"callId,omitempty"`
	Muted   *bool  `json:"muted,omitempty"`
}

type registerParams struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Server    string `json:"server"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
}

type targetParams struct {
	Target string `json:"target"`
}

// ConnectAndRegister инициализирует движок и регистрирует учетную запись.
// При ошибке адаптер возвращается в неинициализированное состояние.
func (a *Adapter) ConnectAndRegister(ctx context.Context, creds backend.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if a.isClosed() || a.isStopping() {
		return backend.NewError(backend.CodeCancelled, "адаптер закрыт")
	}

	// повторная регистрация начинается с чистого моста
	a.teardown(ctx)

	bridge, err := a.dial(ctx)
	if err != nil {
		return backend.NewError(backend.CodeInitializationFailed, "движок недоступен").
			WithCause(err).WithField("url", a.cfg.URL)
	}
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return a.abandon(ctx, bridge, false)
	}
	a.bridge = bridge
	// до снятия блокировки, чтобы close дождался насоса
	a.startPump(bridge)
	a.mu.Unlock()

	var initRes result
	if err := a.call(ctx, bridge, "init", nil, &initRes); err != nil {
		a.teardown(ctx)
		if a.isStopping() {
			return backend.NewError(backend.CodeCancelled, "адаптер отключен во время регистрации")
		}
		return backend.Recode(backend.CodeInitializationFailed, err)
	}
	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()

	params := registerParams{
		Username:  creds.Username,
		Password:  creds.Password,
		Server:    creds.Domain(),
		Port:      creds.Port,
		Transport: creds.Transport.Network(),
	}
	var regRes result
	if err := a.call(ctx, bridge, "register", params, &regRes); err != nil {
		a.teardown(ctx)
		if a.isStopping() {
			return backend.NewError(backend.CodeCancelled, "адаптер отключен во время регистрации")
		}
		return backend.Recode(backend.CodeRegistrationRejected, err)
	}
	if a.isStopping() {
		// регистрация завершилась уже после отключения
		err := a.abandon(ctx, bridge, true)
		a.teardown(ctx)
		return err
	}

	a.logger.Info("Регистрация отправлена в движок",
		slog.String("username", creds.Username),
		slog.String("server", params.Server),
		slog.String("transport", params.Transport))

	a.reconcile(ctx, bridge)
	return nil
}

// reconcile запрашивает полный снимок движка и передает его как событие
// вне словаря, чтобы состояние сессии совпало с состоянием движка.
func (a *Adapter) reconcile(ctx context.Context, bridge Bridge) {
	var snap json.RawMessage
	if err := a.call(ctx, bridge, "getSnapshot", nil, &snap); err != nil {
		a.logger.Debug("Снимок движка недоступен", slog.Any("error", err))
		return
	}
	if len(snap) == 0 {
		return
	}
	a.emit(backend.RawEvent{Backend: backend.NameNative, Tag: "snapshot", Payload: snap})
}

// UnregisterAndDisconnect снимает регистрацию и закрывает мост.
// Ошибки движка только логируются. После вызова канал Events закрыт.
func (a *Adapter) UnregisterAndDisconnect(ctx context.Context) error {
	a.mu.Lock()
	a.stopping = true
	bridge := a.bridge
	initialized := a.initialized
	a.mu.Unlock()

	if bridge != nil && initialized {
		for _, method := range []string{"unregister", "destroy"} {
			if err := a.call(ctx, bridge, method, nil, nil); err != nil {
				a.logger.Warn("Ошибка отключения движка", slog.String("method", method), slog.Any("error", err))
			}
		}
	}
	a.teardown(ctx)
	a.close()
	return nil
}

// teardown закрывает текущий мост без обращения к движку
func (a *Adapter) teardown(ctx context.Context) {
	a.mu.Lock()
	bridge := a.bridge
	a.bridge = nil
	a.initialized = false
	a.pending = 0
	a.mu.Unlock()
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			a.logger.Debug("Ошибка закрытия моста", slog.Any("error", err))
		}
	}
}

// abandon освобождает мост регистрации, прерванной отключением адаптера
func (a *Adapter) abandon(ctx context.Context, bridge Bridge, initialized bool) error {
	if initialized {
		if err := a.call(ctx, bridge, "destroy", nil, nil); err != nil {
			a.logger.Debug("Ошибка остановки движка", slog.Any("error", err))
		}
	}
	if err := bridge.Close(); err != nil {
		a.logger.Debug("Ошибка закрытия моста", slog.Any("error", err))
	}
	a.logger.Info("Регистрация прервана отключением адаптера")
	return backend.NewError(backend.CodeCancelled, "адаптер отключен во время регистрации")
}

func (a *Adapter) isStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopping
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

// StartCall начинает исходящий вызов
func (a *Adapter) StartCall(ctx context.Context, target string, attempt uint64) error {
	if target == "" {
		return backend.NewError(backend.CodeInvalidArgument, "пустой номер вызова")
	}
	bridge, err := a.ready("makeCall")
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.pending = attempt
	a.mu.Unlock()

	var res result
	err = a.call(ctx, bridge, "makeCall", targetParams{Target: target}, &res)

	a.mu.Lock()
	a.pending = 0
	if err == nil {
		// ответ makeCall граница FIFO: дальнейшие события без callId относятся к новой попытке
		a.current = attempt
		a.active = true
		if res.CallID != "" {
			a.trackLocked(res.CallID, attempt)
		}
	}
	a.mu.Unlock()

	if err != nil {
		return backend.Wrap(backend.CodeOperationRejected, err)
	}
	return nil
}

// Answer отвечает на входящий вызов
func (a *Adapter) Answer(ctx context.Context) error {
	return a.simple(ctx, "answerCall", nil)
}

// Reject отклоняет входящий вызов
func (a *Adapter) Reject(ctx context.Context) error {
	return a.simple(ctx, "rejectCall", nil)
}

// Hangup завершает текущий вызов
func (a *Adapter) Hangup(ctx context.Context) error {
	return a.simple(ctx, "hangupCall", nil)
}

// TransferBlind слепой перевод
func (a *Adapter) TransferBlind(ctx context.Context, target string) error {
	return a.simple(ctx, "transferBlind", targetParams{Target: target})
}

// TransferAttended перевод с консультацией
func (a *Adapter) TransferAttended(ctx context.Context, target string) error {
	return a.simple(ctx, "transferAttended", targetParams{Target: target})
}

// SendDTMF отправляет тоны, false если движок не готов или отказал
func (a *Adapter) SendDTMF(ctx context.Context, digits string) bool {
	if digits == "" {
		return false
	}
	return a.simple(ctx, "sendDtmf", map[string]string{"digits": digits}) == nil
}

// SetMuted включает или выключает микрофон
func (a *Adapter) SetMuted(ctx context.Context, muted bool) bool {
	if err := a.simple(ctx, "setMuted", map[string]bool{"muted": muted}); err != nil {
		return false
	}
	a.mu.Lock()
	a.muted = muted
	a.mu.Unlock()
	return true
}

// ToggleMuted переключает микрофон
func (a *Adapter) ToggleMuted(ctx context.Context) bool {
	bridge, err := a.ready("toggleMuted")
	if err != nil {
		return false
	}
	var res result
	if err := a.call(ctx, bridge, "toggleMuted", nil, &res); err != nil {
		a.logger.Warn("toggleMuted отклонен", slog.Any("error", err))
		return false
	}
	a.mu.Lock()
	if res.Muted != nil {
		a.muted = *res.Muted
	} else {
		a.muted = !a.muted
	}
	a.mu.Unlock()
	return true
}

// Muted последнее известное состояние микрофона
func (a *Adapter) Muted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

func (a *Adapter) simple(ctx context.Context, method string, params any) error {
	bridge, err := a.ready(method)
	if err != nil {
		return err
	}
	var res result
	if err := a.call(ctx, bridge, method, params, &res); err != nil {
		a.logger.Warn("Операция движка отклонена", slog.String("method", method), slog.Any("error", err))
		return backend.Wrap(backend.CodeOperationRejected, err)
	}
	return nil
}

// ready возвращает мост или ошибку NotInitialized
func (a *Adapter) ready(op string) (Bridge, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.bridge == nil {
		return nil, backend.NotInitialized(op)
	}
	return a.bridge, nil
}

// call выполняет RPC с таймаутом и переводит success=false в ошибку
func (a *Adapter) call(ctx context.Context, bridge Bridge, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := bridge.Call(ctx, method, params, &raw); err != nil {
		if errors.Is(err, ErrBridgeClosed) {
			return backend.NewError(backend.CodeCancelled, "мост движка закрыт").WithCause(err)
		}
		return err
	}
	if len(raw) > 0 && raw[0] == '{' {
		var res result
		if err := json.Unmarshal(raw, &res); err == nil && res.Success != nil && !*res.Success {
			reason := res.Error
			if reason == "" {
				reason = method + " отклонен движком"
			}
			return backend.NewError(backend.CodeOperationRejected, reason).WithField("method", method)
		}
	}
	if out != nil && len(raw) > 0 {
		if p, ok := out.(*json.RawMessage); ok {
			*p = raw
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backend.Errorf(backend.CodeMalformedEvent, "ответ %s: %v", method, err)
		}
	}
	return nil
}

func (a *Adapter) startPump(bridge Bridge) {
	a.pumps.Add(1)
	go func() {
		defer a.pumps.Done()
		for {
			select {
			case ev, ok := <-bridge.Events():
				if !ok {
					a.bridgeLost(bridge)
					return
				}
				a.emit(backend.RawEvent{
					Backend: backend.NameNative,
					Tag:     ev.Event,
					Payload: ev.Payload,
					Attempt: a.attribute(ev),
				})
			case <-a.done:
				return
			}
		}
	}()
}

// bridgeLost сообщает о потере моста, если он не был закрыт намеренно
func (a *Adapter) bridgeLost(bridge Bridge) {
	a.mu.Lock()
	current := a.bridge == bridge && a.initialized
	if current {
		a.initialized = false
		a.bridge = nil
	}
	a.mu.Unlock()
	if !current {
		return
	}
	a.logger.Error("Соединение с движком потеряно")
	payload, _ := json.Marshal(map[string]string{"lastError": "соединение с движком потеряно"})
	a.emit(backend.RawEvent{Backend: backend.NameNative, Tag: "unregistered", Payload: payload})
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

// attribute относит событие движка к попытке вызова
func (a *Adapter) attribute(ev *Event) uint64 {
	code, known := callCode(ev.Event)
	incoming := known && code == callIncoming
	final := known && (code == callTerminated || code == callIdle)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.CallID != "" {
		if attempt, ok := a.calls[ev.CallID]; ok {
			if final && attempt == a.current {
				a.active = false
			}
			return attempt
		}
		if a.pending != 0 {
			a.trackLocked(ev.CallID, a.pending)
			return a.pending
		}
		if incoming {
			attempt := a.seq.Next()
			a.trackLocked(ev.CallID, attempt)
			a.current = attempt
			a.active = true
			return attempt
		}
		return 0
	}

	// без callId: новая попытка только для входящего вне активного вызова,
	// повтор incoming/incomingCall относится к той же попытке
	if incoming && a.pending == 0 && !a.active {
		a.current = a.seq.Next()
		a.active = true
	}
	// makeCall еще не ответил: событие относится к набираемой попытке
	if a.pending != 0 {
		return a.pending
	}
	attempt := a.current
	if final {
		a.active = false
	}
	return attempt
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

// callCode приводит тег события к коду состояния вызова, если это возможно
func callCode(raw json.RawMessage) (int, bool) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		switch name {
		case "incomingCall":
			return callIncoming, true
		case "callRejected":
			return callTerminated, true
		}
	}
	code, err := CallStates.Decode(raw)
	return code, err == nil
}
