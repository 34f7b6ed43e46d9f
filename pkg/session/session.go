// Package session реализует фасад сессии: единственную точку входа для UI.
//
// Автомат состояния и эмиттер снимков принадлежат одной горутине почтового
// ящика. Команды пользователя и события бэкенда попадают в нее через очередь
// и применяются строго последовательно. Операции адаптера выполняются вне
// почтового ящика, их результаты возвращаются в него отдельным сообщением.
//
// Фасад всегда обращается к текущему адаптеру. Если транспорт сменился во
// время операции, ее результат на прежнем адаптере считается отменой, а
// события прежнего адаптера отбрасываются.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/softphone/pkg/backend"
	"github.com/arzzra/softphone/pkg/machine"
	"github.com/arzzra/softphone/pkg/model"
	"github.com/arzzra/softphone/pkg/native"
	"github.com/arzzra/softphone/pkg/normalizer"
	"github.com/arzzra/softphone/pkg/selector"
	"github.com/arzzra/softphone/pkg/webrtc"
)

// Selector выбор и освобождение адаптера бэкенда
type Selector interface {
	Select(ctx context.Context, t backend.Transport) (selector.Selection, error)
	Release(ctx context.Context)
}

// step вторая фаза операции: обращение к адаптеру
type step func(ctx context.Context) error

// releaseTimeout предел снятия регистрации при закрытии сессии
const releaseTimeout = 5 * time.Second

// Session фасад сессии
type Session struct {
	cfg     Config
	sel     Selector
	seq     *backend.Sequencer
	norm    *normalizer.Normalizer
	metrics *Metrics
	logger  *slog.Logger

	// принадлежат горутине почтового ящика
	machine *machine.Machine
	emitter *machine.Emitter

	mailbox chan func()
	stopped chan struct{}
	started atomic.Bool

	mu      sync.RWMutex
	adapter backend.Adapter
	snap    model.Snapshot
	subs    map[uint64]chan model.Snapshot
	nextSub uint64

	// switchMu упорядочивает смену адаптера, regGen номер последней регистрации
	switchMu sync.Mutex
	regGen   atomic.Uint64

	base       context.Context
	cancelBase context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	taskMu     sync.Mutex
	closing    bool
	tasks      sync.WaitGroup
}

// Option опция сессии
type Option func(*Session)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics задает метрики
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// New создает сессию. seq должен быть тем же счетчиком, что получают адаптеры.
func New(cfg Config, sel Selector, seq *backend.Sequencer, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seq == nil {
		seq = &backend.Sequencer{}
	}
	s := &Session{
		cfg:     cfg,
		sel:     sel,
		seq:     seq,
		logger:  slog.Default(),
		mailbox: make(chan func(), cfg.MailboxSize),
		stopped: make(chan struct{}),
		snap:    model.Initial(),
		subs:    make(map[uint64]chan model.Snapshot),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "session"))
	if s.metrics == nil {
		s.metrics = NewMetrics(nil, DefaultMetricsConfig())
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())

	s.norm = normalizer.New(s.logger)
	s.norm.Register(backend.NameNative, native.Vocabulary())
	s.norm.Register(backend.NameWebSocket, webrtc.Vocabulary())

	s.machine = machine.New(s.logger)
	s.emitter = machine.NewEmitter(s.machine.Snapshot())
	s.metrics.observe(s.snap)
	return s, nil
}

// Start запускает почтовый ящик. Повторный вызов ничего не делает.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Close останавливает сессию, снимает регистрацию и закрывает подписки
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancelBase()
		if s.started.Load() {
			<-s.stopped
		}

		s.switchMu.Lock()
		s.mu.Lock()
		s.adapter = nil
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		s.sel.Release(ctx)
		cancel()
		s.switchMu.Unlock()

		s.taskMu.Lock()
		s.closing = true
		s.taskMu.Unlock()
		s.tasks.Wait()

		s.mu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.mu.Unlock()
		s.logger.Info("Сессия закрыта")
	})
	return nil
}

// post ставит функцию в почтовый ящик. false если сессия остановлена.
func (s *Session) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.stopped:
		return false
	case <-s.done:
		return false
	}
}

// call выполняет fn в почтовом ящике и ждет результата
func (s *Session) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case s.mailbox <- func() { res <- fn() }:
	case <-ctx.Done():
		return backend.Wrap(backend.CodeCancelled, ctx.Err())
	case <-s.stopped:
		return closedError()
	case <-s.done:
		return closedError()
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return backend.Wrap(backend.CodeCancelled, ctx.Err())
	case <-s.stopped:
		return closedError()
	case <-s.done:
		return closedError()
	}
}

func closedError() error {
	return backend.NewError(backend.CodeCancelled, "сессия закрыта")
}

// spawn запускает фоновую задачу, пока сессия не закрывается
func (s *Session) spawn(fn func()) bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if s.closing {
		return false
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
	return true
}

// Snapshot текущий снимок
func (s *Session) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Subscribe подписка на опубликованные снимки. Первым приходит текущий
// снимок. Медленный подписчик теряет самые старые снимки, но не новые.
func (s *Session) Subscribe() (<-chan model.Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan model.Snapshot, s.cfg.SubscriberBuffer)
	select {
	case <-s.done:
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snap.Clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

// publish делает снимок текущим и рассылает его, если эмиттер пропустил
func (s *Session) publish(snap model.Snapshot) {
	s.metrics.observe(snap)
	emit := s.emitter.Offer(snap)

	s.mu.Lock()
	s.snap = snap
	if emit {
		for _, ch := range s.subs {
			deliver(ch, snap.Clone())
		}
	}
	s.mu.Unlock()

	if emit {
		s.metrics.published.Inc()
	} else {
		s.metrics.suppressed.Inc()
	}
}

// deliver отправка без блокировки: при переполнении вытесняется старейший снимок
func deliver(ch chan model.Snapshot, snap model.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *Session) current() backend.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adapter
}

func (s *Session) isCurrent(ad backend.Adapter) bool {
	return ad != nil && s.current() == ad
}

// attach делает адаптер текущим и начинает читать его события
func (s *Session) attach(ad backend.Adapter) {
	s.mu.Lock()
	if s.adapter == ad {
		s.mu.Unlock()
		return
	}
	s.adapter = ad
	s.mu.Unlock()

	s.spawn(func() {
		for raw := range ad.Events() {
			if !s.post(func() { s.onRaw(ad, raw) }) {
				return
			}
		}
	})
}

// onRaw нормализует и применяет событие адаптера
func (s *Session) onRaw(ad backend.Adapter, raw backend.RawEvent) {
	if !s.isCurrent(ad) {
		s.metrics.event(ad.Name(), outcomeDetached)
		return
	}
	env, err := s.norm.Normalize(raw)
	if err != nil {
		s.metrics.event(ad.Name(), outcomeMalformed)
		return
	}
	res := s.machine.Apply(env)
	s.metrics.event(ad.Name(), res.Outcome.String())
	if res.DirectionAssumed {
		s.metrics.directionAssumed.Inc()
	}
	s.logger.Debug("Событие бэкенда",
		slog.String("backend", ad.Name()),
		slog.Any("tag", raw.Tag),
		slog.String("event", env.Event.Kind().String()),
		slog.Uint64("attempt", env.Attempt),
		slog.String("outcome", res.Outcome.String()))
	if res.Outcome == machine.Applied {
		s.publish(res.Snapshot)
	}
}

// finish итог операции адаптера. Ошибка прежнего адаптера считается отменой.
func (s *Session) finish(op string, ad backend.Adapter, err error) error {
	switch {
	case err == nil:
		s.metrics.operation(op, resultOK)
		return nil
	case !s.isCurrent(ad):
		s.metrics.operation(op, resultCancelled)
		return backend.NewError(backend.CodeCancelled, "адаптер заменен").WithField("operation", op)
	}
	s.metrics.operation(op, resultFailed)
	s.logger.Error("Операция адаптера не выполнена",
		slog.String("operation", op),
		slog.String("backend", ad.Name()),
		slog.Any("error", err))
	return err
}

func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// guard проверяет команду в почтовом ящике и возвращает текущий адаптер
func (s *Session) guard(ctx context.Context, cmd machine.Command, then func(ad backend.Adapter) error) (backend.Adapter, error) {
	var ad backend.Adapter
	err := s.call(ctx, func() error {
		ad = s.current()
		if ad == nil {
			return backend.NotInitialized(string(cmd))
		}
		if err := s.machine.Check(cmd); err != nil {
			return err
		}
		if then != nil {
			return then(ad)
		}
		return nil
	})
	if err != nil {
		s.metrics.operation(string(cmd), resultRejected)
		return nil, err
	}
	return ad, nil
}

func (s *Session) prepareRegister(ctx context.Context, creds backend.Credentials) (step, error) {
	if err := creds.Validate(); err != nil {
		s.metrics.operation(string(machine.CmdRegister), resultRejected)
		return nil, err
	}
	gen := s.regGen.Add(1)
	id := model.Identity{Username: creds.Username, Domain: creds.Domain()}
	err := s.call(ctx, func() error {
		s.publish(s.machine.Register(id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Регистрация",
		slog.String("username", creds.Username),
		slog.String("domain", id.Domain),
		slog.String("transport", string(creds.Transport)))
	return func(ctx context.Context) error {
		return s.register(ctx, gen, creds)
	}, nil
}

func (s *Session) register(ctx context.Context, gen uint64, creds backend.Credentials) error {
	const op = string(machine.CmdRegister)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RegisterTimeout)
	defer cancel()

	ad, err := s.switchAdapter(ctx, gen, creds.Transport)
	if err != nil {
		if backend.CodeOf(err) == backend.CodeCancelled {
			s.metrics.operation(op, resultCancelled)
			return err
		}
		s.failRegistration(gen, err)
		s.metrics.operation(op, resultFailed)
		return err
	}

	err = ad.ConnectAndRegister(ctx, creds)
	if err != nil && s.regGen.Load() != gen {
		s.metrics.operation(op, resultCancelled)
		return backend.NewError(backend.CodeCancelled, "регистрация заменена новой")
	}
	if err != nil && s.isCurrent(ad) {
		s.failRegistration(gen, err)
	}
	return s.finish(op, ad, err)
}

// switchAdapter выбирает адаптер, если регистрация gen еще актуальна
func (s *Session) switchAdapter(ctx context.Context, gen uint64, t backend.Transport) (backend.Adapter, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	if s.regGen.Load() != gen {
		return nil, backend.NewError(backend.CodeCancelled, "регистрация заменена новой")
	}
	sel, err := s.sel.Select(ctx, t)
	if err != nil {
		return nil, err
	}
	if sel.Fallback {
		s.metrics.fallbacks.WithLabelValues(string(sel.Transport)).Inc()
	}
	s.attach(sel.Adapter)
	return sel.Adapter, nil
}

func (s *Session) failRegistration(gen uint64, err error) {
	reason := backend.ReasonOf(err)
	s.post(func() {
		if s.regGen.Load() != gen {
			return
		}
		res := s.machine.Apply(model.Envelope{Event: model.RegistrationFailed{Reason: reason}})
		s.publish(res.Snapshot)
	})
}

func (s *Session) prepareUnregister(ctx context.Context) (step, error) {
	s.regGen.Add(1)

	// отсоединяем адаптер до оптимистичного снимка, чтобы его события
	// не вернули прежнее состояние
	s.switchMu.Lock()
	s.mu.Lock()
	s.adapter = nil
	s.mu.Unlock()
	s.switchMu.Unlock()

	err := s.call(ctx, func() error {
		s.publish(s.machine.Unregister())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		s.switchMu.Lock()
		defer s.switchMu.Unlock()
		s.sel.Release(ctx)
		s.metrics.operation(string(machine.CmdUnregister), resultOK)
		s.logger.Info("Регистрация снята")
		return nil
	}, nil
}

func (s *Session) prepareDial(ctx context.Context, target string) (step, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		s.metrics.operation(string(machine.CmdDial), resultRejected)
		return nil, backend.NewError(backend.CodeInvalidArgument, "пустой номер вызова")
	}
	var attempt uint64
	ad, err := s.guard(ctx, machine.CmdDial, func(backend.Adapter) error {
		attempt = s.seq.Next()
		snap, err := s.machine.Dial(target, attempt)
		if err != nil {
			return err
		}
		s.publish(snap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Исходящий вызов", slog.String("target", target), slog.Uint64("attempt", attempt))

	return func(ctx context.Context) error {
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		opErr := ad.StartCall(ctx, target, attempt)
		s.post(func() { s.dialResolved(ad, attempt, target, opErr) })
		return s.finish(string(machine.CmdDial), ad, opErr)
	}, nil
}

// dialResolved применяет результат StartCall. Поздний успех после сброса
// вызова не воскрешает его: вызов на стороне бэкенда завершается.
func (s *Session) dialResolved(ad backend.Adapter, attempt uint64, target string, opErr error) {
	if !s.isCurrent(ad) {
		return
	}
	if opErr != nil {
		res := s.machine.Fail(attempt, backend.ReasonOf(opErr))
		if res.Outcome == machine.Applied {
			s.publish(res.Snapshot)
		}
		return
	}

	cur, closed := s.machine.Attempt()
	if cur == attempt && closed {
		s.logger.Warn("Подтверждение набора после сброса вызова, вызов завершается",
			slog.Uint64("attempt", attempt),
			slog.String("backend", ad.Name()))
		s.metrics.event(ad.Name(), outcomeStale)
		s.spawn(func() {
			ctx, cancel := s.opContext(s.base)
			defer cancel()
			if err := ad.Hangup(ctx); err != nil {
				s.logger.Debug("Завершение позднего вызова", slog.Any("error", err))
			}
		})
		return
	}

	res := s.machine.Apply(model.Envelope{
		Event:   model.CallStarted{Target: target},
		Attempt: attempt,
		Backend: ad.Name(),
	})
	if res.Outcome == machine.Applied {
		s.publish(res.Snapshot)
	}
}

func (s *Session) prepareAnswer(ctx context.Context) (step, error) {
	var attempt uint64
	ad, err := s.guard(ctx, machine.CmdAnswer, func(backend.Adapter) error {
		var err error
		attempt, err = s.machine.Answer()
		return err
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		opErr := ad.Answer(ctx)
		if opErr != nil {
			reason := backend.ReasonOf(opErr)
			s.post(func() {
				if !s.isCurrent(ad) {
					return
				}
				if res := s.machine.Fail(attempt, reason); res.Outcome == machine.Applied {
					s.publish(res.Snapshot)
				}
			})
		}
		return s.finish(string(machine.CmdAnswer), ad, opErr)
	}, nil
}

// prepareReset общая часть reject и hangup: оптимистичный сброс вызова
func (s *Session) prepareReset(ctx context.Context, cmd machine.Command, reset func() (model.Snapshot, error), op func(backend.Adapter, context.Context) error) (step, error) {
	ad, err := s.guard(ctx, cmd, func(backend.Adapter) error {
		snap, err := reset()
		if err != nil {
			return err
		}
		s.publish(snap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		return s.finish(string(cmd), ad, op(ad, ctx))
	}, nil
}

func (s *Session) prepareReject(ctx context.Context) (step, error) {
	return s.prepareReset(ctx, machine.CmdReject, s.machine.Reject, backend.Adapter.Reject)
}

func (s *Session) prepareHangup(ctx context.Context) (step, error) {
	return s.prepareReset(ctx, machine.CmdHangup, s.machine.Hangup, backend.Adapter.Hangup)
}

// prepareMute. toggle переключает состояние текущего снимка.
func (s *Session) prepareMute(ctx context.Context, muted, toggle bool) (step, error) {
	ad, err := s.guard(ctx, machine.CmdMute, func(backend.Adapter) error {
		if toggle {
			muted = !s.machine.Snapshot().Muted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		if !ad.SetMuted(ctx, muted) {
			opErr := backend.Rejected("setMuted", "микрофон не переключен")
			s.reportError(ad, opErr)
			return s.finish(string(machine.CmdMute), ad, opErr)
		}
		s.post(func() {
			if s.isCurrent(ad) {
				s.publish(s.machine.SetMuted(muted))
			}
		})
		return s.finish(string(machine.CmdMute), ad, nil)
	}, nil
}

// reportError показывает в lastError отказ операции, не меняющей вызов
func (s *Session) reportError(ad backend.Adapter, err error) {
	reason := backend.ReasonOf(err)
	s.post(func() {
		if s.isCurrent(ad) {
			s.publish(s.machine.SetError(reason))
		}
	})
}

func (s *Session) prepareDTMF(ctx context.Context, digits string) (step, error) {
	digits = strings.TrimSpace(digits)
	if digits == "" {
		s.metrics.operation(string(machine.CmdDTMF), resultRejected)
		return nil, backend.NewError(backend.CodeInvalidArgument, "пустая последовательность DTMF")
	}
	ad, err := s.guard(ctx, machine.CmdDTMF, nil)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		if !ad.SendDTMF(ctx, digits) {
			opErr := backend.Rejected("sendDtmf", "DTMF не отправлен")
			s.reportError(ad, opErr)
			return s.finish(string(machine.CmdDTMF), ad, opErr)
		}
		return s.finish(string(machine.CmdDTMF), ad, nil)
	}, nil
}

func (s *Session) prepareTransfer(ctx context.Context, kind TransferKind, target string) (step, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		s.metrics.operation(string(machine.CmdTransfer), resultRejected)
		return nil, backend.NewError(backend.CodeInvalidArgument, "пустой адрес перевода")
	}
	transfer := backend.Adapter.TransferBlind
	switch kind {
	case TransferBlind:
	case TransferAttended:
		transfer = backend.Adapter.TransferAttended
	default:
		s.metrics.operation(string(machine.CmdTransfer), resultRejected)
		return nil, backend.Errorf(backend.CodeInvalidArgument, "неизвестный вид перевода %q", kind)
	}
	ad, err := s.guard(ctx, machine.CmdTransfer, nil)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		ctx, cancel := s.opContext(ctx)
		defer cancel()
		opErr := transfer(ad, ctx, target)
		if opErr != nil {
			// перевод не удался, вызов продолжается
			reason := backend.ReasonOf(opErr)
			s.post(func() {
				if !s.isCurrent(ad) {
					return
				}
				res := s.machine.Apply(model.Envelope{Event: model.TransferFailed{Reason: reason}, Backend: ad.Name()})
				if res.Outcome == machine.Applied {
					s.publish(res.Snapshot)
				}
			})
		}
		return s.finish(string(machine.CmdTransfer), ad, opErr)
	}, nil
}

func run(ctx context.Context, st step, err error) error {
	if err != nil {
		return err
	}
	return st(ctx)
}

// Register регистрирует учетную запись на выбранном по транспорту бэкенде
func (s *Session) Register(ctx context.Context, creds backend.Credentials) error {
	st, err := s.prepareRegister(ctx, creds)
	return run(ctx, st, err)
}

// Unregister снимает регистрацию и закрывает адаптер
func (s *Session) Unregister(ctx context.Context) error {
	st, err := s.prepareUnregister(ctx)
	return run(ctx, st, err)
}

// Dial начинает исходящий вызов
func (s *Session) Dial(ctx context.Context, target string) error {
	st, err := s.prepareDial(ctx, target)
	return run(ctx, st, err)
}

// Answer отвечает на входящий вызов
func (s *Session) Answer(ctx context.Context) error {
	st, err := s.prepareAnswer(ctx)
	return run(ctx, st, err)
}

// Reject отклоняет входящий вызов
func (s *Session) Reject(ctx context.Context) error {
	st, err := s.prepareReject(ctx)
	return run(ctx, st, err)
}

// Hangup завершает вызов. Допустим до подтверждения набора.
func (s *Session) Hangup(ctx context.Context) error {
	st, err := s.prepareHangup(ctx)
	return run(ctx, st, err)
}

// Mute включает или выключает микрофон
func (s *Session) Mute(ctx context.Context, muted bool) bool {
	st, err := s.prepareMute(ctx, muted, false)
	return run(ctx, st, err) == nil
}

// ToggleMute переключает микрофон
func (s *Session) ToggleMute(ctx context.Context) bool {
	st, err := s.prepareMute(ctx, false, true)
	return run(ctx, st, err) == nil
}

// SendDTMF отправляет тоны в установленном вызове
func (s *Session) SendDTMF(ctx context.Context, digits string) bool {
	st, err := s.prepareDTMF(ctx, digits)
	return run(ctx, st, err) == nil
}

// Transfer переводит установленный вызов
func (s *Session) Transfer(ctx context.Context, kind TransferKind, target string) error {
	st, err := s.prepareTransfer(ctx, kind, target)
	return run(ctx, st, err)
}
