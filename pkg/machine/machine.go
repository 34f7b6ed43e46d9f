// Package machine содержит конечный автомат сессии и эмиттер снимков.
//
// Machine не потокобезопасен: все команды и события применяются из одного
// последовательного контекста (почтового ящика фасада). События вызова
// сопоставляются с номером попытки, поздние подтверждения отбрасываются.
package machine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/looplab/fsm"

	"github.com/arzzra/softphone/pkg/model"
)

// Command команда пользователя
type Command string

const (
	CmdRegister   Command = "register"
	CmdUnregister Command = "unregister"
	CmdDial       Command = "dial"
	CmdAnswer     Command = "answer"
	CmdReject     Command = "reject"
	CmdHangup     Command = "hangup"
	CmdMute       Command = "mute"
	CmdDTMF       Command = "dtmf"
	CmdTransfer   Command = "transfer"
)

// ErrInvalidCommand команда недопустима в текущем состоянии
var ErrInvalidCommand = errors.New("команда недопустима в текущем состоянии")

// Outcome итог применения события
type Outcome int

const (
	Applied Outcome = iota
	Ignored
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Result результат перехода
type Result struct {
	Snapshot model.Snapshot
	Outcome  Outcome
	// DirectionAssumed направление вызова не было известно и принято Outgoing
	DirectionAssumed bool
}

// Machine автомат состояния сессии
type Machine struct {
	snap model.Snapshot

	// attempt номер текущей попытки вызова, closed попытка уже завершена
	attempt uint64
	closed  bool
	// target номер последнего набора, если подтверждение придет без него
	target string

	guards *fsm.FSM
	logger *slog.Logger
}

// New создает автомат в состоянии (Idle, Idle)
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		snap:   model.Initial(),
		closed: true,
		guards: newGuards(),
		logger: logger.With(slog.String("component", "session_machine")),
	}
}

// newGuards таблица допустимых команд по статусу вызова
func newGuards() *fsm.FSM {
	var (
		idle        = model.CallIdle.String()
		dialing     = model.CallDialing.String()
		ringing     = model.CallRinging.String()
		incoming    = model.CallIncoming.String()
		established = model.CallEstablished.String()
		terminating = model.CallTerminating.String()
		failed      = model.CallFailed.String()
	)
	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: string(CmdDial), Src: []string{idle}, Dst: dialing},
			{Name: string(CmdAnswer), Src: []string{incoming, ringing}, Dst: established},
			{Name: string(CmdReject), Src: []string{incoming, ringing}, Dst: idle},
			{Name: string(CmdHangup), Src: []string{dialing, ringing, incoming, established, terminating, failed}, Dst: idle},
			{Name: string(CmdTransfer), Src: []string{established}, Dst: established},
			{Name: string(CmdDTMF), Src: []string{established}, Dst: established},
		},
		fsm.Callbacks{},
	)
}

// Snapshot текущий снимок
func (m *Machine) Snapshot() model.Snapshot {
	return m.snap.Clone()
}

// Attempt номер текущей попытки вызова и признак ее завершения
func (m *Machine) Attempt() (uint64, bool) {
	return m.attempt, m.closed
}

// Check проверяет, допустима ли команда в текущем состоянии
func (m *Machine) Check(cmd Command) error {
	st := m.snap.CallStatus
	switch cmd {
	case CmdRegister, CmdUnregister:
		return nil
	case CmdMute:
		if !m.snap.HasCall() {
			return invalid(cmd, st)
		}
		return nil
	case CmdDial, CmdAnswer, CmdReject, CmdHangup, CmdTransfer, CmdDTMF:
		m.guards.SetState(st.String())
		if !m.guards.Can(string(cmd)) {
			return invalid(cmd, st)
		}
		if cmd == CmdAnswer && m.snap.CallDirection != model.DirectionIncoming {
			return invalid(cmd, st)
		}
		return nil
	}
	return fmt.Errorf("неизвестная команда %q: %w", cmd, ErrInvalidCommand)
}

func invalid(cmd Command, st model.CallStatus) error {
	return fmt.Errorf("%s в состоянии %s: %w", cmd, st, ErrInvalidCommand)
}

// Register оптимистичное начало регистрации
func (m *Machine) Register(id model.Identity) model.Snapshot {
	next := m.snap.Clone()
	next.Connection = model.ConnectionConnecting
	next.Identity = &id
	next.LastError = ""
	return m.commit(next, "register").Snapshot
}

// Unregister оптимистичное снятие регистрации. Вызов, если он был,
// завершается вместе с транспортом.
func (m *Machine) Unregister() model.Snapshot {
	next := m.snap.Clone()
	next.Connection = model.ConnectionUnregistered
	next.Identity = nil
	if next.HasCall() {
		next = resetCall(next)
		m.closed = true
	}
	next.Muted = false
	return m.commit(next, "unregister").Snapshot
}

// Dial оптимистичное начало исходящего вызова с новой попыткой
func (m *Machine) Dial(target string, attempt uint64) (model.Snapshot, error) {
	if err := m.Check(CmdDial); err != nil {
		return m.Snapshot(), err
	}
	m.attempt = attempt
	m.closed = false
	m.target = target

	next := m.snap.Clone()
	next.CallStatus = model.CallDialing
	next.CallDirection = model.DirectionOutgoing
	next.RemotePeer = target
	next.Incoming = nil
	next.LastError = ""
	return m.commit(next, "dial").Snapshot, nil
}

// Answer проверяет команду и возвращает попытку, к которой она относится.
// Ноль означает вызов без номера попытки.
func (m *Machine) Answer() (uint64, error) {
	if err := m.Check(CmdAnswer); err != nil {
		return 0, err
	}
	return m.openAttempt(), nil
}

// Reject оптимистично сбрасывает входящий вызов и закрывает попытку
func (m *Machine) Reject() (model.Snapshot, error) {
	if err := m.Check(CmdReject); err != nil {
		return m.Snapshot(), err
	}
	m.closed = true
	return m.commit(resetCall(m.snap.Clone()), "reject").Snapshot, nil
}

// Hangup оптимистично завершает вызов и закрывает попытку. Допустим и до
// подтверждения набора: позднее подтверждение будет отброшено.
func (m *Machine) Hangup() (model.Snapshot, error) {
	if err := m.Check(CmdHangup); err != nil {
		return m.Snapshot(), err
	}
	m.closed = true
	return m.commit(resetCall(m.snap.Clone()), "hangup").Snapshot, nil
}

func (m *Machine) openAttempt() uint64 {
	if m.closed {
		return 0
	}
	return m.attempt
}

// Fail переводит вызов попытки attempt в Failed после отказа адаптера.
// Отказ по завершенной или старой попытке отбрасывается.
func (m *Machine) Fail(attempt uint64, reason string) Result {
	if attempt != 0 && (attempt != m.attempt || m.closed) {
		m.logger.Debug("Отказ по завершенной попытке отброшен",
			slog.Uint64("attempt", attempt),
			slog.Uint64("current", m.attempt))
		return Result{Snapshot: m.Snapshot(), Outcome: Stale}
	}
	if !m.snap.HasCall() {
		return Result{Snapshot: m.Snapshot(), Outcome: Ignored}
	}
	next := m.snap.Clone()
	next.CallStatus = model.CallFailed
	next.LastError = reason
	return m.commit(next, "fail")
}

// SetMuted фиксирует подтвержденное адаптером состояние микрофона
func (m *Machine) SetMuted(muted bool) model.Snapshot {
	next := m.snap.Clone()
	next.Muted = muted
	return m.commit(next, "mute").Snapshot
}

// SetError фиксирует причину отказа операции, состояние вызова не меняется
func (m *Machine) SetError(reason string) model.Snapshot {
	next := m.snap.Clone()
	next.LastError = reason
	return m.commit(next, "error").Snapshot
}

// Apply применяет нормализованное событие
func (m *Machine) Apply(env model.Envelope) Result {
	ev := env.Event
	if ev == nil {
		return Result{Snapshot: m.Snapshot(), Outcome: Ignored}
	}

	if env.Attempt == 0 && m.unattributedAfterClose(ev) {
		m.logger.Warn("Отброшено подтверждение без попытки после завершения вызова",
			slog.String("event", ev.Kind().String()),
			slog.Uint64("current", m.attempt),
			slog.String("backend", env.Backend))
		return Result{Snapshot: m.Snapshot(), Outcome: Stale}
	}

	if env.Attempt != 0 && gated(ev) {
		switch {
		case env.Attempt < m.attempt, env.Attempt == m.attempt && m.closed:
			m.logger.Warn("Отброшено позднее событие вызова",
				slog.String("event", ev.Kind().String()),
				slog.Uint64("attempt", env.Attempt),
				slog.Uint64("current", m.attempt),
				slog.String("backend", env.Backend))
			return Result{Snapshot: m.Snapshot(), Outcome: Stale}
		case env.Attempt > m.attempt:
			// новую попытку открывает только входящий вызов в Idle
			if ev.Kind() != model.KindIncomingCall || m.snap.CallStatus != model.CallIdle {
				m.logger.Debug("Событие неизвестной попытки проигнорировано",
					slog.String("event", ev.Kind().String()),
					slog.Uint64("attempt", env.Attempt),
					slog.Uint64("current", m.attempt))
				return Result{Snapshot: m.Snapshot(), Outcome: Ignored}
			}
			m.attempt = env.Attempt
			m.closed = false
		}
	}

	next, ok := m.transition(ev)
	if !ok {
		m.logger.Debug("Событие не меняет состояние",
			slog.String("event", ev.Kind().String()),
			slog.String("call_status", m.snap.CallStatus.String()))
		return Result{Snapshot: m.Snapshot(), Outcome: Ignored}
	}
	return m.commit(next, ev.Kind().String())
}

// unattributedAfterClose исходящее подтверждение без попытки, пришедшее в Idle
// после закрытой попытки. Относить его не к чему, вызов уже завершен.
func (m *Machine) unattributedAfterClose(ev model.Event) bool {
	if m.attempt == 0 || !m.closed || m.snap.CallStatus != model.CallIdle {
		return false
	}
	switch ev.Kind() {
	case model.KindCallStarted, model.KindDialing, model.KindRinging, model.KindEstablished:
		return true
	}
	return false
}

// gated события, которые сопоставляются с попыткой вызова
func gated(ev model.Event) bool {
	if ev.Kind().CallScoped() {
		return true
	}
	u, ok := ev.(model.Unknown)
	return ok && u.Patch.CallStatus != nil
}

// transition таблица переходов. false означает, что событие неприменимо.
func (m *Machine) transition(ev model.Event) (model.Snapshot, bool) {
	cur := m.snap.Clone()
	st := cur.CallStatus

	switch e := ev.(type) {
	case model.Registered:
		cur.Connection = model.ConnectionRegistered
		cur.LastError = ""
		m.logger.Info("Регистрация подтверждена")

	case model.Unregistered:
		cur.Connection = model.ConnectionUnregistered

	case model.RegistrationFailed:
		cur.Connection = model.ConnectionError
		cur.LastError = e.Reason
		m.logger.Info("Регистрация отклонена", slog.String("reason", e.Reason))

	case model.IncomingCall:
		if st != model.CallIdle {
			return cur, false
		}
		info := e.Info
		cur.CallStatus = model.CallIncoming
		cur.CallDirection = model.DirectionIncoming
		cur.Incoming = &info
		cur.RemotePeer = info.User
		cur.LastError = ""
		m.logger.Info("Входящий вызов",
			slog.String("from", info.User),
			slog.String("display_name", info.DisplayName))

	case model.CallStarted:
		return m.outgoing(cur, e.Target)

	case model.Dialing:
		return m.outgoing(cur, e.Peer)

	case model.Ringing:
		switch st {
		case model.CallDialing, model.CallIncoming, model.CallRinging:
		default:
			return cur, false
		}
		cur.CallStatus = model.CallRinging
		if e.Peer != "" {
			cur.RemotePeer = e.Peer
		} else if cur.RemotePeer == "" && cur.Incoming != nil {
			cur.RemotePeer = cur.Incoming.User
		}

	case model.ConnectingMedia:
		// промежуточный шаг, отдельного наблюдаемого состояния нет
		if st != model.CallRinging && st != model.CallDialing {
			return cur, false
		}
		cur.CallStatus = model.CallRinging

	case model.Established:
		if st == model.CallIdle {
			return cur, false
		}
		cur.CallStatus = model.CallEstablished
		if cur.CallDirection == model.DirectionNone {
			cur.CallDirection = e.Direction
		}
		if e.Peer != "" {
			cur.RemotePeer = e.Peer
		}
		if st != model.CallEstablished {
			m.logger.Info("Вызов установлен",
				slog.String("peer", cur.RemotePeer),
				slog.String("direction", cur.CallDirection.String()))
		}

	case model.Terminated:
		if st.Active() {
			m.closed = true
			m.logger.Info("Вызов завершен", slog.String("reason", e.Reason))
		}
		cur = resetCall(cur)

	case model.MuteChanged:
		cur.Muted = e.Muted

	case model.TransferSucceeded:
		m.logger.Info("Перевод вызова выполнен")

	case model.TransferFailed:
		cur.LastError = e.Reason
		m.logger.Info("Перевод вызова не удался", slog.String("reason", e.Reason))

	case model.DtmfReceived:
		m.logger.Debug("Получен DTMF", slog.String("digit", e.Digit))

	case model.Unknown:
		cur = e.Patch.Apply(cur)
		if cur.CallStatus == model.CallTerminated && st.Active() {
			m.closed = true
		}

	default:
		return cur, false
	}
	return cur, true
}

// outgoing подтверждение исходящего вызова: из Idle начинает вызов,
// в Dialing только дополняет номер
func (m *Machine) outgoing(cur model.Snapshot, peer string) (model.Snapshot, bool) {
	switch cur.CallStatus {
	case model.CallIdle:
		if peer == "" {
			peer = m.target
		}
		cur.CallStatus = model.CallDialing
		cur.CallDirection = model.DirectionOutgoing
		cur.RemotePeer = peer
		cur.Incoming = nil
		cur.LastError = ""
		return cur, true
	case model.CallDialing:
		if cur.RemotePeer == "" {
			if peer == "" {
				peer = m.target
			}
			cur.RemotePeer = peer
		}
		return cur, true
	}
	return cur, false
}

// resetCall сброс после завершения вызова
func resetCall(s model.Snapshot) model.Snapshot {
	s.CallStatus = model.CallIdle
	s.CallDirection = model.DirectionNone
	s.Incoming = nil
	s.RemotePeer = ""
	s.LastError = ""
	s.Muted = false
	return s
}

// commit приводит снимок к инвариантам и делает его текущим
func (m *Machine) commit(next model.Snapshot, cause string) Result {
	res := Result{Outcome: Applied}

	switch {
	case next.CallStatus == model.CallTerminated:
		// Terminated не хранится как статус
		next = resetCall(next)
	case next.CallStatus == model.CallIdle:
		next.CallDirection = model.DirectionNone
		next.RemotePeer = ""
	case next.CallDirection == model.DirectionNone:
		if next.CallStatus == model.CallIncoming {
			next.CallDirection = model.DirectionIncoming
		} else {
			// TODO: проверить на реальном трафике движка, что Established без направления бывает только у исходящих
			next.CallDirection = model.DirectionOutgoing
			res.DirectionAssumed = true
			m.logger.Warn("Направление вызова неизвестно, принято outgoing",
				slog.String("cause", cause),
				slog.String("call_status", next.CallStatus.String()))
		}
	}

	// сведения о входящем живут только в статусе Incoming
	if next.CallStatus != model.CallIncoming {
		next.Incoming = nil
	}

	if m.snap.CallStatus != next.CallStatus {
		m.logger.Debug("Переход состояния вызова",
			slog.String("cause", cause),
			slog.String("from", m.snap.CallStatus.String()),
			slog.String("to", next.CallStatus.String()))
	}
	m.snap = next
	res.Snapshot = next.Clone()
	return res
}
