package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/softphone/pkg/model"
)

// Sink получатель завершенных записей
type Sink interface {
	Add(ctx context.Context, e Entry) error
}

// call вызов, за которым сейчас следит рекордер
type call struct {
	entry       Entry
	established time.Time
	failed      bool
	lastError   string
	rejected    bool
}

// Recorder строит записи журнала по последовательности снимков: одна
// запись на вызов, от первого активного статуса до возврата в Idle.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	cur *call
}

// RecorderOption опция рекордера
type RecorderOption func(*Recorder)

// WithRecorderLogger задает логгер
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithClock задает источник времени
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder создает рекордер
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:   sink,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "call_history"))
	return r
}

// Run читает снимки до закрытия канала или отмены ctx
func (r *Recorder) Run(ctx context.Context, snaps <-chan model.Snapshot) {
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if e, done := r.Observe(snap); done {
				if err := r.sink.Add(ctx, e); err != nil {
					r.logger.Error("Запись журнала не сохранена",
						slog.String("id", e.ID),
						slog.Any("error", err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// MarkRejected помечает текущий входящий вызов как отклоненный пользователем.
// Возвращает функцию отмены пометки на случай, если отклонение не прошло.
func (r *Recorder) MarkRejected() (undo func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cur
	if c == nil || c.entry.Direction != DirectionIncoming {
		return func() {}
	}
	c.rejected = true
	return func() {
		r.mu.Lock()
		c.rejected = false
		r.mu.Unlock()
	}
}

// Observe учитывает снимок. true означает, что вызов завершен и запись готова.
func (r *Recorder) Observe(snap model.Snapshot) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if !snap.HasCall() {
		if r.cur == nil {
			return Entry{}, false
		}
		e := r.cur.finish(now)
		r.cur = nil
		r.logger.Info("Вызов записан в журнал",
			slog.String("id", e.ID),
			slog.String("number", e.Number),
			slog.String("status", string(e.Status)),
			slog.Int64("duration", e.Duration))
		return e, true
	}

	if r.cur == nil {
		r.cur = &call{entry: Entry{
			ID:        uuid.NewString(),
			Direction: DirectionOutgoing,
			StartTime: now,
		}}
		if snap.CallDirection == model.DirectionIncoming || snap.CallStatus == model.CallIncoming {
			r.cur.entry.Direction = DirectionIncoming
		}
	}
	c := r.cur

	if c.entry.Number == "" {
		c.entry.Number = snap.RemotePeer
	}
	if snap.Incoming != nil {
		if c.entry.Number == "" {
			c.entry.Number = snap.Incoming.User
		}
		if c.entry.DisplayName == "" {
			c.entry.DisplayName = snap.Incoming.DisplayName
		}
	}
	if snap.LastError != "" {
		c.lastError = snap.LastError
	}
	switch snap.CallStatus {
	case model.CallEstablished:
		if c.established.IsZero() {
			c.established = now
		}
	case model.CallFailed:
		c.failed = true
	}
	return Entry{}, false
}

func (c *call) finish(now time.Time) Entry {
	e := c.entry
	e.EndTime = now
	if !c.established.IsZero() {
		e.Duration = int64(now.Sub(c.established) / time.Second)
	}

	switch {
	case c.failed:
		e.Status = StatusFailed
	case !c.established.IsZero() && e.Direction == DirectionIncoming:
		e.Status = StatusAnswered
	case !c.established.IsZero():
		e.Status = StatusCompleted
	case e.Direction == DirectionIncoming && c.rejected:
		e.Status = StatusRejected
	case e.Direction == DirectionIncoming:
		e.Status = StatusMissed
	case c.lastError != "":
		e.Status = StatusFailed
	default:
		e.Status = StatusCompleted
	}
	return e
}
