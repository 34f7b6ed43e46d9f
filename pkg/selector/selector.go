// Package selector выбирает адаптер бэкенда по запрошенному транспорту.
//
// websocket-secure всегда обслуживается адаптером WebSocket. datagram и
// stream требуют нативного движка; если движок недоступен, выбирается
// WebSocket с предупреждением, вызов продолжается в деградированном режиме.
package selector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/softphone/pkg/backend"
	"github.com/arzzra/softphone/pkg/native"
	"github.com/arzzra/softphone/pkg/webrtc"
)

// Config настройки обоих бэкендов
type Config struct {
	Native native.Config `yaml:"native"`
	WebRTC webrtc.Config `yaml:"webrtc"`
}

// Factory создает адаптер бэкенда
type Factory func(seq *backend.Sequencer, logger *slog.Logger) backend.Adapter

// Selection результат выбора адаптера
type Selection struct {
	Adapter backend.Adapter
	// Transport запрошенный транспорт после разбора псевдонимов
	Transport backend.Transport
	// Fallback нативный движок недоступен, выбран WebSocket
	Fallback bool
	// Reused транспорт не изменился, адаптер прежний
	Reused bool
}

// Backends отчет о доступных бэкендах
type Backends struct {
	WebSocket  bool                `json:"websocket"`
	Native     bool                `json:"native"`
	Transports []backend.Transport `json:"transports"`
}

// Selector владеет текущим адаптером и заменяет его при смене транспорта
type Selector struct {
	cfg    Config
	seq    *backend.Sequencer
	logger *slog.Logger

	newNative    Factory
	newWebSocket Factory
	available    func() bool

	mu        sync.Mutex
	current   backend.Adapter
	transport backend.Transport
}

// Option опция селектора
type Option func(*Selector)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

// WithNativeFactory подменяет создание нативного адаптера
func WithNativeFactory(f Factory) Option {
	return func(s *Selector) { s.newNative = f }
}

// WithWebSocketFactory подменяет создание адаптера WebSocket
func WithWebSocketFactory(f Factory) Option {
	return func(s *Selector) { s.newWebSocket = f }
}

// WithAvailability подменяет проверку доступности нативного движка
func WithAvailability(f func() bool) Option {
	return func(s *Selector) { s.available = f }
}

// New создает селектор. seq общий счетчик попыток сессии, передается адаптерам.
func New(cfg Config, seq *backend.Sequencer, opts ...Option) *Selector {
	s := &Selector{
		cfg:    cfg,
		seq:    seq,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "backend_selector"))
	if s.newNative == nil {
		s.newNative = func(seq *backend.Sequencer, l *slog.Logger) backend.Adapter {
			return native.NewAdapter(s.cfg.Native, seq, native.WithLogger(l))
		}
	}
	if s.newWebSocket == nil {
		s.newWebSocket = func(seq *backend.Sequencer, l *slog.Logger) backend.Adapter {
			return webrtc.NewAdapter(s.cfg.WebRTC, seq, webrtc.WithLogger(l))
		}
	}
	if s.available == nil {
		s.available = func() bool { return native.Available(s.cfg.Native) }
	}
	return s
}

// Select возвращает адаптер для транспорта. Если адаптер уже создан для
// другого транспорта, прежний закрывается до создания нового.
func (s *Selector) Select(ctx context.Context, t backend.Transport) (Selection, error) {
	t, err := backend.ParseTransport(string(t))
	if err != nil {
		return Selection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.transport == t {
		return Selection{Adapter: s.current, Transport: t, Reused: true}, nil
	}
	if s.current != nil {
		s.logger.Info("Смена транспорта, прежний адаптер закрывается",
			slog.String("from", string(s.transport)),
			slog.String("to", string(t)))
		s.teardownLocked(ctx)
	}

	sel := Selection{Transport: t}
	switch {
	case !t.Native():
		sel.Adapter = s.newWebSocket(s.seq, s.logger)
	case s.available():
		sel.Adapter = s.newNative(s.seq, s.logger)
	default:
		s.logger.Warn("Нативный движок недоступен, используется WebSocket",
			slog.String("transport", string(t)))
		sel.Adapter = s.newWebSocket(s.seq, s.logger)
		sel.Fallback = true
	}

	s.current = sel.Adapter
	s.transport = t
	s.logger.Info("Выбран бэкенд",
		slog.String("transport", string(t)),
		slog.String("backend", sel.Adapter.Name()),
		slog.Bool("fallback", sel.Fallback))
	return sel, nil
}

// Current текущий адаптер или nil
func (s *Selector) Current() backend.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Release закрывает текущий адаптер. Ошибки адаптера не возвращаются.
func (s *Selector) Release(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(ctx)
}

func (s *Selector) teardownLocked(ctx context.Context) {
	prev := s.current
	s.current = nil
	s.transport = ""
	if prev == nil {
		return
	}
	if err := prev.UnregisterAndDisconnect(ctx); err != nil {
		s.logger.Debug("Ошибка закрытия адаптера проигнорирована",
			slog.String("backend", prev.Name()),
			slog.Any("error", err))
	}
}

// AvailableBackends отчет о бэкендах текущего окружения
func (s *Selector) AvailableBackends() Backends {
	b := Backends{
		WebSocket:  true,
		Native:     s.available(),
		Transports: []backend.Transport{backend.TransportWebSocketSecure},
	}
	if b.Native {
		b.Transports = append(b.Transports, backend.TransportDatagram, backend.TransportStream)
	}
	return b
}

// RequiresNative сообщает, нужен ли транспорту нативный движок
func RequiresNative(t backend.Transport) bool {
	t, err := backend.ParseTransport(string(t))
	return err == nil && t.Native()
}
