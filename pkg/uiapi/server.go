// Package uiapi HTTP граница для UI: намерения пользователя, поток снимков
// по WebSocket, журнал вызовов и доступные бэкенды.
package uiapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arzzra/softphone/pkg/backend"
	"github.com/arzzra/softphone/pkg/history"
	"github.com/arzzra/softphone/pkg/machine"
	"github.com/arzzra/softphone/pkg/model"
	"github.com/arzzra/softphone/pkg/selector"
	"github.com/arzzra/softphone/pkg/session"
)

// Session часть фасада, нужная API
type Session interface {
	Submit(ctx context.Context, in session.Intent) error
	Snapshot() model.Snapshot
	Subscribe() (<-chan model.Snapshot, func())
}

// History журнал вызовов
type History interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// Rejections пометка отклоненных пользователем входящих вызовов
type Rejections interface {
	MarkRejected() (undo func())
}

// Backends отчет о доступных бэкендах
type Backends interface {
	AvailableBackends() selector.Backends
}

// writeTimeout предел записи одного снимка в поток
const writeTimeout = 5 * time.Second

// Server обработчики API
type Server struct {
	sess       Session
	history    History
	rejections Rejections
	backends   Backends
	logger     *slog.Logger
}

// Option опция сервера
type Option func(*Server)

// WithHistory подключает журнал вызовов
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithRejections подключает пометку отклоненных вызовов
func WithRejections(r Rejections) Option {
	return func(s *Server) { s.rejections = r }
}

// WithBackends подключает отчет о бэкендах
func WithBackends(b Backends) Option {
	return func(s *Server) { s.backends = b }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer создает сервер API
func NewServer(sess Session, opts ...Option) *Server {
	s := &Server{sess: sess, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "ui_api"))
	return s
}

// Handler маршрутизатор с API под /api
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", s.RegisterHTTP)
	return r
}

// RegisterHTTP регистрирует маршруты API на r
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Post("/register", s.handleRegister)
	r.Post("/unregister", s.simple(session.IntentUnregister))
	r.Post("/dial", s.handleDial)
	r.Post("/answer", s.simple(session.IntentAnswer))
	r.Post("/reject", s.handleReject)
	r.Post("/hangup", s.simple(session.IntentHangup))
	r.Post("/mute", s.handleMute)
	r.Post("/mute/toggle", s.simple(session.IntentToggleMute))
	r.Post("/dtmf", s.handleDTMF)
	r.Post("/transfer", s.handleTransfer)

	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/snapshots", s.handleStream)

	if s.history != nil {
		r.Get("/history", s.handleHistory)
		r.Delete("/history", s.handleClearHistory)
		r.Delete("/history/{id}", s.handleDeleteHistory)
	}
	if s.backends != nil {
		r.Get("/backends", s.handleBackends)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type acceptedResponse struct {
	Intent session.IntentKind `json:"intent"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusOf код ответа для отклоненного намерения
func statusOf(err error) int {
	switch {
	case errors.Is(err, backend.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, machine.ErrInvalidCommand), errors.Is(err, backend.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, backend.ErrCancelled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func reasonOf(err error) string {
	var be *backend.BackendError
	if errors.As(err, &be) {
		return be.Reason()
	}
	return err.Error()
}

// submit передает намерение фасаду. Принятое намерение завершается в фоне.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, in session.Intent) bool {
	if err := s.sess.Submit(r.Context(), in); err != nil {
		s.logger.Debug("Намерение отклонено",
			slog.String("intent", string(in.Kind)),
			slog.Any("error", err))
		writeError(w, statusOf(err), reasonOf(err))
		return false
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Intent: in.Kind})
	return true
}

func (s *Server) simple(kind session.IntentKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.submit(w, r, session.Intent{Kind: kind})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds backend.Credentials
	if !decode(w, r, &creds) {
		return
	}
	s.submit(w, r, session.Intent{Kind: session.IntentRegister, Credentials: creds})
}

type dialRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !decode(w, r, &req) {
		return
	}
	s.submit(w, r, session.Intent{Kind: session.IntentDial, Target: req.Target})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	undo := func() {}
	if s.rejections != nil {
		undo = s.rejections.MarkRejected()
	}
	if !s.submit(w, r, session.Intent{Kind: session.IntentReject}) {
		undo()
	}
}

type muteRequest struct {
	Muted *bool `json:"muted"`
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Muted == nil {
		writeError(w, http.StatusBadRequest, "muted required")
		return
	}
	s.submit(w, r, session.Intent{Kind: session.IntentMute, Muted: *req.Muted})
}

type dtmfRequest struct {
	Digits string `json:"digits"`
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if !decode(w, r, &req) {
		return
	}
	s.submit(w, r, session.Intent{Kind: session.IntentDTMF, Digits: req.Digits})
}

type transferRequest struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	kind, err := session.ParseTransferKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, reasonOf(err))
		return
	}
	s.submit(w, r, session.Intent{Kind: session.IntentTransfer, Transfer: kind, Target: req.Target})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Snapshot())
}

// handleStream отдает опубликованные снимки, первым текущий
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket не принят", slog.Any("error", err))
		return
	}
	defer c.CloseNow()

	snaps, cancel := s.sess.Subscribe()
	defer cancel()

	// клиент только читает, входящие сообщения не ожидаются
	ctx := c.CloseRead(r.Context())
	s.logger.Debug("Подписчик потока снимков подключен", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				_ = c.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, snap)
			wcancel()
			if err != nil {
				s.logger.Debug("Поток снимков прерван", slog.Any("error", err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Журнал вызовов недоступен", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(r.Context()); err != nil {
		s.logger.Error("Журнал вызовов не очищен", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.history.Delete(r.Context(), id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case err != nil:
		s.logger.Error("Запись журнала не удалена", slog.String("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backends.AvailableBackends())
}
