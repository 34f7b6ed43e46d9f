package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arzzra/softphone/pkg/backend"
)

// TransferKind вид перевода вызова
type TransferKind string

const (
	TransferBlind    TransferKind = "blind"
	TransferAttended TransferKind = "attended"
)

// ParseTransferKind разбирает вид перевода
func ParseTransferKind(s string) (TransferKind, error) {
	switch k := TransferKind(strings.ToLower(strings.TrimSpace(s))); k {
	case TransferBlind, TransferAttended:
		return k, nil
	}
	return "", backend.Errorf(backend.CodeInvalidArgument, "неизвестный вид перевода %q", s)
}

// IntentKind намерение пользователя
type IntentKind string

const (
	IntentRegister   IntentKind = "register"
	IntentUnregister IntentKind = "unregister"
	IntentDial       IntentKind = "dial"
	IntentAnswer     IntentKind = "answer"
	IntentReject     IntentKind = "reject"
	IntentHangup     IntentKind = "hangup"
	IntentMute       IntentKind = "mute"
	IntentToggleMute IntentKind = "toggleMute"
	IntentDTMF       IntentKind = "sendDtmf"
	IntentTransfer   IntentKind = "transfer"
)

// Intent намерение пользователя с аргументами
type Intent struct {
	Kind        IntentKind
	Credentials backend.Credentials
	Target      string
	Muted       bool
	Digits      string
	Transfer    TransferKind
}

func (s *Session) prepare(ctx context.Context, in Intent) (step, error) {
	switch in.Kind {
	case IntentRegister:
		return s.prepareRegister(ctx, in.Credentials)
	case IntentUnregister:
		return s.prepareUnregister(ctx)
	case IntentDial:
		return s.prepareDial(ctx, in.Target)
	case IntentAnswer:
		return s.prepareAnswer(ctx)
	case IntentReject:
		return s.prepareReject(ctx)
	case IntentHangup:
		return s.prepareHangup(ctx)
	case IntentMute:
		return s.prepareMute(ctx, in.Muted, false)
	case IntentToggleMute:
		return s.prepareMute(ctx, false, true)
	case IntentDTMF:
		return s.prepareDTMF(ctx, in.Digits)
	case IntentTransfer:
		return s.prepareTransfer(ctx, in.Transfer, in.Target)
	}
	return nil, backend.Errorf(backend.CodeInvalidArgument, "неизвестное намерение %q", in.Kind)
}

// Submit проверяет намерение, применяет оптимистичный снимок и выполняет
// операцию адаптера в фоне. Ошибка означает, что намерение отклонено до
// обращения к бэкенду. Ошибки фоновой части видны только через lastError.
func (s *Session) Submit(ctx context.Context, in Intent) error {
	st, err := s.prepare(ctx, in)
	if err != nil {
		return err
	}
	ok := s.spawn(func() {
		if err := st(s.base); err != nil {
			s.logger.Debug("Фоновая операция завершилась ошибкой",
				slog.String("intent", string(in.Kind)),
				slog.Any("error", err))
		}
	})
	if !ok {
		return closedError()
	}
	return nil
}
