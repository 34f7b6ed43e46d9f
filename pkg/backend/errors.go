package backend

import (
	"context"
	"errors"
	"fmt"
)

// Code код ошибки бэкенда
type Code string

const (
	CodeNotInitialized       Code = "NOT_INITIALIZED"
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodeInitializationFailed Code = "INITIALIZATION_FAILED"
	CodeRegistrationRejected Code = "REGISTRATION_REJECTED"
	CodeOperationRejected    Code = "OPERATION_REJECTED"
	CodeMalformedEvent       Code = "MALFORMED_EVENT"
	CodeStaleConfirmation    Code = "STALE_CONFIRMATION"
	CodeCancelled            Code = "CANCELLED"
	CodeInvalidState         Code = "INVALID_STATE"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
)

// Category группа ошибок для логов и метрик
type Category string

const (
	CategoryTransport Category = "TRANSPORT"
	CategoryProtocol  Category = "PROTOCOL"
	CategoryState     Category = "STATE"
	CategoryInput     Category = "VALIDATION"
)

func (c Code) category() Category {
	switch c {
	case CodeNotInitialized, CodeTransportUnavailable, CodeInitializationFailed, CodeCancelled:
		return CategoryTransport
	case CodeRegistrationRejected, CodeOperationRejected, CodeMalformedEvent:
		return CategoryProtocol
	case CodeStaleConfirmation, CodeInvalidState:
		return CategoryState
	default:
		return CategoryInput
	}
}

// BackendError ошибка операции бэкенда. Все асинхронные операции
// адаптеров возвращают ошибки этого типа.
type BackendError struct {
	Code     Code           `json:"code"`
	Message  string         `json:"message"`
	Category Category       `json:"category"`
	Fields   map[string]any `json:"fields,omitempty"`
	Cause    error          `json:"-"`
}

// Error реализует интерфейс error
func (e *BackendError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *BackendError) Is(target error) bool {
	var be *BackendError
	if !errors.As(target, &be) {
		return false
	}
	return be.Code == e.Code && be.Message == ""
}

// WithField добавляет поле контекста
func (e *BackendError) WithField(key string, value any) *BackendError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *BackendError) WithCause(cause error) *BackendError {
	e.Cause = cause
	return e
}

// Reason текст для lastError снимка
func (e *BackendError) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Code)
}

// NewError создает ошибку с кодом
func NewError(code Code, message string) *BackendError {
	return &BackendError{Code: code, Message: message, Category: code.category()}
}

// Errorf создает ошибку с форматированным сообщением
func Errorf(code Code, format string, args ...any) *BackendError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Эталоны для errors.Is: сравнение только по коду
var (
	ErrNotInitialized       = &BackendError{Code: CodeNotInitialized}
	ErrTransportUnavailable = &BackendError{Code: CodeTransportUnavailable}
	ErrInitializationFailed = &BackendError{Code: CodeInitializationFailed}
	ErrRegistrationRejected = &BackendError{Code: CodeRegistrationRejected}
	ErrOperationRejected    = &BackendError{Code: CodeOperationRejected}
	ErrMalformedEvent       = &BackendError{Code: CodeMalformedEvent}
	ErrStaleConfirmation    = &BackendError{Code: CodeStaleConfirmation}
	ErrCancelled            = &BackendError{Code: CodeCancelled}
	ErrInvalidState         = &BackendError{Code: CodeInvalidState}
	ErrInvalidArgument      = &BackendError{Code: CodeInvalidArgument}
)

// NotInitialized ошибка операции до инициализации транспорта
func NotInitialized(op string) *BackendError {
	return Errorf(CodeNotInitialized, "транспорт не инициализирован: %s", op).WithField("operation", op)
}

// Rejected ошибка отклоненной операции
func Rejected(op, reason string) *BackendError {
	if reason == "" {
		reason = "операция отклонена: " + op
	}
	return NewError(CodeOperationRejected, reason).WithField("operation", op)
}

// CodeOf возвращает код ошибки или пустую строку
func CodeOf(err error) Code {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// Wrap приводит произвольную ошибку к BackendError. Отмена контекста
// превращается в CodeCancelled.
func Wrap(code Code, err error) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeCancelled, "операция отменена").WithCause(err)
	}
	return NewError(code, err.Error()).WithCause(err)
}

// ReasonOf текст ошибки для пользователя
func ReasonOf(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Reason()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Recode меняет код ошибки, сохраняя сообщение. Отмена и NotInitialized
// сохраняют свой код.
func Recode(code Code, err error) *BackendError {
	be := Wrap(code, err)
	if be == nil {
		return nil
	}
	switch be.Code {
	case code, CodeCancelled, CodeNotInitialized:
		return be
	}
	return &BackendError{
		Code:     code,
		Message:  be.Message,
		Category: code.category(),
		Fields:   be.Fields,
		Cause:    be.Cause,
	}
}
