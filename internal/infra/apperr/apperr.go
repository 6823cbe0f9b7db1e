// Package apperr — единое семейство ошибок взаимодействия с бэкендом.
// Каждая ошибка несёт вид (Kind), машиночитаемый код, HTTP-подобный статус и
// человекочитаемое сообщение, чтобы вызывающий код ветвился по коду, а не по
// подстрокам. Вид определяет и политику ретраев: повторять имеет смысл только
// сетевые и серверные сбои.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind классифицирует ошибку по источнику/семантике.
type Kind string

const (
	KindValidation Kind = "validation" // некорректный вход, 4xx кроме 401/404
	KindNetwork    Kind = "network"    // транспортный сбой, ответа нет
	KindAuth       Kind = "auth"       // отклонённые учётные данные, 401
	KindNotFound   Kind = "not_found"  // ресурс отсутствует, 404
	KindServer     Kind = "server"     // сбой бэкенда, 5xx
)

// Error — тегированная ошибка с кодом и статусом. Cause (если есть) доступна
// через errors.Unwrap, поэтому цепочки errors.Is/As работают сквозь Error.
type Error struct {
	Kind    Kind
	Code    string // машиночитаемый код, например "invalid_credentials"
	Status  int    // HTTP-подобный числовой классификатор
	Message string // человекочитаемое сообщение (для UI)
	cause   error
}

// Error реализует error. Формат: "<kind>/<code>: <message>".
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap отдаёт первопричину (может быть nil).
func (e *Error) Unwrap() error { return e.cause }

// StopRetry сообщает троттлеру, что повторные попытки бессмысленны.
// Повторяются только сетевые и серверные сбои; остальное — детерминированный отказ.
func (e *Error) StopRetry() bool {
	return e.Kind != KindNetwork && e.Kind != KindServer
}

// Validation создаёт ошибку некорректного входа.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Status: http.StatusBadRequest, Message: message}
}

// Network создаёт транспортную ошибку: ответа от бэкенда не было.
// Статус 0 подчёркивает, что HTTP-обмен не состоялся.
func Network(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Code: "network_error", Status: 0, Message: message, cause: cause}
}

// Auth создаёт ошибку отклонённых учётных данных/просроченного токена.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Code: "unauthorized", Status: http.StatusUnauthorized, Message: message}
}

// NotFound создаёт ошибку отсутствующего ресурса.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Status: http.StatusNotFound, Message: message}
}

// Server создаёт ошибку сбоя бэкенда с фактическим 5xx-статусом.
func Server(status int, message string) *Error {
	return &Error{Kind: KindServer, Code: "server_error", Status: status, Message: message}
}

// FromStatus классифицирует HTTP-ответ по статусу, используя detail как сообщение.
// Применяется сетевым клиентом после разбора тела ошибки.
func FromStatus(status int, detail string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return Auth(detail)
	case status == http.StatusNotFound:
		return NotFound(detail)
	case status == http.StatusTooManyRequests:
		// Лимит запросов повторяем: сервер сам подсказывает паузу через Retry-After.
		return &Error{Kind: KindServer, Code: "rate_limited", Status: status, Message: detail}
	case status >= http.StatusInternalServerError:
		return Server(status, detail)
	default:
		return &Error{Kind: KindValidation, Code: "bad_request", Status: status, Message: detail}
	}
}

// KindOf возвращает вид ошибки либо пустую строку, если err не из этого семейства.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is сообщает, принадлежит ли err указанному виду.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf достаёт человекочитаемое сообщение; для посторонних ошибок — err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
