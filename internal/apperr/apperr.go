// Package apperr описывает типизированные ошибки бизнес-операций.
package apperr

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибку для отображения клиенту.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidRequest
	KindForbidden
	KindAlreadyConfirmed
	KindNotApproved
	KindUnknownGateway
	KindInvalidProof
	KindAdapterUnavailable
)

var kindNames = map[Kind]string{
	KindInternal:           "INTERNAL",
	KindNotFound:           "NOT_FOUND",
	KindInvalidRequest:     "INVALID_REQUEST",
	KindForbidden:          "FORBIDDEN",
	KindAlreadyConfirmed:   "ALREADY_CONFIRMED",
	KindNotApproved:        "NOT_APPROVED",
	KindUnknownGateway:     "UNKNOWN_GATEWAY",
	KindInvalidProof:       "INVALID_PROOF",
	KindAdapterUnavailable: "ADAPTER_UNAVAILABLE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error ошибка бизнес-операции с классификацией.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New создаёт ошибку указанного вида.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap создаёт ошибку указанного вида поверх причины.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf возвращает вид ошибки; для неклассифицированных ошибок KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message возвращает сообщение, безопасное для клиента.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
