package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrContractViolation is returned when a response body does not match the
// operation's contract.
var ErrContractViolation = errors.New("response contract violation")

// StatusError is returned when the service answers with a status the
// operation does not accept.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed with status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError carrying code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == code
	}
	return false
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}
