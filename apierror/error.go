// Package apierror describes failed HTTP responses received by fetchers.
//
// An Error carries the response status code so that retry policies and
// subscribers can tell a missing resource from a temporary failure.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is the error returned for a non-success HTTP response.
type Error struct {
	err    error
	status int
}

// ErrorMessage is the JSON form of an Error in a response body.
type ErrorMessage struct {
	Message string `json:",omitempty"`
	Status  int    `json:",omitempty"`
}

var serverError []byte

func init() {
	// Make sure there is always an error to return in case encoding fails
	e := ErrorMessage{
		Message: http.StatusText(http.StatusInternalServerError),
	}
	eb, err := json.Marshal(&e)
	if err != nil {
		panic(err)
	}
	serverError = eb
}

func New(err error, status int) *Error {
	return &Error{
		err:    err,
		status: status,
	}
}

// FromResponse creates an error from the status and body of a response. A
// body holding an encoded ErrorMessage is decoded, and any other body is used
// as the error text.
func FromResponse(status int, body []byte) error {
	var err error
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var msg ErrorMessage
		if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
			text = msg.Message
		}
	}
	if text != "" {
		err = errors.New(text)
	}
	if status == 0 {
		return err
	}
	return New(err, status)
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return ""
	}
	// If there is only status, then return status text
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Status() int {
	return e.status
}

// Temporary reports whether the same request may succeed later: the server
// failed, was unavailable, or asked the client to slow down.
func (e *Error) Temporary() bool {
	return e.status == http.StatusTooManyRequests || e.status >= http.StatusInternalServerError
}

// Text returns the status and message together.
func (e *Error) Text() string {
	var b strings.Builder
	if e.status != 0 {
		fmt.Fprintf(&b, "%d", e.status)
		if text := http.StatusText(e.status); text != "" {
			b.WriteString(" ")
			b.WriteString(text)
		}
	}
	if e.err != nil {
		if b.Len() != 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// StatusOf returns the status of the first Error in err's chain, or 0 if
// there is none.
func StatusOf(err error) int {
	var apierr *Error
	if errors.As(err, &apierr) {
		return apierr.Status()
	}
	return 0
}

// EncodeError encodes err as a JSON ErrorMessage for a response body.
func EncodeError(err error) []byte {
	if err == nil {
		return nil
	}
	e := ErrorMessage{
		Message: err.Error(),
		Status:  StatusOf(err),
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return serverError
	}
	return data
}
