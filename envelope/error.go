package envelope

import (
	"encoding/json"

	"github.com/jocax/qollective-sub006/errors"
)

// Error is the wire form of a failed response. It replaces the payload in
// error envelopes. HTTPStatusCode, when set, is authoritative for
// transports with HTTP semantics; construction normalizes out-of-range
// values to 500.
type Error struct {
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	Details        json.RawMessage `json:"details,omitempty"`
	Trace          string          `json:"trace,omitempty"`
	HTTPStatusCode int             `json:"http_status_code,omitempty"`
}

// NewError creates an envelope error with a normalized HTTP status code.
func NewError(code, message string, httpStatus int) *Error {
	return &Error{
		Code:           code,
		Message:        message,
		HTTPStatusCode: errors.NormalizeStatus(httpStatus),
	}
}

// ErrorFromErr converts a framework error into its wire form. The message
// is passed through the error translator so internal details never leak.
func ErrorFromErr(err error) *Error {
	if err == nil {
		return nil
	}
	kind := errors.KindOf(err)
	return &Error{
		Code:           kind.Code(),
		Message:        errors.Translate(err),
		HTTPStatusCode: kind.HTTPStatus(),
	}
}

// Status returns the effective HTTP status: the explicit code when set,
// otherwise the default for the error's code.
func (e *Error) Status() int {
	if e.HTTPStatusCode != 0 {
		return errors.NormalizeStatus(e.HTTPStatusCode)
	}
	return errors.KindForCode(e.Code).HTTPStatus()
}

// Err converts the wire error back into a framework error for callers that
// need to branch on kind.
func (e *Error) Err() error {
	return errors.New(errors.KindForCode(e.Code), "envelope", "Err", e.Message)
}
