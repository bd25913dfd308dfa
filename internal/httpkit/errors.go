package httpkit

import (
	"net/http"

	"comfyworker/internal/pkg/errors"
)

// WriteError writes err as an error envelope. Status, code and details
// come from the first coded error in the chain; uncoded errors are 500s
// with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	var e *errors.Error
	if !errors.As(err, &e) {
		WriteErr(w, http.StatusInternalServerError, string(errors.CodeInternal), "internal server error", nil)
		return
	}
	msg := e.Message
	if e.Err != nil && e.Code != errors.CodeInternal {
		msg += ": " + e.Err.Error()
	}
	WriteErr(w, e.HTTPStatus(), string(e.Code), msg, e.Fields)
}
