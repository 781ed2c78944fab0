package httpkit

import (
	"net/http"

	"replaymill/internal/pkg/errors"
)

// WriteError maps a coded error to its HTTP status and writes the standard
// error envelope. Unknown errors become 500s with a generic message so
// internals never leak to clients.
func WriteError(w http.ResponseWriter, err error) {
	var e *errors.Error
	if errors.As(err, &e) {
		WriteErr(w, e.HTTPStatus(), string(e.Code), e.Message, e.Fields)
		return
	}
	WriteErr(w, http.StatusInternalServerError, string(errors.CodeInternal), "internal server error", nil)
}
