package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agoranet/marketplace/internal/core"
)

// statusFor maps error kinds to HTTP status codes. Services never see
// HTTP; this is the only place the mapping lives.
func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindSchema:
		return http.StatusUnprocessableEntity
	case core.KindAuth, core.KindForbidden:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case core.KindRateLimit:
		return http.StatusTooManyRequests
	case core.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError renders a domain error. Untyped errors surface as a
// generic 500 so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	writeJSON(w, statusFor(kind), map[string]string{
		"error": core.ReasonOf(err),
		"code":  kind.String(),
	})
}

// decodeJSON parses the request body into dst. A body over the global
// cap surfaces as 413, malformed JSON as 400.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.E(core.KindTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return core.Wrap(core.KindValidation, err, "malformed JSON body")
	}
	return nil
}
