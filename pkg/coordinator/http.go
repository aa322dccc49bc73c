package coordinator

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cuemby/distbuild/pkg/apierr"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps an apierr.Error to its HTTP status and a generic message
// body. Internal detail (the wrapped cause, if any) never reaches the
// response; it is the caller's job to have logged it already.
func writeError(w http.ResponseWriter, err *apierr.Error) {
	message := err.Message
	if err.Kind == apierr.KindInternal {
		message = "internal error"
	}
	writeJSON(w, err.Kind.StatusCode(), errorResponse{Error: message})
}

// queryInt parses the named query parameter as an int, returning def if
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
