package gateway

import (
	"encoding/json"
	"net/http"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that mws run in the order given: the first middleware
// sees the request first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// quota figures, set on quota rejections only
	Current   *int64 `json:"current,omitempty"`
	Allocated *int64 `json:"allocated,omitempty"`
	Required  *int64 `json:"required,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	writeError(w, code, errorDetail{Code: errCode, Message: msg})
}

func writeError(w http.ResponseWriter, code int, d errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: d})
}
