package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/provider"
)

// errorBody is the JSON envelope returned on every failed request.
type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
	Code    string `json:"code,omitempty"`
}

// statusFor maps a classification code to an HTTP status.
func statusFor(code provider.Code) int {
	switch code {
	case provider.CodeRateLimited:
		return http.StatusTooManyRequests
	case provider.CodeAuthFailed:
		return http.StatusUnauthorized
	case provider.CodeInvalidRequest:
		return http.StatusBadRequest
	case provider.CodeModelUnavailable, provider.CodeTimeout,
		provider.CodeServiceError, provider.CodeNetworkError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as the error envelope. Classified errors map to
// their status via statusFor; anything else is an opaque 500.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if ce, ok := provider.AsError(err); ok {
		writeJSON(ctx, w, statusFor(ce.Code), errorBody{
			Name:    "AIServiceError",
			Message: ce.Message,
			Service: ce.Service,
			Code:    string(ce.Code),
		})
		return
	}
	log.Errorf(ctx, err, "unhandled error")
	writeJSON(ctx, w, http.StatusInternalServerError, errorBody{
		Name:    "InternalServerError",
		Message: "Internal server error",
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}
