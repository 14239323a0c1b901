// -----------------------------------------------------------------------
// Handler Helpers - JSON envelopes and bearer-token checks
// -----------------------------------------------------------------------

package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gitnexus/capsuled/internal/models"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteAPIError writes the coded error envelope shared by every REST route:
// {"error":{"code":..., "message":...}} with the error's HTTP status.
func WriteAPIError(w http.ResponseWriter, apiErr *models.APIError) error {
	return WriteJSON(w, apiErr.HTTPStatus, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// BearerToken extracts the token from a "Bearer ..." Authorization header.
func BearerToken(r *http.Request) (string, *models.APIError) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", models.NewUnauthorized("Missing Authorization header")
	}

	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return "", models.NewUnauthorized("Authorization must use Bearer token")
	}
	return token, nil
}

// Authorize verifies the presented bearer token against the configured API
// key in constant time. When allowQueryToken is set, the access_token query
// parameter is accepted as a fallback for clients that cannot set headers
// (browser WebSocket and EventSource).
func Authorize(r *http.Request, apiKey string, allowQueryToken bool) *models.APIError {
	token, err := BearerToken(r)
	if err != nil {
		if !allowQueryToken {
			return err
		}
		token = r.URL.Query().Get("access_token")
		if token == "" {
			return err
		}
	}

	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(apiKey)) != 1 {
		return models.NewUnauthorized("Invalid API key")
	}
	return nil
}

// asAPIError coerces service errors onto the coded envelope; anything that
// is not already an APIError becomes an INTERNAL_ERROR.
func asAPIError(err error) *models.APIError {
	if apiErr, ok := err.(*models.APIError); ok {
		return apiErr
	}
	return models.NewInternal(err.Error())
}
