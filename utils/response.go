package utils

import (
	"encoding/json"
	"log"
	"net/http"

	"mercado/apperr"
)

func RespondWithError(w http.ResponseWriter, code int, msg string) {
	RespondWithJSON(w, code, map[string]string{"error": msg})
}

// Sends a JSON response
func RespondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// RespondWithAppError maps a service error to its status code. Internal
// errors are logged and replaced with a generic message.
func RespondWithAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		log.Printf("[HTTP] internal error: %v", err)
	}
	RespondWithJSON(w, apperr.Status(err), M{
		"error": apperr.PublicMessage(err),
		"type":  kind,
	})
}

type M map[string]interface{}
