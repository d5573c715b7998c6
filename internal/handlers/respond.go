package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
)

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		http.Error(w, `{"success":false,"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

// respondWithError maps err through the error taxonomy. Unclassified errors
// are reported as 500 without their message.
func respondWithError(w http.ResponseWriter, err error) {
	status := apperrors.StatusCode(err)
	code := apperrors.TextCode(err)
	message := err.Error()
	if code == apperrors.TextInternal {
		message = "internal error"
	}
	respondWithJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

func respondWithMessage(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
