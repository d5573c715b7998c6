package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/events"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/signature"
)

// MaxWebhookBody bounds a webhook body. Inline base64 media makes them large.
const MaxWebhookBody = 32 << 20

// Submitter accepts classified deliveries. queue.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, env models.QueueEnvelope) (queued bool, err error)
}

// webhookPayload is the gateway's delivery body. Only event and data drive
// ingestion; the instance in the path wins over the body's.
type webhookPayload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time"`
	Sender   string          `json:"sender"`
}

// EvolutionHandler receives gateway webhooks.
type EvolutionHandler struct {
	verifier  *signature.Verifier
	submitter Submitter
}

// NewEvolutionHandler creates a new EvolutionHandler.
func NewEvolutionHandler(verifier *signature.Verifier, submitter Submitter) (*EvolutionHandler, error) {
	if verifier == nil {
		return nil, errors.New("signature verifier cannot be nil for EvolutionHandler")
	}
	if submitter == nil {
		return nil, errors.New("submitter cannot be nil for EvolutionHandler")
	}
	return &EvolutionHandler{verifier: verifier, submitter: submitter}, nil
}

// Handle processes POST /webhook/evolution/{instanceName}.
func (h *EvolutionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	instanceName := strings.TrimSpace(mux.Vars(r)["instanceName"])
	if instanceName == "" {
		respondWithMessage(w, http.StatusBadRequest, "instance name is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		log.Error().Err(err).Str("instance", instanceName).Msg("Failed to read request body")
		respondWithMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := h.verifier.Verify(body, r.Header); err != nil {
		log.Warn().Err(err).Str("instance", instanceName).Str("remote", r.RemoteAddr).Msg("Rejected webhook with invalid signature")
		respondWithError(w, err)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Warn().Err(err).Str("instance", instanceName).Msg("Failed to decode webhook payload")
		respondWithError(w, apperrors.Validation("invalid JSON payload", nil))
		return
	}
	if strings.TrimSpace(payload.Event) == "" {
		respondWithError(w, apperrors.Validation("event is required", nil))
		return
	}

	kind, err := events.Parse(payload.Event)
	if err != nil {
		log.Warn().Str("instance", instanceName).Str("event", payload.Event).Msg("Received unsupported event")
		respondWithJSON(w, http.StatusBadRequest, map[string]any{
			"success":         false,
			"error":           apperrors.UnknownEvent(payload.Event).Error(),
			"code":            apperrors.TextUnknownEvent,
			"supportedEvents": events.Supported(),
		})
		return
	}
	if payload.Instance != "" && payload.Instance != instanceName {
		log.Debug().Str("instance", instanceName).Str("bodyInstance", payload.Instance).Msg("Body instance differs from path, using path")
	}

	log.Info().Str("event", kind.String()).Str("instance", instanceName).Int("bytes", len(body)).Msg("Received Evolution event")

	queued, err := h.submitter.Submit(r.Context(), models.QueueEnvelope{
		EventKind:    kind,
		InstanceName: instanceName,
		Data:         payload.Data,
	})
	if err != nil {
		log.Error().Err(err).Str("event", kind.String()).Str("instance", instanceName).Str("code", apperrors.TextCode(err)).Msg("Failed to ingest event")
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"event":     kind.String(),
		"instance":  instanceName,
		"queued":    queued,
		"timestamp": time.Now().UTC(),
	})
}
