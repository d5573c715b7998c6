package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/adapters/evolution"
	"evolution-crm-bridge/internal/events"
	"evolution-crm-bridge/internal/queue"
	"evolution-crm-bridge/internal/realtime"
	"evolution-crm-bridge/internal/services"
	"evolution-crm-bridge/internal/store"
)

// Gateway is the slice of the Evolution API client the admin routes use.
type Gateway interface {
	SendText(ctx context.Context, instanceName, number, text string) (*evolution.SendResult, error)
	SetWebhook(ctx context.Context, instanceName string, cfg evolution.WebhookConfig) error
	ConnectionState(ctx context.Context, instanceName string) (string, error)
}

// StatsSource exposes pipeline counters. queue.Pipeline implements it.
type StatsSource interface {
	Stats() queue.Stats
}

// AdminDeps groups the admin handler collaborators. Gateway and Redis are
// optional.
type AdminDeps struct {
	Store            *store.Store
	Pipeline         StatsSource
	Submitter        Submitter
	Instances        *services.InstanceService
	Hub              *realtime.Hub
	Gateway          Gateway
	Redis            *redis.Client
	PublicWebhookURL string
}

// AdminHandler serves the /api routes.
type AdminHandler struct {
	deps AdminDeps
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(deps AdminDeps) (*AdminHandler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store cannot be nil for AdminHandler")
	case deps.Pipeline == nil || deps.Submitter == nil:
		return nil, errors.New("pipeline cannot be nil for AdminHandler")
	case deps.Instances == nil:
		return nil, errors.New("instance service cannot be nil for AdminHandler")
	}
	return &AdminHandler{deps: deps}, nil
}

// Health reports the state of the store and the optional backends.
func (h *AdminHandler) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{}

		if err := h.deps.Store.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("Health check: database unreachable")
			checks["database"] = "down"
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "up"
		}

		stats := h.deps.Pipeline.Stats()
		switch {
		case !stats.Enabled:
			checks["broker"] = "disabled"
		case stats.Connected:
			checks["broker"] = "up"
		default:
			checks["broker"] = "down"
		}

		if h.deps.Redis == nil {
			checks["redis"] = "disabled"
		} else if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
		} else {
			checks["redis"] = "up"
		}

		respondWithJSON(w, status, map[string]any{
			"status":    map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
			"checks":    checks,
			"timestamp": time.Now().UTC(),
		})
	}
}

// QueueStatus reports pipeline and fanout counters.
func (h *AdminHandler) QueueStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"queue": h.deps.Pipeline.Stats()}
		if h.deps.Hub != nil {
			payload["realtime"] = h.deps.Hub.Stats()
		}
		respondWithJSON(w, http.StatusOK, payload)
	}
}

// ListDeadLetters returns dead-lettered envelopes, newest first.
func (h *AdminHandler) ListDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		items, err := h.deps.Store.ListDeadLetters(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list dead letters")
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"count": len(items), "deadLetters": items})
	}
}

// ReplayDeadLetter resubmits a dead-lettered envelope with a fresh retry
// budget and removes the record once accepted.
func (h *AdminHandler) ReplayDeadLetter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		dl, err := h.deps.Store.GetDeadLetter(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			respondWithMessage(w, http.StatusNotFound, "dead letter not found")
			return
		}
		if err != nil {
			respondWithError(w, err)
			return
		}
		env, err := dl.Envelope()
		if err != nil {
			respondWithMessage(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		env.RetryCount = 0

		queued, err := h.deps.Submitter.Submit(r.Context(), env)
		if err != nil {
			log.Error().Err(err).Str("envelopeID", env.ID).Msg("Dead letter replay failed")
			respondWithError(w, err)
			return
		}
		if err := h.deps.Store.DeleteDeadLetter(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("envelopeID", env.ID).Msg("Replayed dead letter could not be removed")
		}
		log.Info().Str("envelopeID", env.ID).Bool("queued", queued).Msg("Dead letter replayed")
		respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "id": env.ID, "queued": queued})
	}
}

// ConfigureWebhook points the gateway's webhook for an instance at this
// service.
func (h *AdminHandler) ConfigureWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Gateway == nil {
			respondWithMessage(w, http.StatusServiceUnavailable, "Evolution API client not configured")
			return
		}
		name := mux.Vars(r)["instanceName"]
		inst, err := h.deps.Store.GetInstance(r.Context(), name)
		if errors.Is(err, store.ErrNotFound) {
			respondWithMessage(w, http.StatusNotFound, "instance not found")
			return
		}
		if err != nil {
			respondWithError(w, err)
			return
		}

		url := inst.WebhookURL
		if url == "" {
			if h.deps.PublicWebhookURL == "" {
				respondWithMessage(w, http.StatusBadRequest, "instance has no webhook URL and PUBLIC_WEBHOOK_URL is not set")
				return
			}
			url = strings.TrimRight(h.deps.PublicWebhookURL, "/") + "/webhook/evolution/" + name
		}
		subscribed := inst.EventList()
		if len(subscribed) == 0 {
			subscribed = events.Supported()
		}

		cfg := evolution.WebhookConfig{Enabled: true, URL: url, Base64: true, Events: subscribed}
		if err := h.deps.Gateway.SetWebhook(r.Context(), name, cfg); err != nil {
			respondWithMessage(w, http.StatusBadGateway, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "instance": name, "webhook": cfg})
	}
}

// InstanceConnection fetches the gateway's view of the connection and
// stores it.
func (h *AdminHandler) InstanceConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Gateway == nil {
			respondWithMessage(w, http.StatusServiceUnavailable, "Evolution API client not configured")
			return
		}
		name := mux.Vars(r)["instanceName"]
		state, err := h.deps.Gateway.ConnectionState(r.Context(), name)
		if err != nil {
			respondWithMessage(w, http.StatusBadGateway, err.Error())
			return
		}
		if err := h.deps.Instances.Ensure(r.Context(), name); err != nil {
			respondWithError(w, err)
			return
		}
		update, err := h.deps.Instances.SyncConnection(r.Context(), name, state, "", "")
		if err != nil {
			respondWithError(w, err)
			return
		}
		respondWithJSON(w, http.StatusOK, update)
	}
}

type replyRequest struct {
	Text string `json:"text"`
}

// TicketReply sends a text to the ticket's customer. The message is stored
// when the gateway echoes it back as SEND_MESSAGE.
func (h *AdminHandler) TicketReply() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Gateway == nil {
			respondWithMessage(w, http.StatusServiceUnavailable, "Evolution API client not configured")
			return
		}
		var req replyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			respondWithMessage(w, http.StatusBadRequest, "text is required")
			return
		}

		ticket, err := h.deps.Store.GetTicket(r.Context(), mux.Vars(r)["ticketId"])
		if errors.Is(err, store.ErrNotFound) {
			respondWithMessage(w, http.StatusNotFound, "ticket not found")
			return
		}
		if err != nil {
			respondWithError(w, err)
			return
		}
		customer, err := h.deps.Store.GetCustomer(r.Context(), ticket.CustomerID)
		if err != nil {
			respondWithError(w, err)
			return
		}

		number := customer.WhatsAppJID
		if number == "" {
			number = customer.IdentityKey
		}
		result, err := h.deps.Gateway.SendText(r.Context(), ticket.InstanceName, number, req.Text)
		if err != nil {
			respondWithMessage(w, http.StatusBadGateway, err.Error())
			return
		}
		respondWithJSON(w, http.StatusAccepted, map[string]any{
			"success":   true,
			"ticketId":  ticket.ID,
			"messageId": result.Key.ID,
			"status":    result.Status,
		})
	}
}
