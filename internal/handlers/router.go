package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"

	"evolution-crm-bridge/internal/realtime"
)

// RouterDeps are the handlers mounted by NewRouter. Hub may be nil to
// disable the websocket endpoint.
type RouterDeps struct {
	Webhook     *EvolutionHandler
	Admin       *AdminHandler
	Hub         *realtime.Hub
	AdminAPIKey string
}

// NewRouter builds the HTTP surface.
func NewRouter(deps RouterDeps) http.Handler {
	r := mux.NewRouter()
	base := alice.New(recoverer, requestLogger)
	admin := base.Append(apiKeyAuth(deps.AdminAPIKey))

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"service": "evolution-crm-bridge", "status": "running"})
	}).Methods(http.MethodGet)

	r.Handle("/webhook/evolution/{instanceName}", base.ThenFunc(deps.Webhook.Handle)).Methods(http.MethodPost)

	if deps.Hub != nil {
		r.Handle("/ws", base.ThenFunc(deps.Hub.ServeWS)).Methods(http.MethodGet)
	}

	if deps.Admin != nil {
		api := r.PathPrefix("/api").Subrouter()
		api.Handle("/health", admin.Then(deps.Admin.Health())).Methods(http.MethodGet)
		api.Handle("/queue/status", admin.Then(deps.Admin.QueueStatus())).Methods(http.MethodGet)
		api.Handle("/dead-letters", admin.Then(deps.Admin.ListDeadLetters())).Methods(http.MethodGet)
		api.Handle("/dead-letters/{id}/replay", admin.Then(deps.Admin.ReplayDeadLetter())).Methods(http.MethodPost)
		api.Handle("/instances/{instanceName}/webhook", admin.Then(deps.Admin.ConfigureWebhook())).Methods(http.MethodPost)
		api.Handle("/instances/{instanceName}/connection", admin.Then(deps.Admin.InstanceConnection())).Methods(http.MethodGet)
		api.Handle("/tickets/{ticketId}/messages", admin.Then(deps.Admin.TicketReply())).Methods(http.MethodPost)
	}

	r.NotFoundHandler = base.ThenFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithMessage(w, http.StatusNotFound, "not found")
	})
	return r
}
