// Package api exposes the HTTP surface: inbound webhooks, OAuth callbacks,
// link management, and the pull-engine controls.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/ingestmetrics"
	"github.com/thetahealth/ingest/internal/platform"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/pull"
	"github.com/thetahealth/ingest/internal/vault"
)

// maxWebhookBody bounds inbound payload size.
const maxWebhookBody = 8 << 20

// Router wires the HTTP handlers.
type Router struct {
	manager *platform.Manager
	engine  *pull.Engine
	mux     *http.ServeMux
}

// NewRouter builds the router. engine may be nil when pulls are disabled.
func NewRouter(manager *platform.Manager, engine *pull.Engine) *Router {
	rt := &Router{manager: manager, engine: engine, mux: http.NewServeMux()}
	rt.routes()
	return rt
}

// Handler returns the root handler.
func (rt *Router) Handler() http.Handler {
	return rt.mux
}

func (rt *Router) routes() {
	rt.mux.HandleFunc("GET /healthz", rt.handleHealthz)
	rt.mux.Handle("GET /metrics", promhttp.Handler())

	// Ingestion surface.
	rt.mux.HandleFunc("POST /{platform}/webhook", rt.handleWebhook)
	rt.mux.HandleFunc("POST /{platform}/{provider}/webhook", rt.handleWebhook)
	rt.mux.HandleFunc("GET /{platform}/{provider}/callback", rt.handleCallback)

	// Management surface.
	rt.mux.HandleFunc("GET /api/providers", rt.handleListProviders)
	rt.mux.HandleFunc("GET /api/users/{user}/providers", rt.handleUserProviders)
	rt.mux.HandleFunc("POST /api/{platform}/{provider}/link", rt.handleLink)
	rt.mux.HandleFunc("DELETE /api/{platform}/{provider}/link", rt.handleUnlink)
	rt.mux.HandleFunc("PUT /api/{platform}/{provider}/llm-access", rt.handleLLMAccess)
	rt.mux.HandleFunc("GET /api/webhooks", rt.handleListWebhooks)
	rt.mux.HandleFunc("GET /api/{platform}/{provider}/raw/{id}/format", rt.handleCheckFormat)

	rt.mux.HandleFunc("POST /api/pull/{provider}/trigger", rt.handlePullTrigger)
	rt.mux.HandleFunc("GET /api/pull/tasks", rt.handlePullTasks)
	rt.mux.HandleFunc("GET /api/pull/{provider}/stats", rt.handlePullStats)
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

// msgIDFor extracts the delivery id: Svix-Id (Whoop), X-Msg-Id (internal
// push), or a content hash so unlabeled deliveries still dedupe.
func msgIDFor(r *http.Request, body []byte) string {
	if id := r.Header.Get("Svix-Id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Msg-Id"); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return "body_" + hex.EncodeToString(sum[:16])
}

func (rt *Router) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	slug := r.PathValue("provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		ingestmetrics.WebhooksReceived.WithLabelValues(platformName, "error").Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		ingestmetrics.WebhooksReceived.WithLabelValues(platformName, "error").Inc()
		writeError(w, http.StatusBadRequest, "body is not a JSON object")
		return
	}

	res, err := rt.manager.PostData(r.Context(), platformName, slug, raw, msgIDFor(r, body))
	if err != nil {
		ingestmetrics.WebhooksReceived.WithLabelValues(platformName, "error").Inc()
		writeDomainError(w, err)
		return
	}
	outcome := "ok"
	if res.Duplicate {
		outcome = "duplicate"
	}
	ingestmetrics.WebhooksReceived.WithLabelValues(platformName, outcome).Inc()
	writeOK(w, res)
}

func (rt *Router) handleCallback(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	res, err := rt.manager.Callback(r.Context(),
		r.PathValue("platform"), r.PathValue("provider"),
		provider.CallbackRequest{Params: params})
	if err != nil {
		log.Warn().Err(err).Str("provider", r.PathValue("provider")).
			Msg("OAuth callback failed")
		writeDomainError(w, err)
		return
	}
	if res.ReturnURL != "" {
		http.Redirect(w, r, res.ReturnURL, http.StatusFound)
		return
	}
	writeOK(w, map[string]string{"userId": res.UserID})
}

func (rt *Router) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeOK(w, rt.manager.GetAllProviders())
}

func (rt *Router) handleUserProviders(w http.ResponseWriter, r *http.Request) {
	statuses, err := rt.manager.GetUserProviders(r.Context(), r.PathValue("user"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w, statuses)
}

type linkPayload struct {
	UserID      string            `json:"userId"`
	AuthKind    vault.AuthKind    `json:"authKind"`
	Credentials vault.Credentials `json:"credentials"`
	Options     map[string]string `json:"options"`
}

func (rt *Router) handleLink(w http.ResponseWriter, r *http.Request) {
	var payload linkPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid link payload")
		return
	}
	if payload.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	res, err := rt.manager.LinkProvider(r.Context(),
		r.PathValue("platform"), r.PathValue("provider"),
		provider.LinkRequest{
			UserID:      payload.UserID,
			AuthKind:    payload.AuthKind,
			Credentials: payload.Credentials,
			Options:     payload.Options,
		})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w, res)
}

func (rt *Router) handleUnlink(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	err := rt.manager.UnlinkProvider(r.Context(),
		r.PathValue("platform"), r.PathValue("provider"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w, nil)
}

func (rt *Router) handleLLMAccess(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"userId"`
		Level  int    `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId and level are required")
		return
	}
	err := rt.manager.UpdateLLMAccess(r.Context(),
		r.PathValue("platform"), r.PathValue("provider"), payload.UserID, payload.Level)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w, nil)
}

func (rt *Router) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeOK(w, rt.manager.GetWebhooks())
}

func (rt *Router) handleCheckFormat(w http.ResponseWriter, r *http.Request) {
	batches, err := rt.manager.CheckFormat(r.Context(),
		r.PathValue("platform"), r.PathValue("provider"), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeOK(w, batches)
}

func (rt *Router) handlePullTrigger(w http.ResponseWriter, r *http.Request) {
	if rt.engine == nil {
		writeError(w, http.StatusBadRequest, "pull engine is disabled")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := rt.engine.Trigger(r.Context(), r.PathValue("provider"), force); err != nil {
		writeDomainError(w, err)
		return
	}
	// The run proceeds in the background; progress lands in the stats
	// endpoint.
	writeOK(w, map[string]string{"status": "started"})
}

func (rt *Router) handlePullTasks(w http.ResponseWriter, r *http.Request) {
	if rt.engine == nil {
		writeOK(w, []pull.TaskStatus{})
		return
	}
	writeOK(w, rt.engine.Statuses())
}

func (rt *Router) handlePullStats(w http.ResponseWriter, r *http.Request) {
	if rt.engine == nil {
		writeError(w, http.StatusBadRequest, "pull engine is disabled")
		return
	}
	stats, err := rt.engine.Stats(r.Context(), r.PathValue("provider"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if stats == nil {
		writeError(w, http.StatusNotFound, "no stats recorded")
		return
	}
	writeOK(w, stats)
}
