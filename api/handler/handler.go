package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ferry/api/events"
	"ferry/api/hub"
	"ferry/api/model"
	"ferry/api/pipeline"
	"ferry/api/promotion"
	"ferry/api/registry"
	"ferry/api/rollback"
	"ferry/api/saga"
	"ferry/api/store"
)

var validBranchRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// Check is one dependency reported by the health endpoint.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Registry   *registry.Registry
	Pipeline   *pipeline.Pipeline
	Rollback   *rollback.Engine
	Promotion  *promotion.Controller
	Dispatcher *events.Dispatcher
	Store      store.Store
	Sagas      saga.Store
	Hub        *hub.Hub
	// WebhookSecret signs GitHub and Gitea deliveries. Webhooks are refused
	// while it is empty.
	WebhookSecret string
	Checks        []Check
}

type Handler struct {
	registry   *registry.Registry
	pipeline   *pipeline.Pipeline
	rollback   *rollback.Engine
	promotion  *promotion.Controller
	dispatcher *events.Dispatcher
	store      store.Store
	sagas      saga.Store
	ws         *hub.Hub
	secret     string
	checks     []Check
}

func New(d Deps) *Handler {
	return &Handler{
		registry:   d.Registry,
		pipeline:   d.Pipeline,
		rollback:   d.Rollback,
		promotion:  d.Promotion,
		dispatcher: d.Dispatcher,
		store:      d.Store,
		sagas:      d.Sagas,
		ws:         d.Hub,
		secret:     d.WebhookSecret,
		checks:     d.Checks,
	}
}

// Routes registers the API below r, which main mounts at /api.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Post("/webhooks/{provider}", h.Webhook)
	r.Post("/events", h.PostEvent)
	r.Get("/environments", h.ListEnvironments)
	r.Post("/environments", h.CreateEnvironment)
	r.Route("/environments/{branch}", func(r chi.Router) {
		r.Use(ValidateBranch)
		r.Get("/", h.GetEnvironment)
		r.Delete("/", h.DestroyEnvironment)
		r.Post("/deploy", h.Deploy)
		r.Post("/rollback", h.Rollback)
		r.Post("/promote", h.Promote)
		r.Get("/revisions", h.ListRevisions)
		r.Get("/deployments", h.ListBranchDeployments)
	})
	r.Get("/deployments", h.ListDeployments)
	r.Get("/deployments/{id}", h.GetDeployment)
	r.Get("/saga", h.ListRecentSaga)
	r.Get("/saga/{sagaId}", h.GetSagaEvents)
}

// ValidateBranch rejects requests whose branch path segment is not a
// plausible git branch name. Branches containing "/" are sent escaped.
func ValidateBranch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		branch, err := url.PathUnescape(chi.URLParam(r, "branch"))
		if err != nil || !validBranch(branch) {
			writeError(w, http.StatusBadRequest, "invalid branch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validBranch(branch string) bool {
	return validBranchRe.MatchString(branch) && !strings.Contains(branch, "..") && !strings.HasSuffix(branch, "/")
}

func branchParam(r *http.Request) string {
	branch, _ := url.PathUnescape(chi.URLParam(r, "branch"))
	return branch
}

func wantWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

func limitParam(r *http.Request, fallback int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeStatus(w, code, map[string]string{"error": msg})
}

// writeDomainError maps an error's kind onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeStatus(w, statusFor(kind), map[string]string{
		"error": model.ReasonOf(err),
		"kind":  string(kind),
	})
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAlreadyExists, model.KindConflict, model.KindNotAncestor:
		return http.StatusConflict
	case model.KindRollbackUnavailable, model.KindIrreversibleMigration:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type ticketResponse struct {
	DeploymentID string             `json:"deploymentId"`
	Branch       string             `json:"branch"`
	Kind         model.DeployKind   `json:"kind"`
	Status       model.DeployStatus `json:"status"`
}

// respondTicket answers with the job's result when it is already known or
// the caller asked to wait, and with 202 and the attempt id otherwise.
func respondTicket(w http.ResponseWriter, r *http.Request, tk *registry.Ticket) {
	if wantWait(r) {
		res, err := tk.Wait(r.Context())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeJSON(w, res)
		return
	}
	if res, ok := tk.Result(); ok {
		writeJSON(w, res)
		return
	}
	writeStatus(w, http.StatusAccepted, ticketResponse{
		DeploymentID: tk.ID,
		Branch:       tk.Branch,
		Kind:         tk.Kind,
		Status:       model.StatusPending,
	})
}
