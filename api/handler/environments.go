package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ferry/api/model"
	"ferry/api/pipeline"
	"ferry/api/registry"
)

func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.registry.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if envs == nil {
		envs = []model.Environment{}
	}
	writeJSON(w, envs)
}

type environmentResponse struct {
	*model.Environment
	QueueDepth int `json:"queueDepth"`
}

func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	branch := branchParam(r)
	env, err := h.registry.Get(r.Context(), branch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, environmentResponse{Environment: env, QueueDepth: h.registry.QueueDepth(branch)})
}

func (h *Handler) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validBranch(req.Branch) {
		writeError(w, http.StatusBadRequest, "invalid branch")
		return
	}
	_, tk, err := h.registry.CreateEnvironment(r.Context(), req.Branch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondTicket(w, r, tk)
}

func (h *Handler) DestroyEnvironment(w http.ResponseWriter, r *http.Request) {
	tk, err := h.registry.DestroyEnvironment(r.Context(), branchParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondTicket(w, r, tk)
}

type deployRequest struct {
	Commit string `json:"commit"`
	// Artifact and SchemaVersion deploy a prebuilt artifact.
	Artifact      string `json:"artifact,omitempty"`
	SchemaVersion int64  `json:"schemaVersion,omitempty"`
}

// Deploy queues a deploy, creating the environment first when the branch
// has none yet.
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	branch := branchParam(r)
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Commit == "" {
		writeError(w, http.StatusBadRequest, "commit is required")
		return
	}

	if _, _, err := h.registry.CreateEnvironment(r.Context(), branch); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		writeDomainError(w, err)
		return
	}
	dr := pipeline.DeployRequest{Commit: req.Commit}
	if req.Artifact != "" {
		dr.Artifact = &model.Artifact{Ref: req.Artifact, SchemaVersion: req.SchemaVersion}
	}
	tk, err := h.pipeline.Deploy(r.Context(), branch, dr)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("api: deploy %s@%s queued as %s", branch, model.ShortSHA(req.Commit), tk.ID)
	respondTicket(w, r, tk)
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	branch := branchParam(r)
	var req struct {
		Revision int64 `json:"revision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Revision <= 0 {
		writeError(w, http.StatusBadRequest, "revision is required")
		return
	}
	tk, err := h.rollback.Rollback(r.Context(), branch, req.Revision)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("api: rollback of %s to revision %d queued as %s", branch, req.Revision, tk.ID)
	respondTicket(w, r, tk)
}

// Promote treats the branch as merged. Without ?wait=true the promotion runs
// in the background and the response only acknowledges it.
func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	branch := branchParam(r)
	if wantWait(r) {
		res, err := h.promotion.OnMerge(r.Context(), branch)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, res)
		return
	}

	env, err := h.registry.Get(r.Context(), branch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if env.CurrentRevision == 0 {
		writeDomainError(w, model.Errorf(model.KindConflict, "%s has no live revision to promote", branch))
		return
	}
	go h.promote(branch)
	writeStatus(w, http.StatusAccepted, registry.Result{
		Branch: h.registry.ProductionBranch(),
		Kind:   model.KindPromote,
		Status: model.StatusPending,
	})
}

func (h *Handler) promote(branch string) {
	res, err := h.promotion.OnMerge(context.Background(), branch)
	if err != nil {
		log.Printf("api: promote %s: %v", branch, err)
		return
	}
	log.Printf("api: promote %s finished: %s", branch, res.Status)
}

func (h *Handler) ListRevisions(w http.ResponseWriter, r *http.Request) {
	branch := branchParam(r)
	if _, err := h.registry.Get(r.Context(), branch); err != nil {
		writeDomainError(w, err)
		return
	}
	revs, err := h.store.ListRevisions(r.Context(), branch, limitParam(r, 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if revs == nil {
		revs = []model.Revision{}
	}
	writeJSON(w, revs)
}

func (h *Handler) ListBranchDeployments(w http.ResponseWriter, r *http.Request) {
	h.listDeployments(w, r, branchParam(r))
}

func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	h.listDeployments(w, r, r.URL.Query().Get("branch"))
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request, branch string) {
	ds, err := h.store.ListDeployments(r.Context(), branch, limitParam(r, 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ds == nil {
		ds = []model.Deployment{}
	}
	writeJSON(w, ds)
}

func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, d)
}
