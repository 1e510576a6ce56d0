package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/api/events"
	"ferry/api/model"
	"ferry/api/pipeline"
	"ferry/api/promotion"
	"ferry/api/provider"
	"ferry/api/provider/providertest"
	"ferry/api/registry"
	"ferry/api/rollback"
	"ferry/api/saga"
	"ferry/api/schema"
	"ferry/api/store/memory"
)

const testSecret = "hook-secret"

type harness struct {
	router http.Handler
	reg    *registry.Registry
	arts   *providertest.Artifacts
	prober *providertest.Prober
	store  *memory.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := schema.NewCatalog(
		model.Migration{Version: 1, Name: "users", Up: "create users", Down: "drop users"},
		model.Migration{Version: 2, Name: "purge", Up: "purge legacy"},
	)
	require.NoError(t, err)

	st := memory.New()
	sagas := saga.NewMemoryStore()
	compute := providertest.NewCompute()
	h := &harness{store: st, arts: providertest.NewArtifacts(), prober: providertest.NewProber()}
	coord := schema.NewCoordinator(catalog, schema.NewMemoryExecutor(true), st)
	h.reg = registry.New(registry.Config{
		Store:            st,
		Sagas:            sagas,
		Compute:          compute,
		Schema:           coord,
		Gate:             registry.NewGate(2),
		ProductionBranch: "main",
		Backoff:          provider.Backoff{Attempts: 2, Base: time.Millisecond},
	})
	pipe := pipeline.New(pipeline.Config{
		Registry:  h.reg,
		Revisions: st,
		Artifacts: h.arts,
		Compute:   compute,
		Prober:    h.prober,
		Schema:    coord,
	})
	rb := rollback.New(rollback.Config{
		Registry:  h.reg,
		Revisions: st,
		Fetcher:   h.arts,
		Compute:   compute,
		Prober:    h.prober,
		Schema:    coord,
	})
	prom := promotion.New(promotion.Config{Registry: h.reg, Pipeline: pipe, Revisions: st, ProductionBranch: "main"})

	hd := New(Deps{
		Registry:      h.reg,
		Pipeline:      pipe,
		Rollback:      rb,
		Promotion:     prom,
		Dispatcher:    events.NewDispatcher(h.reg, pipe, prom, nil),
		Store:         st,
		Sagas:         sagas,
		WebhookSecret: testSecret,
		Checks: []Check{
			{Name: "store", Check: func(context.Context) error { return nil }},
		},
	})
	r := chi.NewRouter()
	r.Route("/api", hd.Routes)
	h.router = r

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func envPath(branch, suffix string) string {
	return "/api/environments/" + url.PathEscape(branch) + suffix
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (h *harness) deploy(t *testing.T, branch, commit string, schemaVersion int64) registry.Result {
	t.Helper()
	h.arts.SetSchemaVersion(commit, schemaVersion)
	rr := h.do(t, "POST", envPath(branch, "/deploy?wait=true"), map[string]string{"commit": commit})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[registry.Result](t, rr)
}

func TestDeployCreatesEnvironment(t *testing.T) {
	h := newHarness(t)
	res := h.deploy(t, "feature/x", "abc123", 1)
	assert.Equal(t, model.StatusLive, res.Status, res.Error)
	assert.Equal(t, int64(1), res.Revision)

	rr := h.do(t, "GET", envPath("feature/x", ""), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	env := decode[model.Environment](t, rr)
	assert.Equal(t, model.EnvLive, env.Status)
	assert.Equal(t, model.BranchLabel("feature/x"), env.Label)
	assert.Equal(t, int64(1), env.SchemaVersion)

	rr = h.do(t, "GET", "/api/environments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.Environment](t, rr), 1)

	rr = h.do(t, "GET", envPath("feature/x", "/revisions"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	revs := decode[[]model.Revision](t, rr)
	require.Len(t, revs, 1)
	assert.Equal(t, "abc123", revs[0].CommitSHA)

	rr = h.do(t, "GET", "/api/deployments?branch=feature/x", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decode[[]model.Deployment](t, rr))

	rr = h.do(t, "GET", "/api/deployments/"+res.DeploymentID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.StatusLive, decode[model.Deployment](t, rr).Status)

	rr = h.do(t, "GET", "/api/saga/"+res.DeploymentID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decode[[]saga.Event](t, rr))

	rr = h.do(t, "GET", "/api/saga/"+res.DeploymentID+"?format=text", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rr.Body.String(), "build completed")

	rr = h.do(t, "GET", "/api/saga/no-such-attempt", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeployWithoutWaitIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.arts.Hold("abc123")
	defer h.arts.Release("abc123")

	rr := h.do(t, "POST", envPath("feature/x", "/deploy"), map[string]string{"commit": "abc123"})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[ticketResponse](t, rr)
	assert.NotEmpty(t, resp.DeploymentID)
	assert.Equal(t, model.StatusPending, resp.Status)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	h := newHarness(t)

	rr := h.do(t, "GET", envPath("nope", ""), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	body := decode[map[string]string](t, rr)
	assert.Equal(t, string(model.KindNotFound), body["kind"])
	assert.NotEmpty(t, body["error"])

	r1 := h.deploy(t, "feature/x", "c1", 1)
	h.deploy(t, "feature/x", "c2", 2)

	rr = h.do(t, "POST", envPath("feature/x", "/rollback"), map[string]int64{"revision": r1.Revision})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	assert.Equal(t, string(model.KindRollbackUnavailable), decode[map[string]string](t, rr)["kind"])

	rr = h.do(t, "POST", envPath("feature/x", "/rollback"), map[string]int64{"revision": 42})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(model.KindNotAncestor), decode[map[string]string](t, rr)["kind"])

	rr = h.do(t, "DELETE", envPath("main", ""), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = h.do(t, "POST", "/api/environments", map[string]string{"branch": "feature/x"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(model.KindAlreadyExists), decode[map[string]string](t, rr)["kind"])
}

func TestRollbackAndDestroy(t *testing.T) {
	h := newHarness(t)
	r1 := h.deploy(t, "feature/x", "c1", 1)
	h.deploy(t, "feature/x", "c2", 1)

	rr := h.do(t, "POST", envPath("feature/x", "/rollback?wait=true"), map[string]int64{"revision": r1.Revision})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[registry.Result](t, rr)
	assert.Equal(t, model.StatusLive, res.Status, res.Error)
	assert.Equal(t, model.KindRollback, res.Kind)

	rr = h.do(t, "DELETE", envPath("feature/x", "?wait=true"), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.StatusDone, decode[registry.Result](t, rr).Status)

	rr = h.do(t, "GET", "/api/environments", nil)
	assert.Empty(t, decode[[]model.Environment](t, rr))
}

func TestPromoteWait(t *testing.T) {
	h := newHarness(t)
	h.deploy(t, "feature/x", "abc123", 1)

	rr := h.do(t, "POST", envPath("feature/x", "/promote?wait=true"), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[registry.Result](t, rr)
	assert.Equal(t, model.StatusLive, res.Status, res.Error)
	assert.Equal(t, "main", res.Branch)

	rr = h.do(t, "GET", envPath("main", ""), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, providertest.Ref("abc123"), decode[model.Environment](t, rr).Artifact)
}

func TestInvalidBranch(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, "GET", envPath("../etc", ""), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, "POST", "/api/environments", map[string]string{"branch": "-rf"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *harness) webhook(t *testing.T, provider, event string, payload interface{}, sig string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/webhooks/"+provider, bytes.NewReader(body))
	switch provider {
	case "github":
		req.Header.Set("X-GitHub-Event", event)
		req.Header.Set("X-GitHub-Delivery", "d-1")
		if sig == "" {
			sig = "sha256=" + sign(body)
		}
		req.Header.Set("X-Hub-Signature-256", sig)
	case "gitea":
		req.Header.Set("X-Gitea-Event", event)
		if sig == "" {
			sig = sign(body)
		}
		req.Header.Set("X-Gitea-Signature", sig)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func pushPayload(branch, commit, message string) map[string]interface{} {
	return map[string]interface{}{
		"ref":         "refs/heads/" + branch,
		"after":       commit,
		"head_commit": map[string]string{"message": message},
	}
}

func TestWebhookPushDeploys(t *testing.T) {
	h := newHarness(t)
	h.arts.SetSchemaVersion("abc123", 1)

	rr := h.webhook(t, "github", "push", pushPayload("feature/x", "abc123", "add users"), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[outcomeResponse](t, rr)
	assert.Equal(t, events.ActionDeploy, out.Action)
	require.NotEmpty(t, out.DeploymentID)

	require.Eventually(t, func() bool {
		env, err := h.reg.Get(context.Background(), "feature/x")
		return err == nil && env.Status == model.EnvLive
	}, 5*time.Second, 10*time.Millisecond)

	rr = h.webhook(t, "github", "push", pushPayload("feature/x", "abc123", "add users"), "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, events.ActionDuplicate, decode[outcomeResponse](t, rr).Action)
}

func TestWebhookGiteaSkipAndDelete(t *testing.T) {
	h := newHarness(t)

	rr := h.webhook(t, "gitea", "push", pushPayload("feature/y", "def456", "docs FERRY: SKIP"), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, events.ActionSkipped, decode[outcomeResponse](t, rr).Action)

	rr = h.webhook(t, "gitea", "delete", map[string]string{"ref": "feature/y", "ref_type": "branch"}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, events.ActionDestroy, decode[outcomeResponse](t, rr).Action)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	rr := h.webhook(t, "github", "push", pushPayload("feature/x", "abc123", ""), "sha256=deadbeef")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = h.webhook(t, "bitbucket", "push", pushPayload("feature/x", "abc123", ""), "x")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookIgnoresUnrelatedEvents(t *testing.T) {
	h := newHarness(t)
	rr := h.webhook(t, "github", "issues", map[string]string{"action": "opened"}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[map[string]bool](t, rr)["ignored"])

	rr = h.webhook(t, "github", "pull_request", map[string]interface{}{
		"action":       "closed",
		"pull_request": map[string]interface{}{"merged": false, "head": map[string]string{"ref": "feature/x"}},
	}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[map[string]bool](t, rr)["ignored"])
}

func TestDecodeWebhook(t *testing.T) {
	evt, ok, err := decodeWebhook("push", []byte(`{"ref":"refs/heads/feature/x","after":"0000000000000000000000000000000000000000","deleted":true}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.TypeBranchClosed, evt.Type)
	assert.Equal(t, "feature/x", evt.Branch)

	evt, ok, err = decodeWebhook("push", []byte(`{"ref":"refs/heads/x","after":"abc","commits":[{"id":"abc","message":"FERRY: IGNORE"}]}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "FERRY: IGNORE", evt.Message)

	_, ok, err = decodeWebhook("push", []byte(`{"ref":"refs/tags/v1","after":"abc"}`))
	require.NoError(t, err)
	assert.False(t, ok, "tag pushes are ignored")

	evt, ok, err = decodeWebhook("pull_request", []byte(`{"action":"closed","pull_request":{"merged":true,"head":{"ref":"feature/x","sha":"def456"}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.TypePullRequestMerged, evt.Type)
	assert.Equal(t, "def456", evt.Commit)

	evt, ok, err = decodeWebhook("push", []byte(`{"ref":"refs/heads/feature/x","before":"def456","after":"0000000000000000000000000000000000000000","deleted":true}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.TypeBranchClosed, evt.Type)
	assert.Equal(t, "def456", evt.Commit)

	_, _, err = decodeWebhook("push", []byte(`{`))
	assert.Error(t, err)
}

func TestPostEvent(t *testing.T) {
	h := newHarness(t)
	h.arts.SetSchemaVersion("abc123", 1)

	rr := h.do(t, "POST", "/api/events?wait=true", events.Event{Type: events.TypeBranchPushed, Branch: "feature/x", Commit: "abc123"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[outcomeResponse](t, rr)
	require.NotNil(t, out.Result)
	assert.Equal(t, model.StatusLive, out.Result.Status)

	rr = h.do(t, "POST", "/api/events?wait=true", events.Event{Type: events.TypePullRequestMerged, Branch: "feature/x"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out = decode[outcomeResponse](t, rr)
	assert.Equal(t, events.ActionPromote, out.Action)
	require.NotNil(t, out.Result)
	assert.Equal(t, model.StatusLive, out.Result.Status)

	rr = h.do(t, "POST", "/api/events", events.Event{Type: events.TypeBranchPushed, Branch: "feature/x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthAndStats(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]interface{}](t, rr)["status"])

	h.deploy(t, "feature/x", "abc123", 1)
	rr = h.do(t, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[statsResponse](t, rr)
	assert.Equal(t, 1, stats.Environments)
	assert.Equal(t, 2, stats.GateCapacity)
}
