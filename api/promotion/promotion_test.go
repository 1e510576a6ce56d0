package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/api/model"
	"ferry/api/pipeline"
	"ferry/api/provider"
	"ferry/api/provider/providertest"
	"ferry/api/registry"
	"ferry/api/saga"
	"ferry/api/schema"
	"ferry/api/store/memory"
)

type harness struct {
	reg    *registry.Registry
	pipe   *pipeline.Pipeline
	ctrl   *Controller
	store  *memory.Store
	arts   *providertest.Artifacts
	prober *providertest.Prober
	exec   *schema.MemoryExecutor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := schema.NewCatalog(
		model.Migration{Version: 1, Name: "users", Up: "create users", Down: "drop users"},
		model.Migration{Version: 2, Name: "orders", Up: "create orders", Down: "drop orders"},
	)
	require.NoError(t, err)

	st := memory.New()
	compute := providertest.NewCompute()
	h := &harness{
		store:  st,
		arts:   providertest.NewArtifacts(),
		prober: providertest.NewProber(),
		exec:   schema.NewMemoryExecutor(true),
	}
	coord := schema.NewCoordinator(catalog, h.exec, st)
	h.reg = registry.New(registry.Config{
		Store:            st,
		Sagas:            saga.NewMemoryStore(),
		Compute:          compute,
		Schema:           coord,
		Gate:             registry.NewGate(2),
		ProductionBranch: "main",
		Backoff:          provider.Backoff{Attempts: 2, Base: time.Millisecond},
	})
	h.pipe = pipeline.New(pipeline.Config{
		Registry:  h.reg,
		Revisions: st,
		Artifacts: h.arts,
		Compute:   compute,
		Prober:    h.prober,
		Schema:    coord,
	})
	h.ctrl = New(Config{Registry: h.reg, Pipeline: h.pipe, Revisions: st, ProductionBranch: "main"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) liveBranch(t *testing.T, branch string, commits map[string]int64, order ...string) {
	t.Helper()
	ctx := context.Background()
	_, tk, err := h.reg.CreateEnvironment(ctx, branch)
	require.NoError(t, err)
	_, err = tk.Wait(ctx)
	require.NoError(t, err)

	for _, c := range order {
		h.arts.SetSchemaVersion(c, commits[c])
		tk, err := h.pipe.Deploy(ctx, branch, pipeline.DeployRequest{Commit: c})
		require.NoError(t, err)
		res, err := tk.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, model.StatusLive, res.Status, res.Error)
	}
}

func TestMergePromotesCurrentRevision(t *testing.T) {
	h := newHarness(t)
	h.liveBranch(t, "feature/x", map[string]int64{"abc123": 1, "def456": 2}, "abc123", "def456")
	builds := h.arts.BuildCount()

	res, err := h.ctrl.OnMerge(context.Background(), "feature/x")
	require.NoError(t, err)
	require.Equal(t, model.StatusLive, res.Status, res.Error)
	assert.Equal(t, model.KindPromote, res.Kind)
	assert.Equal(t, "main", res.Branch)
	assert.Equal(t, builds, h.arts.BuildCount(), "promotion reuses the built artifact")

	prod, err := h.reg.Get(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, model.EnvLive, prod.Status)
	assert.True(t, prod.Production)
	assert.Equal(t, providertest.Ref("def456"), prod.Artifact)
	assert.Equal(t, int64(2), prod.SchemaVersion)

	rev, err := h.store.GetRevision(context.Background(), "main", prod.CurrentRevision)
	require.NoError(t, err)
	assert.Equal(t, "def456", rev.CommitSHA)

	feature, err := h.reg.Get(context.Background(), "feature/x")
	require.NoError(t, err)
	assert.Equal(t, model.EnvDestroyed, feature.Status)
	assert.False(t, h.exec.Exists(model.SchemaName("feature/x")))
}

func TestMergeCompletesAfterCallerGivesUp(t *testing.T) {
	h := newHarness(t)
	h.liveBranch(t, "feature/x", map[string]int64{"abc123": 1}, "abc123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.ctrl.OnMerge(ctx, "feature/x"); err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	bg := context.Background()
	assert.Eventually(t, func() bool {
		feature, err := h.reg.Get(bg, "feature/x")
		return err == nil && feature.Destroyed()
	}, 5*time.Second, 10*time.Millisecond, "merged branch is destroyed")

	prod, err := h.reg.Get(bg, "main")
	require.NoError(t, err)
	assert.Equal(t, model.EnvLive, prod.Status)
	assert.Equal(t, int64(1), prod.CurrentRevision)
	assert.False(t, h.exec.Exists(model.SchemaName("feature/x")))
}

func TestRedeliveredMergeIsNoop(t *testing.T) {
	h := newHarness(t)
	h.liveBranch(t, "feature/x", map[string]int64{"abc123": 1}, "abc123")

	_, err := h.ctrl.OnMerge(context.Background(), "feature/x")
	require.NoError(t, err)

	again, err := h.ctrl.OnMerge(context.Background(), "feature/x")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, again.Status)

	unknown, err := h.ctrl.OnMerge(context.Background(), "never-pushed")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, unknown.Status)
}

func TestMergeWithoutLiveRevision(t *testing.T) {
	h := newHarness(t)
	h.liveBranch(t, "feature/x", nil)

	_, err := h.ctrl.OnMerge(context.Background(), "feature/x")
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestFailedPromotionKeepsBranch(t *testing.T) {
	h := newHarness(t)
	h.liveBranch(t, "feature/x", map[string]int64{"abc123": 1}, "abc123")
	h.prober.FailArtifact(providertest.Ref("abc123"))

	res, err := h.ctrl.OnMerge(context.Background(), "feature/x")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, model.KindHealthCheck, res.ErrorKind)

	feature, err := h.reg.Get(context.Background(), "feature/x")
	require.NoError(t, err)
	assert.Equal(t, model.EnvLive, feature.Status)
}

func TestMergeOfProductionBranch(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.OnMerge(context.Background(), "main")
	assert.ErrorIs(t, err, model.ErrConflict)
}
