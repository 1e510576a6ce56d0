package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/api/model"
	"ferry/api/pipeline"
	"ferry/api/registry"
)

type fakeEnvs struct {
	mu        sync.Mutex
	existing  map[string]bool
	created   []string
	destroyed []string
}

func (f *fakeEnvs) CreateEnvironment(ctx context.Context, branch string) (*model.Environment, *registry.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing[branch] {
		return nil, nil, model.Errorf(model.KindAlreadyExists, "environment %s already exists", branch)
	}
	f.existing[branch] = true
	f.created = append(f.created, branch)
	return model.NewEnvironment(branch, false), registry.Resolved(registry.Ok(model.StatusDone)), nil
}

func (f *fakeEnvs) DestroyEnvironment(ctx context.Context, branch string) (*registry.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.existing, branch)
	f.destroyed = append(f.destroyed, branch)
	return registry.Resolved(registry.Ok(model.StatusDone)), nil
}

type fakeDeployer struct {
	mu       sync.Mutex
	deploys  []string
	failNext error
}

func (f *fakeDeployer) Deploy(ctx context.Context, branch string, req pipeline.DeployRequest) (*registry.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	f.deploys = append(f.deploys, branch+"@"+req.Commit)
	return registry.Resolved(registry.Ok(model.StatusLive)), nil
}

type fakePromoter struct {
	merged []string
}

func (f *fakePromoter) OnMerge(ctx context.Context, branch string) (registry.Result, error) {
	f.merged = append(f.merged, branch)
	return registry.Result{Branch: "main", Kind: model.KindPromote, Status: model.StatusLive}, nil
}

func newDispatcher() (*Dispatcher, *fakeEnvs, *fakeDeployer, *fakePromoter) {
	envs := &fakeEnvs{existing: map[string]bool{}}
	dep := &fakeDeployer{}
	prom := &fakePromoter{}
	return NewDispatcher(envs, dep, prom, NewMemoryDeduper(time.Hour)), envs, dep, prom
}

func TestPushCreatesAndDeploys(t *testing.T) {
	d, envs, dep, _ := newDispatcher()
	ctx := context.Background()

	out, err := d.Dispatch(ctx, Event{Type: TypeBranchPushed, Branch: "feature/x", Commit: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, out.Action)
	require.NotNil(t, out.Ticket)

	out, err = d.Dispatch(ctx, Event{Type: TypeBranchPushed, Branch: "feature/x", Commit: "def456"})
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, out.Action)

	assert.Equal(t, []string{"feature/x"}, envs.created)
	assert.Equal(t, []string{"feature/x@abc123", "feature/x@def456"}, dep.deploys)
}

func TestRedeliveredPushIsDuplicate(t *testing.T) {
	d, _, dep, _ := newDispatcher()
	ctx := context.Background()
	e := Event{Type: TypeBranchPushed, Branch: "feature/x", Commit: "abc123", Delivery: "d-1"}

	_, err := d.Dispatch(ctx, e)
	require.NoError(t, err)
	e.Delivery = "d-2"
	out, err := d.Dispatch(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, out.Action)
	assert.Len(t, dep.deploys, 1)
}

func TestFailedHandlingAllowsRedelivery(t *testing.T) {
	d, _, dep, _ := newDispatcher()
	ctx := context.Background()
	e := Event{Type: TypeBranchPushed, Branch: "feature/x", Commit: "abc123"}

	dep.failNext = errors.New("registry closed")
	_, err := d.Dispatch(ctx, e)
	require.Error(t, err)

	out, err := d.Dispatch(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, ActionDeploy, out.Action)
	assert.Len(t, dep.deploys, 1)
}

func TestSkipPattern(t *testing.T) {
	d, envs, dep, _ := newDispatcher()
	for _, msg := range []string{"wip FERRY: SKIP", "ferry: ignore this one", "Docs\n\nFERRY:IGNORE"} {
		out, err := d.Dispatch(context.Background(), Event{Type: TypeBranchPushed, Branch: "feature/x", Commit: "c", Message: msg})
		require.NoError(t, err)
		assert.Equal(t, ActionSkipped, out.Action, msg)
	}
	assert.Empty(t, envs.created)
	assert.Empty(t, dep.deploys)

	assert.False(t, Skipped("skip the ferry"))
	assert.False(t, Skipped("FERRY: SKIPPER"))
}

func TestMergeAndClose(t *testing.T) {
	d, envs, _, prom := newDispatcher()
	ctx := context.Background()

	merge := Event{Type: TypePullRequestMerged, Branch: "feature/x", Commit: "abc123"}
	out, err := d.Dispatch(ctx, merge)
	require.NoError(t, err)
	assert.Equal(t, ActionPromote, out.Action)
	require.NotNil(t, out.Result)
	assert.Equal(t, model.StatusLive, out.Result.Status)

	out, err = d.Dispatch(ctx, merge)
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, out.Action)
	assert.Equal(t, []string{"feature/x"}, prom.merged)

	out, err = d.Dispatch(ctx, Event{Type: TypeBranchClosed, Branch: "feature/y"})
	require.NoError(t, err)
	assert.Equal(t, ActionDestroy, out.Action)
	assert.Equal(t, []string{"feature/y"}, envs.destroyed)
}

func TestReusedBranchIsMergedAgain(t *testing.T) {
	d, envs, dep, prom := newDispatcher()
	ctx := context.Background()

	steps := []Event{
		{Type: TypeBranchPushed, Branch: "feature/x", Commit: "abc"},
		{Type: TypePullRequestMerged, Branch: "feature/x", Commit: "abc"},
		{Type: TypeBranchClosed, Branch: "feature/x", Commit: "abc"},
		{Type: TypeBranchPushed, Branch: "feature/x", Commit: "def"},
		{Type: TypePullRequestMerged, Branch: "feature/x", Commit: "def"},
		{Type: TypeBranchClosed, Branch: "feature/x", Commit: "def"},
	}
	for _, e := range steps {
		out, err := d.Dispatch(ctx, e)
		require.NoError(t, err)
		assert.NotEqual(t, ActionDuplicate, out.Action, "%s %s", e.Type, e.Commit)
	}
	assert.Equal(t, []string{"feature/x@abc", "feature/x@def"}, dep.deploys)
	assert.Equal(t, []string{"feature/x", "feature/x"}, prom.merged)
	assert.Equal(t, []string{"feature/x", "feature/x"}, envs.destroyed)
}

func TestMergeWithoutCommitIsNotDeduplicated(t *testing.T) {
	d, envs, _, prom := newDispatcher()
	ctx := context.Background()

	for range 2 {
		out, err := d.Dispatch(ctx, Event{Type: TypePullRequestMerged, Branch: "feature/x"})
		require.NoError(t, err)
		assert.Equal(t, ActionPromote, out.Action)
		out, err = d.Dispatch(ctx, Event{Type: TypeBranchClosed, Branch: "feature/x"})
		require.NoError(t, err)
		assert.Equal(t, ActionDestroy, out.Action)
	}
	assert.Len(t, prom.merged, 2)
	assert.Len(t, envs.destroyed, 2)
}

func TestValidate(t *testing.T) {
	d, _, _, _ := newDispatcher()
	_, err := d.Dispatch(context.Background(), Event{Type: TypeBranchPushed, Branch: "x"})
	assert.Error(t, err)
	_, err = d.Dispatch(context.Background(), Event{Type: "tag_pushed", Branch: "x"})
	assert.Error(t, err)
	_, err = d.Dispatch(context.Background(), Event{Type: TypeBranchClosed})
	assert.Error(t, err)
}

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = d.Claim(ctx, "k")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = d.Claim(ctx, "k")
	assert.True(t, ok, "claims expire after the ttl")

	require.NoError(t, d.Release(ctx, "k"))
	ok, _ = d.Claim(ctx, "k")
	assert.True(t, ok)
}

func TestRedisDeduper(t *testing.T) {
	addr := os.Getenv("FERRY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	d, err := NewRedisDeduper(addr, "", 0, time.Minute)
	if err != nil {
		t.Skipf("skipping: redis not available: %v", err)
	}
	defer d.Close()
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	ok, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, key))
	ok, err = d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, d.Release(ctx, key))
}
