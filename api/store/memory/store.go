package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ferry/api/model"
	"ferry/api/store"
)

// Store is an in-memory implementation of store.Store used by tests and by
// ferryd when no database is configured. All state is lost on restart.
type Store struct {
	mu          sync.RWMutex
	envs        map[string]model.Environment
	revisions   map[string][]model.Revision // branch -> revisions ordered by seq
	deployments map[string]model.Deployment
	applied     map[string]map[int64]bool // schema -> applied migration versions
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory store with initialized maps.
func New() *Store {
	return &Store{
		envs:        make(map[string]model.Environment),
		revisions:   make(map[string][]model.Revision),
		deployments: make(map[string]model.Deployment),
		applied:     make(map[string]map[int64]bool),
	}
}

func (s *Store) GetEnvironment(ctx context.Context, branch string) (*model.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envs[branch]
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "environment %s not found", branch)
	}
	return &env, nil
}

func (s *Store) PutEnvironment(ctx context.Context, env *model.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.UpdatedAt = time.Now()
	s.envs[env.Branch] = *env
	return nil
}

func (s *Store) ListEnvironments(ctx context.Context) ([]model.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	envs := make([]model.Environment, 0, len(s.envs))
	for _, env := range s.envs {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Branch < envs[j].Branch })
	return envs, nil
}

// AppendRevision assigns the next sequence number for the branch. Sequence
// numbers keep increasing across destroy/recreate of an environment.
func (s *Store) AppendRevision(ctx context.Context, rev *model.Revision) (*model.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *rev
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	chain := s.revisions[rev.Branch]
	out.Seq = 1
	if n := len(chain); n > 0 {
		out.Seq = chain[n-1].Seq + 1
	}
	s.revisions[rev.Branch] = append(chain, out)
	return &out, nil
}

func (s *Store) GetRevision(ctx context.Context, branch string, seq int64) (*model.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.revisions[branch] {
		if r.Seq == seq {
			return &r, nil
		}
	}
	return nil, model.Errorf(model.KindNotFound, "revision %d of %s not found", seq, branch)
}

func (s *Store) ListRevisions(ctx context.Context, branch string, limit int) ([]model.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	chain := s.revisions[branch]
	out := make([]model.Revision, 0, min(limit, len(chain)))
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, chain[i])
	}
	return out, nil
}

func (s *Store) InsertDeployment(ctx context.Context, d *model.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[d.ID]; ok {
		return model.Errorf(model.KindAlreadyExists, "deployment %s already exists", d.ID)
	}
	s.deployments[d.ID] = *d
	return nil
}

func (s *Store) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deployments[d.ID]; !ok {
		return model.Errorf(model.KindNotFound, "deployment %s not found", d.ID)
	}
	if d.Status.Terminal() && d.FinishedAt == nil {
		now := time.Now()
		d.FinishedAt = &now
	}
	s.deployments[d.ID] = *d
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "deployment %s not found", id)
	}
	return &d, nil
}

func (s *Store) ListDeployments(ctx context.Context, branch string, limit int) ([]model.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var out []model.Deployment
	for _, d := range s.deployments {
		if branch == "" || d.Branch == branch {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecoverInFlightDeployments(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, d := range s.deployments {
		if d.Status.Terminal() {
			continue
		}
		d.Status = model.StatusFailed
		d.Error = "interrupted by restart"
		d.FinishedAt = &now
		s.deployments[id] = d
	}
	for branch, env := range s.envs {
		if env.Status == model.EnvDeploying || env.Status == model.EnvRollingBack {
			env.Status = model.EnvDegraded
			env.UpdatedAt = now
			s.envs[branch] = env
		}
	}
	return nil
}

func (s *Store) AppliedMigrations(ctx context.Context, schema string) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]bool, len(s.applied[schema]))
	for v := range s.applied[schema] {
		out[v] = true
	}
	return out, nil
}

func (s *Store) MarkApplied(ctx context.Context, schema string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.applied[schema]
	if !ok {
		set = make(map[int64]bool)
		s.applied[schema] = set
	}
	set[version] = true
	return nil
}

func (s *Store) MarkReverted(ctx context.Context, schema string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.applied[schema], version)
	return nil
}

func (s *Store) ClearApplied(ctx context.Context, schema string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.applied, schema)
	return nil
}

func (s *Store) GetDailyStats(ctx context.Context) (*store.DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	y, m, d := time.Now().Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	stats := &store.DailyStats{}
	for _, dep := range s.deployments {
		if dep.StartedAt.Before(midnight) {
			continue
		}
		stats.Total++
		switch dep.Status {
		case model.StatusLive:
			stats.Live++
		case model.StatusFailed:
			stats.Failed++
		case model.StatusDegraded:
			stats.Degraded++
		}
	}
	return stats, nil
}
