package store

import (
	"context"

	"ferry/api/model"
)

// Environments persists environment records keyed by branch.
type Environments interface {
	// GetEnvironment returns model.ErrNotFound when the branch has no record.
	GetEnvironment(ctx context.Context, branch string) (*model.Environment, error)
	PutEnvironment(ctx context.Context, env *model.Environment) error
	ListEnvironments(ctx context.Context) ([]model.Environment, error)
}

// Revisions is the append-only revision history of each environment.
type Revisions interface {
	// AppendRevision assigns the next sequence number for rev.Branch and
	// stores the revision.
	AppendRevision(ctx context.Context, rev *model.Revision) (*model.Revision, error)
	GetRevision(ctx context.Context, branch string, seq int64) (*model.Revision, error)
	// ListRevisions returns the branch's revisions, newest first.
	ListRevisions(ctx context.Context, branch string, limit int) ([]model.Revision, error)
}

// Deployments records deploy, rollback and destroy attempts.
type Deployments interface {
	InsertDeployment(ctx context.Context, d *model.Deployment) error
	UpdateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, branch string, limit int) ([]model.Deployment, error)
	RecoverInFlightDeployments(ctx context.Context) error
}

// Ledger tracks which migrations have been applied to each database schema.
type Ledger interface {
	AppliedMigrations(ctx context.Context, schema string) (map[int64]bool, error)
	MarkApplied(ctx context.Context, schema string, version int64) error
	MarkReverted(ctx context.Context, schema string, version int64) error
	ClearApplied(ctx context.Context, schema string) error
}

type Store interface {
	Environments
	Revisions
	Deployments
	Ledger
	GetDailyStats(ctx context.Context) (*DailyStats, error)
}

// DailyStats holds basic deployment statistics for today.
type DailyStats struct {
	Total    int `json:"total"`
	Live     int `json:"live"`
	Failed   int `json:"failed"`
	Degraded int `json:"degraded"`
}

// IsAncestor walks the parent chain from current and reports whether target
// is current itself or one of its ancestors.
func IsAncestor(ctx context.Context, revs Revisions, branch string, current, target int64) (bool, error) {
	seq := current
	for seq != 0 {
		if seq == target {
			return true, nil
		}
		rev, err := revs.GetRevision(ctx, branch, seq)
		if err != nil {
			return false, err
		}
		if rev.Parent >= seq {
			// parents always precede their children; anything else is a corrupt chain
			return false, nil
		}
		seq = rev.Parent
	}
	return false, nil
}
