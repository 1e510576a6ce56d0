package store

import (
	"context"
	"fmt"
	"time"

	"ferry/api/model"
)

const deployColumns = `id, branch, kind, commit_sha, revision_seq, status, error_kind, error, started_at, finished_at`

func (db *DB) InsertDeployment(ctx context.Context, d *model.Deployment) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO deployments (`+deployColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Branch, d.Kind, d.CommitSHA, d.RevisionSeq, d.Status, d.ErrorKind, d.Error, d.StartedAt, d.FinishedAt,
	)
	return err
}

func (db *DB) UpdateDeployment(ctx context.Context, d *model.Deployment) error {
	if d.Status.Terminal() && d.FinishedAt == nil {
		now := time.Now()
		d.FinishedAt = &now
	}
	_, err := db.Pool.Exec(ctx,
		`UPDATE deployments SET commit_sha = $1, revision_seq = $2, status = $3, error_kind = $4, error = $5, finished_at = $6
		 WHERE id = $7`,
		d.CommitSHA, d.RevisionSeq, d.Status, d.ErrorKind, d.Error, d.FinishedAt, d.ID,
	)
	return err
}

func (db *DB) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	var d model.Deployment
	err := db.Pool.QueryRow(ctx, `SELECT `+deployColumns+` FROM deployments WHERE id = $1`, id).
		Scan(&d.ID, &d.Branch, &d.Kind, &d.CommitSHA, &d.RevisionSeq, &d.Status, &d.ErrorKind, &d.Error, &d.StartedAt, &d.FinishedAt)
	if err != nil {
		return nil, notFound(err, "deployment %s not found", id)
	}
	return &d, nil
}

func (db *DB) ListDeployments(ctx context.Context, branch string, limit int) ([]model.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deployColumns + ` FROM deployments`
	args := []interface{}{}
	if branch != "" {
		query += " WHERE branch = $1 ORDER BY started_at DESC LIMIT $2"
		args = append(args, branch, limit)
	} else {
		query += " ORDER BY started_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.ID, &d.Branch, &d.Kind, &d.CommitSHA, &d.RevisionSeq, &d.Status, &d.ErrorKind, &d.Error, &d.StartedAt, &d.FinishedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// RecoverInFlightDeployments fails attempts that were running when the
// process stopped. Environments caught mid-change are marked Degraded since
// their schema may be partially migrated.
func (db *DB) RecoverInFlightDeployments(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE deployments SET status = 'Failed', error = 'interrupted by restart', finished_at = now()
		 WHERE status NOT IN ('Live', 'Failed', 'Degraded', 'Superseded', 'Done')`,
	)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx,
		`UPDATE environments SET status = 'Degraded', updated_at = now()
		 WHERE status IN ('Deploying', 'RollingBack')`,
	)
	return err
}

func (db *DB) GetDailyStats(ctx context.Context) (*DailyStats, error) {
	s := &DailyStats{}
	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'Live'),
			COUNT(*) FILTER (WHERE status = 'Failed'),
			COUNT(*) FILTER (WHERE status = 'Degraded')
		FROM deployments
		WHERE started_at >= CURRENT_DATE
	`).Scan(&s.Total, &s.Live, &s.Failed, &s.Degraded)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	return s, nil
}
