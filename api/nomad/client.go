package nomad

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"
)

// Client is the slice of the Nomad API that Compute needs.
type Client struct {
	api *nomadapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := nomadapi.DefaultConfig()
	cfg.Address = addr

	nc, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &Client{api: nc}, nil
}

// Healthy checks connectivity to Nomad.
func (c *Client) Healthy() error {
	_, err := c.api.Agent().NodeName()
	return err
}

func (c *Client) register(ctx context.Context, job *nomadapi.Job) error {
	_, _, err := c.api.Jobs().Register(job, (&nomadapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("register job %s: %w", *job.ID, err)
	}
	return nil
}

// deregister purges the job. A job that is already gone counts as success.
func (c *Client) deregister(ctx context.Context, jobID string) error {
	_, _, err := c.api.Jobs().Deregister(jobID, true, (&nomadapi.WriteOptions{}).WithContext(ctx))
	var resp *nomadapi.UnexpectedResponseError
	if errors.As(err, &resp) && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return err
}

// WaitHealthy waits for the job's latest rollout. It fails as soon as Nomad
// marks the rollout failed, and otherwise returns once every live allocation
// reports healthy.
func (c *Client) WaitHealthy(ctx context.Context, jobID string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timeout waiting for %s to become healthy", jobID)
		case <-ticker.C:
		}

		q := (&nomadapi.QueryOptions{}).WithContext(ctx)
		if err := c.rolloutFailed(jobID, q); err != nil {
			return err
		}
		allocs, _, err := c.api.Jobs().Allocations(jobID, false, q)
		if err != nil || len(allocs) == 0 {
			continue
		}
		if allocsHealthy(allocs) {
			return nil
		}
	}
}

// rolloutFailed returns an error when Nomad has given up on the rollout of
// the job's current version. Older deployments are ignored.
func (c *Client) rolloutFailed(jobID string, q *nomadapi.QueryOptions) error {
	job, _, err := c.api.Jobs().Info(jobID, q)
	if err != nil || job.Version == nil {
		return nil
	}
	d, _, err := c.api.Jobs().LatestDeployment(jobID, q)
	if err != nil || d == nil || d.JobVersion != *job.Version {
		return nil
	}
	if d.Status == "failed" || d.Status == "cancelled" {
		return fmt.Errorf("rollout of %s %s: %s", jobID, d.Status, d.StatusDescription)
	}
	return nil
}

func allocsHealthy(allocs []*nomadapi.AllocationListStub) bool {
	healthy := 0
	pending := 0
	for _, alloc := range allocs {
		// terminal allocations belong to previous versions
		if alloc.ClientStatus == "complete" || alloc.ClientStatus == "failed" || alloc.ClientStatus == "lost" {
			continue
		}
		if alloc.ClientStatus != "running" {
			pending++
			continue
		}
		if alloc.DeploymentStatus == nil || alloc.DeploymentStatus.Healthy == nil || !*alloc.DeploymentStatus.Healthy {
			pending++
			continue
		}
		healthy++
	}
	return healthy > 0 && pending == 0
}
