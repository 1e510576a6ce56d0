package provider

import (
	"context"

	"ferry/api/model"
)

// Compute provisions the running instance of an environment and controls
// which artifact it serves.
type Compute interface {
	// Provision creates the environment's instance and returns an opaque
	// handle used by Swap and Deprovision.
	Provision(ctx context.Context, env *model.Environment) (string, error)
	// Swap atomically points the instance at artifact. After a successful
	// Swap the instance serves only the new artifact.
	Swap(ctx context.Context, env *model.Environment, artifact string) error
	Deprovision(ctx context.Context, instanceID string) error
}

// Builder turns a commit into a deployable artifact.
type Builder interface {
	Build(ctx context.Context, branch, commit string) (*model.Artifact, error)
}

// Fetcher warms whatever cache Swap reads artifacts from.
type Fetcher interface {
	Prefetch(ctx context.Context, ref string) error
}

type Artifacts interface {
	Builder
	Fetcher
}

// Prober reports whether the environment serves its current artifact
// healthily. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, env *model.Environment) error
}
