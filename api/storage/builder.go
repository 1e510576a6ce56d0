package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ferry/api/model"
)

// CommandBuilder runs an external build command for a commit. The command
// receives FERRY_BRANCH and FERRY_COMMIT in its environment and must print a
// YAML manifest on stdout:
//
//	artifact: s3://artifacts/app-3f2a9c.tar.gz
//	schemaVersion: 12
type CommandBuilder struct {
	Command string
	Dir     string
	Timeout time.Duration
}

func (b *CommandBuilder) Build(ctx context.Context, branch, commit string) (*model.Artifact, error) {
	if b.Command == "" {
		return nil, fmt.Errorf("build: no build command configured")
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", b.Command)
	cmd.Dir = b.Dir
	cmd.Env = append(os.Environ(), "FERRY_BRANCH="+branch, "FERRY_COMMIT="+commit)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("build %s@%s: %w: %s", branch, model.ShortSHA(commit), err, strings.TrimSpace(stderr.String()))
	}
	return ParseManifest(out)
}

// ParseManifest reads the build command's YAML output.
func ParseManifest(data []byte) (*model.Artifact, error) {
	var a model.Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse build manifest: %w", err)
	}
	if a.Ref == "" {
		return nil, fmt.Errorf("parse build manifest: artifact is required")
	}
	if a.SchemaVersion < 0 {
		return nil, fmt.Errorf("parse build manifest: negative schemaVersion %d", a.SchemaVersion)
	}
	return &a, nil
}

// Artifacts combines a builder with a prefetch cache.
type Artifacts struct {
	Builder interface {
		Build(ctx context.Context, branch, commit string) (*model.Artifact, error)
	}
	Cache interface {
		Prefetch(ctx context.Context, ref string) error
	}
}

func (a *Artifacts) Build(ctx context.Context, branch, commit string) (*model.Artifact, error) {
	return a.Builder.Build(ctx, branch, commit)
}

func (a *Artifacts) Prefetch(ctx context.Context, ref string) error {
	if a.Cache == nil {
		return nil
	}
	return a.Cache.Prefetch(ctx, ref)
}
