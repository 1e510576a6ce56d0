package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type EnvStatus string

const (
	EnvProvisioning EnvStatus = "Provisioning"
	EnvLive         EnvStatus = "Live"
	EnvDeploying    EnvStatus = "Deploying"
	EnvRollingBack  EnvStatus = "RollingBack"
	EnvDegraded     EnvStatus = "Degraded"
	EnvDestroyed    EnvStatus = "Destroyed"
)

// Environment is the isolated running instance of the application for one
// branch. Only the environment's own worker mutates it.
type Environment struct {
	Branch          string    `json:"branch"`
	Label           string    `json:"label"`
	Status          EnvStatus `json:"status"`
	CurrentRevision int64     `json:"currentRevision"`
	InstanceID      string    `json:"instanceId,omitempty"`
	Artifact        string    `json:"artifact,omitempty"`
	SchemaVersion   int64     `json:"schemaVersion"`
	SchemaName      string    `json:"schemaName"`
	Production      bool      `json:"production"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Destroyed reports whether the environment no longer exists.
func (e *Environment) Destroyed() bool {
	return e.Status == EnvDestroyed
}

// Clone returns a copy safe to hand outside the owning worker.
func (e *Environment) Clone() *Environment {
	c := *e
	return &c
}

// NewEnvironment returns an environment record for a freshly pushed branch.
func NewEnvironment(branch string, production bool) *Environment {
	now := time.Now()
	return &Environment{
		Branch:     branch,
		Label:      BranchLabel(branch),
		Status:     EnvProvisioning,
		SchemaName: SchemaName(branch),
		Production: production,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// maxSlug keeps labels within the 63 character limit of DNS labels and
// Postgres identifiers.
const maxSlug = 47

// BranchLabel returns a name usable as a subdomain or path segment,
// e.g. "feature/new_ui" → "branch-feature-new-ui-962a3963". The suffix is a
// hash of the raw branch name, so branches that slug the same still get
// distinct labels.
func BranchLabel(branch string) string {
	return "branch-" + slug(branch) + "-" + branchHash(branch)
}

// SchemaName returns the database schema that isolates the branch's data.
func SchemaName(branch string) string {
	return strings.ReplaceAll(BranchLabel(branch), "-", "_")
}

func slug(branch string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(branch) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimRight(b.String(), "-")
	if len(s) > maxSlug {
		s = strings.TrimRight(s[:maxSlug], "-")
	}
	if s == "" {
		s = "x"
	}
	return s
}

func branchHash(branch string) string {
	sum := sha256.Sum256([]byte(branch))
	return hex.EncodeToString(sum[:4])
}
