package model

import "time"

// Revision is an immutable snapshot of code + schema version that went live
// in an environment. Parent is the revision that was current when this one
// was deployed, so each environment's history forms a chain.
type Revision struct {
	Branch        string    `json:"branch"`
	Seq           int64     `json:"seq"`
	CommitSHA     string    `json:"commitSha"`
	ArtifactRef   string    `json:"artifactRef"`
	SchemaVersion int64     `json:"schemaVersion"`
	Parent        int64     `json:"parent,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Artifact is what the build collaborator produced for a commit.
type Artifact struct {
	Ref           string `json:"ref" yaml:"artifact"`
	SchemaVersion int64  `json:"schemaVersion" yaml:"schemaVersion"`
}

// ShortSHA trims a commit hash for display.
func ShortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
