package model

import "time"

type DeployStatus string

const (
	StatusPending         DeployStatus = "Pending"
	StatusBuilding        DeployStatus = "Building"
	StatusProvisioning    DeployStatus = "Provisioning"
	StatusMigratingSchema DeployStatus = "MigratingSchema"
	StatusSwappingCode    DeployStatus = "SwappingCode"
	StatusHealthChecking  DeployStatus = "HealthChecking"
	StatusLive            DeployStatus = "Live"
	StatusFailed          DeployStatus = "Failed"
	StatusDegraded        DeployStatus = "Degraded"
	StatusSuperseded      DeployStatus = "Superseded"
	// StatusDone ends a successful provision or destroy attempt.
	StatusDone DeployStatus = "Done"
)

// Terminal reports whether an attempt in this status will not change again.
func (s DeployStatus) Terminal() bool {
	switch s {
	case StatusLive, StatusFailed, StatusDegraded, StatusSuperseded, StatusDone:
		return true
	}
	return false
}

type DeployKind string

const (
	KindProvision DeployKind = "provision"
	KindDeploy    DeployKind = "deploy"
	KindRollback  DeployKind = "rollback"
	KindPromote   DeployKind = "promote"
	KindDestroy   DeployKind = "destroy"
)

// Deployment records one attempt to change an environment. Its ID doubles as
// the saga ID of the attempt's event trail.
type Deployment struct {
	ID          string       `json:"id"`
	Branch      string       `json:"branch"`
	Kind        DeployKind   `json:"kind"`
	CommitSHA   string       `json:"commitSha"`
	RevisionSeq int64        `json:"revision,omitempty"`
	Status      DeployStatus `json:"status"`
	ErrorKind   ErrorKind    `json:"errorKind,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
}
