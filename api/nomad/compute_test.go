package nomad

import (
	"testing"

	nomadapi "github.com/hashicorp/nomad/api"

	"ferry/api/model"
)

func TestJobSpec(t *testing.T) {
	env := model.NewEnvironment("feature/new_ui", false)
	job := JobSpec(env, JobConfig{DatabaseURL: "postgres://db/app", Env: map[string]string{"LOG_LEVEL": "debug"}}, "registry/app:abc123")

	if *job.ID != env.Label {
		t.Errorf("job ID = %q", *job.ID)
	}
	if len(job.TaskGroups) != 1 {
		t.Fatalf("task groups = %d, want 1", len(job.TaskGroups))
	}
	tg := job.TaskGroups[0]
	if *tg.Count != 1 {
		t.Errorf("count = %d, want 1", *tg.Count)
	}
	if tg.Update == nil || *tg.Update.Canary != 1 || !*tg.Update.AutoPromote {
		t.Error("expected canary update strategy with auto-promote")
	}

	task := tg.Tasks[0]
	if task.Config["image"] != "registry/app:abc123" {
		t.Errorf("image = %v", task.Config["image"])
	}
	if task.Env["DATABASE_SCHEMA"] != env.SchemaName {
		t.Errorf("DATABASE_SCHEMA = %q", task.Env["DATABASE_SCHEMA"])
	}
	if task.Env["DATABASE_URL"] != "postgres://db/app" || task.Env["LOG_LEVEL"] != "debug" {
		t.Errorf("env = %v", task.Env)
	}

	svc := tg.Services[0]
	if svc.Name != env.Label {
		t.Errorf("service name = %q", svc.Name)
	}
	if svc.Meta["artifact"] != "registry/app:abc123" {
		t.Errorf("service meta = %v", svc.Meta)
	}
	if len(svc.Checks) != 1 || svc.Checks[0].Path != "/healthz" {
		t.Errorf("checks = %+v", svc.Checks)
	}
}

func TestJobSpecWithoutArtifact(t *testing.T) {
	env := model.NewEnvironment("main", true)
	job := JobSpec(env, JobConfig{}, "")
	if *job.TaskGroups[0].Count != 0 {
		t.Errorf("count = %d, want 0 before the first swap", *job.TaskGroups[0].Count)
	}
}

func boolp(b bool) *bool { return &b }

func TestAllocsHealthy(t *testing.T) {
	tests := []struct {
		name   string
		allocs []*nomadapi.AllocationListStub
		want   bool
	}{
		{"empty", nil, false},
		{"healthy", []*nomadapi.AllocationListStub{
			{ClientStatus: "running", DeploymentStatus: &nomadapi.AllocDeploymentStatus{Healthy: boolp(true)}},
		}, true},
		{"old alloc stopped", []*nomadapi.AllocationListStub{
			{ClientStatus: "complete"},
			{ClientStatus: "running", DeploymentStatus: &nomadapi.AllocDeploymentStatus{Healthy: boolp(true)}},
		}, true},
		{"canary pending", []*nomadapi.AllocationListStub{
			{ClientStatus: "running", DeploymentStatus: &nomadapi.AllocDeploymentStatus{Healthy: boolp(true)}},
			{ClientStatus: "pending"},
		}, false},
		{"unhealthy", []*nomadapi.AllocationListStub{
			{ClientStatus: "running", DeploymentStatus: &nomadapi.AllocDeploymentStatus{Healthy: boolp(false)}},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allocsHealthy(tt.allocs); got != tt.want {
				t.Errorf("allocsHealthy = %v, want %v", got, tt.want)
			}
		})
	}
}
