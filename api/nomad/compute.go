package nomad

import (
	"context"
	"fmt"
	"strconv"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"

	"ferry/api/model"
)

// JobConfig shapes the Nomad job that runs each environment.
type JobConfig struct {
	Datacenters    []string
	Driver         string // default "docker"
	Port           int    // container port, default 8080
	HealthPath     string // default "/healthz"
	CPU            int
	MemoryMB       int
	DatabaseURL    string
	Env            map[string]string
	HealthyTimeout time.Duration // how long Swap waits for the new allocation
}

func (c JobConfig) withDefaults() JobConfig {
	if len(c.Datacenters) == 0 {
		c.Datacenters = []string{"dc1"}
	}
	if c.Driver == "" {
		c.Driver = "docker"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.HealthPath == "" {
		c.HealthPath = "/healthz"
	}
	if c.CPU == 0 {
		c.CPU = 100
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 128
	}
	if c.HealthyTimeout == 0 {
		c.HealthyTimeout = 2 * time.Minute
	}
	return c
}

// Compute runs every environment as one Nomad service job named after the
// environment's label. The job's Consul service carries the served artifact
// in its meta so probes can tell old and new allocations apart.
type Compute struct {
	client *Client
	cfg    JobConfig
}

func NewCompute(client *Client, cfg JobConfig) *Compute {
	return &Compute{client: client, cfg: cfg.withDefaults()}
}

// Provision registers the environment's job with no running allocations.
// The first Swap starts it.
func (c *Compute) Provision(ctx context.Context, env *model.Environment) (string, error) {
	job := JobSpec(env, c.cfg, "")
	if err := c.client.register(ctx, job); err != nil {
		return "", err
	}
	return *job.ID, nil
}

// Swap re-registers the job with the new artifact. Nomad starts a canary,
// promotes it once healthy and stops the old allocation. An empty artifact
// stops the job's allocations.
func (c *Compute) Swap(ctx context.Context, env *model.Environment, artifact string) error {
	if env.InstanceID == "" {
		return fmt.Errorf("swap %s: environment has no instance", env.Branch)
	}
	job := JobSpec(env, c.cfg, artifact)
	job.ID = &env.InstanceID
	job.Name = &env.InstanceID
	if err := c.client.register(ctx, job); err != nil {
		return err
	}
	if artifact == "" {
		return nil
	}
	return c.client.WaitHealthy(ctx, env.InstanceID, c.cfg.HealthyTimeout)
}

func (c *Compute) Deprovision(ctx context.Context, instanceID string) error {
	if err := c.client.deregister(ctx, instanceID); err != nil {
		return fmt.Errorf("deregister %s: %w", instanceID, err)
	}
	return nil
}

// JobSpec builds the Nomad job for env serving artifact. An empty artifact
// yields a job with zero allocations.
func JobSpec(env *model.Environment, cfg JobConfig, artifact string) *nomadapi.Job {
	cfg = cfg.withDefaults()
	jobID := env.Label

	job := nomadapi.NewServiceJob(jobID, jobID, "global", 50)
	job.Datacenters = cfg.Datacenters
	job.Meta = map[string]string{
		"branch":    env.Branch,
		"artifact":  artifact,
		"deploy_ts": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	count := 1
	if artifact == "" {
		count = 0
	}
	tg := nomadapi.NewTaskGroup("web", count)

	attempts := 3
	interval := 5 * time.Minute
	delay := 15 * time.Second
	mode := "delay"
	tg.RestartPolicy = &nomadapi.RestartPolicy{
		Attempts: &attempts,
		Interval: &interval,
		Delay:    &delay,
		Mode:     &mode,
	}

	maxParallel := 1
	canary := 1
	minHealthy := 10 * time.Second
	autoPromote := true
	autoRevert := false
	tg.Update = &nomadapi.UpdateStrategy{
		MaxParallel:    &maxParallel,
		Canary:         &canary,
		MinHealthyTime: &minHealthy,
		AutoPromote:    &autoPromote,
		AutoRevert:     &autoRevert,
	}

	portLabel := "http"
	tg.Networks = []*nomadapi.NetworkResource{{
		DynamicPorts: []nomadapi.Port{{Label: portLabel, To: cfg.Port}},
	}}
	tg.Services = []*nomadapi.Service{{
		Name:      env.Label,
		PortLabel: portLabel,
		Provider:  "consul",
		Tags:      []string{"ferry", env.Label},
		Meta:      map[string]string{"artifact": artifact, "branch": env.Branch},
		Checks: []nomadapi.ServiceCheck{{
			Type:     "http",
			Path:     cfg.HealthPath,
			Interval: 10 * time.Second,
			Timeout:  5 * time.Second,
		}},
	}}

	task := nomadapi.NewTask("app", cfg.Driver)
	task.Config = map[string]interface{}{
		"image": artifact,
		"ports": []string{portLabel},
	}

	envVars := make(map[string]string, len(cfg.Env)+4)
	for k, v := range cfg.Env {
		envVars[k] = v
	}
	envVars["FERRY_BRANCH"] = env.Branch
	envVars["FERRY_LABEL"] = env.Label
	envVars["DATABASE_SCHEMA"] = env.SchemaName
	if cfg.DatabaseURL != "" {
		envVars["DATABASE_URL"] = cfg.DatabaseURL
	}
	task.Env = envVars

	cpu := cfg.CPU
	mem := cfg.MemoryMB
	task.Resources = &nomadapi.Resources{
		CPU:      &cpu,
		MemoryMB: &mem,
	}

	tg.Tasks = []*nomadapi.Task{task}
	job.TaskGroups = []*nomadapi.TaskGroup{tg}
	return job
}
