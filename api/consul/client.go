package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// Client queries the Consul catalog for the instances Nomad registers for
// each environment.
type Client struct {
	api *consulapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	c, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: c}, nil
}

// Healthy reports whether the agent can reach a cluster leader.
func (c *Client) Healthy() error {
	leader, err := c.api.Status().Leader()
	if err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("no cluster leader")
	}
	return nil
}

// Instance is one registered copy of an environment's service.
type Instance struct {
	Node     string
	Address  string
	Port     int
	Artifact string // from the service's "artifact" meta key
	Status   string // consulapi.HealthPassing, HealthWarning, HealthCritical or HealthMaint
}

func (i Instance) Passing() bool { return i.Status == consulapi.HealthPassing }

// Instances lists every registered instance of service, healthy or not.
func (c *Client) Instances(ctx context.Context, service string) ([]Instance, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.api.Health().Service(service, "", false, q)
	if err != nil {
		return nil, err
	}

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		out = append(out, Instance{
			Node:     e.Node.Node,
			Address:  e.Service.Address,
			Port:     e.Service.Port,
			Artifact: e.Service.Meta["artifact"],
			Status:   e.Checks.AggregatedStatus(),
		})
	}
	return out, nil
}
