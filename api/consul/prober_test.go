package consul

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/api/model"
)

type scriptedHealth struct {
	mu    sync.Mutex
	polls [][]Instance
	err   error
	calls int
}

func (s *scriptedHealth) Instances(ctx context.Context, service string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls - 1
	if i >= len(s.polls) {
		i = len(s.polls) - 1
	}
	return s.polls[i], nil
}

func liveEnv() *model.Environment {
	env := model.NewEnvironment("feature/x", false)
	env.Artifact = "app:new"
	return env
}

func TestProbeWaitsForNewArtifact(t *testing.T) {
	src := &scriptedHealth{polls: [][]Instance{
		{{Node: "n1", Artifact: "app:old", Status: "passing"}},
		{{Node: "n1", Artifact: "app:new", Status: "critical"}},
		{{Node: "n1", Artifact: "app:new", Status: "passing"}},
	}}
	p := &Prober{src: src, Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Probe(ctx, liveEnv()))
	assert.Equal(t, 3, src.calls)
}

func TestProbeTimesOutWithReason(t *testing.T) {
	src := &scriptedHealth{polls: [][]Instance{
		{{Node: "n1", Artifact: "app:new", Status: "critical"}},
	}}
	p := &Prober{src: src, Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Probe(ctx, liveEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical")
}

func TestProbeReportsConsulErrors(t *testing.T) {
	src := &scriptedHealth{err: errors.New("connection refused")}
	p := &Prober{src: src, Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Probe(ctx, liveEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestProbeNoInstances(t *testing.T) {
	src := &scriptedHealth{polls: [][]Instance{nil}}
	p := &Prober{src: src, Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Probe(ctx, liveEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no registered instances")
}
