package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ferry/api/model"
)

// HTTPProber checks an environment by requesting a URL built from a template
// in which {label} and {branch} are replaced, e.g.
// "http://{label}.preview.internal/healthz". It polls until a 2xx/3xx answer
// or ctx expires.
type HTTPProber struct {
	URLTemplate string
	Interval    time.Duration
	Client      *http.Client
}

func (p *HTTPProber) URL(env *model.Environment) string {
	r := strings.NewReplacer("{label}", env.Label, "{branch}", env.Branch)
	return r.Replace(p.URLTemplate)
}

func (p *HTTPProber) Probe(ctx context.Context, env *model.Environment) error {
	if p.Interval == 0 {
		p.Interval = 2 * time.Second
	}
	if p.Client == nil {
		p.Client = &http.Client{Timeout: 5 * time.Second}
	}
	url := p.URL(env)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	var last error
	for {
		if last = p.checkOne(ctx, url); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not healthy: %w", url, last)
		case <-ticker.C:
		}
	}
}

func (p *HTTPProber) checkOne(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
