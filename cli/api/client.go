package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// WaitClient serves ?wait=true calls, which last as long as the job.
	WaitClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		WaitClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

// Error is a failed API call. Kind carries the server's error kind, e.g.
// "NotAncestor", when the server reported one.
type Error struct {
	Status  int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

type Environment struct {
	Branch          string `json:"branch"`
	Label           string `json:"label"`
	Status          string `json:"status"`
	CurrentRevision int64  `json:"currentRevision"`
	Artifact        string `json:"artifact"`
	SchemaVersion   int64  `json:"schemaVersion"`
	SchemaName      string `json:"schemaName"`
	Production      bool   `json:"production"`
	QueueDepth      int    `json:"queueDepth"`
	UpdatedAt       string `json:"updatedAt"`
}

// Result is the outcome of a deploy, rollback, promotion or destroy. Status
// is "Pending" when the job was only queued.
type Result struct {
	DeploymentID string `json:"deploymentId"`
	Branch       string `json:"branch"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	EnvStatus    string `json:"envStatus"`
	Commit       string `json:"commit"`
	Revision     int64  `json:"revision"`
	ErrorKind    string `json:"errorKind"`
	Error        string `json:"error"`
}

// Failed reports whether the job ended without reaching its goal.
func (r *Result) Failed() bool {
	return r.Status == "Failed" || r.Status == "Degraded" || r.Status == "Superseded"
}

type Revision struct {
	Seq           int64  `json:"seq"`
	Branch        string `json:"branch"`
	CommitSHA     string `json:"commitSha"`
	ArtifactRef   string `json:"artifactRef"`
	SchemaVersion int64  `json:"schemaVersion"`
	Parent        int64  `json:"parent"`
	CreatedAt     string `json:"createdAt"`
}

type Deployment struct {
	ID          string `json:"id"`
	Branch      string `json:"branch"`
	Kind        string `json:"kind"`
	CommitSHA   string `json:"commitSha"`
	RevisionSeq int64  `json:"revision"`
	Status      string `json:"status"`
	ErrorKind   string `json:"errorKind"`
	Error       string `json:"error"`
	StartedAt   string `json:"startedAt"`
}

type SagaEvent struct {
	SagaID    string            `json:"sagaId"`
	Timestamp time.Time         `json:"timestamp"`
	Branch    string            `json:"branch"`
	Category  string            `json:"category"`
	Action    string            `json:"action"`
	FromState string            `json:"fromState"`
	ToState   string            `json:"toState"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata"`
}

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details"`
}

type HealthStatus struct {
	Status   string          `json:"status"`
	Services []ServiceHealth `json:"services"`
}

func envPath(branch string) string {
	return "/api/environments/" + url.PathEscape(branch)
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ServerVersion returns the version the API server was built with.
func (c *Client) ServerVersion() (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.get("/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func (c *Client) ListEnvironments() ([]Environment, error) {
	var envs []Environment
	if err := c.get("/api/environments", &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) GetEnvironment(branch string) (*Environment, error) {
	var env Environment
	if err := c.get(envPath(branch), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Deploy(branch, commit string, wait bool) (*Result, error) {
	return c.submit("POST", envPath(branch)+"/deploy", map[string]string{"commit": commit}, wait)
}

func (c *Client) Rollback(branch string, revision int64, wait bool) (*Result, error) {
	return c.submit("POST", envPath(branch)+"/rollback", map[string]int64{"revision": revision}, wait)
}

func (c *Client) Promote(branch string, wait bool) (*Result, error) {
	return c.submit("POST", envPath(branch)+"/promote", nil, wait)
}

func (c *Client) Destroy(branch string, wait bool) (*Result, error) {
	return c.submit("DELETE", envPath(branch), nil, wait)
}

func (c *Client) Revisions(branch string, limit int) ([]Revision, error) {
	var revs []Revision
	if err := c.get(envPath(branch)+"/revisions?limit="+strconv.Itoa(limit), &revs); err != nil {
		return nil, err
	}
	return revs, nil
}

func (c *Client) Deployments(branch string, limit int) ([]Deployment, error) {
	var ds []Deployment
	if err := c.get(envPath(branch)+"/deployments?limit="+strconv.Itoa(limit), &ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (c *Client) GetDeployment(id string) (*Deployment, error) {
	var d Deployment
	if err := c.get("/api/deployments/"+url.PathEscape(id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Events returns recent saga events, optionally for one branch.
func (c *Client) Events(branch string, limit int) ([]SagaEvent, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if branch != "" {
		q.Set("branch", branch)
	}
	var evts []SagaEvent
	if err := c.get("/api/saga?"+q.Encode(), &evts); err != nil {
		return nil, err
	}
	return evts, nil
}

func (c *Client) submit(method, path string, body any, wait bool) (*Result, error) {
	hc := c.HTTPClient
	if wait {
		path += "?wait=true"
		hc = c.WaitClient
	}
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res Result
	if err := c.do(hc, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(c.HTTPClient, req, v)
}

func (c *Client) do(hc *http.Client, req *http.Request, v any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(b, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Kind = body.Kind
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// WebSocketURL returns the event stream URL, limited to branch when set.
func (c *Client) WebSocketURL(branch string) string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	if branch == "" {
		return base + "/ws"
	}
	return base + "/ws?branch=" + url.QueryEscape(branch)
}

// AuthHeader returns the headers to send when dialing the websocket.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}
