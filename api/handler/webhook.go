package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ferry/api/events"
	"ferry/api/metrics"
	"ferry/api/model"
)

// Webhook accepts GitHub and Gitea deliveries for push, pull_request and
// delete events and turns them into ferry events.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if provider != "github" && provider != "gitea" {
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}
	if h.secret == "" {
		writeError(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var sigHeader, eventHeader, delivery string
	switch provider {
	case "github":
		sigHeader = r.Header.Get("X-Hub-Signature-256")
		eventHeader = r.Header.Get("X-GitHub-Event")
		delivery = r.Header.Get("X-GitHub-Delivery")
	case "gitea":
		sigHeader = r.Header.Get("X-Gitea-Signature")
		eventHeader = r.Header.Get("X-Gitea-Event")
		delivery = r.Header.Get("X-Gitea-Delivery")
	}

	if !verifySignature(body, h.secret, provider, sigHeader) {
		metrics.WebhookEventsTotal.WithLabelValues(provider, eventHeader, "rejected").Inc()
		writeError(w, http.StatusForbidden, "invalid signature")
		return
	}

	evt, ok, err := decodeWebhook(eventHeader, body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(provider, eventHeader, "invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues(provider, eventHeader, "ignored").Inc()
		writeJSON(w, map[string]bool{"ignored": true})
		return
	}
	evt.Delivery = delivery

	log.Printf("webhook: %s %s for %s (delivery %s)", provider, evt.Type, branchLabel(evt), delivery)
	// Merges run a full production deploy; answer the hook right away.
	if evt.Type == events.TypePullRequestMerged {
		go h.dispatchDetached(provider, evt)
		metrics.WebhookEventsTotal.WithLabelValues(provider, string(evt.Type), "accepted").Inc()
		writeStatus(w, http.StatusAccepted, events.Outcome{Event: evt, Action: events.ActionPromote})
		return
	}

	out, err := h.dispatcher.Dispatch(r.Context(), evt)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(provider, string(evt.Type), "error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(provider, string(evt.Type), out.Action).Inc()
	writeOutcome(w, out)
}

func (h *Handler) dispatchDetached(provider string, evt events.Event) {
	out, err := h.dispatcher.Dispatch(context.Background(), evt)
	if err != nil {
		log.Printf("webhook: %s %s for %s: %v", provider, evt.Type, evt.Branch, err)
		return
	}
	if out.Result != nil {
		log.Printf("webhook: %s %s for %s: %s", provider, evt.Type, evt.Branch, out.Result.Status)
	}
}

type outcomeResponse struct {
	events.Outcome
	DeploymentID string `json:"deploymentId,omitempty"`
}

func writeOutcome(w http.ResponseWriter, out events.Outcome) {
	resp := outcomeResponse{Outcome: out}
	if out.Ticket != nil {
		resp.DeploymentID = out.Ticket.ID
		if res, ok := out.Ticket.Result(); ok {
			resp.Result = &res
		}
	}
	writeJSON(w, resp)
}

type webhookPayload struct {
	// push, delete
	Ref        string `json:"ref"`
	RefType    string `json:"ref_type"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit *struct {
		Message string `json:"message"`
	} `json:"head_commit"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`

	// pull_request
	Action      string `json:"action"`
	PullRequest *struct {
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

const zeroSHA = "0000000000000000000000000000000000000000"

// decodeWebhook maps a provider event onto a ferry event. ok is false for
// deliveries ferry does not act on.
func decodeWebhook(eventHeader string, body []byte) (events.Event, bool, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return events.Event{}, false, err
	}

	switch eventHeader {
	case "push":
		branch, ok := strings.CutPrefix(p.Ref, "refs/heads/")
		if !ok || branch == "" {
			return events.Event{}, false, nil
		}
		if p.Deleted || p.After == zeroSHA {
			return events.Event{Type: events.TypeBranchClosed, Branch: branch, Commit: lastCommit(p.Before)}, true, nil
		}
		return events.Event{Type: events.TypeBranchPushed, Branch: branch, Commit: p.After, Message: headMessage(p)}, true, nil
	case "pull_request":
		if p.PullRequest == nil || p.Action != "closed" || !p.PullRequest.Merged {
			return events.Event{}, false, nil
		}
		return events.Event{Type: events.TypePullRequestMerged, Branch: p.PullRequest.Head.Ref, Commit: p.PullRequest.Head.SHA}, true, nil
	case "delete":
		if p.RefType != "branch" || p.Ref == "" {
			return events.Event{}, false, nil
		}
		return events.Event{Type: events.TypeBranchClosed, Branch: strings.TrimPrefix(p.Ref, "refs/heads/")}, true, nil
	}
	return events.Event{}, false, nil
}

func lastCommit(sha string) string {
	if sha == zeroSHA {
		return ""
	}
	return sha
}

// headMessage returns the pushed head commit's message. Gitea omits
// head_commit on older versions, so fall back to the matching commit.
func headMessage(p webhookPayload) string {
	if p.HeadCommit != nil {
		return p.HeadCommit.Message
	}
	for _, c := range p.Commits {
		if c.ID == p.After {
			return c.Message
		}
	}
	return ""
}

func verifySignature(body []byte, secret, provider, sigHeader string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	switch provider {
	case "github":
		// GitHub sends: sha256=<hex>
		return hmac.Equal([]byte(sigHeader), []byte("sha256="+expected))
	case "gitea":
		return hmac.Equal([]byte(sigHeader), []byte(expected))
	}
	return false
}

// PostEvent accepts an already decoded event, e.g. from CI or the CLI.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var evt events.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := evt.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if evt.Type == events.TypePullRequestMerged && !wantWait(r) {
		go h.dispatchDetached("api", evt)
		writeStatus(w, http.StatusAccepted, events.Outcome{Event: evt, Action: events.ActionPromote})
		return
	}

	out, err := h.dispatcher.Dispatch(r.Context(), evt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if wantWait(r) && out.Ticket != nil {
		res, err := out.Ticket.Wait(r.Context())
		if err == nil {
			out.Result = &res
		}
	}
	log.Printf("api: event %s for %s: %s", evt.Type, branchLabel(evt), out.Action)
	writeOutcome(w, out)
}

func branchLabel(e events.Event) string {
	if e.Commit == "" {
		return e.Branch
	}
	return e.Branch + "@" + model.ShortSHA(e.Commit)
}
