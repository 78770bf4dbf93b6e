// Package webhook implements the Webhook Front-end (C8): an HTTP POST
// endpoint that verifies GitHub's HMAC signature, filters for label events,
// and invokes Orchestrator.RunSingle for the one affected issue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/patchloop/patchloop/internal/config"
	"github.com/patchloop/patchloop/internal/ledger"
	"github.com/patchloop/patchloop/internal/orchestrator"
)

const (
	maxBodySize     = 1 << 20 // 1 MB
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
)

// payload is the subset of GitHub's "issues" webhook body this handler needs.
type payload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int `json:"number"`
	} `json:"issue"`
	Label struct {
		Name string `json:"name"`
	} `json:"label"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Handler builds an http.HandlerFunc that accepts GitHub "issues"/"labeled"
// events for configured repos and allowed labels, dispatching each to orch
// synchronously after responding 200.
func Handler(cfg *config.Config, orch *orchestrator.Orchestrator) http.HandlerFunc {
	allowedRepos := make(map[string]bool, len(cfg.TargetRepos))
	for _, r := range cfg.TargetRepos {
		allowedRepos[r] = true
	}
	allowedLabels := map[string]bool{
		cfg.IssueLabel: true,
		cfg.ReadyLabel: true,
	}
	for _, l := range cfg.ModelLabels {
		allowedLabels[l] = true
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			slog.Error("reading webhook body", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if cfg.WebhookSecret != "" {
			sig := r.Header.Get(signatureHeader)
			if sig == "" || !verifySignature(cfg.WebhookSecret, body, sig) {
				slog.Warn("rejecting webhook: missing or invalid signature")
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		if r.Header.Get(eventHeader) != "issues" {
			http.Error(w, "ignored", http.StatusOK)
			return
		}

		var p payload
		if err := json.Unmarshal(body, &p); err != nil {
			slog.Error("parsing webhook payload", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		if p.Action != "labeled" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !allowedLabels[p.Label.Name] {
			slog.Debug("ignoring webhook: label not configured", "label", p.Label.Name)
			w.WriteHeader(http.StatusOK)
			return
		}
		if !allowedRepos[p.Repository.FullName] {
			slog.Debug("ignoring webhook: repo not configured", "repo", p.Repository.FullName)
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"accepted":true}`))

		repo := p.Repository.FullName
		issueNumber := p.Issue.Number
		slog.Info("webhook accepted", "repo", repo, "issue", issueNumber, "label", p.Label.Name)
		if _, err := orch.RunSingle(r.Context(), repo, issueNumber, ledger.TriggerWebhook); err != nil {
			slog.Error("processing webhook issue", "repo", repo, "issue", issueNumber, "error", err)
		}
	}
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
