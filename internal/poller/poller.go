// Package poller implements the Poller (C7): the cycle loop that drives
// Orchestrator.ProcessIssue across configured repositories on a fixed
// interval, or once for `poll-once`/CI-style invocations.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/patchloop/patchloop/internal/config"
	"github.com/patchloop/patchloop/internal/ledger"
	"github.com/patchloop/patchloop/internal/orchestrator"
	"github.com/patchloop/patchloop/internal/scm"
)

const adaptiveSleepCap = 10 * time.Second

// Poller drives repeated or single poll_once cycles.
type Poller struct {
	cfg  *config.Config
	scm  scm.Client
	ldg  *ledger.Ledger
	orch *orchestrator.Orchestrator
}

// New creates a Poller from its collaborators.
func New(cfg *config.Config, scmClient scm.Client, ldg *ledger.Ledger, orch *orchestrator.Orchestrator) *Poller {
	return &Poller{cfg: cfg, scm: scmClient, ldg: ldg, orch: orch}
}

// CycleSummary reports what one poll_once cycle did, used for the
// `poll-once` session report and for adaptive sleep.
type CycleSummary struct {
	Started           time.Time
	Finished          time.Time
	ProcessedCount    int
	AccumulatedTokens int
	Results           []*orchestrator.Result
	RecentUnavailable bool
}

// Run starts the continuous poll loop: poll immediately, then every
// poll_interval, clamped to ≤ 10s whenever the prior cycle saw a primary
// backend unavailable. Blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("poller starting", "interval", p.cfg.PollInterval, "repos", p.cfg.TargetRepos)

	summary := p.PollOnce(ctx)
	for {
		if ctx.Err() != nil {
			slog.Info("poller stopping")
			return
		}

		sleep := p.cfg.PollInterval
		if summary.RecentUnavailable && sleep > adaptiveSleepCap {
			sleep = adaptiveSleepCap
		}

		select {
		case <-ctx.Done():
			slog.Info("poller stopping")
			return
		case <-time.After(sleep):
		}

		summary = p.PollOnce(ctx)
	}
}

// PollOnce runs exactly one cycle across all configured repositories,
// enforcing spec's three inter-issue budget checks, and returns a summary
// for the caller (`poll-once`'s session report, or Run's adaptive sleep).
func (p *Poller) PollOnce(ctx context.Context) *CycleSummary {
	summary := &CycleSummary{Started: time.Now()}
	defer func() { summary.Finished = time.Now() }()

repoLoop:
	for _, repo := range p.cfg.TargetRepos {
		if ctx.Err() != nil {
			break
		}
		if p.budgetExceeded(summary) {
			break
		}

		issues, err := p.scm.ListIssues(ctx, repo, p.cfg.IssueLabel)
		if err != nil {
			slog.Error("listing issues", "repo", repo, "error", err)
			continue
		}

		for _, issue := range issues {
			if ctx.Err() != nil {
				break repoLoop
			}
			if p.budgetExceeded(summary) {
				break repoLoop
			}

			claimed, err := p.ldg.IsIssueClaimed(issue.Number, repo)
			if err != nil {
				slog.Error("checking issue claim", "repo", repo, "issue", issue.Number, "error", err)
				continue
			}
			if claimed {
				continue
			}
			if !p.orch.ShouldProcess(issue) {
				continue
			}

			result := p.orch.ProcessIssue(ctx, repo, issue, ledger.TriggerPoll)
			summary.ProcessedCount++
			summary.AccumulatedTokens += result.TokensUsed
			summary.RecentUnavailable = result.RecentUnavailable
			summary.Results = append(summary.Results, result)
		}
	}

	slog.Info("poll cycle complete",
		"processed", summary.ProcessedCount,
		"tokens", summary.AccumulatedTokens,
		"recent_unavailable", summary.RecentUnavailable,
	)
	return summary
}

// budgetExceeded checks the three cycle-boundary stop conditions: session
// timeout, token budget, and max issues per poll. Zero/absent limits mean
// unlimited.
func (p *Poller) budgetExceeded(summary *CycleSummary) bool {
	if p.cfg.SessionTimeout > 0 && time.Since(summary.Started) >= p.cfg.SessionTimeout {
		slog.Info("session timeout reached, stopping cycle", "elapsed", time.Since(summary.Started))
		return true
	}
	if p.cfg.MaxTokensPerRun > 0 {
		limit := p.cfg.MaxTokensPerRun - p.cfg.TokenWarningBuffer
		if summary.AccumulatedTokens >= limit {
			slog.Info("token budget reached, stopping cycle", "accumulated", summary.AccumulatedTokens, "limit", limit)
			return true
		}
	}
	if p.cfg.MaxIssuesPerPoll > 0 && summary.ProcessedCount >= p.cfg.MaxIssuesPerPoll {
		slog.Info("max issues per poll reached, stopping cycle", "processed", summary.ProcessedCount)
		return true
	}
	return false
}
