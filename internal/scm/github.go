// Package scm implements the SCM Client (C4) — issue, label, PR, and
// comment operations against GitHub.
package scm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// IssueContext is a read-only snapshot of an upstream issue at read time.
type IssueContext struct {
	Number int
	Title  string
	Body   string
	Repo   string
	Labels []string
}

// Client is the SCM Client (C4) interface the Orchestrator depends on.
// A fake implementation backs unit tests.
type Client interface {
	ListIssues(ctx context.Context, repo, label string) ([]IssueContext, error)
	GetIssue(ctx context.Context, repo string, number int) (IssueContext, error)
	CreatePullRequest(ctx context.Context, repo, headBranch, baseBranch, title, body string) (string, error)
	Comment(ctx context.Context, repo string, issueNumber int, body string) error
	SetLabels(ctx context.Context, repo string, issueNumber int, add, remove []string) error
	CloneURL(repo string) string
}

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
)

// GitHubClient is the concrete Client implementation backed by the GitHub
// REST API via google/go-github, authenticated with a static OAuth2 token.
type GitHubClient struct {
	gh    *github.Client
	token string
}

// NewGitHubClient builds a Client authenticated with token.
func NewGitHubClient(token string) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	return &GitHubClient{gh: github.NewClient(httpClient), token: token}
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q, want owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// withRetry calls fn up to maxRetries times in total, with exponential
// backoff between attempts, aborting immediately on context cancellation.
func withRetry(ctx context.Context, label string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("GitHub API request failed", "call", label, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("%s: after %d attempts: %w", label, maxRetries, lastErr)
}

// ListIssues lists open issues carrying label, excluding pull requests.
func (c *GitHubClient) ListIssues(ctx context.Context, repo, label string) ([]IssueContext, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var result []IssueContext
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var issues []*github.Issue
		var resp *github.Response
		err := withRetry(ctx, "ListIssues", func() error {
			var apiErr error
			issues, resp, apiErr = c.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing issues for %s: %w", repo, err)
		}
		for _, iss := range issues {
			if iss.IsPullRequest() {
				continue
			}
			result = append(result, toIssueContext(repo, iss))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

// GetIssue fetches a single issue by number.
func (c *GitHubClient) GetIssue(ctx context.Context, repo string, number int) (IssueContext, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return IssueContext{}, err
	}
	var issue *github.Issue
	err = withRetry(ctx, "GetIssue", func() error {
		var apiErr error
		issue, _, apiErr = c.gh.Issues.Get(ctx, owner, name, number)
		return apiErr
	})
	if err != nil {
		return IssueContext{}, fmt.Errorf("getting issue %s#%d: %w", repo, number, err)
	}
	return toIssueContext(repo, issue), nil
}

func toIssueContext(repo string, iss *github.Issue) IssueContext {
	ic := IssueContext{
		Number: iss.GetNumber(),
		Title:  iss.GetTitle(),
		Body:   iss.GetBody(),
		Repo:   repo,
	}
	for _, l := range iss.Labels {
		ic.Labels = append(ic.Labels, l.GetName())
	}
	return ic
}

// CreatePullRequest opens a PR from headBranch into baseBranch. Called at
// most once per Run transition — retries are not idempotent
// here, so no retry wrapper is used for this call.
func (c *GitHubClient) CreatePullRequest(ctx context.Context, repo, headBranch, baseBranch, title, body string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(headBranch),
		Base:  github.Ptr(baseBranch),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return "", fmt.Errorf("creating pull request for %s: %w", repo, err)
	}
	return pr.GetHTMLURL(), nil
}

// Comment posts a comment on an issue or PR.
func (c *GitHubClient) Comment(ctx context.Context, repo string, issueNumber int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, name, issueNumber, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("commenting on %s#%d: %w", repo, issueNumber, err)
	}
	return nil
}

// SetLabels removes labels before adding new ones, so a racing poller never
// observes both a trigger label and a done/needs-human label at once and
// re-claims the issue. "Label not present" errors on remove are swallowed
// (local recovery policy).
func (c *GitHubClient) SetLabels(ctx context.Context, repo string, issueNumber int, add, remove []string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	for _, label := range remove {
		_, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, name, issueNumber, label)
		if err != nil {
			// A 404 means the label was already absent — not an error for
			// our purposes; any other failure is logged but not fatal.
			slog.Debug("removing label (ignored if already absent)", "repo", repo, "issue", issueNumber, "label", label, "error", err)
		}
	}
	if len(add) > 0 {
		err := withRetry(ctx, "AddLabels", func() error {
			_, _, apiErr := c.gh.Issues.AddLabelsToIssue(ctx, owner, name, issueNumber, add)
			return apiErr
		})
		if err != nil {
			return fmt.Errorf("adding labels to %s#%d: %w", repo, issueNumber, err)
		}
	}
	return nil
}

// CloneURL returns a clone URL with the access token embedded, following
// GitHub's x-access-token convention for authenticated HTTPS clones.
func (c *GitHubClient) CloneURL(repo string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", c.token, repo)
}

var _ Client = (*GitHubClient)(nil)
