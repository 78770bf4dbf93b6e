// Package scmtest provides an in-memory fake of scm.Client for tests.
package scmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/patchloop/patchloop/internal/scm"
)

// Fake is an in-memory scm.Client. Build one with NewFake: the zero value's
// maps are nil, so AddIssue on it panics.
type Fake struct {
	mu sync.Mutex

	Issues   map[string][]scm.IssueContext // repo -> issues
	Comments map[string][]string           // "repo#number" -> bodies
	Labels   map[string]map[string]bool    // "repo#number" -> label set
	PRURLs   []string

	// NextPRURL is returned by CreatePullRequest, or a generated default if empty.
	NextPRURL string
	// FailCreatePR, when set, is returned by CreatePullRequest instead of succeeding.
	FailCreatePR error
}

// NewFake returns an initialized Fake.
func NewFake() *Fake {
	return &Fake{
		Issues:   map[string][]scm.IssueContext{},
		Comments: map[string][]string{},
		Labels:   map[string]map[string]bool{},
	}
}

func key(repo string, number int) string { return fmt.Sprintf("%s#%d", repo, number) }

// AddIssue registers an issue the fake will return from ListIssues/GetIssue.
func (f *Fake) AddIssue(ic scm.IssueContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Issues[ic.Repo] = append(f.Issues[ic.Repo], ic)
	k := key(ic.Repo, ic.Number)
	labels := map[string]bool{}
	for _, l := range ic.Labels {
		labels[l] = true
	}
	f.Labels[k] = labels
}

func (f *Fake) ListIssues(ctx context.Context, repo, label string) ([]scm.IssueContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scm.IssueContext
	for _, ic := range f.Issues[repo] {
		for _, l := range ic.Labels {
			if l == label {
				out = append(out, ic)
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) GetIssue(ctx context.Context, repo string, number int) (scm.IssueContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ic := range f.Issues[repo] {
		if ic.Number == number {
			return ic, nil
		}
	}
	return scm.IssueContext{}, fmt.Errorf("issue %s#%d not found", repo, number)
}

func (f *Fake) CreatePullRequest(ctx context.Context, repo, headBranch, baseBranch, title, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreatePR != nil {
		return "", f.FailCreatePR
	}
	url := f.NextPRURL
	if url == "" {
		url = fmt.Sprintf("https://git.example/%s/pull/%d", repo, len(f.PRURLs)+1)
	}
	f.PRURLs = append(f.PRURLs, url)
	return url, nil
}

func (f *Fake) Comment(ctx context.Context, repo string, issueNumber int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(repo, issueNumber)
	f.Comments[k] = append(f.Comments[k], body)
	return nil
}

func (f *Fake) SetLabels(ctx context.Context, repo string, issueNumber int, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(repo, issueNumber)
	labels, ok := f.Labels[k]
	if !ok {
		labels = map[string]bool{}
	}
	for _, l := range remove {
		delete(labels, l)
	}
	for _, l := range add {
		labels[l] = true
	}
	f.Labels[k] = labels
	return nil
}

func (f *Fake) CloneURL(repo string) string {
	return "https://fake.example/" + repo + ".git"
}

// LabelsFor returns the current label set for an issue, for assertions.
func (f *Fake) LabelsFor(repo string, issueNumber int) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Labels[key(repo, issueNumber)]
}
