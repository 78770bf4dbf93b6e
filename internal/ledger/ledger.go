// Package ledger persists every attempt patchloop makes on an issue and
// answers the idempotency question: is this issue already claimed?
package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle status of a Run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusNeedsHuman Status = "needs_human"
)

// Trigger records what caused a Run to be created.
type Trigger string

const (
	TriggerPoll    Trigger = "poll"
	TriggerCLI     Trigger = "cli"
	TriggerWebhook Trigger = "webhook"
)

// claimSet holds the statuses that prevent a new Run from being created
// for the same (repo, issue_number).
var claimSet = map[Status]bool{
	StatusPending:    true,
	StatusRunning:    true,
	StatusSuccess:    true,
	StatusNeedsHuman: true,
}

// IsClaiming reports whether status belongs to the claim set.
func IsClaiming(s Status) bool { return claimSet[s] }

// Run is one attempt on an issue.
type Run struct {
	ID          int64
	IssueNumber int
	IssueTitle  string
	Repo        string
	Status      Status
	Trigger     Trigger
	Branch      string
	PRURL       string
	Error       string
	AgentOutput string
	AgentName   string
	TokensUsed  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Patch describes a partial update to a Run. Nil fields are left untouched.
type Patch struct {
	Status        *Status
	Branch        *string
	PRURL         *string
	Error         *string
	AppendOutput  *string // appended to agent_output rather than replacing it
	AgentName     *string
	AddTokensUsed *int // added to the existing tokens_used rather than replacing it
}

// Ledger is the SQLite-backed Run Ledger (C2).
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database and applies migrations.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection serializes
	// all access and avoids SQLITE_BUSY from concurrent callers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating ledger database: %w", err)
	}

	return &Ledger{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_number INTEGER NOT NULL,
			issue_title  TEXT NOT NULL DEFAULT '',
			repo         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			trigger      TEXT NOT NULL DEFAULT 'poll',
			branch       TEXT NOT NULL DEFAULT '',
			pr_url       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			agent_output TEXT NOT NULL DEFAULT '',
			agent_name   TEXT NOT NULL DEFAULT '',
			tokens_used  INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_runs_issue ON runs (repo, issue_number);
	`)
	if err != nil {
		return err
	}

	// Additive migrations for databases created by earlier revisions. Each
	// ALTER is tolerant of already having been applied.
	for _, stmt := range []string{
		`ALTER TABLE runs ADD COLUMN agent_output TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE runs ADD COLUMN tokens_used INTEGER NOT NULL DEFAULT 0`,
	} {
		_, _ = db.Exec(stmt)
	}

	return nil
}

// CreateRun inserts a new Run with status=pending, timestamped at insert.
func (l *Ledger) CreateRun(issueNumber int, title, repo string, trigger Trigger) (*Run, error) {
	now := time.Now().UTC()
	res, err := l.db.Exec(
		`INSERT INTO runs (issue_number, issue_title, repo, status, trigger, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		issueNumber, title, repo, string(trigger), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting last insert id: %w", err)
	}
	return l.GetRun(id)
}

// UpdateRun applies patch atomically and sets updated_at to now. Only
// supplied fields are changed.
func (l *Ledger) UpdateRun(id int64, patch Patch) (*Run, error) {
	run, err := l.GetRun(id)
	if err != nil {
		return nil, err
	}

	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Branch != nil {
		sets = append(sets, "branch = ?")
		args = append(args, *patch.Branch)
	}
	if patch.PRURL != nil {
		sets = append(sets, "pr_url = ?")
		args = append(args, *patch.PRURL)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.AppendOutput != nil {
		sets = append(sets, "agent_output = CASE WHEN agent_output = '' THEN ? ELSE agent_output || ? END")
		args = append(args, *patch.AppendOutput, "\n\n"+*patch.AppendOutput)
	}
	if patch.AgentName != nil {
		sets = append(sets, "agent_name = ?")
		args = append(args, *patch.AgentName)
	}
	if patch.AddTokensUsed != nil {
		sets = append(sets, "tokens_used = tokens_used + ?")
		args = append(args, *patch.AddTokensUsed)
	}

	if len(sets) == 0 {
		return run, nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := l.db.Exec(stmt, args...); err != nil {
		return nil, fmt.Errorf("updating run %d: %w", id, err)
	}
	return l.GetRun(id)
}

// ErrNotFound is returned by GetRun when no Run with the given id exists.
var ErrNotFound = fmt.Errorf("run not found")

// GetRun fetches a single Run by id.
func (l *Ledger) GetRun(id int64) (*Run, error) {
	row := l.db.QueryRow(
		`SELECT id, issue_number, issue_title, repo, status, trigger, branch, pr_url,
		        error, agent_output, agent_name, tokens_used, created_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %d: %w", id, err)
	}
	return run, nil
}

// GetRunsForIssue returns all runs for the given issue, newest first. If
// repo is empty, issues across all repos with this number are returned.
func (l *Ledger) GetRunsForIssue(issueNumber int, repo string) ([]*Run, error) {
	var rows *sql.Rows
	var err error
	if repo != "" {
		rows, err = l.db.Query(
			`SELECT id, issue_number, issue_title, repo, status, trigger, branch, pr_url,
			        error, agent_output, agent_name, tokens_used, created_at, updated_at
			 FROM runs WHERE issue_number = ? AND repo = ? ORDER BY created_at DESC`,
			issueNumber, repo)
	} else {
		rows, err = l.db.Query(
			`SELECT id, issue_number, issue_title, repo, status, trigger, branch, pr_url,
			        error, agent_output, agent_name, tokens_used, created_at, updated_at
			 FROM runs WHERE issue_number = ? ORDER BY created_at DESC`,
			issueNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("querying runs for issue %d: %w", issueNumber, err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetAllRuns returns every run, newest first.
func (l *Ledger) GetAllRuns() ([]*Run, error) {
	rows, err := l.db.Query(
		`SELECT id, issue_number, issue_title, repo, status, trigger, branch, pr_url,
		        error, agent_output, agent_name, tokens_used, created_at, updated_at
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying all runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// IsIssueClaimed reports whether any Run for (issueNumber, repo) is
// currently in the claim set.
func (l *Ledger) IsIssueClaimed(issueNumber int, repo string) (bool, error) {
	runs, err := l.GetRunsForIssue(issueNumber, repo)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if IsClaiming(r.Status) {
			return true, nil
		}
	}
	return false, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status, trigger string
	if err := row.Scan(
		&r.ID, &r.IssueNumber, &r.IssueTitle, &r.Repo, &status, &trigger,
		&r.Branch, &r.PRURL, &r.Error, &r.AgentOutput, &r.AgentName, &r.TokensUsed,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Trigger = Trigger(trigger)
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
