// Package cascade implements the two C8 policies: unblocking requests whose
// dependencies just finished, and materializing new requests when a source
// artifact is committed and matches an enabled CascadeRule.
package cascade

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/logging"
	"stackrunner/internal/requestqueue"
)

// CascadeRule is a declarative trigger: a committed source artifact whose
// kind matches SourceKind (or SourceKind is empty, matching anything)
// materializes a new TaskRequest from ParameterTemplate.
type CascadeRule struct {
	RuleID            string
	SourceKind        string
	TaskID            string
	ParameterTemplate string
	Priority          int
	Enabled           bool
}

// SourceArtifact is a committed unit of data that may trigger CascadeRules.
type SourceArtifact struct {
	SourceID    string
	Kind        string
	Fields      map[string]any
	CommittedAt time.Time
}

// Store persists CascadeRules, committed source artifacts, and the
// task_fanout ledger recording which (source, rule) pairs have already
// materialized a request, so the cron sweep evaluates each pair exactly once.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("open cascade store %s: %w", path, err))
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cascade_rules (
			rule_id            TEXT PRIMARY KEY,
			source_kind        TEXT NOT NULL DEFAULT '',
			task_id            TEXT NOT NULL,
			parameter_template TEXT NOT NULL,
			priority           INTEGER NOT NULL,
			enabled            INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS source_artifacts (
			source_id    TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			fields       TEXT NOT NULL,
			committed_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_fanout (
			source_id  TEXT NOT NULL,
			rule_id    TEXT NOT NULL,
			request_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (source_id, rule_id)
		);
		CREATE INDEX IF NOT EXISTS idx_source_artifacts_kind ON source_artifacts(kind);
	`)
	if err != nil {
		return stackerrors.NewDomainError(stackerrors.KindBackendUnavailable, fmt.Errorf("ensure cascade schema: %w", err))
	}
	return nil
}

func (s *Store) PutRule(ctx context.Context, rule CascadeRule) error {
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cascade_rules (rule_id, source_kind, task_id, parameter_template, priority, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			source_kind = excluded.source_kind, task_id = excluded.task_id,
			parameter_template = excluded.parameter_template, priority = excluded.priority,
			enabled = excluded.enabled`,
		rule.RuleID, rule.SourceKind, rule.TaskID, rule.ParameterTemplate, rule.Priority, enabled)
	if err != nil {
		return fmt.Errorf("put cascade rule %s: %w", rule.RuleID, err)
	}
	return nil
}

func (s *Store) enabledRulesForKind(ctx context.Context, kind string) ([]CascadeRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, source_kind, task_id, parameter_template, priority, enabled
		FROM cascade_rules WHERE enabled = 1 AND (source_kind = '' OR source_kind = ?)`, kind)
	if err != nil {
		return nil, fmt.Errorf("query cascade rules: %w", err)
	}
	defer rows.Close()

	var out []CascadeRule
	for rows.Next() {
		var r CascadeRule
		var enabled int
		if err := rows.Scan(&r.RuleID, &r.SourceKind, &r.TaskID, &r.ParameterTemplate, &r.Priority, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) allEnabledRules(ctx context.Context) ([]CascadeRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, source_kind, task_id, parameter_template, priority, enabled
		FROM cascade_rules WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("query cascade rules: %w", err)
	}
	defer rows.Close()

	var out []CascadeRule
	for rows.Next() {
		var r CascadeRule
		var enabled int
		if err := rows.Scan(&r.RuleID, &r.SourceKind, &r.TaskID, &r.ParameterTemplate, &r.Priority, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) putSourceArtifact(ctx context.Context, artifact SourceArtifact) error {
	fields, err := json.Marshal(artifact.Fields)
	if err != nil {
		return fmt.Errorf("marshal source fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_artifacts (source_id, kind, fields, committed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO NOTHING`,
		artifact.SourceID, artifact.Kind, string(fields), artifact.CommittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put source artifact %s: %w", artifact.SourceID, err)
	}
	return nil
}

func (s *Store) alreadyFanned(ctx context.Context, sourceID, ruleID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_fanout WHERE source_id = ? AND rule_id = ?`, sourceID, ruleID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) recordFanout(ctx context.Context, sourceID, ruleID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_fanout (source_id, rule_id, request_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id, rule_id) DO NOTHING`,
		sourceID, ruleID, requestID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// pendingFanoutTargets returns every committed source artifact and every
// enabled rule, unfiltered; materialize skips the (source, rule) pairs already
// recorded in task_fanout. Re-running this is always safe: a pair only ever
// fans out once.
func (s *Store) pendingFanoutTargets(ctx context.Context) ([]SourceArtifact, []CascadeRule, error) {
	sourceRows, err := s.db.QueryContext(ctx, `SELECT source_id, kind, fields, committed_at FROM source_artifacts`)
	if err != nil {
		return nil, nil, fmt.Errorf("query source artifacts: %w", err)
	}
	defer sourceRows.Close()

	var artifacts []SourceArtifact
	for sourceRows.Next() {
		var a SourceArtifact
		var fields, committedAt string
		if err := sourceRows.Scan(&a.SourceID, &a.Kind, &fields, &committedAt); err != nil {
			return nil, nil, err
		}
		_ = json.Unmarshal([]byte(fields), &a.Fields)
		if t, err := time.Parse(time.RFC3339Nano, committedAt); err == nil {
			a.CommittedAt = t
		}
		artifacts = append(artifacts, a)
	}
	if err := sourceRows.Err(); err != nil {
		return nil, nil, err
	}

	rules, err := s.allEnabledRules(ctx)
	if err != nil {
		return nil, nil, err
	}
	return artifacts, rules, nil
}

// Engine evaluates the two cascade policies against a requestqueue.Adapter.
type Engine struct {
	store    *Store
	requests *requestqueue.Adapter
	cron     *cron.Cron
	logger   logging.Logger
}

func NewEngine(store *Store, requests *requestqueue.Adapter) *Engine {
	return &Engine{
		store:    store,
		requests: requests,
		cron:     cron.New(cron.WithSeconds()),
		logger:   logging.New("cascade"),
	}
}

// Start schedules the periodic sweep at the given cron expression (seconds
// precision, e.g. "*/30 * * * * *" for every 30s) and returns a stop func.
func (e *Engine) Start(ctx context.Context, cronExpr string) (func(), error) {
	_, err := e.cron.AddFunc(cronExpr, func() {
		if _, err := e.Sweep(ctx); err != nil {
			e.logger.Error("cascade sweep failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cascade sweep: %w", err)
	}
	e.cron.Start()
	return func() { <-e.cron.Stop().Done() }, nil
}

// CommitSource records a new source artifact and immediately evaluates it
// against matching enabled rules (the "push" half of cascade-on-source; the
// cron Sweep is the "pull" half that catches anything missed).
func (e *Engine) CommitSource(ctx context.Context, artifact SourceArtifact) ([]string, error) {
	if artifact.CommittedAt.IsZero() {
		artifact.CommittedAt = time.Now().UTC()
	}
	if err := e.store.putSourceArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	rules, err := e.store.enabledRulesForKind(ctx, artifact.Kind)
	if err != nil {
		return nil, err
	}
	return e.materialize(ctx, artifact, rules)
}

// Sweep re-evaluates every committed source artifact against every enabled
// rule, skipping pairs already recorded in task_fanout. It is the pull
// fallback guaranteeing "eventually, within bounded latency, every committed
// source is evaluated against every enabled rule exactly once" even when a
// rule is added after its matching sources were committed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	artifacts, rules, err := e.store.pendingFanoutTargets(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, artifact := range artifacts {
		matching := make([]CascadeRule, 0, len(rules))
		for _, r := range rules {
			if r.SourceKind == "" || r.SourceKind == artifact.Kind {
				matching = append(matching, r)
			}
		}
		created, err := e.materialize(ctx, artifact, matching)
		if err != nil {
			e.logger.Error("cascade materialize failed for source %s: %v", artifact.SourceID, err)
			continue
		}
		total += len(created)
	}
	return total, nil
}

func (e *Engine) materialize(ctx context.Context, artifact SourceArtifact, rules []CascadeRule) ([]string, error) {
	var created []string
	for _, rule := range rules {
		fanned, err := e.store.alreadyFanned(ctx, artifact.SourceID, rule.RuleID)
		if err != nil {
			return created, err
		}
		if fanned {
			continue
		}

		params, err := substituteTemplate(rule.ParameterTemplate, artifact)
		if err != nil {
			e.logger.Error("cascade rule %s: bad parameter template: %v", rule.RuleID, err)
			continue
		}

		requestID := uuid.NewString()
		requester := "cascade-rule:" + rule.RuleID
		_, _, err = e.requests.Submit(ctx, requestqueue.TaskRequest{
			RequestID:  requestID,
			TaskID:     rule.TaskID,
			Parameters: params,
			Priority:   rule.Priority,
			Requester:  requester,
		})
		if err != nil {
			return created, fmt.Errorf("materialize cascade rule %s for source %s: %w", rule.RuleID, artifact.SourceID, err)
		}
		if err := e.store.recordFanout(ctx, artifact.SourceID, rule.RuleID, requestID); err != nil {
			return created, fmt.Errorf("record fanout: %w", err)
		}
		created = append(created, requestID)
	}
	return created, nil
}

// UnblockOnCompletion implements the synchronous half of unblock-on-completion:
// C7 calls this right after settling requestID as done.
func (e *Engine) UnblockOnCompletion(ctx context.Context, requestID string) (int, error) {
	return e.requests.UnblockDependents(ctx, requestID)
}

var (
	quotedPlaceholder = regexp.MustCompile(`"\$source\.([A-Za-z0-9_]+)"`)
	barePlaceholder   = regexp.MustCompile(`\$source\.([A-Za-z0-9_]+)`)
)

// substituteTemplate replaces every $source.<field> occurrence in template
// with the JSON-safe encoding of artifact.Fields[field], then parses the
// result as the request's parameters object. A quoted placeholder
// ("$source.id") is replaced including its surrounding quotes so that string
// and non-string field values both produce valid JSON; a bare placeholder is
// replaced in place.
func substituteTemplate(template string, artifact SourceArtifact) (map[string]any, error) {
	replace := func(field string) (string, error) {
		value, ok := artifact.Fields[field]
		if !ok {
			value = nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode $source.%s: %w", field, err)
		}
		return string(encoded), nil
	}

	var substErr error
	rendered := quotedPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		field := quotedPlaceholder.FindStringSubmatch(match)[1]
		encoded, err := replace(field)
		if err != nil {
			substErr = err
			return match
		}
		return encoded
	})
	if substErr != nil {
		return nil, substErr
	}
	rendered = barePlaceholder.ReplaceAllStringFunc(rendered, func(match string) string {
		field := barePlaceholder.FindStringSubmatch(match)[1]
		encoded, err := replace(field)
		if err != nil {
			substErr = err
			return match
		}
		return encoded
	})
	if substErr != nil {
		return nil, substErr
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(rendered), &params); err != nil {
		return nil, fmt.Errorf("parameter_template did not render to valid JSON: %w", err)
	}
	return params, nil
}
