// Package revoke cancels in-flight tasks through the control plane and keeps
// durable, crash-surviving records of every cancellation request.
package revoke

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"runtrack/internal/observability"
)

// Scope prefixes encoded into record filenames.
const (
	ScopeRun  = "run-revoke"
	ScopeTask = "task-revoke"
)

// Request is one cancellation request. Records are persisted as JSON files in
// a shared directory so any process with access to the storage scope can
// answer "has this run been revoked", independent of process lifetime.
type Request struct {
	RecordID       string     `json:"record_id"`
	TaskUUID       string     `json:"task_uuid"`
	Reason         string     `json:"reason"`
	RequestingUser string     `json:"requesting_user,omitempty"`
	RootScope      bool       `json:"is_root_scope"`
	StartTime      time.Time  `json:"start_time"`
	CompletionTime *time.Time `json:"completion_time"`
	StorageScope   string     `json:"storage_scope"`
}

// Scope returns the filename prefix for the request's scope.
func (r *Request) Scope() string {
	if r.RootScope {
		return ScopeRun
	}
	return ScopeTask
}

// Completed reports whether the engine confirmed the targeted task stopped.
func (r *Request) Completed() bool {
	return r.CompletionTime != nil
}

// Description renders a human-readable summary of the request.
func (r *Request) Description() string {
	userMsg := ""
	if r.RequestingUser != "" {
		userMsg = fmt.Sprintf(" by %s", r.RequestingUser)
	}
	description := fmt.Sprintf("Run was revoked (cancelled)%s with reason: %s", userMsg, r.Reason)
	if !strings.HasSuffix(description, ".") {
		description += "."
	}
	return description
}

// Store is a shared, unlocked, multi-writer directory of immutable record
// files. Correctness relies on filename uniqueness from the random record id
// rather than mutual exclusion.
type Store struct {
	dir    string
	logger *observability.Logger
	now    func() time.Time
}

// NewStore opens (creating if needed) the record directory for one storage
// scope.
func NewStore(dir string, logger *observability.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("revoke store requires a storage directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create revoke record dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: observability.OrNop(logger).WithComponent("revoke-store"),
		now:    time.Now,
	}, nil
}

// Dir returns the storage scope directory.
func (s *Store) Dir() string {
	return s.dir
}

// NewRequest builds an unwritten request bound to this store's scope.
func (s *Store) NewRequest(taskUUID, reason, user string, rootScope bool) *Request {
	return &Request{
		TaskUUID:       taskUUID,
		Reason:         reason,
		RequestingUser: user,
		RootScope:      rootScope,
		StartTime:      s.now().UTC(),
		StorageScope:   s.dir,
	}
}

// Write persists the request, assigning a record id on first write. The
// filename encodes scope, task uuid and record id, so concurrent writers in
// different processes never collide. Re-invoking Write on an
// already-assigned record is an idempotent overwrite.
func (s *Store) Write(r *Request) error {
	if r.RecordID == "" {
		r.RecordID = randomID()
	}
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("encode revoke record: %w", err)
	}
	path := filepath.Join(s.dir, recordFilename(r.Scope(), r.TaskUUID, r.RecordID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write revoke record: %w", err)
	}
	return nil
}

// MarkComplete sets the completion time only if currently unset, then writes
// the record. A second call is a no-op, so "complete" is recorded at most
// once even when multiple processes race on the same task.
func (s *Store) MarkComplete(r *Request, at time.Time) error {
	if r.Completed() {
		return nil
	}
	if at.IsZero() {
		at = s.now().UTC()
	}
	r.CompletionTime = &at
	return s.Write(r)
}

// MarkTaskComplete completes every record targeting taskUUID. Failures are
// logged and skipped; bookkeeping must not block a shutdown path.
func (s *Store) MarkTaskComplete(taskUUID string) {
	records, err := s.Find("", taskUUID)
	if err != nil {
		s.logger.Warn("failed to list revoke records", "task_uuid", taskUUID, "error", err)
		return
	}
	for _, r := range records {
		if err := s.MarkComplete(r, time.Time{}); err != nil {
			s.logger.Warn("failed to write revoke completion", "task_uuid", taskUUID, "error", err)
		}
	}
}

// Find returns records matching the scope prefix ("" for any) and task uuid
// ("" for any).
func (s *Store) Find(scope, taskUUID string) ([]*Request, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list revoke records: %w", err)
	}

	prefixes := []string{ScopeRun + ":", ScopeTask + ":"}
	if scope != "" {
		prefixes = []string{scope + ":"}
	}

	var matches []*Request
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if !hasAnyPrefix(name, prefixes) {
			continue
		}
		if taskUUID != "" && !strings.Contains(name, ":"+taskUUID+":") {
			continue
		}
		r, err := s.load(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable revoke record", "file", name, "error", err)
			continue
		}
		matches = append(matches, r)
	}
	return matches, nil
}

// LoadLatestRootScope returns the most recently written run-scope record, or
// nil when the run has never been revoked. Recency is file modification
// time, so a raced duplicate resolves to whichever record landed last.
func (s *Store) LoadLatestRootScope() (*Request, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list revoke records: %w", err)
	}

	var latestPath string
	var latestMod time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, ScopeRun+":") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latestPath == "" || info.ModTime().After(latestMod) {
			latestPath = filepath.Join(s.dir, name)
			latestMod = info.ModTime()
		}
	}
	if latestPath == "" {
		return nil, nil
	}
	return s.load(latestPath)
}

func (s *Store) load(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read revoke record: %w", err)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode revoke record %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

func recordFilename(scope, taskUUID, recordID string) string {
	return fmt.Sprintf("%s:%s:%s.json", scope, taskUUID, recordID)
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

const recordIDAlphabet = "abcdefghijklmnopqrstuvwxyz"

// randomID produces a short collision-tolerant identifier. Uniqueness is
// probabilistic, not centrally coordinated; the filename carries the task
// uuid too, so collisions require the same task and the same id.
func randomID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed id rather than panic in a shutdown path.
		return "aaaaaa"
	}
	for i, b := range buf {
		buf[i] = recordIDAlphabet[int(b)%len(recordIDAlphabet)]
	}
	return string(buf)
}
