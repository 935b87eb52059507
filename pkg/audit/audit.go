// Package audit implements the hash-chained, append-only JSON-lines
// audit log: every safety-kernel decision and twin invocation writes
// exactly one entry, linked to its predecessor by SHA-256 hash.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mindburn-labs/aegis/pkg/canon"
)

// Event names written to the "event" field, one per decision/result
// stage.
const (
	EventIntent            = "intent"
	EventDenied            = "denied"
	EventExecuted          = "executed"
	EventSimulated         = "simulated"
	EventApprovalRequested = "approval_requested"
	EventApproved          = "approved"
	EventRejected          = "rejected"
	EventTimeout           = "timeout"
	EventError             = "error"
	EventPolicyLoaded      = "policy_loaded"
)

// Entry is one audit record. Fields beyond the chain-linkage ones are
// free-form domain fields folded in via Extra.
type Entry struct {
	TS        float64                `json:"ts"`
	Event     string                 `json:"event"`
	PrevHash  string                 `json:"prev_hash"`
	Hash      string                 `json:"hash"`
	RequestID string                 `json:"request_id,omitempty"`
	Subject   string                 `json:"subject,omitempty"`
	Extra     map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra alongside the named fields so the file
// representation is one flat JSON object.
func (e Entry) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	for k, v := range e.Extra {
		m[k] = v
	}
	m["ts"] = e.TS
	m["event"] = e.Event
	m["prev_hash"] = e.PrevHash
	if e.RequestID != "" {
		m["request_id"] = e.RequestID
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Hash != "" {
		m["hash"] = e.Hash
	}
	return json.Marshal(m)
}

// UnmarshalJSON recovers named fields and keeps the rest in Extra.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if ts, ok := m["ts"].(float64); ok {
		e.TS = ts
	}
	if ev, ok := m["event"].(string); ok {
		e.Event = ev
	}
	if ph, ok := m["prev_hash"].(string); ok {
		e.PrevHash = ph
	}
	if h, ok := m["hash"].(string); ok {
		e.Hash = h
	}
	if rid, ok := m["request_id"].(string); ok {
		e.RequestID = rid
	}
	if subj, ok := m["subject"].(string); ok {
		e.Subject = subj
	}
	delete(m, "ts")
	delete(m, "event")
	delete(m, "prev_hash")
	delete(m, "hash")
	delete(m, "request_id")
	delete(m, "subject")
	e.Extra = m
	return nil
}

// contextKey scopes request-id/subject context values to this package.
type contextKey int

const (
	keyRequestID contextKey = iota
	keySubject
)

// WithRequestID returns a context carrying the given request id for
// ambient propagation into audit entries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// WithSubject returns a context carrying the given authenticated
// subject for ambient propagation into audit entries.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, keySubject, subject)
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

func subjectFrom(ctx context.Context) string {
	if v, ok := ctx.Value(keySubject).(string); ok {
		return v
	}
	return ""
}

// Log is the append-only hash-chained audit log.
type Log struct {
	mu       sync.Mutex
	path     string
	prevHash string
}

// Open opens (creating if necessary) the audit log at path and
// recovers the chain tail hash from the last line on disk.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	if err := flockShared(f); err == nil {
		defer funlock(f)
	}
	last, err := readLastHashLocked(f)
	if err != nil {
		last = ""
	}

	return &Log{path: path, prevHash: last}, nil
}

// computeHash returns the SHA-256 hex digest of the canonical JSON of
// entry with its own Hash field excluded.
func computeHash(entry Entry) (string, error) {
	entry.Hash = ""
	buf, err := canon.Marshal(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Log writes one hash-chained entry. event identifies the stage
// (intent, denied, executed, ...); extra carries domain fields (tool,
// risk, roles, params, action_id, result, error, task_id, policy_hash,
// verified, source, reason, ...). request_id and subject are folded
// in from ctx when present.
func (l *Log) Log(ctx context.Context, event string, extra map[string]interface{}) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: open for append: %w", err)
	}
	defer f.Close()

	if err := flockExclusive(f); err == nil {
		defer funlock(f)
	}

	// Re-read the last line under lock: another process may have
	// appended since this process's in-memory prevHash was cached.
	actualPrev, err := readLastHashLocked(f)
	if err != nil || actualPrev == "" {
		actualPrev = l.prevHash
	}

	entry := Entry{
		TS:        float64(time.Now().UnixNano()) / 1e9,
		Event:     event,
		PrevHash:  actualPrev,
		RequestID: requestIDFrom(ctx),
		Subject:   subjectFrom(ctx),
		Extra:     extra,
	}

	h, err := computeHash(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = h

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return Entry{}, fmt.Errorf("audit: seek end: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("audit: fsync: %w", err)
	}

	l.prevHash = entry.Hash
	return entry, nil
}

// readLastHashLocked scans the file (assumed already locked by the
// caller, or opened exclusively) for the last non-blank line's "hash"
// field. A truncated or non-parseable final line is treated as absent,
// not fatal.
func readLastHashLocked(f *os.File) (string, error) {
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	last := ""
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		if h, ok := m["hash"].(string); ok {
			last = h
		}
	}
	return last, nil
}

// VerifyChain rewalks the log file, checking that every entry's
// prev_hash matches the prior entry's hash and that every stored hash
// matches its recomputed value. Non-parseable or truncated lines are
// reported as broken but do not stop the scan.
func (l *Log) VerifyChain() (valid bool, brokenLines []int, err error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil, nil
		}
		return false, nil, fmt.Errorf("audit: open for verify: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	prevHash := ""
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			brokenLines = append(brokenLines, lineNum)
			prevHash = ""
			continue
		}

		broken := false
		if entry.PrevHash != prevHash {
			broken = true
		}

		stored := entry.Hash
		recomputed, herr := computeHash(entry)
		if herr != nil || stored != recomputed {
			broken = true
		}

		if broken {
			brokenLines = append(brokenLines, lineNum)
		}
		prevHash = stored
	}

	return len(brokenLines) == 0, brokenLines, nil
}
