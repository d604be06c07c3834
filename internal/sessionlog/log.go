// Package sessionlog implements the append-only, tree-structured session
// entry store. One JSON object per line; the file is the source of truth and
// an in-memory index is rebuilt on open. The current leaf lives in a small
// sidecar file next to the log.
package sessionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/pkg/types"
)

var (
	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("entry not found")
	// ErrDetachedParent is returned when an appended entry references an
	// unknown parent.
	ErrDetachedParent = errors.New("parent entry not found")
	// ErrMultipleRoots is returned when a second entry with a nil parent is
	// appended.
	ErrMultipleRoots = errors.New("session already has a root entry")
	// ErrLocked is returned when another process holds the session file.
	ErrLocked = errors.New("session file locked by another process")
)

const (
	logExt  = ".jsonl"
	leafExt = ".leaf"
)

// Log is one session's entry store. Appends are serialized through a single
// writer; readers materialize branches over the immutable entries plus the
// leaf pointer.
type Log struct {
	id       string
	dir      string
	path     string
	leafPath string
	lock     *fileLock

	mu       sync.RWMutex
	file     *os.File
	byID     map[string]*types.Entry
	children map[string][]string
	order    []string
	root     string
	leaf     string
	lastTS   int64
}

// NewID generates a new entry or session id.
func NewID() string {
	return ulid.Make().String()
}

// Create starts a new empty session under dir.
func Create(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return open(dir, NewID(), true)
}

// Open loads an existing session, replaying and validating its file.
func Open(dir, id string) (*Log, error) {
	return open(dir, id, false)
}

func open(dir, id string, create bool) (*Log, error) {
	path := filepath.Join(dir, id+logExt)
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("session not found: %s", id)
		}
	}

	lock := newFileLock(path)
	if !lock.TryLock() {
		return nil, ErrLocked
	}

	l := &Log{
		id:       id,
		dir:      dir,
		path:     path,
		leafPath: filepath.Join(dir, id+leafExt),
		lock:     lock,
		byID:     make(map[string]*types.Entry),
		children: make(map[string][]string),
	}

	if err := l.replay(); err != nil {
		lock.Unlock()
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	l.file = f

	return l, nil
}

// replay reads the file once, building the indexes. Malformed lines are
// skipped with a diagnostic; a truncated tail from a crashed append fails to
// parse and is discarded the same way.
func (l *Log) replay() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := types.UnmarshalEntry([]byte(line))
		if err != nil {
			logging.Warn().
				Str("session", l.id).
				Int("line", lineNo).
				Err(err).
				Msg("skipping malformed session entry")
			continue
		}
		if err := l.index(entry); err != nil {
			logging.Warn().
				Str("session", l.id).
				Int("line", lineNo).
				Str("entry", entry.ID).
				Err(err).
				Msg("rejecting session entry")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}

	l.loadLeaf()
	return nil
}

// index wires one entry into the in-memory maps.
func (l *Log) index(e *types.Entry) error {
	if _, dup := l.byID[e.ID]; dup {
		return fmt.Errorf("duplicate entry id %s", e.ID)
	}
	if e.ParentID == nil {
		if l.root != "" {
			return ErrMultipleRoots
		}
		l.root = e.ID
	} else {
		if _, ok := l.byID[*e.ParentID]; !ok {
			return ErrDetachedParent
		}
		l.children[*e.ParentID] = append(l.children[*e.ParentID], e.ID)
	}
	l.byID[e.ID] = e
	l.order = append(l.order, e.ID)
	if e.Timestamp > l.lastTS {
		l.lastTS = e.Timestamp
	}
	// The leaf follows the file tail until the sidecar says otherwise.
	if e.ParentID == nil || (l.leaf != "" && *e.ParentID == l.leaf) || l.leaf == "" {
		l.leaf = e.ID
	}
	return nil
}

// loadLeaf reads the sidecar pointer, falling back to the replay leaf.
func (l *Log) loadLeaf() {
	data, err := os.ReadFile(l.leafPath)
	if err != nil {
		return
	}
	id := strings.TrimSpace(string(data))
	if _, ok := l.byID[id]; ok {
		l.leaf = id
	} else if id != "" {
		logging.Warn().Str("session", l.id).Str("leaf", id).Msg("leaf sidecar points at unknown entry, ignoring")
	}
}

// ID returns the session id.
func (l *Log) ID() string { return l.id }

// Path returns the session file path.
func (l *Log) Path() string { return l.path }

// Dir returns the session directory.
func (l *Log) Dir() string { return l.dir }

// Append validates and durably appends one entry, assigning id and timestamp
// when absent. The leaf advances iff the entry's parent is the current leaf.
func (l *Log) Append(e *types.Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = NewID()
	}
	if _, dup := l.byID[e.ID]; dup {
		return "", fmt.Errorf("duplicate entry id %s", e.ID)
	}
	if e.ParentID == nil {
		if l.root != "" {
			return "", ErrMultipleRoots
		}
	} else if _, ok := l.byID[*e.ParentID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrDetachedParent, *e.ParentID)
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	// Timestamps are monotonically non-decreasing within the file.
	if e.Timestamp < l.lastTS {
		e.Timestamp = l.lastTS
	}
	if err := e.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("failed to append entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync session file: %w", err)
	}

	advance := e.ParentID == nil || *e.ParentID == l.leaf
	if err := l.indexAppend(e); err != nil {
		return "", err
	}
	if advance {
		l.leaf = e.ID
		l.writeLeaf(e.ID)
	}
	return e.ID, nil
}

// indexAppend mirrors index without the replay leaf heuristic.
func (l *Log) indexAppend(e *types.Entry) error {
	if e.ParentID == nil {
		l.root = e.ID
	} else {
		l.children[*e.ParentID] = append(l.children[*e.ParentID], e.ID)
	}
	l.byID[e.ID] = e
	l.order = append(l.order, e.ID)
	if e.Timestamp > l.lastTS {
		l.lastTS = e.Timestamp
	}
	return nil
}

// writeLeaf atomically rewrites the sidecar pointer.
func (l *Log) writeLeaf(id string) {
	tmp := l.leafPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(id), 0644); err != nil {
		logging.Error().Str("session", l.id).Err(err).Msg("failed to write leaf sidecar")
		return
	}
	if err := os.Rename(tmp, l.leafPath); err != nil {
		os.Remove(tmp)
		logging.Error().Str("session", l.id).Err(err).Msg("failed to rename leaf sidecar")
	}
}

// Get retrieves an entry by id.
func (l *Log) Get(id string) (*types.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	return e, ok
}

// Children returns the child ids of an entry in append order.
func (l *Log) Children(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	kids := l.children[id]
	out := make([]string, len(kids))
	copy(out, kids)
	return out
}

// Entries returns all entries in file order.
func (l *Log) Entries() []*types.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.Entry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Root returns the root entry id, or "" for an empty session.
func (l *Log) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.root
}

// Leaf returns the current leaf id, or "" for an empty session.
func (l *Log) Leaf() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaf
}

// SetLeaf makes entryID the active branch terminator. No file mutation
// beyond the sidecar pointer.
func (l *Log) SetLeaf(entryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[entryID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	l.leaf = entryID
	l.writeLeaf(entryID)
	return nil
}

// Close releases the file handle and lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	l.lock.Unlock()
	return err
}

// List returns the session ids present under dir, newest first by ULID order.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, logExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, logExt))
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}
