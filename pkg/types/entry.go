// Package types provides the core data types for the agentd session daemon.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EntryKind identifies the payload carried by a session log entry.
type EntryKind string

const (
	EntryMessage       EntryKind = "message"
	EntryCompaction    EntryKind = "compaction"
	EntryBranchSummary EntryKind = "branchSummary"
	EntrySessionInfo   EntryKind = "session-info"
	EntryLabelChange   EntryKind = "label-change"
	EntryCustom        EntryKind = "custom"
)

// Entry is the unit of persistence. A session is an append-only sequence of
// entries forming a tree via ParentID; the active branch is the path from the
// root to the current leaf.
type Entry struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp int64     `json:"timestamp"` // unix millis
	Type      EntryKind `json:"type"`

	// message
	Message *Message `json:"message,omitempty"`

	// compaction
	Summary          string `json:"summary,omitempty"` // also branchSummary
	FirstKeptEntryID string `json:"firstKeptEntryId,omitempty"`
	TokensBefore     int    `json:"tokensBefore,omitempty"`
	TokensAfter      int    `json:"tokensAfter,omitempty"`

	// branchSummary
	FromLeafID string `json:"fromLeafId,omitempty"`
	ToLeafID   string `json:"toLeafId,omitempty"`

	// label-change
	TargetEntryID string  `json:"targetEntryId,omitempty"`
	Label         *string `json:"label,omitempty"`

	// session-info
	Name string `json:"name,omitempty"`

	// custom (owned by an extension)
	CustomType string          `json:"customType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Display    *string         `json:"display,omitempty"`
	Content    *string         `json:"content,omitempty"`
}

// Validate checks the kind-specific required fields.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return errors.New("entry missing id")
	}
	switch e.Type {
	case EntryMessage:
		if e.Message == nil {
			return errors.New("message entry missing message")
		}
		return e.Message.Validate()
	case EntryCompaction:
		if e.Summary == "" {
			return errors.New("compaction entry missing summary")
		}
		if e.FirstKeptEntryID == "" {
			return errors.New("compaction entry missing firstKeptEntryId")
		}
	case EntryBranchSummary:
		if e.Summary == "" {
			return errors.New("branchSummary entry missing summary")
		}
	case EntryLabelChange:
		if e.TargetEntryID == "" {
			return errors.New("label-change entry missing targetEntryId")
		}
	case EntrySessionInfo:
		if e.Name == "" {
			return errors.New("session-info entry missing name")
		}
	case EntryCustom:
		if e.CustomType == "" {
			return errors.New("custom entry missing customType")
		}
	default:
		return fmt.Errorf("unknown entry type: %s", e.Type)
	}
	return nil
}

// UnmarshalEntry parses one session file line and validates required keys.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
