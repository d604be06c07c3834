package sessionlog

import (
	"fmt"

	"github.com/agentd-ai/agentd/pkg/types"
)

// Branch yields the entries from the root to leafID in order. The walk is
// bounded by the entry count, so a corrupt parent cycle fails instead of
// spinning.
func (l *Log) Branch(leafID string) ([]*types.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.branchLocked(leafID)
}

func (l *Log) branchLocked(leafID string) ([]*types.Entry, error) {
	if leafID == "" {
		return nil, nil
	}
	cur, ok := l.byID[leafID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, leafID)
	}

	var rev []*types.Entry
	for steps := 0; ; steps++ {
		if steps > len(l.byID) {
			return nil, fmt.Errorf("parent cycle detected at %s", cur.ID)
		}
		rev = append(rev, cur)
		if cur.ParentID == nil {
			break
		}
		next, ok := l.byID[*cur.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDetachedParent, *cur.ParentID)
		}
		cur = next
	}

	branch := make([]*types.Entry, len(rev))
	for i, e := range rev {
		branch[len(rev)-1-i] = e
	}
	return branch, nil
}

// OnBranch reports whether entryID lies on the branch ending at leafID.
func (l *Log) OnBranch(entryID, leafID string) bool {
	branch, err := l.Branch(leafID)
	if err != nil {
		return false
	}
	for _, e := range branch {
		if e.ID == entryID {
			return true
		}
	}
	return false
}

// Materialize returns the active-branch entries as the scheduler sees them:
// everything before the newest compaction's firstKeptEntryId is collapsed
// into a synthetic user/assistant exchange carrying the summary. Synthetic
// entries have empty ids and are never persisted.
func (l *Log) Materialize(leafID string) ([]*types.Entry, error) {
	branch, err := l.Branch(leafID)
	if err != nil {
		return nil, err
	}

	// Newest compaction on the branch wins.
	var compaction *types.Entry
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Type == types.EntryCompaction {
			compaction = branch[i]
			break
		}
	}
	if compaction == nil {
		return branch, nil
	}

	firstKept := -1
	for i, e := range branch {
		if e.ID == compaction.FirstKeptEntryID {
			firstKept = i
			break
		}
	}
	if firstKept < 0 {
		// The cut point is not on this branch; treat the compaction as
		// informational only.
		return branch, nil
	}

	out := make([]*types.Entry, 0, len(branch)-firstKept+2)
	out = append(out,
		&types.Entry{
			Type:      types.EntryMessage,
			Timestamp: compaction.Timestamp,
			Message: &types.Message{
				Role:    types.RoleUser,
				Content: types.TextContent("Summarize the conversation so far so we can continue with reduced context."),
			},
		},
		&types.Entry{
			Type:      types.EntryMessage,
			Timestamp: compaction.Timestamp,
			Message: &types.Message{
				Role:    types.RoleAssistant,
				Content: types.TextContent(compaction.Summary),
			},
		},
	)
	for _, e := range branch[firstKept:] {
		if e.ID == compaction.ID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Label returns the effective label for an entry: the last label-change on
// the active branch targeting it, or "" when unlabeled or cleared.
func (l *Log) Label(entryID string) string {
	branch, err := l.Branch(l.Leaf())
	if err != nil {
		return ""
	}
	label := ""
	for _, e := range branch {
		if e.Type == types.EntryLabelChange && e.TargetEntryID == entryID {
			if e.Label == nil {
				label = ""
			} else {
				label = *e.Label
			}
		}
	}
	return label
}

// Name returns the session's human-chosen name: the last session-info entry
// on the active branch, or "".
func (l *Log) Name() string {
	branch, err := l.Branch(l.Leaf())
	if err != nil {
		return ""
	}
	name := ""
	for _, e := range branch {
		if e.Type == types.EntrySessionInfo {
			name = e.Name
		}
	}
	return name
}
