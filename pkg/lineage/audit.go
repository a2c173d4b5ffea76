// ABOUTME: Append-only audit log of version-control activity
// ABOUTME: HistoryEntry records are never mutated or deleted

package lineage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mfriis/reves/pkg/storage"
)

// Prefixes for audit storage
const (
	PREFIX_HISTORY = "hist/"   // hist/<seq> -> HistoryEntry
	PREFIX_ACTOR   = "histby/" // histby/<actor>/<seq> -> seq key
	KEY_HISTSEQ    = "histseq" // global sequence counter
)

// Action identifies an auditable event.
type Action string

const (
	ActionVersionCreated   Action = "version_created"
	ActionBranchCreated    Action = "branch_created"
	ActionBranchProtected  Action = "branch_protected"
	ActionBranchDeleted    Action = "branch_deleted"
	ActionHeadAdvanced     Action = "head_advanced"
	ActionTagCreated       Action = "tag_created"
	ActionMergeOpened      Action = "merge_opened"
	ActionConflictResolved Action = "conflict_resolved"
	ActionMergeApproved    Action = "merge_approved"
	ActionMergeCompleted   Action = "merge_completed"
	ActionMergeRejected    Action = "merge_rejected"
	ActionMergeClosed      Action = "merge_closed"
	ActionLockAcquired     Action = "lock_acquired"
	ActionLockReleased     Action = "lock_released"
	ActionCommentAdded     Action = "comment_added"
	ActionCommentResolved  Action = "comment_resolved"
)

// HistoryEntry is one append-only audit record.
type HistoryEntry struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
	EventID   string    `json:"event_id,omitempty"`
	VersionID string    `json:"version_id,omitempty"`
	BranchID  string    `json:"branch_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Log is the process-wide audit trail, initialized once at service start.
// Durability is the record store's concern.
type Log struct {
	db storage.Store
}

// OpenLog initializes the audit log over the shared record store.
func OpenLog(db storage.Store) *Log {
	return &Log{db: db}
}

// Record appends a HistoryEntry, assigning sequence, id and timestamp.
func (l *Log) Record(e HistoryEntry) (*HistoryEntry, error) {
	var out *HistoryEntry
	err := storage.Update(l.db, func(tx storage.Tx) error {
		var err error
		out, err = l.RecordInTx(tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordInTx appends inside a caller-owned transaction, so an audit entry
// commits or fails together with the operation it describes.
func (l *Log) RecordInTx(tx storage.Tx, e HistoryEntry) (*HistoryEntry, error) {
	seq, err := l.nextSeq(tx)
	if err != nil {
		return nil, err
	}
	e.Seq = seq
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()

	raw, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("encode history entry: %w", err)
	}
	seqKey := fmt.Sprintf("%s%016d", PREFIX_HISTORY, seq)
	if err := tx.Set(seqKey, raw); err != nil {
		return nil, err
	}
	actorKey := fmt.Sprintf("%s%s/%016d", PREFIX_ACTOR, e.Actor, seq)
	if err := tx.Set(actorKey, []byte(seqKey)); err != nil {
		return nil, err
	}
	return &e, nil
}

// Entries returns the newest entries up to limit (0 = all), oldest first.
func (l *Log) Entries(limit int) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := storage.View(l.db, func(tx storage.Tx) error {
		var decodeErr error
		err := tx.Scan(PREFIX_HISTORY, func(key string, val []byte) bool {
			var e HistoryEntry
			if decodeErr = json.Unmarshal(val, &e); decodeErr != nil {
				return false
			}
			out = append(out, e)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ByActor returns one actor's entries within [from, to), oldest first.
func (l *Log) ByActor(actor string, from, to time.Time) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := storage.View(l.db, func(tx storage.Tx) error {
		var innerErr error
		err := tx.Scan(PREFIX_ACTOR+actor+"/", func(key string, val []byte) bool {
			raw, ok, err := tx.Get(string(val))
			if err != nil || !ok {
				innerErr = err
				return err == nil
			}
			var e HistoryEntry
			if innerErr = json.Unmarshal(raw, &e); innerErr != nil {
				return false
			}
			if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
				out = append(out, e)
			}
			return true
		})
		if err != nil {
			return err
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActivitySummary aggregates one actor's activity by action type and day.
// A read-only projection; history is never touched.
type ActivitySummary struct {
	Actor    string                    `json:"actor"`
	From     time.Time                 `json:"from"`
	To       time.Time                 `json:"to"`
	Total    int                       `json:"total"`
	ByAction map[Action]int            `json:"by_action"`
	ByDay    map[string]map[Action]int `json:"by_day"` // day formatted 2006-01-02
}

// Summarize builds the activity summary for an actor over [from, to).
func (l *Log) Summarize(actor string, from, to time.Time) (*ActivitySummary, error) {
	entries, err := l.ByActor(actor, from, to)
	if err != nil {
		return nil, err
	}
	s := &ActivitySummary{
		Actor:    actor,
		From:     from,
		To:       to,
		ByAction: make(map[Action]int),
		ByDay:    make(map[string]map[Action]int),
	}
	for _, e := range entries {
		s.Total++
		s.ByAction[e.Action]++
		day := e.Timestamp.Format("2006-01-02")
		if s.ByDay[day] == nil {
			s.ByDay[day] = make(map[Action]int)
		}
		s.ByDay[day][e.Action]++
	}
	return s, nil
}

func (l *Log) nextSeq(tx storage.Tx) (uint64, error) {
	raw, ok, err := tx.Get(KEY_HISTSEQ)
	if err != nil {
		return 0, err
	}
	var seq uint64
	if ok {
		if err := json.Unmarshal(raw, &seq); err != nil {
			return 0, err
		}
	}
	seq++
	out, _ := json.Marshal(seq)
	if err := tx.Set(KEY_HISTSEQ, out); err != nil {
		return 0, err
	}
	return seq, nil
}
