// ABOUTME: Tests for the append-only audit log
// ABOUTME: Verifies ordering, actor filtering and activity summaries

package lineage

import (
	"fmt"
	"testing"
	"time"

	"github.com/mfriis/reves/pkg/storage"
)

func setupTestLog(t *testing.T) *Log {
	return OpenLog(storage.NewMemory())
}

func TestRecordAssignsSequence(t *testing.T) {
	l := setupTestLog(t)

	first, err := l.Record(HistoryEntry{Action: ActionVersionCreated, Actor: "alice", Summary: "s1"})
	if err != nil {
		t.Fatalf("Failed to record: %v", err)
	}
	second, err := l.Record(HistoryEntry{Action: ActionBranchCreated, Actor: "bob", Summary: "s2"})
	if err != nil {
		t.Fatalf("Failed to record: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("Expected sequences 1,2, got %d,%d", first.Seq, second.Seq)
	}
	if first.ID == "" || first.Timestamp.IsZero() {
		t.Errorf("Expected id and timestamp assigned")
	}
}

func TestEntriesOrderAndLimit(t *testing.T) {
	l := setupTestLog(t)

	for i := 0; i < 5; i++ {
		l.Record(HistoryEntry{Action: ActionVersionCreated, Actor: "alice", Summary: fmt.Sprintf("s%d", i)})
	}

	all, err := l.Entries(0)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Errorf("Expected ascending sequence order")
		}
	}

	// Limit keeps the newest entries.
	last, _ := l.Entries(2)
	if len(last) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(last))
	}
	if last[0].Summary != "s3" || last[1].Summary != "s4" {
		t.Errorf("Expected newest entries s3,s4, got %s,%s", last[0].Summary, last[1].Summary)
	}
}

func TestByActor(t *testing.T) {
	l := setupTestLog(t)

	l.Record(HistoryEntry{Action: ActionVersionCreated, Actor: "alice"})
	l.Record(HistoryEntry{Action: ActionVersionCreated, Actor: "bob"})
	l.Record(HistoryEntry{Action: ActionTagCreated, Actor: "alice"})

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	entries, err := l.ByActor("alice", from, to)
	if err != nil {
		t.Fatalf("Failed to filter by actor: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries for alice, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Actor != "alice" {
			t.Errorf("Expected only alice's entries, got %s", e.Actor)
		}
	}

	// Outside the window nothing matches.
	past, _ := l.ByActor("alice", from.Add(-48*time.Hour), from)
	if len(past) != 0 {
		t.Errorf("Expected no entries outside the window, got %d", len(past))
	}
}

func TestSummarize(t *testing.T) {
	l := setupTestLog(t)

	l.Record(HistoryEntry{Action: ActionVersionCreated, Actor: "alice"})
	l.Record(HistoryEntry{Action: ActionVersionCreated, Actor: "alice"})
	l.Record(HistoryEntry{Action: ActionMergeOpened, Actor: "alice"})
	l.Record(HistoryEntry{Action: ActionVersionCreated, Actor: "bob"})

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	s, err := l.Summarize("alice", from, to)
	if err != nil {
		t.Fatalf("Failed to summarize: %v", err)
	}
	if s.Total != 3 {
		t.Errorf("Expected total 3, got %d", s.Total)
	}
	if s.ByAction[ActionVersionCreated] != 2 || s.ByAction[ActionMergeOpened] != 1 {
		t.Errorf("Expected 2 creates and 1 merge open, got %v", s.ByAction)
	}
	day := time.Now().UTC().Format("2006-01-02")
	if s.ByDay[day][ActionVersionCreated] != 2 {
		t.Errorf("Expected today's bucket to hold the creates, got %v", s.ByDay)
	}
}
