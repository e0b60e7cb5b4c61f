package warning

import (
	"sync"
	"testing"
	"time"
)

func TestAddWarning_FieldsAndDefaults(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityError, "callback failing", "HTTPMediator")

	all := svc.GetAllWarnings()
	if len(all) != 1 {
		t.Fatalf("warning count = %d, want 1", len(all))
	}

	w := all[0]
	if w.ID == "" {
		t.Error("warning must get an id")
	}
	if w.Category != CategoryMediation || w.Severity != SeverityError {
		t.Errorf("category/severity = %s/%s", w.Category, w.Severity)
	}
	if w.Message != "callback failing" || w.Source != "HTTPMediator" {
		t.Errorf("message/source = %q/%q", w.Message, w.Source)
	}
	if w.Acknowledged {
		t.Error("new warnings start unacknowledged")
	}
	if w.Timestamp.IsZero() {
		t.Error("warning must be timestamped")
	}
}

func TestAddWarning_EvictsOldestAtCap(t *testing.T) {
	svc := NewInMemoryServiceWithLimit(3)

	svc.AddWarning("C", SeverityInfo, "first", "t")
	svc.AddWarning("C", SeverityInfo, "second", "t")
	svc.AddWarning("C", SeverityInfo, "third", "t")
	svc.AddWarning("C", SeverityInfo, "fourth", "t")

	all := svc.GetAllWarnings()
	if len(all) != 3 {
		t.Fatalf("warning count = %d, want 3", len(all))
	}
	// Newest first; "first" was evicted
	if all[0].Message != "fourth" || all[2].Message != "second" {
		t.Errorf("unexpected retained order: %q .. %q", all[0].Message, all[2].Message)
	}
	if svc.Count() != 3 {
		t.Errorf("Count = %d, want 3", svc.Count())
	}
}

func TestGetAllWarnings_NewestFirst(t *testing.T) {
	svc := NewInMemoryService()

	for _, msg := range []string{"one", "two", "three"} {
		svc.AddWarning("C", SeverityInfo, msg, "t")
	}

	all := svc.GetAllWarnings()
	if all[0].Message != "three" || all[2].Message != "one" {
		t.Errorf("expected newest first, got %q .. %q", all[0].Message, all[2].Message)
	}
}

func TestGetWarningsBySeverity_CaseInsensitive(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning("C", SeverityError, "e1", "t")
	svc.AddWarning("C", SeverityWarning, "w1", "t")
	svc.AddWarning("C", SeverityError, "e2", "t")

	if got := len(svc.GetWarningsBySeverity("ERROR")); got != 2 {
		t.Errorf("ERROR count = %d, want 2", got)
	}
	if got := len(svc.GetWarningsBySeverity("error")); got != 2 {
		t.Errorf("lowercase lookup count = %d, want 2", got)
	}
	if got := len(svc.GetWarningsBySeverity(SeverityCritical)); got != 0 {
		t.Errorf("CRITICAL count = %d, want 0", got)
	}
}

func TestAcknowledgeWarning(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning("C", SeverityError, "e1", "t")
	svc.AddWarning("C", SeverityError, "e2", "t")
	id := svc.GetAllWarnings()[0].ID

	if !svc.AcknowledgeWarning(id) {
		t.Error("expected acknowledge of existing warning to succeed")
	}
	if svc.AcknowledgeWarning("no-such-id") {
		t.Error("expected acknowledge of unknown id to fail")
	}

	unacked := svc.GetUnacknowledgedWarnings()
	if len(unacked) != 1 {
		t.Fatalf("unacked count = %d, want 1", len(unacked))
	}
	if unacked[0].ID == id {
		t.Error("acknowledged warning still listed as unacknowledged")
	}
}

func TestClearAllWarnings(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning("C", SeverityError, "e1", "t")
	svc.AddWarning("C", SeverityError, "e2", "t")
	svc.ClearAllWarnings()

	if svc.Count() != 0 {
		t.Errorf("Count after clear = %d, want 0", svc.Count())
	}
	if len(svc.GetAllWarnings()) != 0 {
		t.Error("expected no warnings after clear")
	}
}

func TestClearOldWarnings(t *testing.T) {
	svc := NewInMemoryService()

	// Seed one stale entry directly, then a fresh one behind it so the
	// age-ordered prefix scan has both shapes to deal with
	stale := &Warning{
		ID:        "stale",
		Category:  "C",
		Severity:  SeverityError,
		Message:   "old",
		Timestamp: time.Now().Add(-48 * time.Hour),
		Source:    "t",
	}
	svc.mu.Lock()
	svc.ordered = append(svc.ordered, stale)
	svc.byID[stale.ID] = stale
	svc.mu.Unlock()

	svc.AddWarning("C", SeverityError, "fresh", "t")

	svc.ClearOldWarnings(24)

	all := svc.GetAllWarnings()
	if len(all) != 1 || all[0].Message != "fresh" {
		t.Errorf("expected only the fresh warning to survive, got %+v", all)
	}
	if svc.AcknowledgeWarning("stale") {
		t.Error("cleared warning must also leave the id index")
	}
}

func TestWarnings_ConcurrentWriters(t *testing.T) {
	svc := NewInMemoryService()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				svc.AddWarning("C", SeverityInfo, "concurrent", "t")
			}
		}()
	}
	wg.Wait()

	if got := svc.Count(); got != 100 {
		t.Errorf("Count = %d, want 100", got)
	}
}
