package warning

import (
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/router/notification"
)

type recordingNotifier struct {
	mu       sync.Mutex
	received []*notification.Warning
}

func (n *recordingNotifier) NotifyWarning(w *notification.Warning) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, w)
}

func (n *recordingNotifier) NotifyCriticalError(message, source string) {}

func (n *recordingNotifier) NotifySystemEvent(eventType, message string) {}

func (n *recordingNotifier) IsEnabled() bool { return true }

func (n *recordingNotifier) all() []*notification.Warning {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*notification.Warning(nil), n.received...)
}

func messages(warnings []Warning) map[string]bool {
	out := make(map[string]bool, len(warnings))
	for _, w := range warnings {
		out[w.Message] = true
	}
	return out
}

func TestInMemoryService_AddWarning(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryMediation, SeverityError, "Test error", "test-source")

	warnings := svc.GetAllWarnings()
	if len(warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(warnings))
	}

	w := warnings[0]
	if w.ID == "" {
		t.Error("Expected generated warning ID")
	}
	if w.Category != CategoryMediation {
		t.Errorf("Expected category MEDIATION, got %s", w.Category)
	}
	if w.Severity != SeverityError {
		t.Errorf("Expected severity ERROR, got %s", w.Severity)
	}
	if w.Message != "Test error" {
		t.Errorf("Expected message 'Test error', got %s", w.Message)
	}
	if w.Source != "test-source" {
		t.Errorf("Expected source 'test-source', got %s", w.Source)
	}
	if w.Acknowledged {
		t.Error("New warning should not be acknowledged")
	}
}

func TestInMemoryService_BoundedStore(t *testing.T) {
	svc := NewInMemoryServiceWithLimit(50)

	for i := 0; i < 60; i++ {
		svc.AddWarning(CategoryHealth, SeverityInfo, "Test message", "test")
	}

	if got := svc.Count(); got != 50 {
		t.Errorf("Expected store capped at 50 warnings, got %d", got)
	}
}

func TestInMemoryService_EvictsOldestUnacknowledged(t *testing.T) {
	svc := NewInMemoryServiceWithLimit(3)

	svc.AddWarning(CategoryHealth, SeverityWarn, "first", "test")
	time.Sleep(5 * time.Millisecond)
	svc.AddWarning(CategoryHealth, SeverityWarn, "second", "test")
	time.Sleep(5 * time.Millisecond)
	svc.AddWarning(CategoryHealth, SeverityWarn, "third", "test")

	// Acknowledge the oldest; it is no longer an eviction candidate
	for _, w := range svc.GetAllWarnings() {
		if w.Message == "first" {
			svc.AcknowledgeWarning(w.ID)
		}
	}

	time.Sleep(5 * time.Millisecond)
	svc.AddWarning(CategoryHealth, SeverityWarn, "fourth", "test")

	got := messages(svc.GetAllWarnings())
	if !got["first"] {
		t.Error("acknowledged warning must survive eviction")
	}
	if got["second"] {
		t.Error("oldest unacknowledged warning should have been evicted")
	}
	if !got["third"] || !got["fourth"] {
		t.Errorf("unexpected survivors: %v", got)
	}
}

func TestInMemoryService_EvictsOldestWhenAllAcknowledged(t *testing.T) {
	svc := NewInMemoryServiceWithLimit(2)

	svc.AddWarning(CategoryHealth, SeverityWarn, "a", "test")
	time.Sleep(5 * time.Millisecond)
	svc.AddWarning(CategoryHealth, SeverityWarn, "b", "test")

	for _, w := range svc.GetAllWarnings() {
		svc.AcknowledgeWarning(w.ID)
	}

	time.Sleep(5 * time.Millisecond)
	svc.AddWarning(CategoryHealth, SeverityWarn, "c", "test")

	got := messages(svc.GetAllWarnings())
	if got["a"] {
		t.Error("expected oldest warning evicted when everything is acknowledged")
	}
	if !got["b"] || !got["c"] {
		t.Errorf("unexpected survivors: %v", got)
	}
}

func TestInMemoryService_NotifierReceivesAdds(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := NewInMemoryService().WithNotifier(notifier)

	svc.AddWarning(CategoryDispatch, SeverityError, "job rejected", "scheduler")

	got := notifier.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 forwarded warning, got %d", len(got))
	}
	if got[0].Category != CategoryDispatch || got[0].Severity != SeverityError {
		t.Errorf("unexpected forwarded warning: %+v", got[0])
	}
	if got[0].Message != "job rejected" || got[0].Source != "scheduler" {
		t.Errorf("unexpected forwarded payload: %+v", got[0])
	}
	if got[0].ID == "" {
		t.Error("forwarded warning should carry the stored ID")
	}
}

func TestInMemoryService_GetAllWarnings_SortedByTimestamp(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryHealth, SeverityInfo, "First", "test")
	time.Sleep(10 * time.Millisecond)
	svc.AddWarning(CategoryHealth, SeverityInfo, "Second", "test")
	time.Sleep(10 * time.Millisecond)
	svc.AddWarning(CategoryHealth, SeverityInfo, "Third", "test")

	warnings := svc.GetAllWarnings()
	if len(warnings) != 3 {
		t.Fatalf("Expected 3 warnings, got %d", len(warnings))
	}

	// Should be sorted newest first
	if warnings[0].Message != "Third" {
		t.Error("First warning should be 'Third' (newest)")
	}
	if warnings[2].Message != "First" {
		t.Error("Last warning should be 'First' (oldest)")
	}
}

func TestInMemoryService_GetWarningsBySeverity(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryHealth, SeverityError, "Error 1", "test")
	svc.AddWarning(CategoryHealth, SeverityWarn, "Warning 1", "test")
	svc.AddWarning(CategoryHealth, SeverityError, "Error 2", "test")
	svc.AddWarning(CategoryHealth, SeverityInfo, "Info 1", "test")

	errors := svc.GetWarningsBySeverity("ERROR")
	if len(errors) != 2 {
		t.Errorf("Expected 2 ERROR warnings, got %d", len(errors))
	}

	warns := svc.GetWarningsBySeverity("WARN")
	if len(warns) != 1 {
		t.Errorf("Expected 1 WARN warning, got %d", len(warns))
	}

	// Case insensitive
	infos := svc.GetWarningsBySeverity("info")
	if len(infos) != 1 {
		t.Errorf("Expected 1 INFO warning (case insensitive), got %d", len(infos))
	}
}

func TestInMemoryService_GetUnacknowledgedWarnings(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryHealth, SeverityError, "Error 1", "test")
	svc.AddWarning(CategoryHealth, SeverityError, "Error 2", "test")

	warnings := svc.GetAllWarnings()
	if len(warnings) != 2 {
		t.Fatal("Should have 2 warnings")
	}

	// Acknowledge one
	svc.AcknowledgeWarning(warnings[0].ID)

	unacked := svc.GetUnacknowledgedWarnings()
	if len(unacked) != 1 {
		t.Errorf("Expected 1 unacknowledged warning, got %d", len(unacked))
	}
}

func TestInMemoryService_AcknowledgeWarning(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryHealth, SeverityError, "Test error", "test")
	warnings := svc.GetAllWarnings()
	warningID := warnings[0].ID

	// Acknowledge existing
	if !svc.AcknowledgeWarning(warningID) {
		t.Error("Should return true for existing warning")
	}

	warnings = svc.GetAllWarnings()
	if !warnings[0].Acknowledged {
		t.Error("Warning should be acknowledged")
	}

	// Acknowledge non-existent
	if svc.AcknowledgeWarning("non-existent-id") {
		t.Error("Should return false for non-existent warning")
	}
}

func TestInMemoryService_ClearAllWarnings(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryHealth, SeverityError, "Error 1", "test")
	svc.AddWarning(CategoryHealth, SeverityError, "Error 2", "test")

	if len(svc.GetAllWarnings()) != 2 {
		t.Fatal("Should have 2 warnings before clear")
	}

	svc.ClearAllWarnings()

	if len(svc.GetAllWarnings()) != 0 {
		t.Error("Should have 0 warnings after clear")
	}
}

func TestInMemoryService_ClearOldWarnings(t *testing.T) {
	svc := NewInMemoryService()

	svc.AddWarning(CategoryHealth, SeverityError, "Recent error", "test")

	// Backdate one warning past the cutoff
	svc.mu.Lock()
	svc.warnings["old-warning"] = &Warning{
		ID:        "old-warning",
		Category:  CategoryHealth,
		Severity:  SeverityError,
		Message:   "Old error",
		Timestamp: time.Now().Add(-48 * time.Hour),
		Source:    "test",
	}
	svc.mu.Unlock()

	if len(svc.GetAllWarnings()) != 2 {
		t.Fatal("Should have 2 warnings before clearing old")
	}

	svc.ClearOldWarnings(24)

	warnings := svc.GetAllWarnings()
	if len(warnings) != 1 {
		t.Errorf("Expected 1 warning after clearing old, got %d", len(warnings))
	}
	if warnings[0].Message != "Recent error" {
		t.Error("Remaining warning should be the recent one")
	}
}

func TestInMemoryService_ConcurrentAccess(t *testing.T) {
	svc := NewInMemoryService()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				svc.AddWarning(CategoryHealth, SeverityInfo, "Concurrent message", "test")
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	if got := svc.Count(); got != 100 {
		t.Errorf("Expected 100 warnings, got %d", got)
	}
}
