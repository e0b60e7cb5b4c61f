package warning

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxWarnings bounds the in-memory warning store.
const DefaultMaxWarnings = 1000

// Service manages system warnings
type Service interface {
	// AddWarning adds a new warning
	AddWarning(category, severity, message, source string)

	// GetAllWarnings returns all warnings
	GetAllWarnings() []Warning

	// GetWarningsBySeverity returns warnings filtered by severity
	GetWarningsBySeverity(severity string) []Warning

	// GetUnacknowledgedWarnings returns unacknowledged warnings
	GetUnacknowledgedWarnings() []Warning

	// AcknowledgeWarning acknowledges a warning by ID
	AcknowledgeWarning(warningID string) bool

	// ClearAllWarnings removes all warnings
	ClearAllWarnings()

	// ClearOldWarnings removes warnings older than specified hours
	ClearOldWarnings(hoursOld int)
}

// InMemoryService keeps warnings in insertion order with an id index.
// Insertion order doubles as age order, so capping the store drops the
// front of the slice and "newest first" reads walk it backwards - no
// per-read sort.
type InMemoryService struct {
	mu      sync.RWMutex
	ordered []*Warning
	byID    map[string]*Warning
	limit   int
}

// NewInMemoryService creates a new in-memory warning service
func NewInMemoryService() *InMemoryService {
	return NewInMemoryServiceWithLimit(DefaultMaxWarnings)
}

// NewInMemoryServiceWithLimit creates a new in-memory warning service with custom limit
func NewInMemoryServiceWithLimit(maxWarnings int) *InMemoryService {
	return &InMemoryService{
		byID:  make(map[string]*Warning),
		limit: maxWarnings,
	}
}

// AddWarning adds a new warning, evicting the oldest entries past the cap.
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	w := &Warning{
		ID:        uuid.NewString(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Source:    source,
	}

	s.mu.Lock()
	for len(s.ordered) >= s.limit && len(s.ordered) > 0 {
		evicted := s.ordered[0]
		s.ordered = s.ordered[1:]
		delete(s.byID, evicted.ID)
	}
	s.ordered = append(s.ordered, w)
	s.byID[w.ID] = w
	s.mu.Unlock()

	slog.Info("Warning added",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)
}

// GetAllWarnings returns all warnings, newest first.
func (s *InMemoryService) GetAllWarnings() []Warning {
	return s.collect(nil)
}

// GetWarningsBySeverity returns warnings with the given severity, newest first.
func (s *InMemoryService) GetWarningsBySeverity(severity string) []Warning {
	return s.collect(func(w *Warning) bool {
		return strings.EqualFold(w.Severity, severity)
	})
}

// GetUnacknowledgedWarnings returns warnings not yet acknowledged, newest first.
func (s *InMemoryService) GetUnacknowledgedWarnings() []Warning {
	return s.collect(func(w *Warning) bool {
		return !w.Acknowledged
	})
}

// collect walks the store newest-to-oldest, copying entries that pass the
// filter (nil filter passes everything).
func (s *InMemoryService) collect(keep func(*Warning) bool) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Warning, 0, len(s.ordered))
	for i := len(s.ordered) - 1; i >= 0; i-- {
		w := s.ordered[i]
		if keep == nil || keep(w) {
			out = append(out, *w)
		}
	}
	return out
}

// AcknowledgeWarning acknowledges a warning by ID
func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.byID[warningID]
	if !ok {
		return false
	}
	w.Acknowledged = true
	slog.Info("Warning acknowledged", "warningId", warningID)
	return true
}

// ClearAllWarnings removes all warnings
func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	count := len(s.ordered)
	s.ordered = nil
	s.byID = make(map[string]*Warning)
	s.mu.Unlock()

	slog.Info("Cleared all warnings", "count", count)
}

// ClearOldWarnings removes warnings older than the given number of hours.
func (s *InMemoryService) ClearOldWarnings(hoursOld int) {
	cutoff := time.Now().Add(-time.Duration(hoursOld) * time.Hour)

	s.mu.Lock()
	// Entries are age-ordered: find the first one young enough to keep.
	keepFrom := len(s.ordered)
	for i, w := range s.ordered {
		if !w.Timestamp.Before(cutoff) {
			keepFrom = i
			break
		}
	}
	removed := keepFrom
	for _, w := range s.ordered[:keepFrom] {
		delete(s.byID, w.ID)
	}
	s.ordered = append([]*Warning(nil), s.ordered[keepFrom:]...)
	s.mu.Unlock()

	slog.Info("Cleared old warnings", "count", removed, "hoursOld", hoursOld)
}

// Count returns the current number of warnings
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}
