package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

// MappingStore keeps poll mappings keyed by poll id.
type MappingStore struct {
	mu       sync.RWMutex
	mappings map[string]domain.PollMapping
}

var _ app.PollMappingRepository = (*MappingStore)(nil)

func NewMappingStore() *MappingStore {
	return &MappingStore{mappings: make(map[string]domain.PollMapping)}
}

func (s *MappingStore) SaveMapping(_ context.Context, m domain.PollMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[m.PollID]; ok {
		return domain.ErrMappingExists
	}
	m.Options = append([]string(nil), m.Options...)
	s.mappings[m.PollID] = m
	return nil
}

func (s *MappingStore) GetMapping(_ context.Context, pollID string) (domain.PollMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[pollID]
	if !ok {
		return domain.PollMapping{}, domain.ErrMappingNotFound
	}
	m.Options = append([]string(nil), m.Options...)
	return m, nil
}

func (s *MappingStore) DeleteMappingsByEvent(_ context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.mappings {
		if m.EventID == eventID {
			delete(s.mappings, id)
			n++
		}
	}
	return n, nil
}

// Len is the number of stored mappings.
func (s *MappingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mappings)
}

// PreferenceStore keeps notification preferences.
type PreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]domain.Preferences
}

var _ app.PreferenceStore = (*PreferenceStore)(nil)

func NewPreferenceStore() *PreferenceStore {
	return &PreferenceStore{prefs: make(map[string]domain.Preferences)}
}

func (s *PreferenceStore) GetPreferences(_ context.Context, userID string) (domain.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return domain.Preferences{UserID: userID}, nil
	}
	return p, nil
}

func (s *PreferenceStore) SetPreferences(_ context.Context, p domain.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
	return nil
}

// QuotaCounter counts per key and UTC day. Old days are never evicted.
type QuotaCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

var _ app.QuotaCounter = (*QuotaCounter)(nil)

func NewQuotaCounter() *QuotaCounter {
	return &QuotaCounter{counts: make(map[string]int)}
}

func (c *QuotaCounter) Increment(_ context.Context, key string, day time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := quotaKey(key, day)
	c.counts[k]++
	return c.counts[k], nil
}

func (c *QuotaCounter) Release(_ context.Context, key string, day time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := quotaKey(key, day)
	if c.counts[k] > 0 {
		c.counts[k]--
	}
	return nil
}

func quotaKey(key string, day time.Time) string {
	return key + ":" + day.UTC().Format("2006-01-02")
}

// AlertLog is an AlertSink that keeps every alert in memory.
type AlertLog struct {
	mu     sync.RWMutex
	alerts []domain.Alert
}

var _ app.AlertSink = (*AlertLog)(nil)

func NewAlertLog() *AlertLog {
	return &AlertLog{}
}

func (l *AlertLog) RecordAlert(_ context.Context, alert domain.Alert) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, alert)
	return nil
}

// ListAlerts returns the newest limit alerts of kind, oldest first.
func (l *AlertLog) ListAlerts(_ context.Context, kind domain.AlertKind, limit int) ([]domain.Alert, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Alert
	for _, a := range l.alerts {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Entitlements is a static entitlement table: features listed in Open are available to
// everyone, the rest only to the users granted them.
type Entitlements struct {
	mu      sync.RWMutex
	open    map[string]bool
	granted map[string]map[string]bool
}

var _ app.EntitlementChecker = (*Entitlements)(nil)

func NewEntitlements(openFeatures ...string) *Entitlements {
	e := &Entitlements{
		open:    make(map[string]bool),
		granted: make(map[string]map[string]bool),
	}
	for _, f := range openFeatures {
		e.open[f] = true
	}
	return e
}

func (e *Entitlements) Grant(userID string, features ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.granted[userID] == nil {
		e.granted[userID] = make(map[string]bool)
	}
	for _, f := range features {
		e.granted[userID][f] = true
	}
}

func (e *Entitlements) CanAccess(_ context.Context, userID, feature string) (bool, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.open[feature] || e.granted[userID][feature] {
		return true, "", nil
	}
	return false, "feature " + feature + " requires a premium plan", nil
}
