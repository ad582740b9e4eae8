package budget

import (
	"context"
	"testing"
	"time"

	"cyberlab-engine/internal/store"
)

// fakeStore is an in-memory budget store for monitor tests.
type fakeStore struct {
	state        *store.BudgetState
	sessionCosts map[string]float64
	alerts       []store.BudgetAlert
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessionCosts: make(map[string]float64)}
}

func (f *fakeStore) EnsureBudgetState(_ context.Context, monthKey string, limit, threshold float64, graceHours int, autoShutdown bool) (*store.BudgetState, error) {
	if f.state == nil {
		f.state = &store.BudgetState{
			MonthKey:         monthKey,
			HardCapLimit:     limit,
			AlertThreshold:   threshold,
			GracePeriodHours: graceHours,
			AutoShutdown:     autoShutdown,
			Status:           store.BudgetNormal,
		}
	}
	copy := *f.state
	return &copy, nil
}

func (f *fakeStore) GetBudgetState(_ context.Context, _ string) (*store.BudgetState, error) {
	copy := *f.state
	return &copy, nil
}

func (f *fakeStore) AddBudgetCost(_ context.Context, _ string, delta float64) (float64, error) {
	f.state.CurrentCost += delta
	return f.state.CurrentCost, nil
}

func (f *fakeStore) SetBudgetStatus(_ context.Context, _ string, status store.BudgetStatus, graceEnd *time.Time) error {
	f.state.Status = status
	f.state.GracePeriodEndsAt = graceEnd
	return nil
}

func (f *fakeStore) UpdateBudgetConfig(_ context.Context, _ string, limit, threshold float64, graceHours int, autoShutdown bool) error {
	f.state.HardCapLimit = limit
	f.state.AlertThreshold = threshold
	f.state.GracePeriodHours = graceHours
	f.state.AutoShutdown = autoShutdown
	return nil
}

func (f *fakeStore) AddSessionCost(_ context.Context, sessionID string, delta float64) error {
	f.sessionCosts[sessionID] += delta
	return nil
}

func (f *fakeStore) InsertBudgetAlert(_ context.Context, a *store.BudgetAlert) error {
	f.alerts = append(f.alerts, *a)
	return nil
}

func (f *fakeStore) HasBudgetAlert(_ context.Context, _, level string) (bool, error) {
	for _, a := range f.alerts {
		if a.Level == level {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListBudgetAlerts(_ context.Context, _ string) ([]store.BudgetAlert, error) {
	return f.alerts, nil
}

func newTestMonitor(st *fakeStore, cfg Config, now time.Time) *Monitor {
	m := New(st, cfg)
	m.now = func() time.Time { return now }
	return m
}

func TestComputeStatus(t *testing.T) {
	graceEnd := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		cost     float64
		limit    float64
		graceEnd *time.Time
		want     store.BudgetStatus
	}{
		{"well under threshold", 10, 100, nil, store.BudgetNormal},
		{"just under threshold", 79.99, 100, nil, store.BudgetNormal},
		{"at threshold", 80, 100, nil, store.BudgetWarning},
		{"81 of 100", 81, 100, nil, store.BudgetWarning},
		{"just under cap", 99.99, 100, nil, store.BudgetWarning},
		{"at cap no grace", 100, 100, nil, store.BudgetCritical},
		{"over cap no grace", 130, 100, nil, store.BudgetCritical},
		{"over cap with grace", 130, 100, &graceEnd, store.BudgetExceeded},
		{"zero limit", 0, 0, nil, store.BudgetExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStatus(tt.cost, tt.limit, 0.8, tt.graceEnd)
			if got != tt.want {
				t.Errorf("ComputeStatus(%g, %g) = %q, want %q", tt.cost, tt.limit, got, tt.want)
			}
		})
	}
}

func TestMonthKey(t *testing.T) {
	got := MonthKey(time.Date(2026, 8, 28, 23, 59, 0, 0, time.UTC))
	if got != "2026-08" {
		t.Errorf("MonthKey = %q, want 2026-08", got)
	}
}

func TestEvaluate_WarningAlertOnce(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(st, Config{MonthlyLimit: 100, AlertThreshold: 0.8, GracePeriodHours: 24}, now)

	st.EnsureBudgetState(context.Background(), "2026-08", 100, 0.8, 24, false)
	st.state.CurrentCost = 81

	for i := 0; i < 3; i++ {
		verdict, err := m.Evaluate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if verdict.BlockNewSessions {
			t.Error("warning level must not block new sessions")
		}
		if verdict.ForceShutdown {
			t.Error("warning level must not force shutdown")
		}
	}

	if len(st.alerts) != 1 {
		t.Fatalf("got %d alerts, want exactly 1", len(st.alerts))
	}
	if st.alerts[0].Level != AlertWarning {
		t.Errorf("alert level = %q, want %q", st.alerts[0].Level, AlertWarning)
	}
	if st.state.Status != store.BudgetWarning {
		t.Errorf("persisted status = %q, want warning", st.state.Status)
	}
}

func TestEvaluate_CapCrossingStartsGrace(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(st, Config{MonthlyLimit: 100, AlertThreshold: 0.8, GracePeriodHours: 24}, now)

	st.EnsureBudgetState(context.Background(), "2026-08", 100, 0.8, 24, false)
	st.state.CurrentCost = 105

	verdict, err := m.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !verdict.BlockNewSessions {
		t.Error("exceeded cap must block new sessions")
	}
	if verdict.ForceShutdown {
		t.Error("grace period must defer the shutdown")
	}
	if st.state.GracePeriodEndsAt == nil {
		t.Fatal("grace period not started")
	}
	wantEnd := now.Add(24 * time.Hour)
	if !st.state.GracePeriodEndsAt.Equal(wantEnd) {
		t.Errorf("grace end = %v, want %v", st.state.GracePeriodEndsAt, wantEnd)
	}
	if st.state.Status != store.BudgetExceeded {
		t.Errorf("persisted status = %q, want exceeded", st.state.Status)
	}
}

func TestEvaluate_GraceElapsedForcesShutdown(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(st, Config{MonthlyLimit: 100, AlertThreshold: 0.8, GracePeriodHours: 24}, now)

	graceEnd := now.Add(-time.Minute)
	st.EnsureBudgetState(context.Background(), "2026-08", 100, 0.8, 24, false)
	st.state.CurrentCost = 105
	st.state.GracePeriodEndsAt = &graceEnd
	st.state.Status = store.BudgetExceeded

	verdict, err := m.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !verdict.ForceShutdown {
		t.Error("elapsed grace period must force shutdown")
	}

	// Second pass keeps forcing but does not duplicate the shutdown alert.
	if _, err := m.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}
	shutdowns := 0
	for _, a := range st.alerts {
		if a.Level == AlertShutdown {
			shutdowns++
		}
	}
	if shutdowns != 1 {
		t.Errorf("got %d shutdown alerts, want 1", shutdowns)
	}
}

func TestEvaluate_AutoShutdownSkipsGrace(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(st, Config{MonthlyLimit: 100, AlertThreshold: 0.8, GracePeriodHours: 24, AutoShutdown: true}, now)

	st.EnsureBudgetState(context.Background(), "2026-08", 100, 0.8, 24, true)
	st.state.CurrentCost = 101

	verdict, err := m.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.ForceShutdown {
		t.Error("auto_shutdown must terminate immediately on crossing the cap")
	}
	if !verdict.BlockNewSessions {
		t.Error("exceeded cap must block new sessions")
	}
}

func TestCanStartNewSession(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(st, Config{MonthlyLimit: 100, AlertThreshold: 0.8, Currency: "MYR"}, now)

	ok, _ := m.CanStartNewSession(context.Background())
	if !ok {
		t.Error("fresh month must allow new sessions")
	}

	st.state.CurrentCost = 85
	ok, _ = m.CanStartNewSession(context.Background())
	if !ok {
		t.Error("warning level must still allow new sessions")
	}

	st.state.CurrentCost = 101
	ok, reason := m.CanStartNewSession(context.Background())
	if ok {
		t.Error("exceeded cap must block new sessions")
	}
	if reason == "" {
		t.Error("block must carry a reason")
	}
}

func TestRecordUsage(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(st, Config{MonthlyLimit: 100, AlertThreshold: 0.8}, now)

	if err := m.RecordUsage(context.Background(), "s1", 0.5); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordUsage(context.Background(), "s1", 0.25); err != nil {
		t.Fatal(err)
	}

	if got := st.sessionCosts["s1"]; got != 0.75 {
		t.Errorf("session cost = %g, want 0.75", got)
	}
	if st.state.CurrentCost != 0.75 {
		t.Errorf("month cost = %g, want 0.75", st.state.CurrentCost)
	}

	if err := m.RecordUsage(context.Background(), "s1", -1); err == nil {
		t.Error("negative delta must be rejected")
	}
}

func TestUpdateConfig_RaisedCapClearsGrace(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m := newTestMonitor(st, Config{MonthlyLimit: 100, AlertThreshold: 0.8, GracePeriodHours: 24}, now)

	graceEnd := now.Add(12 * time.Hour)
	st.EnsureBudgetState(context.Background(), "2026-08", 100, 0.8, 24, false)
	st.state.CurrentCost = 105
	st.state.GracePeriodEndsAt = &graceEnd
	st.state.Status = store.BudgetExceeded

	if err := m.UpdateConfig(context.Background(), 200, 0.8, 24, false); err != nil {
		t.Fatal(err)
	}

	if st.state.GracePeriodEndsAt != nil {
		t.Error("raised cap must clear the grace period")
	}
	if st.state.Status != store.BudgetNormal {
		t.Errorf("status = %q, want normal after the raise", st.state.Status)
	}

	verdict, err := m.Evaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if verdict.ForceShutdown || verdict.BlockNewSessions {
		t.Error("remediated month must run normally")
	}
}
