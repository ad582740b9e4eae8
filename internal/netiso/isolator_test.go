package netiso

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cyberlab-engine/internal/cloud"
	"cyberlab-engine/internal/store"
)

// mockAdapter counts provider calls and can fail a number of times before
// succeeding.
type mockAdapter struct {
	createCalls   int
	failuresLeft  int
	permanentFail bool
	deleted       []string
	deleteErr     error
}

func (m *mockAdapter) CreateSecurityGroup(_ context.Context, req cloud.GroupRequest) (string, error) {
	m.createCalls++
	if m.permanentFail {
		return "", cloud.Permanent(errors.New("quota exhausted"))
	}
	if m.failuresLeft > 0 {
		m.failuresLeft--
		return "", cloud.ErrUnavailable
	}
	return "sg-" + req.MachineID, nil
}

func (m *mockAdapter) DeleteSecurityGroup(_ context.Context, groupID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, groupID)
	return nil
}

func (m *mockAdapter) StartTask(_ context.Context, _ cloud.TaskSpec) (cloud.TaskHandle, error) {
	return cloud.TaskHandle{}, nil
}
func (m *mockAdapter) StopTask(_ context.Context, _ string) error              { return nil }
func (m *mockAdapter) ListRunningTasks(_ context.Context) ([]cloud.TaskHandle, error) {
	return nil, nil
}
func (m *mockAdapter) PushImage(_ context.Context, _, _ string) error   { return nil }
func (m *mockAdapter) PullImage(_ context.Context, _ string) error      { return nil }
func (m *mockAdapter) RemoveImage(_ context.Context, _ string) error    { return nil }
func (m *mockAdapter) Healthy(_ context.Context) bool                   { return true }

// mockGroupStore keeps security group rows in memory.
type mockGroupStore struct {
	session *store.Session
	groups  map[string]*store.SecurityGroup
	order   []string
}

func newMockGroupStore(status store.SessionStatus) *mockGroupStore {
	return &mockGroupStore{
		session: &store.Session{ID: "sess-1", Status: status},
		groups:  make(map[string]*store.SecurityGroup),
	}
}

func (m *mockGroupStore) CreateSecurityGroup(_ context.Context, g *store.SecurityGroup) error {
	copy := *g
	m.groups[g.ID] = &copy
	m.order = append(m.order, g.ID)
	return nil
}

func (m *mockGroupStore) ActivateSecurityGroup(_ context.Context, id, providerGroupID string, _ map[string]string) error {
	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("no group %s", id)
	}
	g.ProviderGroupID = providerGroupID
	g.Status = store.GroupActive
	return nil
}

func (m *mockGroupStore) SetSecurityGroupStatus(_ context.Context, id string, status store.GroupStatus) error {
	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("no group %s", id)
	}
	g.Status = status
	return nil
}

func (m *mockGroupStore) MarkSecurityGroupDeleted(_ context.Context, id string, at time.Time) error {
	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("no group %s", id)
	}
	g.Status = store.GroupDeleted
	g.DeletedAt = &at
	return nil
}

func (m *mockGroupStore) ListSecurityGroupsBySession(_ context.Context, _ string) ([]store.SecurityGroup, error) {
	out := make([]store.SecurityGroup, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.groups[id])
	}
	return out, nil
}

func (m *mockGroupStore) GetSession(_ context.Context, _ string) (*store.Session, error) {
	return m.session, nil
}

var testMachines = []MachineSpec{
	{ID: "kali", Name: "kali", Group: GroupAttacker},
	{ID: "dc", Name: "dc", Group: GroupInternal},
}

func TestProvision(t *testing.T) {
	adapter := &mockAdapter{}
	st := newMockGroupStore(store.SessionProvisioning)
	iso := New(adapter, st, 3)

	ids, err := iso.Provision(context.Background(), "sess-1", testMachines)
	if err != nil {
		t.Fatal(err)
	}

	if len(ids) != 2 {
		t.Fatalf("got %d provider ids, want 2", len(ids))
	}
	if ids["kali"] != "sg-kali" || ids["dc"] != "sg-dc" {
		t.Errorf("provider ids = %v", ids)
	}
	for _, g := range st.groups {
		if g.Status != store.GroupActive {
			t.Errorf("group %s status = %q, want active", g.MachineID, g.Status)
		}
		if g.ProviderGroupID == "" {
			t.Errorf("group %s has no provider id", g.MachineID)
		}
	}
}

func TestProvision_RetriesTransientFailure(t *testing.T) {
	adapter := &mockAdapter{failuresLeft: 2}
	st := newMockGroupStore(store.SessionProvisioning)
	iso := New(adapter, st, 3)

	machines := testMachines[:1]
	if _, err := iso.Provision(context.Background(), "sess-1", machines); err != nil {
		t.Fatalf("two transient failures within three attempts should succeed: %v", err)
	}
	if adapter.createCalls != 3 {
		t.Errorf("createCalls = %d, want 3", adapter.createCalls)
	}
}

func TestProvision_PermanentFailureStopsRetrying(t *testing.T) {
	adapter := &mockAdapter{permanentFail: true}
	st := newMockGroupStore(store.SessionProvisioning)
	iso := New(adapter, st, 5)

	_, err := iso.Provision(context.Background(), "sess-1", testMachines[:1])
	if err == nil {
		t.Fatal("expected error")
	}
	if adapter.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (no retries on permanent errors)", adapter.createCalls)
	}

	for _, g := range st.groups {
		if g.Status != store.GroupFailed {
			t.Errorf("group status = %q, want failed", g.Status)
		}
	}
}

func TestProvision_UnknownGroupRejected(t *testing.T) {
	iso := New(&mockAdapter{}, newMockGroupStore(store.SessionProvisioning), 3)

	_, err := iso.Provision(context.Background(), "sess-1", []MachineSpec{
		{ID: "x", Name: "x", Group: "dmz"},
	})
	if err == nil {
		t.Fatal("unknown network group must be rejected")
	}
}

func TestTeardown_RefusesRunningSession(t *testing.T) {
	for _, status := range []store.SessionStatus{store.SessionRunning, store.SessionIdleWarning} {
		st := newMockGroupStore(status)
		iso := New(&mockAdapter{}, st, 3)

		err := iso.Teardown(context.Background(), "sess-1")
		if !errors.Is(err, ErrSessionRunning) {
			t.Errorf("status %q: got %v, want ErrSessionRunning", status, err)
		}
	}
}

func TestTeardown(t *testing.T) {
	adapter := &mockAdapter{}
	st := newMockGroupStore(store.SessionProvisioning)
	iso := New(adapter, st, 3)

	if _, err := iso.Provision(context.Background(), "sess-1", testMachines); err != nil {
		t.Fatal(err)
	}

	st.session.Status = store.SessionTerminating
	if err := iso.Teardown(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}

	if len(adapter.deleted) != 2 {
		t.Errorf("deleted %d provider groups, want 2", len(adapter.deleted))
	}
	for _, g := range st.groups {
		if g.Status != store.GroupDeleted {
			t.Errorf("group %s status = %q, want deleted", g.MachineID, g.Status)
		}
		if g.DeletedAt == nil {
			t.Errorf("group %s missing deletion timestamp", g.MachineID)
		}
	}

	// A second pass finds only soft-deleted rows and calls the provider for
	// none of them.
	deleted := len(adapter.deleted)
	if err := iso.Teardown(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}
	if len(adapter.deleted) != deleted {
		t.Error("teardown re-run must skip already-deleted groups")
	}
}

func TestTeardown_ProviderFailureSurfaced(t *testing.T) {
	adapter := &mockAdapter{}
	st := newMockGroupStore(store.SessionProvisioning)
	iso := New(adapter, st, 3)

	if _, err := iso.Provision(context.Background(), "sess-1", testMachines); err != nil {
		t.Fatal(err)
	}

	st.session.Status = store.SessionTerminating
	adapter.deleteErr = cloud.ErrUnavailable
	if err := iso.Teardown(context.Background(), "sess-1"); err == nil {
		t.Fatal("provider failure must surface so termination can re-run")
	}

	// Groups stay undeleted for the re-run.
	for _, g := range st.groups {
		if g.Status == store.GroupDeleted {
			t.Error("group soft-deleted despite provider failure")
		}
	}

	adapter.deleteErr = nil
	if err := iso.Teardown(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}
	for _, g := range st.groups {
		if g.Status != store.GroupDeleted {
			t.Errorf("group %s status = %q after retry, want deleted", g.MachineID, g.Status)
		}
	}
}
