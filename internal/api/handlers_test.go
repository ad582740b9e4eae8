package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"cyberlab-engine/internal/engine"
	"cyberlab-engine/internal/pipeline"
	"cyberlab-engine/internal/store"
)

// mockSessions is a scriptable Sessions implementation.
type mockSessions struct {
	session    *store.Session
	sessions   []store.Session
	startErr   error
	termErr    error
	lastCause  string
	terminated []string
}

func (m *mockSessions) StartSession(_ context.Context, _ engine.StartRequest) (*store.Session, error) {
	return m.session, m.startErr
}

func (m *mockSessions) TerminateSession(_ context.Context, sessionID, cause string) error {
	if m.termErr != nil {
		return m.termErr
	}
	m.terminated = append(m.terminated, sessionID)
	m.lastCause = cause
	return nil
}

func (m *mockSessions) TouchActivity(_ context.Context, _ string) error { return nil }
func (m *mockSessions) Heartbeat(_ context.Context, _ string) error     { return nil }

func (m *mockSessions) GetSession(_ context.Context, id string) (*store.Session, error) {
	if m.session == nil || m.session.ID != id {
		return nil, store.ErrNotFound
	}
	return m.session, nil
}

func (m *mockSessions) ListActiveSessions(_ context.Context) ([]store.Session, error) {
	return m.sessions, nil
}

// mockBudget serves a fixed budget state.
type mockBudget struct {
	state  *store.BudgetState
	alerts []store.BudgetAlert
	err    error
}

func (m *mockBudget) Current(_ context.Context) (*store.BudgetState, error) {
	return m.state, m.err
}

func (m *mockBudget) Alerts(_ context.Context) ([]store.BudgetAlert, error) {
	return m.alerts, m.err
}

func (m *mockBudget) UpdateConfig(_ context.Context, limit, threshold float64, graceHours int, autoShutdown bool) error {
	if m.err != nil {
		return m.err
	}
	m.state.HardCapLimit = limit
	m.state.AlertThreshold = threshold
	m.state.GracePeriodHours = graceHours
	m.state.AutoShutdown = autoShutdown
	return nil
}

func (m *mockBudget) CanStartNewSession(_ context.Context) (bool, string) { return true, "" }

// mockOrphans is a scriptable Orphans implementation.
type mockOrphans struct {
	findings []store.OrphanedTask
	err      error
	actions  []string
}

func (m *mockOrphans) List(_ context.Context, _ bool) ([]store.OrphanedTask, error) {
	return m.findings, m.err
}

func (m *mockOrphans) Terminate(_ context.Context, findingID string) error {
	if m.err != nil {
		return m.err
	}
	m.actions = append(m.actions, "terminate:"+findingID)
	return nil
}

func (m *mockOrphans) Ignore(_ context.Context, findingID string) error {
	if m.err != nil {
		return m.err
	}
	m.actions = append(m.actions, "ignore:"+findingID)
	return nil
}

// mockPromotions is a scriptable Promotions implementation.
type mockPromotions struct {
	row  *store.ImagePipeline
	rows []store.ImagePipeline
	err  error
}

func (m *mockPromotions) Submit(_ context.Context, _ pipeline.SubmitRequest) (*store.ImagePipeline, error) {
	return m.row, m.err
}

func (m *mockPromotions) RecordScanResult(_ context.Context, _ string, _ bool, _ []store.ScanFinding) (*store.ImagePipeline, error) {
	return m.row, m.err
}

func (m *mockPromotions) Approve(_ context.Context, _, _, _ string, _ bool, _ string) (*store.ImagePipeline, error) {
	return m.row, m.err
}

func (m *mockPromotions) Reject(_ context.Context, _, _, _ string) (*store.ImagePipeline, error) {
	return m.row, m.err
}

func (m *mockPromotions) Status(_ context.Context, _ string) (*store.ImagePipeline, error) {
	return m.row, m.err
}

func (m *mockPromotions) ProductionImages(_ context.Context) ([]store.ImagePipeline, error) {
	return m.rows, m.err
}

func newTestHandlers(s *mockSessions, b *mockBudget, o *mockOrphans, p *mockPromotions) *Handlers {
	if s == nil {
		s = &mockSessions{}
	}
	if b == nil {
		b = &mockBudget{state: &store.BudgetState{}}
	}
	if o == nil {
		o = &mockOrphans{}
	}
	if p == nil {
		p = &mockPromotions{}
	}
	return NewHandlers(s, b, o, p, nil)
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func validStart() StartSessionRequest {
	return StartSessionRequest{
		UserID:            "user-1",
		ScenarioVersionID: "scn-1@v2",
		Machines: []MachineRequest{
			{ID: "kali", Name: "kali", Group: "attacker", Image: "img/kali:v1"},
		},
	}
}

func TestHandleStartSession(t *testing.T) {
	s := &mockSessions{session: &store.Session{ID: "sess-1", Status: store.SessionRunning}}
	h := newTestHandlers(s, nil, nil, nil)

	rec := doJSON(t, h.HandleStartSession, http.MethodPost, "/sessions", validStart())
	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201", rec.Code)
	}

	var resp store.Session
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "sess-1" {
		t.Errorf("ID = %q", resp.ID)
	}
}

func TestHandleStartSession_Validation(t *testing.T) {
	h := newTestHandlers(nil, nil, nil, nil)

	tests := []struct {
		name   string
		mutate func(*StartSessionRequest)
	}{
		{"missing user", func(r *StartSessionRequest) { r.UserID = "" }},
		{"missing scenario", func(r *StartSessionRequest) { r.ScenarioVersionID = "" }},
		{"no machines", func(r *StartSessionRequest) { r.Machines = nil }},
		{"machine without image", func(r *StartSessionRequest) { r.Machines[0].Image = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validStart()
			tt.mutate(&req)
			rec := doJSON(t, h.HandleStartSession, http.MethodPost, "/sessions", req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleStartSession_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"budget", fmt.Errorf("%w: over cap", engine.ErrBudgetExceeded), http.StatusPaymentRequired, "BUDGET_EXCEEDED"},
		{"quota", fmt.Errorf("%w: 2 of 2", engine.ErrQuotaExceeded), http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{"provision", &engine.ProvisionError{SessionID: "s", Op: "start_task", Err: fmt.Errorf("boom")}, http.StatusBadGateway, "PROVISION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&mockSessions{startErr: tt.err}, nil, nil, nil)
			rec := doJSON(t, h.HandleStartSession, http.MethodPost, "/sessions", validStart())

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Code != tt.wantCode {
				t.Errorf("got code %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleTerminateSession_CauseByRole(t *testing.T) {
	s := &mockSessions{session: &store.Session{ID: "sess-1"}}
	h := newTestHandlers(s, nil, nil, nil)

	req := httptest.NewRequest(http.MethodDelete, "/sessions/sess-1", nil)
	req.SetPathValue("id", "sess-1")
	rec := httptest.NewRecorder()
	h.HandleTerminateSession(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if s.lastCause != engine.CauseUserExit {
		t.Errorf("cause = %q, want user exit for regular keys", s.lastCause)
	}

	req = httptest.NewRequest(http.MethodDelete, "/sessions/sess-1", nil)
	req.SetPathValue("id", "sess-1")
	req = req.WithContext(context.WithValue(req.Context(), contextKeyAdmin, true))
	rec = httptest.NewRecorder()
	h.HandleTerminateSession(rec, req)

	if s.lastCause != engine.CauseAdmin {
		t.Errorf("cause = %q, want admin action for admin keys", s.lastCause)
	}
}

func TestHandleTerminateSession_OptionalBody(t *testing.T) {
	s := &mockSessions{session: &store.Session{ID: "sess-1"}}
	h := newTestHandlers(s, nil, nil, nil)

	req := httptest.NewRequest(http.MethodDelete, "/sessions/sess-1",
		bytes.NewReader([]byte(`{"actor":"ops-1","reason":"compromised credentials"}`)))
	req.SetPathValue("id", "sess-1")
	req = req.WithContext(context.WithValue(req.Context(), contextKeyAdmin, true))
	rec := httptest.NewRecorder()
	h.HandleTerminateSession(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if s.lastCause != engine.CauseAdmin {
		t.Errorf("cause = %q, want admin action", s.lastCause)
	}

	req = httptest.NewRequest(http.MethodDelete, "/sessions/sess-1",
		bytes.NewReader([]byte(`{"actor":`)))
	req.SetPathValue("id", "sess-1")
	rec = httptest.NewRecorder()
	h.HandleTerminateSession(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got status %d, want 400", rec.Code)
	}
}

func TestHandleGetSession_NotFound(t *testing.T) {
	h := newTestHandlers(&mockSessions{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	h.HandleGetSession(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestHandleGetBudget(t *testing.T) {
	b := &mockBudget{state: &store.BudgetState{
		MonthKey:     "2026-08",
		CurrentCost:  105,
		HardCapLimit: 100,
		Status:       store.BudgetExceeded,
	}}
	h := newTestHandlers(nil, b, nil, nil)

	rec := doJSON(t, h.HandleGetBudget, http.MethodGet, "/budget", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp BudgetResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.BlockNewSessions {
		t.Error("exceeded state must report the start gate closed")
	}
	if resp.State.MonthKey != "2026-08" {
		t.Errorf("month = %q", resp.State.MonthKey)
	}
}

func TestHandleUpdateBudgetConfig_Validation(t *testing.T) {
	h := newTestHandlers(nil, &mockBudget{state: &store.BudgetState{}}, nil, nil)

	tests := []struct {
		name string
		body BudgetConfigRequest
	}{
		{"zero limit", BudgetConfigRequest{MonthlyLimit: 0, AlertThreshold: 0.8}},
		{"threshold at 1", BudgetConfigRequest{MonthlyLimit: 100, AlertThreshold: 1}},
		{"negative grace", BudgetConfigRequest{MonthlyLimit: 100, AlertThreshold: 0.8, GracePeriodHours: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h.HandleUpdateBudgetConfig, http.MethodPut, "/budget/config", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}

	rec := doJSON(t, h.HandleUpdateBudgetConfig, http.MethodPut, "/budget/config",
		BudgetConfigRequest{MonthlyLimit: 200, AlertThreshold: 0.8, GracePeriodHours: 24})
	if rec.Code != http.StatusOK {
		t.Errorf("valid update: got status %d, want 200", rec.Code)
	}
}

func TestHandleListOrphans(t *testing.T) {
	o := &mockOrphans{findings: []store.OrphanedTask{
		{ID: "f1", TaskID: "lab-x", Reason: store.OrphanNoMatchingSession},
	}}
	h := newTestHandlers(nil, nil, o, nil)

	rec := doJSON(t, h.HandleListOrphans, http.MethodGet, "/orphans", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp []store.OrphanedTask
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 || resp[0].ID != "f1" {
		t.Errorf("findings = %+v", resp)
	}
}

func TestHandleSubmitPipeline_Validation(t *testing.T) {
	h := newTestHandlers(nil, nil, nil, &mockPromotions{row: &store.ImagePipeline{}})

	valid := SubmitPipelineRequest{
		ScenarioID:   "scn-1",
		ImageName:    "web",
		ArtifactKind: "embedded",
		SourceRef:    "local/web:dev",
	}

	rec := doJSON(t, h.HandleSubmitPipeline, http.MethodPost, "/pipelines", valid)
	if rec.Code != http.StatusCreated {
		t.Errorf("valid submit: got status %d, want 201", rec.Code)
	}

	bad := valid
	bad.ArtifactKind = "floppy"
	rec = doJSON(t, h.HandleSubmitPipeline, http.MethodPost, "/pipelines", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind: got status %d, want 400", rec.Code)
	}

	bad = valid
	bad.SourceRef = ""
	rec = doJSON(t, h.HandleSubmitPipeline, http.MethodPost, "/pipelines", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing ref: got status %d, want 400", rec.Code)
	}
}

func TestHandleApprovePipeline_InvalidTransition(t *testing.T) {
	p := &mockPromotions{err: &pipeline.StateError{
		ScenarioID: "scn-1",
		From:       store.StageStaging,
		Action:     "approve",
		Reason:     "only submissions under admin review can be approved",
	}}
	h := newTestHandlers(nil, nil, nil, p)

	req := httptest.NewRequest(http.MethodPost, "/pipelines/scn-1/approve",
		bytes.NewReader([]byte(`{"reviewer_id":"admin-1"}`)))
	req.SetPathValue("scenario", "scn-1")
	rec := httptest.NewRecorder()
	h.HandleApprovePipeline(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("got status %d, want 409", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "INVALID_TRANSITION" {
		t.Errorf("got code %q, want INVALID_TRANSITION", resp.Code)
	}
}

func TestHandleRejectPipeline_RequiresReason(t *testing.T) {
	h := newTestHandlers(nil, nil, nil, &mockPromotions{row: &store.ImagePipeline{}})

	req := httptest.NewRequest(http.MethodPost, "/pipelines/scn-1/reject",
		bytes.NewReader([]byte(`{"reviewer_id":"admin-1"}`)))
	req.SetPathValue("scenario", "scn-1")
	rec := httptest.NewRecorder()
	h.HandleRejectPipeline(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400 without a reason", rec.Code)
	}
}
