package pipeline

import (
	"context"
	"testing"

	"cyberlab-engine/internal/store"
)

func TestGrade(t *testing.T) {
	g := NewGrader()

	tests := []struct {
		name        string
		findings    []store.ScanFinding
		wantWorst   Severity
		wantBlocked bool
	}{
		{"no findings", nil, SeverityLow, false},
		{"informational only", []store.ScanFinding{
			{Severity: "low", RuleID: "DS-0001", Detail: "image runs as root"},
		}, SeverityLow, false},
		{"high does not block", []store.ScanFinding{
			{Severity: "high", RuleID: "CVE-2024-1234", Detail: "outdated openssl"},
		}, SeverityHigh, false},
		{"scanner-critical blocks", []store.ScanFinding{
			{Severity: "critical", RuleID: "CVE-2024-9999", Detail: "remote code execution in sshd"},
		}, SeverityCritical, true},
		{"worst finding wins", []store.ScanFinding{
			{Severity: "low", RuleID: "DS-0001", Detail: "image runs as root"},
			{Severity: "medium", RuleID: "DS-0013", Detail: "apt cache left in layer"},
		}, SeverityMedium, false},
		{"unknown severity treated as low", []store.ScanFinding{
			{Severity: "weird", RuleID: "X-1", Detail: "something"},
		}, SeverityLow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worst, blocked := g.Grade(tt.findings)
			if worst != tt.wantWorst {
				t.Errorf("worst = %s, want %s", worst, tt.wantWorst)
			}
			if blocked != tt.wantBlocked {
				t.Errorf("blocked = %v, want %v", blocked, tt.wantBlocked)
			}
		})
	}
}

func TestGrade_PatternEscalation(t *testing.T) {
	g := NewGrader()

	tests := []struct {
		name    string
		finding store.ScanFinding
	}{
		{"private key in layer", store.ScanFinding{
			Severity: "medium", RuleID: "SECRET-004",
			Detail: "file /root/.ssh/id_rsa contains BEGIN OPENSSH PRIVATE KEY",
		}},
		{"host runtime socket", store.ScanFinding{
			Severity: "low", RuleID: "DS-0021",
			Detail: "image config mounts /var/run/docker.sock",
		}},
		{"metadata service probe", store.ScanFinding{
			Severity: "medium", RuleID: "NET-009",
			Detail: "startup script curls 169.254.169.254",
		}},
		{"privileged flag", store.ScanFinding{
			Severity: "low", RuleID: "DS-0030",
			Detail: "compose file sets privileged: true",
		}},
		{"miner binary", store.ScanFinding{
			Severity: "low", RuleID: "MAL-002",
			Detail: "binary /usr/bin/xmrig detected",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worst, blocked := g.Grade([]store.ScanFinding{tt.finding})
			if worst != SeverityCritical {
				t.Errorf("worst = %s, want critical", worst)
			}
			if !blocked {
				t.Error("pattern match must block promotion")
			}
		})
	}
}

func TestRecordScanResult_GraderOverridesPass(t *testing.T) {
	st := newMockPipelineStore()
	reg := &mockRegistry{}
	p := newTestPipeline(reg, st, &mockAuditor{}, false)

	if _, err := p.Submit(context.Background(), submitReq()); err != nil {
		t.Fatal(err)
	}

	row, err := p.RecordScanResult(context.Background(), "scn-1", true, []store.ScanFinding{
		{Severity: "low", RuleID: "DS-0021", Detail: "mounts /var/run/docker.sock"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if row.ScanStatus != store.ScanFailed {
		t.Errorf("ScanStatus = %s, want failed despite the scanner's pass", row.ScanStatus)
	}
	if row.Stage != store.StageAdminReview {
		t.Errorf("Stage = %s, want admin_review", row.Stage)
	}
}

func TestSeverityString(t *testing.T) {
	if SeverityCritical.String() != "critical" || Severity(99).String() != "unknown" {
		t.Error("severity labels wrong")
	}
}
