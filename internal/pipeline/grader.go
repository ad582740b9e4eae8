package pipeline

import (
	"regexp"

	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/store"
)

// Severity orders scan findings from informational to promotion-blocking.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func severityFromString(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// gradePattern escalates a finding to critical when its rule ID or detail
// text matches, whatever severity the scanner assigned. Scanners grade
// images for generic deployments; these patterns are the problems specific
// to images that will run inside attack labs.
type gradePattern struct {
	name        string
	description string
	regex       *regexp.Regexp
}

// Grader turns a scanner's finding list into a promotion verdict. It is a
// second opinion on top of the scanner's own pass flag: a scan reported as
// passed still blocks when a critical finding slipped through.
type Grader struct {
	patterns []gradePattern
}

func NewGrader() *Grader {
	return &Grader{patterns: defaultGradePatterns()}
}

// Grade returns the worst severity across the findings and whether the
// submission must be blocked from promotion.
func (g *Grader) Grade(findings []store.ScanFinding) (Severity, bool) {
	worst := SeverityLow
	blocked := false

	for _, f := range findings {
		sev := severityFromString(f.Severity)

		for _, p := range g.patterns {
			if p.regex.MatchString(f.RuleID) || p.regex.MatchString(f.Detail) {
				if sev < SeverityCritical {
					log.Warn().
						Str("rule_id", f.RuleID).
						Str("pattern", p.name).
						Str("scanner_severity", f.Severity).
						Msg("finding escalated to critical")
				}
				sev = SeverityCritical
				break
			}
		}

		if sev > worst {
			worst = sev
		}
		if sev == SeverityCritical {
			blocked = true
		}
	}

	return worst, blocked
}

func defaultGradePatterns() []gradePattern {
	return []gradePattern{
		{
			name:        "embedded_secret",
			description: "credential material baked into the image",
			regex:       regexp.MustCompile(`(?i)(BEGIN (RSA|OPENSSH|EC) PRIVATE KEY|aws_secret_access_key|api[_-]?key\s*=)`),
		},
		{
			name:        "host_socket",
			description: "image config reaches for the host container runtime",
			regex:       regexp.MustCompile(`docker\.sock|containerd\.sock`),
		},
		{
			name:        "host_mount",
			description: "image config mounts host paths",
			regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/sys/fs/cgroup`),
		},
		{
			name:        "metadata_service",
			description: "image content targets the cloud metadata service",
			regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
		},
		{
			name:        "privileged_config",
			description: "image asks for privileged execution",
			regex:       regexp.MustCompile(`(?i)privileged\s*[:=]\s*true|CAP_SYS_ADMIN`),
		},
		{
			name:        "crypto_miner",
			description: "mining software in a lab image burns the budget",
			regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
		},
	}
}
