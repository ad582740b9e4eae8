package cloud

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"cyberlab-engine/pkg/seccomp"
)

// Machine roles, matching the isolation groups a scenario assigns.
const (
	RoleAttacker = "attacker"
	RoleInternal = "internal"
	RoleService  = "service"
)

// hardening is the host-protection policy applied to every lab task. The
// exercise happens inside the machines; none of it may reach the host, so
// host-sensitive proc and sys paths are masked and host-reach syscalls are
// filtered regardless of role.
type hardening struct {
	seccomp       *specs.LinuxSeccomp
	capabilities  []string
	maskedPaths   []string
	readonlyPaths []string

	// Attack content relies on setuid binaries and privilege-escalation
	// exercises, so NoNewPrivileges is only set on service machines.
	noNewPrivileges bool
}

var hostMaskedPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

var hostReadonlyPaths = []string{
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

func hardeningFor(role string) hardening {
	switch role {
	case RoleService:
		return hardening{
			seccomp: seccomp.ServiceProfile(),
			capabilities: []string{
				"CAP_CHOWN",
				"CAP_DAC_OVERRIDE",
				"CAP_FOWNER",
				"CAP_SETUID",
				"CAP_SETGID",
				"CAP_NET_BIND_SERVICE",
			},
			maskedPaths:     hostMaskedPaths,
			readonlyPaths:   hostReadonlyPaths,
			noNewPrivileges: true,
		}
	default:
		// Attacker and internal machines. Raw sockets for scanning, net
		// admin for in-lab interface tricks like ARP spoofing, ptrace for
		// injection exercises. Never CAP_SYS_ADMIN or module loading.
		return hardening{
			seccomp: seccomp.LabProfile(),
			capabilities: []string{
				"CAP_CHOWN",
				"CAP_DAC_OVERRIDE",
				"CAP_FOWNER",
				"CAP_SETUID",
				"CAP_SETGID",
				"CAP_SETPCAP",
				"CAP_KILL",
				"CAP_NET_BIND_SERVICE",
				"CAP_NET_RAW",
				"CAP_NET_ADMIN",
				"CAP_SYS_PTRACE",
			},
			maskedPaths:   hostMaskedPaths,
			readonlyPaths: hostReadonlyPaths,
		}
	}
}

func applyHardening(s *specs.Spec, h hardening) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}
	if s.Process.Capabilities == nil {
		s.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	s.Linux.Seccomp = h.seccomp
	s.Linux.MaskedPaths = h.maskedPaths
	s.Linux.ReadonlyPaths = h.readonlyPaths

	s.Process.Capabilities.Bounding = h.capabilities
	s.Process.Capabilities.Effective = h.capabilities
	s.Process.Capabilities.Permitted = h.capabilities
	s.Process.NoNewPrivileges = h.noNewPrivileges
}
