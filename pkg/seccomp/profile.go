package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func newBuilder(defaultAction specs.LinuxSeccompAction) *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: defaultAction,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

// NewDenyBuilder starts from deny-by-default. Every syscall a workload needs
// must be allowed explicitly. Suited to machines with a known syscall surface.
func NewDenyBuilder() *ProfileBuilder {
	return newBuilder(specs.ActErrno)
}

// NewAllowBuilder starts from allow-by-default. Only named syscalls are
// blocked or logged. Suited to machines running unpredictable tooling.
func NewAllowBuilder() *ProfileBuilder {
	return newBuilder(specs.ActAllow)
}

func (b *ProfileBuilder) Allow(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

func (b *ProfileBuilder) Block(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActErrno,
	})
	return b
}

// Log permits the syscalls but emits an audit record for each invocation.
func (b *ProfileBuilder) Log(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActLog,
	})
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}
