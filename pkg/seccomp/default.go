package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// hostReachSyscalls are the syscalls that let a process act on the host
// rather than inside its own container: filesystem and namespace surgery,
// kernel module and firmware loading, clock and hostname changes. These are
// never legitimate inside a training machine, whatever the exercise.
func hostReachSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		Block(
			"mount", "umount2", "pivot_root",
			"setns", "unshare",
			"init_module", "finit_module", "delete_module",
			"kexec_load", "kexec_file_load",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"settimeofday", "adjtimex", "clock_adjtime",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"keyctl", "add_key", "request_key",
			"acct",
			"nfsservctl",
			"ioperm", "iopl",
			"lookup_dcookie",
		)
}

// LabProfile is the seccomp policy for attacker and target machines. Exercise
// content involves exploitation, injection and scanning, so the profile is
// allow-by-default; only syscalls that reach the host are denied. Process
// injection primitives stay available but each use is logged, which feeds the
// audit trail for post-exercise review.
func LabProfile() *specs.LinuxSeccomp {
	b := NewAllowBuilder()
	b = hostReachSyscalls(b)
	b.Log(
		"ptrace",
		"process_vm_readv", "process_vm_writev",
	)
	return b.Build()
}

// ServiceProfile is the policy for shared infrastructure machines (file
// drops, lab DNS). Those run fixed server software, so the profile is
// deny-by-default with an allowlist covering file serving and networking.
func ServiceProfile() *specs.LinuxSeccomp {
	b := NewDenyBuilder()
	b.Allow(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"sendfile", "copy_file_range",
	)
	b.Allow(
		"brk", "mmap", "munmap", "mprotect", "mremap",
		"madvise",
		"memfd_create",
	)
	b.Allow(
		"execve", "execveat",
		"exit", "exit_group",
		"wait4", "waitid",
		"clone", "clone3",
		"vfork",
		"set_tid_address",
		"set_robust_list", "get_robust_list",
	)
	b.Allow(
		"futex",
		"gettid",
		"tgkill", "kill",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigtimedwait",
		"sigaltstack",
	)
	b.Allow(
		"clock_gettime", "clock_getres",
		"gettimeofday",
		"nanosleep", "clock_nanosleep",
	)
	b.Allow(
		"getpid", "getppid",
		"getuid", "geteuid", "setuid",
		"getgid", "getegid", "setgid", "setgroups",
		"uname",
		"getcwd",
	)
	b.Allow(
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
	)
	b.Allow(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)
	b.Allow(
		"getrandom",
		"arch_prctl",
		"prctl",
		"ioctl",
		"sysinfo",
		"getrlimit", "prlimit64",
		"umask",
		"chmod", "fchmod", "fchmodat",
		"chown", "fchown", "fchownat",
		"chdir", "fchdir",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"mkdir", "mkdirat",
		"rmdir",
		"symlink", "symlinkat",
		"link", "linkat",
		"ftruncate", "truncate",
		"fallocate",
		"fsync", "fdatasync",
		"flock",
		"statfs", "fstatfs",
		"utimensat",
	)
	b = hostReachSyscalls(b)
	return b.Build()
}
