package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// interpreterSyscalls covers what a standalone luau or lua binary needs to
// read one script from a read-only mount and write to stdout/stderr.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "ioctl",
			"readlink", "readlinkat",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		AllowSyscalls(
			"execve",
			"exit", "exit_group",
			"set_tid_address",
			"set_robust_list",
			"rseq",
			"futex",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "gettid",
			"getuid", "geteuid", "getgid", "getegid",
			"uname", "getcwd",
			"getrandom",
			"arch_prctl", "prctl",
			"getrlimit", "prlimit64",
			"sysinfo",
		)
}

// nodeSyscalls are the extra calls the node-luau bundle needs for its
// thread pool and event loop.
func nodeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"clone", "clone3", "wait4",
		"tgkill",
		"poll", "ppoll", "pselect6",
		"pipe", "pipe2",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
		"memfd_create",
		"sched_getaffinity", "sched_yield",
		"get_robust_list",
		"membarrier",
		"io_uring_setup", "io_uring_enter",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"socket", "connect", "bind", "listen", "accept", "accept4",
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// InterpreterProfile is the deny-by-default profile for the luau and lua
// binaries. Scripts cannot fork, open sockets, or modify the filesystem.
func InterpreterProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// NodeProfile extends InterpreterProfile for the node-luau runtime.
func NodeProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = nodeSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// ProfileFor picks the profile for a runtime name from the runtime registry.
func ProfileFor(runtimeName string) *specs.LinuxSeccomp {
	if runtimeName == "node-luau" {
		return NodeProfile()
	}
	return InterpreterProfile()
}
