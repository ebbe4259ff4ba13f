package registry

import "github.com/osdev-ci/kconform/types"

// DefaultManifest returns the built-in conformance test list: one binary per
// target syscall (or small syscall sequence), grouped by kernel subsystem.
// Binaries are resolved relative to the configured test directory.
func DefaultManifest() *types.Manifest {
	return &types.Manifest{
		Suites: []types.SuiteConfig{
			{
				ID:          "process",
				Description: "Process lifecycle and scheduling syscalls",
				Tests: []types.TestConfig{
					{Binary: "clone"},
					{Binary: "execve"},
					{Binary: "exit"},
					{Binary: "fork"},
					{Binary: "wait"},
					{Binary: "waitpid"},
				},
			},
			{
				ID:          "filesystem",
				Description: "File and directory syscalls",
				Tests: []types.TestConfig{
					{Binary: "chdir"},
					{Binary: "close"},
					{Binary: "dup"},
					{Binary: "dup2"},
					{Binary: "fstat"},
					{Binary: "getcwd"},
					{Binary: "getdents"},
					{Binary: "mkdir_"},
					{Binary: "mount"},
					{Binary: "open"},
					{Binary: "openat"},
					{Binary: "pipe"},
					{Binary: "read"},
					{Binary: "umount"},
					{Binary: "write"},
				},
			},
			{
				ID:          "memory",
				Description: "Memory management syscalls",
				Tests: []types.TestConfig{
					{Binary: "brk"},
					{Binary: "mmap"},
					{Binary: "munmap"},
				},
			},
			{
				ID:          "clock",
				Description: "Time and system information syscalls",
				Tests: []types.TestConfig{
					{Binary: "gettimeofday"},
					{Binary: "sleep"},
					{Binary: "times"},
					{Binary: "uname"},
				},
			},
		},
	}
}
