package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// BindMount maps a host path into the sandbox's filesystem view.
type BindMount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// RunSpec describes a single command execution inside a sandbox rootfs.
type RunSpec struct {
	Rootfs   string      `json:"rootfs"`
	Command  []string    `json:"command"`
	Env      []string    `json:"env,omitempty"`
	Dir      string      `json:"dir,omitempty"`
	Binds    []BindMount `json:"binds,omitempty"`
	Writable bool        `json:"writable,omitempty"`

	Stdin  io.Reader `json:"-"`
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// Runner executes commands inside a sandbox's namespace. The returned int
// is the command's exit code; err is reserved for failures to run the
// command at all.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (int, error)
}

// ShellCommand wraps a shell command line for execution by RunSpec.
func ShellCommand(line string) []string {
	return []string{"/bin/sh", "-c", line}
}

// ShellCommandArgs wraps a shell command line with positional arguments.
// The fixed "capsule" element fills $0, so the script's "$@" sees exactly
// args, first one included.
func ShellCommandArgs(line string, args ...string) []string {
	return append([]string{"/bin/sh", "-c", line, "capsule"}, args...)
}

// StageCommand is the hidden subcommand the runner re-executes itself with
// to enter the sandbox's mount namespace before chrooting.
const StageCommand = "sandbox-stage"

// stageSpecEnv carries the serialized RunSpec into the re-executed process.
const stageSpecEnv = "CAPSULE_STAGE_SPEC"

// NamespaceRunner runs commands chrooted into the sandbox rootfs inside a
// private mount namespace, so bind mounts and read-only remounts never leak
// to the host. Unprivileged invocations get a user namespace mapping the
// current user to sandbox root, matching the rootless unpack mappings.
type NamespaceRunner struct{}

func NewNamespaceRunner() *NamespaceRunner {
	return &NamespaceRunner{}
}

func (r *NamespaceRunner) Run(ctx context.Context, spec RunSpec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, errors.New("empty command")
	}
	if _, err := os.Stat(spec.Rootfs); err != nil {
		return 0, fmt.Errorf("stat rootfs: %w", err)
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return 0, fmt.Errorf("marshal run spec: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/proc/self/exe", StageCommand)
	cmd.Env = append(os.Environ(), stageSpecEnv+"="+string(payload))
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	attr := &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS,
	}
	if os.Getuid() != 0 {
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		}
		attr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		}
		attr.GidMappingsEnableSetgroups = false
	}
	cmd.SysProcAttr = attr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("run sandbox command: %w", err)
	}
	return 0, nil
}
