package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capsulebuild/capsule/lib/pack"
	"github.com/capsulebuild/capsule/lib/sandbox"
)

var (
	execWritable bool
	execBinds    []string
)

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(runCmd)
	for _, cmd := range []*cobra.Command{execCmd, shellCmd, runCmd} {
		cmd.Flags().BoolVarP(&execWritable, "writable", "w", false, "Allow writes to the image filesystem (sandboxes only)")
		cmd.Flags().StringArrayVarP(&execBinds, "bind", "b", nil, "Bind a host path into the image (host:container)")
	}
}

var execCmd = &cobra.Command{
	Use:   "exec <image> <command...>",
	Short: "Run a command inside an image",
	Long: `Runs a command inside the image's namespace. <image> is either a
sandbox directory or a packaged archive; archives are extracted to a
throwaway directory first, so writes never survive.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInImage(cmd.Context(), args[0], args[1:])
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell <image>",
	Short: "Open an interactive shell inside an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInImage(cmd.Context(), args[0], []string{"/bin/sh"})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <image> [args...]",
	Short: "Run an image's default runscript",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sb, cleanup, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		if sb.Meta.Runscript == "" {
			return fmt.Errorf("image %s has no runscript", args[0])
		}
		command := sandbox.ShellCommandArgs(sb.Meta.Runscript, args[1:]...)
		return execInSandbox(cmd.Context(), sb, command)
	},
}

func runInImage(ctx context.Context, image string, command []string) error {
	sb, cleanup, err := openImage(image)
	if err != nil {
		return err
	}
	defer cleanup()
	return execInSandbox(ctx, sb, command)
}

// openImage resolves an image argument to a sandbox: a directory is opened
// in place, a packaged archive is extracted into scratch space. The cleanup
// func removes any extraction; it is a no-op for directories.
func openImage(image string) (*sandbox.Sandbox, func(), error) {
	info, err := os.Stat(image)
	if err != nil {
		return nil, nil, fmt.Errorf("open image: %w", err)
	}

	if info.IsDir() {
		sb, err := sandbox.Open(image)
		if err != nil {
			return nil, nil, err
		}
		return sb, func() {}, nil
	}

	archive, err := pack.Open(image)
	if err != nil {
		return nil, nil, err
	}
	dest, err := os.MkdirTemp(appPaths.ScratchDir(), "exec-")
	if err != nil {
		return nil, nil, fmt.Errorf("create scratch dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dest) }
	if _, err := pack.ExtractRootfs(archive, dest, pack.NoLimit); err != nil {
		cleanup()
		return nil, nil, err
	}
	sb, err := sandbox.Open(dest)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sb, cleanup, nil
}

func execInSandbox(ctx context.Context, sb *sandbox.Sandbox, command []string) error {
	binds, err := parseBinds(execBinds)
	if err != nil {
		return err
	}

	runner := sandbox.NewNamespaceRunner()
	code, err := runner.Run(ctx, sandbox.RunSpec{
		Rootfs:   sb.Dir,
		Command:  command,
		Env:      sb.Environ(),
		Binds:    binds,
		Writable: execWritable,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	})
	if err != nil {
		return err
	}
	// Propagate the command's exit code without an error banner. Exiting
	// here would skip the archive extraction cleanup, so the actual
	// os.Exit happens in Execute after all defers have run.
	exitCode = code
	return nil
}

func parseBinds(specs []string) ([]sandbox.BindMount, error) {
	binds := make([]sandbox.BindMount, 0, len(specs))
	for _, spec := range specs {
		source, target, ok := strings.Cut(spec, ":")
		if !ok || source == "" || target == "" {
			return nil, errors.New("bind must be host:container")
		}
		binds = append(binds, sandbox.BindMount{Source: source, Target: target})
	}
	return binds, nil
}
