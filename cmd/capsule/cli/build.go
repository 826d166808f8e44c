package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/capsulebuild/capsule/lib/build"
	"github.com/capsulebuild/capsule/lib/definition"
	"github.com/capsulebuild/capsule/lib/oci"
	"github.com/capsulebuild/capsule/lib/pack"
	"github.com/capsulebuild/capsule/lib/sandbox"
)

var (
	buildSandbox    bool
	buildForce      bool
	buildStrictTest bool
)

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildSandbox, "sandbox", false, "Produce a writable sandbox directory instead of a packaged image")
	buildCmd.Flags().BoolVarP(&buildForce, "force", "f", false, "Overwrite the target if it already exists")
	buildCmd.Flags().BoolVar(&buildStrictTest, "strict-test", false, "Treat a failing %test command as a build failure")
}

var buildCmd = &cobra.Command{
	Use:   "build <target> <definition>",
	Short: "Build an image from a definition file",
	Long: `Builds a sandbox from the definition's base image and install
steps, runs its %test commands, and packages it into an immutable
archive at <target>. With --sandbox, <target> is left as a writable
directory tree instead.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target, defPath := args[0], args[1]

		def, err := definition.ParseFile(defPath)
		if err != nil {
			return err
		}

		client, err := oci.NewClient(appPaths.OCICacheDir(), logger)
		if err != nil {
			return err
		}
		// CAPSULE_METRICS=1 records through the global otel meter
		// provider; without an SDK installed it is a no-op.
		var meter metric.Meter
		if cfg.Metrics {
			meter = otel.Meter("capsule")
		}

		runner := sandbox.NewNamespaceRunner()
		builder, err := build.NewBuilder(client, runner, logger, meter)
		if err != nil {
			return err
		}

		if buildSandbox {
			sb, err := builder.Build(ctx, build.BuildRequest{
				Definition: def,
				TargetDir:  target,
				Force:      buildForce,
			})
			if err != nil {
				return err
			}
			if err := runSmokeTests(ctx, runner, sb, def); err != nil {
				return err
			}
			fmt.Println("Sandbox built at", target)
			return nil
		}

		if _, err := os.Stat(target); err == nil && !buildForce {
			return fmt.Errorf("%w: %s", build.ErrTargetExists, target)
		}

		// Sandboxes for packaged builds are transient; they live in the
		// scratch area and are discarded once the archive exists.
		scratch, err := os.MkdirTemp(appPaths.ScratchDir(), "build-")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(scratch)

		sb, err := builder.Build(ctx, build.BuildRequest{
			Definition: def,
			TargetDir:  filepath.Join(scratch, "sandbox"),
		})
		if err != nil {
			return err
		}
		if err := runSmokeTests(ctx, runner, sb, def); err != nil {
			return err
		}
		if err := pack.Package(ctx, sb, target, logger); err != nil {
			return err
		}

		fmt.Println("Image built at", target)
		return nil
	},
}

// runSmokeTests runs the definition's %test commands and reports each
// outcome. Failures only abort the build in strict mode.
func runSmokeTests(ctx context.Context, runner sandbox.Runner, sb *sandbox.Sandbox, def *definition.Definition) error {
	if len(def.Test) == 0 {
		return nil
	}

	results, err := sandbox.RunTests(ctx, runner, sb, def.Test, buildStrictTest, logger)
	for _, res := range results {
		status := "PASS"
		if !res.Passed {
			status = fmt.Sprintf("FAIL (exit %d)", res.ExitCode)
		}
		fmt.Fprintf(os.Stderr, "test %q: %s\n", res.Command, status)
	}
	return err
}
