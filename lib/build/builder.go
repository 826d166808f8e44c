// Package build turns an image definition into a completed sandbox tree:
// base image pull and unpack, install steps run in order, image metadata
// written into the rootfs.
package build

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/metric"

	"github.com/capsulebuild/capsule/lib/definition"
	"github.com/capsulebuild/capsule/lib/oci"
	"github.com/capsulebuild/capsule/lib/sandbox"
)

// BasePuller fetches and unpacks base images. *oci.Client is the production
// implementation.
type BasePuller interface {
	Pull(ctx context.Context, ref string) (string, error)
	Config(digest string) (*oci.ImageConfig, error)
	Unpack(ctx context.Context, digest, targetDir string) error
}

// Builder materializes sandboxes from definitions.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (*sandbox.Sandbox, error)
}

// BuildRequest describes one sandbox build.
type BuildRequest struct {
	Definition *definition.Definition

	// TargetDir must not pre-exist unless Force is set.
	TargetDir string
	Force     bool
}

type builder struct {
	puller  BasePuller
	runner  sandbox.Runner
	logger  *slog.Logger
	metrics *Metrics
}

// NewBuilder creates a sandbox builder. A nil meter disables metrics.
func NewBuilder(puller BasePuller, runner sandbox.Runner, logger *slog.Logger, meter metric.Meter) (Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &builder{
		puller: puller,
		runner: runner,
		logger: logger,
	}

	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		b.metrics = metrics
	}

	return b, nil
}

func (b *builder) Build(ctx context.Context, req BuildRequest) (*sandbox.Sandbox, error) {
	start := time.Now()
	buildID := cuid2.Generate()
	logger := b.logger.With("build_id", buildID, "target", req.TargetDir)

	sb, err := b.build(ctx, req, buildID, logger)

	if b.metrics != nil {
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		b.metrics.RecordBuild(ctx, status, time.Since(start))
	}
	return sb, err
}

func (b *builder) build(ctx context.Context, req BuildRequest, buildID string, logger *slog.Logger) (*sandbox.Sandbox, error) {
	def := req.Definition

	if _, err := os.Stat(req.TargetDir); err == nil {
		if !req.Force {
			return nil, ErrTargetExists
		}
		if err := os.RemoveAll(req.TargetDir); err != nil {
			return nil, fmt.Errorf("remove existing target: %w", err)
		}
	}

	digest, err := b.puller.Pull(ctx, def.From)
	if err != nil {
		return nil, fmt.Errorf("pull base image: %w", err)
	}

	if err := b.puller.Unpack(ctx, digest, req.TargetDir); err != nil {
		b.discard(req.TargetDir)
		return nil, fmt.Errorf("unpack base image: %w", err)
	}

	baseCfg, err := b.puller.Config(digest)
	if err != nil {
		b.discard(req.TargetDir)
		return nil, fmt.Errorf("read base config: %w", err)
	}

	// Definition environment wins over base image environment.
	env := make(map[string]string, len(baseCfg.Env)+len(def.Environment))
	for key, value := range baseCfg.Env {
		env[key] = value
	}
	for key, value := range def.Environment {
		env[key] = value
	}

	meta := &sandbox.ImageMeta{
		BuildID:    buildID,
		BaseRef:    def.From,
		BaseDigest: digest,
		Env:        env,
		Labels:     def.Labels,
		Runscript:  def.Runscript,
		CreatedAt:  time.Now().UTC(),
	}

	if err := writeImageMeta(req.TargetDir, def, meta); err != nil {
		b.discard(req.TargetDir)
		return nil, err
	}

	sb := &sandbox.Sandbox{Dir: req.TargetDir, Meta: meta}

	for index, step := range def.Post {
		logger.Info("running install step", "step", index, "command", step)

		var output bytes.Buffer
		code, err := b.runner.Run(ctx, sandbox.RunSpec{
			Rootfs:   req.TargetDir,
			Command:  sandbox.ShellCommand(step),
			Env:      sb.Environ(),
			Writable: true,
			Stdout:   &output,
			Stderr:   &output,
		})
		if err != nil {
			b.discard(req.TargetDir)
			return nil, fmt.Errorf("run install step %d: %w", index, err)
		}
		if code != 0 {
			logger.Error("install step failed", "step", index, "exit_code", code, "output", output.String())
			b.discard(req.TargetDir)
			return nil, &BuildStepError{
				StepIndex: index,
				Step:      step,
				ExitCode:  code,
				Output:    output.Bytes(),
			}
		}
	}

	if err := markComplete(req.TargetDir); err != nil {
		b.discard(req.TargetDir)
		return nil, err
	}

	size := treeSize(req.TargetDir)
	logger.Info("sandbox built", "base_digest", digest, "size", datasize.ByteSize(size).HumanReadable())

	return sb, nil
}

// discard removes a partial build so an aborted tree can never be mistaken
// for a complete sandbox.
func (b *builder) discard(target string) {
	if err := os.RemoveAll(target); err != nil {
		b.logger.Warn("remove partial sandbox", "target", target, "error", err)
	}
}

func treeSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := entry.Info(); err == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
