package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bakery/internal/config"
	bkerrors "bakery/internal/errors"
	"bakery/internal/pkgmgr"
	"bakery/internal/provision"
	"bakery/internal/render"
)

// Options carries the host-side locations one Orchestrator works with.
type Options struct {
	// ScratchRoot is where per-build scratch directories are created.
	ScratchRoot string
	// WheelDir is the host wheel cache served by the wheelhouse and
	// populated by the compile action.
	WheelDir string
	// IndexAddr is the wheelhouse address handed to the unprivileged
	// installation phase.
	IndexAddr string
	// Output receives engine build/provisioning output.
	Output io.Writer
}

// Orchestrator sequences the multi-stage image build. One orchestrator
// serves one build at a time; concurrent builds need their own instances
// (and their own scratch directories and tags).
type Orchestrator struct {
	engine   Engine
	renderer *render.Renderer
	logger   *zap.Logger
	opts     Options
}

// NewOrchestrator creates an image build orchestrator.
func NewOrchestrator(engine Engine, renderer *render.Renderer, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	return &Orchestrator{
		engine:   engine,
		renderer: renderer,
		logger:   logger,
		opts:     opts,
	}
}

// Request describes one image build.
type Request struct {
	Spec *config.BuildSpec
	// Release is the application release specifier (name plus optional
	// version specifier).
	Release string
	// ImageName is the final runner tag; derived from the spec when empty.
	ImageName string
}

// Result reports what a successful build produced; it is what the result
// file serializes.
type Result struct {
	Release   string `yaml:"release"`
	Image     string `yaml:"image"`
	RootImage string `yaml:"root_image,omitempty"`
	Hash      string `yaml:"hash,omitempty"`
}

// buildState is the mutable state threaded through the stages of one build.
type buildState struct {
	strategy    pkgmgr.Strategy
	rootTag     string
	buildTag    string
	artifactDir string
}

// Build drives the stage machine RootImage -> BuildImage -> ExtractArtifact
// -> RunnerImage -> Done. Any stage failure is terminal: the pipeline
// reports the failing stage and tags nothing further.
func (o *Orchestrator) Build(ctx context.Context, req Request) (*Result, error) {
	if req.ImageName == "" {
		req.ImageName = req.Spec.ImageName(req.Release)
	}

	st := &buildState{}
	defer func() {
		if st.artifactDir != "" {
			os.RemoveAll(st.artifactDir)
		}
	}()

	for stage := StageRootImage; stage != StageDone; stage = nextStage(stage) {
		o.logger.Info("Entering build stage", zap.String("stage", string(stage)))
		if err := o.runStage(ctx, stage, req, st); err != nil {
			o.logger.Error("Build stage failed",
				zap.String("stage", string(stage)),
				zap.Error(err),
			)
			return nil, bkerrors.Wrap(bkerrors.ErrorCodeStageFailed,
				fmt.Sprintf("stage %s", stage), err)
		}
	}

	return &Result{
		Release:   req.Release,
		Image:     req.ImageName,
		RootImage: st.rootTag,
	}, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, req Request, st *buildState) error {
	switch stage {
	case StageRootImage:
		return o.stageRootImage(ctx, req, st)
	case StageBuildImage:
		return o.stageBuildImage(ctx, req, st)
	case StageExtractArtifact:
		return o.stageExtractArtifact(ctx, req, st)
	case StageRunnerImage:
		return o.stageRunnerImage(ctx, req, st)
	default:
		return fmt.Errorf("unknown stage %s", stage)
	}
}

// stageRootImage resolves the package-manager family, then gets or builds
// the shared root image (system packages, hardening, service account).
func (o *Orchestrator) stageRootImage(ctx context.Context, req Request, st *buildState) error {
	if err := o.ensureImage(ctx, req.Spec.BaseImage); err != nil {
		return err
	}

	family, err := o.detectFamily(ctx, req.Spec.BaseImage)
	if err != nil {
		return err
	}
	strategy, err := pkgmgr.StrategyFor(family)
	if err != nil {
		return err
	}
	st.strategy = strategy
	o.logger.Info("Detected package-manager family", zap.String("family", string(family)))

	st.rootTag = rootImageTag(req.Spec)
	if exists, err := o.engine.ImageExists(ctx, st.rootTag); err != nil {
		return err
	} else if exists {
		o.logger.Info("Reusing cached root image", zap.String("image", st.rootTag))
		return nil
	}
	if IsPrefixedImage(st.rootTag) {
		if err := o.engine.PullImage(ctx, st.rootTag); err == nil {
			o.logger.Info("Pulled root image", zap.String("image", st.rootTag))
			return nil
		}
	}

	script, err := o.renderer.RootScript(strategy, req.Spec)
	if err != nil {
		return err
	}

	scratch, err := provision.NewScratch(o.opts.ScratchRoot)
	if err != nil {
		return err
	}
	exec := o.newTaskExecutor(scratch, req.Spec.BaseImage, st.rootTag, RoleRoot, nil)
	if err := scratch.WriteScript(script.Name, script.Text); err != nil {
		scratch.Remove()
		return err
	}
	return provision.NewRunner(scratch, o.logger).Run(ctx, exec, provision.RootTask())
}

// stageBuildImage adds the build-only tier on top of the root image, then
// installs the application release into its virtual environment against the
// private package index, via the two-phase privilege-separated runner.
func (o *Orchestrator) stageBuildImage(ctx context.Context, req Request, st *buildState) error {
	systemScript, err := o.renderer.BuildSystemScript(st.strategy, req.Spec)
	if err != nil {
		return err
	}
	installScript, err := o.renderer.InstallScript(req.Spec)
	if err != nil {
		return err
	}

	scratch, err := provision.NewScratch(o.opts.ScratchRoot)
	if err != nil {
		return err
	}
	if err := o.populateScratch(scratch, req, systemScript, installScript); err != nil {
		scratch.Remove()
		return err
	}
	if err := scratch.WriteIndexHost(o.opts.IndexAddr); err != nil {
		scratch.Remove()
		return err
	}

	st.buildTag = buildImageTag(req.Spec, req.Release)
	exec := o.newTaskExecutor(scratch, st.rootTag, st.buildTag, RoleBuild, nil)
	return provision.NewRunner(scratch, o.logger).Run(ctx, exec,
		provision.RootTask(),
		provision.UnprivilegedTask(),
	)
}

// stageExtractArtifact copies the installed environment out of the build
// image into a transient directory for the runner assembly. An absent
// environment means the installation failed upstream and is fatal.
func (o *Orchestrator) stageExtractArtifact(ctx context.Context, req Request, st *buildState) error {
	dir, err := os.MkdirTemp(o.opts.ScratchRoot, "bakery-artifact-")
	if err != nil {
		return err
	}
	st.artifactDir = dir

	tarPath := filepath.Join(dir, "venv.tar")
	f, err := os.Create(tarPath)
	if err != nil {
		return err
	}
	if err := o.engine.ExtractPath(ctx, st.buildTag, provision.VenvDir, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	info, err := os.Stat(tarPath)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return bkerrors.Newf(bkerrors.ErrorCodeArtifactMissing,
			"environment %s extracted empty from %s", provision.VenvDir, st.buildTag)
	}
	return nil
}

// stageRunnerImage assembles the final image from the root image (never the
// build image, so build-only dependencies stay out), the runtime-tier
// provisioning script and the extracted environment.
func (o *Orchestrator) stageRunnerImage(ctx context.Context, req Request, st *buildState) error {
	script, err := o.renderer.RunnerScript(st.strategy, req.Spec)
	if err != nil {
		return err
	}
	dockerfile, err := o.renderer.RunnerDockerfile(req.Spec, st.rootTag)
	if err != nil {
		return err
	}

	contextDir := st.artifactDir
	if err := os.MkdirAll(filepath.Join(contextDir, "provision"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(contextDir, "provision", script.Name), []byte(script.Text), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(contextDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return err
	}

	return o.engine.BuildImage(ctx, contextDir, req.ImageName, o.labels(RoleRunner))
}

// CompileWheels populates the wheel cache for a release: build-only tier on
// top of the root image (root phase), then an unprivileged wheel build
// against the upstream index, with the cache mounted read-write. The
// intermediate image is removed afterwards.
func (o *Orchestrator) CompileWheels(ctx context.Context, req Request) error {
	st := &buildState{}
	if err := o.stageRootImage(ctx, req, st); err != nil {
		return bkerrors.Wrap(bkerrors.ErrorCodeStageFailed, "stage RootImage", err)
	}

	systemScript, err := o.renderer.BuildSystemScript(st.strategy, req.Spec)
	if err != nil {
		return err
	}
	compileScript, err := o.renderer.CompileScript(req.Spec)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(o.opts.WheelDir, 0o755); err != nil {
		return err
	}

	scratch, err := provision.NewScratch(o.opts.ScratchRoot)
	if err != nil {
		return err
	}
	if err := o.populateScratch(scratch, req, systemScript, compileScript); err != nil {
		scratch.Remove()
		return err
	}

	compilerTag := prefixed(req.Spec, req.Spec.ImageBaseName+"-compiler:"+uuid.NewString()[:8])
	defer func() {
		if err := o.engine.RemoveImage(context.Background(), compilerTag); err != nil {
			o.logger.Warn("Failed to remove compiler image", zap.String("image", compilerTag), zap.Error(err))
		}
	}()

	wheelBind := []string{o.opts.WheelDir + ":" + provision.WheelMount + ":rw"}
	exec := o.newTaskExecutor(scratch, st.rootTag, compilerTag, RoleBuild, wheelBind)
	err = provision.NewRunner(scratch, o.logger).Run(ctx, exec,
		provision.RootTask(),
		provision.CompileTask(),
	)
	if err != nil {
		return bkerrors.Wrap(bkerrors.ErrorCodeStageFailed, "wheel compilation", err)
	}
	return nil
}

// Push uploads the final image. Unprefixed names have no meaningful
// registry and are rejected so the caller can decide to warn or fail.
func (o *Orchestrator) Push(ctx context.Context, imageName string) (string, error) {
	if !IsPrefixedImage(imageName) {
		return "", bkerrors.Newf(bkerrors.ErrorCodePushUnclearRegistry,
			"not pushing %s, the registry is unclear", imageName)
	}
	return o.engine.PushImage(ctx, imageName)
}

// populateScratch writes the common provisioning inputs of a build stage:
// the phase scripts, the handoff record and the optional constraint file.
func (o *Orchestrator) populateScratch(scratch *provision.Scratch, req Request, scripts ...render.Script) error {
	for _, script := range scripts {
		if err := scratch.WriteScript(script.Name, script.Text); err != nil {
			return err
		}
	}
	handoff := provision.Handoff{
		Runtime: req.Spec.Runtime,
		Release: req.Release,
	}
	if err := scratch.WriteHandoff(handoff); err != nil {
		return err
	}
	if req.Spec.PipConstraint != "" {
		if err := scratch.CopyConstraint(req.Spec.PipConstraint); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) labels(role string) map[string]string {
	return map[string]string{
		LabelVersion: Version,
		LabelRole:    role,
	}
}

// ensureImage pulls an image when it is not present locally.
func (o *Orchestrator) ensureImage(ctx context.Context, name string) error {
	exists, err := o.engine.ImageExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return o.engine.PullImage(ctx, name)
}

// detectFamily probes the base image once; the result is threaded through
// the rest of the build and never re-probed.
func (o *Orchestrator) detectFamily(ctx context.Context, baseImage string) (pkgmgr.Family, error) {
	out, err := o.engine.RunForOutput(ctx, RunSpec{
		Image:   baseImage,
		Command: []string{"/bin/sh", "-c", pkgmgr.DetectScript},
	})
	if err != nil {
		return pkgmgr.FamilyUnknown, fmt.Errorf("probing package manager: %w", err)
	}
	return pkgmgr.ParseFamily(out)
}

// taskExecutor runs provisioning tasks as containers, committing after each
// task so the next one starts from the accumulated state.
type taskExecutor struct {
	engine Engine
	opts   Options

	scratch    *provision.Scratch
	image      string
	tag        string
	labels     map[string]string
	extraBinds []string
}

func (o *Orchestrator) newTaskExecutor(scratch *provision.Scratch, image, tag, role string, extraBinds []string) *taskExecutor {
	return &taskExecutor{
		engine:     o.engine,
		opts:       o.opts,
		scratch:    scratch,
		image:      image,
		tag:        tag,
		labels:     o.labels(role),
		extraBinds: extraBinds,
	}
}

func (e *taskExecutor) Exec(ctx context.Context, task provision.Task) error {
	binds := append([]string{e.scratch.Dir + ":" + provision.ScratchMount + ":ro"}, e.extraBinds...)
	tag := e.tag
	if task.NoCommit {
		tag = ""
	}
	spec := RunSpec{
		Image:   e.image,
		Command: task.Command,
		User:    string(task.Identity),
		Binds:   binds,
		Labels:  e.labels,
		Output:  e.opts.Output,
	}
	if err := e.engine.RunAndCommit(ctx, spec, tag, e.labels); err != nil {
		return err
	}
	if tag != "" {
		e.image = tag
	}
	return nil
}
