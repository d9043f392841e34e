package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bakery/internal/config"
	bkerrors "bakery/internal/errors"
	"bakery/internal/provision"
	"bakery/internal/render"
)

// engineCall records one engine invocation for order and argument assertions.
type engineCall struct {
	method string
	image  string
	tag    string
	user   string
	binds  []string
}

// fakeEngine simulates the container engine so the stage machine can be
// exercised without a daemon.
type fakeEngine struct {
	existing    map[string]bool
	probeOutput string
	artifact    []byte

	failMethod string
	failTag    string

	calls  []engineCall
	pushed []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		existing:    map[string]bool{"debian:bookworm-slim": true},
		probeOutput: "debian\n",
		artifact:    []byte("venv tar payload"),
	}
}

func (f *fakeEngine) record(call engineCall) error {
	f.calls = append(f.calls, call)
	if f.failMethod == call.method && (f.failTag == "" || f.failTag == call.tag) {
		return fmt.Errorf("%s failed", call.method)
	}
	return nil
}

func (f *fakeEngine) ImageExists(_ context.Context, name string) (bool, error) {
	return f.existing[name], nil
}

func (f *fakeEngine) PullImage(_ context.Context, name string) error {
	if err := f.record(engineCall{method: "PullImage", image: name}); err != nil {
		return err
	}
	return errors.New("no such repository")
}

func (f *fakeEngine) PushImage(_ context.Context, name string) (string, error) {
	if err := f.record(engineCall{method: "PushImage", image: name}); err != nil {
		return "", err
	}
	f.pushed = append(f.pushed, name)
	return "sha256:feedface", nil
}

func (f *fakeEngine) BuildImage(_ context.Context, contextDir, tag string, labels map[string]string) error {
	if _, err := os.Stat(filepath.Join(contextDir, "Dockerfile")); err != nil {
		return fmt.Errorf("build context has no Dockerfile: %w", err)
	}
	if err := f.record(engineCall{method: "BuildImage", image: contextDir, tag: tag}); err != nil {
		return err
	}
	f.existing[tag] = true
	return nil
}

func (f *fakeEngine) RunAndCommit(_ context.Context, spec RunSpec, tag string, labels map[string]string) error {
	if err := f.record(engineCall{method: "RunAndCommit", image: spec.Image, tag: tag, user: spec.User, binds: spec.Binds}); err != nil {
		return err
	}
	if tag != "" {
		f.existing[tag] = true
	}
	return nil
}

func (f *fakeEngine) RunForOutput(_ context.Context, spec RunSpec) (string, error) {
	if err := f.record(engineCall{method: "RunForOutput", image: spec.Image}); err != nil {
		return "", err
	}
	return f.probeOutput, nil
}

func (f *fakeEngine) ExtractPath(_ context.Context, image, path string, dst io.Writer) error {
	if err := f.record(engineCall{method: "ExtractPath", image: image}); err != nil {
		return err
	}
	_, err := dst.Write(f.artifact)
	return err
}

func (f *fakeEngine) RemoveImage(_ context.Context, name string) error {
	if err := f.record(engineCall{method: "RemoveImage", image: name}); err != nil {
		return err
	}
	delete(f.existing, name)
	return nil
}

func (f *fakeEngine) methods() []string {
	names := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		names = append(names, call.method)
	}
	return names
}

func (f *fakeEngine) commits() []engineCall {
	var commits []engineCall
	for _, call := range f.calls {
		if call.method == "RunAndCommit" && call.tag != "" {
			commits = append(commits, call)
		}
	}
	return commits
}

func testSpec() *config.BuildSpec {
	return &config.BuildSpec{
		BaseImage: "debian:bookworm-slim",
		BaseDependencies: config.DependencySet{
			{Runtime: "ca-certificates"},
		},
		BuildDependencies: config.DependencySet{
			{Runtime: "gcc"},
		},
		RuntimeDependencies: config.DependencySet{
			{Runtime: "python3.12", Build: []string{"python3.12-dev"}},
		},
		Runtime:        "python3.12",
		EntrypointName: "myapp",
		ImageBaseName:  "pyapp",
	}
}

func newTestOrchestrator(t *testing.T, engine Engine) *Orchestrator {
	t.Helper()
	renderer, err := render.New()
	require.NoError(t, err)
	return NewOrchestrator(engine, renderer, zaptest.NewLogger(t), Options{
		ScratchRoot: t.TempDir(),
		WheelDir:    filepath.Join(t.TempDir(), "wheels"),
		IndexAddr:   "172.17.0.1:8403",
	})
}

func TestBuildRunsStagesInOrder(t *testing.T) {
	engine := newFakeEngine()
	orchestrator := newTestOrchestrator(t, engine)

	result, err := orchestrator.Build(context.Background(), Request{
		Spec:    testSpec(),
		Release: "myapp==1.4.2",
	})
	require.NoError(t, err)

	assert.Equal(t, "pyapp:myapp-1.4.2", result.Image)
	assert.Equal(t, rootImageTag(testSpec()), result.RootImage)

	assert.Equal(t, []string{
		"RunForOutput", // family probe
		"RunAndCommit", // root image provisioning
		"RunAndCommit", // build stage, root phase
		"RunAndCommit", // build stage, unprivileged phase
		"ExtractPath",
		"BuildImage",
	}, engine.methods())
}

func TestBuildProvisioningIdentitiesAndChaining(t *testing.T) {
	engine := newFakeEngine()
	orchestrator := newTestOrchestrator(t, engine)
	spec := testSpec()

	_, err := orchestrator.Build(context.Background(), Request{Spec: spec, Release: "myapp==1.4.2"})
	require.NoError(t, err)

	commits := engine.commits()
	require.Len(t, commits, 3)

	rootTag := rootImageTag(spec)
	buildTag := buildImageTag(spec, "myapp==1.4.2")

	// Root image is provisioned from the base image as root.
	assert.Equal(t, "debian:bookworm-slim", commits[0].image)
	assert.Equal(t, rootTag, commits[0].tag)
	assert.Equal(t, "root", commits[0].user)

	// The build stage starts from the root image as root, then continues
	// from its own committed state as the service account.
	assert.Equal(t, rootTag, commits[1].image)
	assert.Equal(t, buildTag, commits[1].tag)
	assert.Equal(t, "root", commits[1].user)
	assert.Equal(t, buildTag, commits[2].image)
	assert.Equal(t, buildTag, commits[2].tag)
	assert.Equal(t, provision.ServiceUser, commits[2].user)

	// The scratch directory is mounted read-only in every task.
	for _, commit := range commits {
		require.NotEmpty(t, commit.binds)
		assert.True(t, strings.HasSuffix(commit.binds[0], ":"+provision.ScratchMount+":ro"),
			"bind %q", commit.binds[0])
	}
}

func TestBuildReusesCachedRootImage(t *testing.T) {
	engine := newFakeEngine()
	spec := testSpec()
	engine.existing[rootImageTag(spec)] = true
	orchestrator := newTestOrchestrator(t, engine)

	_, err := orchestrator.Build(context.Background(), Request{Spec: spec, Release: "myapp==1.4.2"})
	require.NoError(t, err)

	for _, commit := range engine.commits() {
		assert.NotEqual(t, rootImageTag(spec), commit.tag, "root image was rebuilt despite cache hit")
	}
}

func TestBuildUnsupportedDistro(t *testing.T) {
	engine := newFakeEngine()
	engine.probeOutput = ""
	orchestrator := newTestOrchestrator(t, engine)

	_, err := orchestrator.Build(context.Background(), Request{Spec: testSpec(), Release: "myapp==1.4.2"})
	require.Error(t, err)

	assert.True(t, bkerrors.HasCode(err, bkerrors.ErrorCodeStageFailed), "got %v", err)
	assert.True(t, bkerrors.HasCode(err, bkerrors.ErrorCodeUnsupportedDistro), "got %v", err)
	assert.Contains(t, err.Error(), "stage RootImage")
	assert.Empty(t, engine.commits(), "nothing should be tagged after a failed probe")
}

func TestBuildStageFailureStopsPipeline(t *testing.T) {
	engine := newFakeEngine()
	spec := testSpec()
	engine.failMethod = "RunAndCommit"
	engine.failTag = buildImageTag(spec, "myapp==1.4.2")
	orchestrator := newTestOrchestrator(t, engine)

	_, err := orchestrator.Build(context.Background(), Request{Spec: spec, Release: "myapp==1.4.2"})
	require.Error(t, err)

	assert.True(t, bkerrors.HasCode(err, bkerrors.ErrorCodeStageFailed), "got %v", err)
	assert.Contains(t, err.Error(), "stage BuildImage")
	for _, method := range engine.methods() {
		assert.NotEqual(t, "ExtractPath", method)
		assert.NotEqual(t, "BuildImage", method)
	}
}

func TestBuildEmptyArtifactIsFatal(t *testing.T) {
	engine := newFakeEngine()
	engine.artifact = nil
	orchestrator := newTestOrchestrator(t, engine)

	_, err := orchestrator.Build(context.Background(), Request{Spec: testSpec(), Release: "myapp==1.4.2"})
	require.Error(t, err)

	assert.True(t, bkerrors.HasCode(err, bkerrors.ErrorCodeArtifactMissing), "got %v", err)
	assert.Contains(t, err.Error(), "stage ExtractArtifact")
	assert.NotContains(t, engine.methods(), "BuildImage")
}

func TestCompileWheels(t *testing.T) {
	engine := newFakeEngine()
	orchestrator := newTestOrchestrator(t, engine)

	err := orchestrator.CompileWheels(context.Background(), Request{Spec: testSpec(), Release: "myapp==1.4.2"})
	require.NoError(t, err)

	// The compile phase itself never commits; its output lands on the
	// mounted wheel cache.
	var compileRuns []engineCall
	for _, call := range engine.calls {
		if call.method == "RunAndCommit" && call.user == provision.ServiceUser {
			compileRuns = append(compileRuns, call)
		}
	}
	require.Len(t, compileRuns, 1)
	assert.Empty(t, compileRuns[0].tag)
	require.Len(t, compileRuns[0].binds, 2)
	assert.True(t, strings.HasSuffix(compileRuns[0].binds[1], ":"+provision.WheelMount+":rw"),
		"bind %q", compileRuns[0].binds[1])

	// The throwaway compiler image is cleaned up.
	assert.Contains(t, engine.methods(), "RemoveImage")
}

func TestPushRejectsUnprefixedImage(t *testing.T) {
	engine := newFakeEngine()
	orchestrator := newTestOrchestrator(t, engine)

	_, err := orchestrator.Push(context.Background(), "pyapp:myapp-1.4.2")
	require.Error(t, err)
	assert.True(t, bkerrors.HasCode(err, bkerrors.ErrorCodePushUnclearRegistry), "got %v", err)
	assert.Empty(t, engine.pushed)

	digest, err := orchestrator.Push(context.Background(), "registry.example.com/team/pyapp:myapp-1.4.2")
	require.NoError(t, err)
	assert.Equal(t, "sha256:feedface", digest)
	assert.Equal(t, []string{"registry.example.com/team/pyapp:myapp-1.4.2"}, engine.pushed)
}
