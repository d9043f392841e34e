package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bakery/internal/config"
	"bakery/internal/pkgmgr"
	"bakery/internal/provision"
)

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
		ProjectDependencies: config.DependencySet{
			{Runtime: "libpq5", Build: []string{"libpq-dev"}},
		},
		Runtime:        "python3.12",
		EntrypointName: "myapp",
		ImageBaseName:  "pyapp",
		Ports:          []config.Port{"8080", "8125/udp"},
		Volumes:        []string{"/data", "/logs"},
	}
}

func testStrategy(t *testing.T) pkgmgr.Strategy {
	t.Helper()
	strategy, err := pkgmgr.StrategyFor(pkgmgr.FamilyDebian)
	require.NoError(t, err)
	return strategy
}

func TestRootScript(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	script, err := renderer.RootScript(testStrategy(t), testSpec())
	require.NoError(t, err)

	assert.Equal(t, provision.RootScriptName, script.Name)
	assert.Equal(t, PhaseRoot, script.Phase)
	assert.Equal(t, StageRoot, script.Stage)

	assert.True(t, strings.HasPrefix(script.Text, "#!/bin/sh\n"), "missing shebang:\n%s", script.Text)
	assert.Contains(t, script.Text, `[ "$(id -u)" -eq 0 ] || exit 0`)
	assert.Contains(t, script.Text, "apt-get --quiet --yes install ca-certificates python3.12")
	assert.Contains(t, script.Text, "adduser --disabled-password --gecos '' --home /home/app app")
	// Build-only variants belong to the build stage, not the root image.
	assert.NotContains(t, script.Text, "python3.12-dev")
	assert.NotContains(t, script.Text, "gcc")
}

func TestBuildSystemScript(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	script, err := renderer.BuildSystemScript(testStrategy(t), testSpec())
	require.NoError(t, err)

	assert.Equal(t, StageBuild, script.Stage)
	assert.Contains(t, script.Text, "gcc")
	assert.Contains(t, script.Text, "python3.12-dev")
	assert.Contains(t, script.Text, "libpq-dev")
	assert.NotContains(t, script.Text, "adduser")
}

func TestInstallScript(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	script, err := renderer.InstallScript(testSpec())
	require.NoError(t, err)

	assert.Equal(t, provision.UnprivilegedScript, script.Name)
	assert.Equal(t, PhaseUnprivileged, script.Phase)

	assert.Contains(t, script.Text, `[ "$(id -u)" -ne 0 ] || exit 0`)
	assert.Contains(t, script.Text, "/provision/handoff")
	assert.Contains(t, script.Text, "cut -d: -f2-")
	assert.Contains(t, script.Text, "-m venv /home/app/venv")
	assert.Contains(t, script.Text, "--no-index")
	assert.Contains(t, script.Text, "--find-links")
}

func TestCompileScript(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	script, err := renderer.CompileScript(testSpec())
	require.NoError(t, err)

	assert.Equal(t, provision.CompileScriptName, script.Name)
	assert.Contains(t, script.Text, "pip wheel")
	assert.Contains(t, script.Text, "--wheel-dir /wheelhouse")
}

func TestRunnerScript(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	script, err := renderer.RunnerScript(testStrategy(t), testSpec())
	require.NoError(t, err)

	assert.Equal(t, StageRunner, script.Stage)
	assert.Contains(t, script.Text, "libpq5")
	assert.NotContains(t, script.Text, "libpq-dev")
	assert.NotContains(t, script.Text, "gcc")
}

func TestRunnerDockerfile(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	dockerfile, err := renderer.RunnerDockerfile(testSpec(), "pyapp-root:abc123def456")
	require.NoError(t, err)

	assert.Contains(t, dockerfile, "FROM pyapp-root:abc123def456")
	assert.Contains(t, dockerfile, "ADD venv.tar /home/app")
	assert.Contains(t, dockerfile, "EXPOSE 8080 8125/udp")
	assert.Contains(t, dockerfile, `VOLUME ["/data"]`)
	assert.Contains(t, dockerfile, `VOLUME ["/logs"]`)
	assert.Contains(t, dockerfile, "USER app")
	assert.Contains(t, dockerfile, `ENTRYPOINT ["/home/app/venv/bin/myapp"]`)
}

func TestRunnerDockerfileOmitsEmptySections(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	spec := testSpec()
	spec.Ports = nil
	spec.Volumes = nil

	dockerfile, err := renderer.RunnerDockerfile(spec, "pyapp-root:abc123def456")
	require.NoError(t, err)

	assert.NotContains(t, dockerfile, "EXPOSE")
	assert.NotContains(t, dockerfile, "VOLUME")
}

func TestRenderingIsDeterministic(t *testing.T) {
	renderer, err := New()
	require.NoError(t, err)

	first, err := renderer.RootScript(testStrategy(t), testSpec())
	require.NoError(t, err)
	second, err := renderer.RootScript(testStrategy(t), testSpec())
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
}
