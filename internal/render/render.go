// Package render turns a resolved build specification and a package-manager
// strategy into executable provisioning artifacts. Rendering is pure: it
// performs no filesystem or network actions, and identical inputs always
// produce byte-identical output.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"bakery/internal/config"
	"bakery/internal/pkgmgr"
	"bakery/internal/provision"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Phase is the provisioning phase a script belongs to.
type Phase string

const (
	PhaseRoot         Phase = "root"
	PhaseUnprivileged Phase = "unprivileged"
)

// ImageStage is the image stage a script targets.
type ImageStage string

const (
	StageRoot   ImageStage = "root"
	StageBuild  ImageStage = "build"
	StageRunner ImageStage = "runner"
)

// Script is a rendered, executable provisioning artifact. Instances are
// generated per build stage and consumed exactly once.
type Script struct {
	Name  string
	Phase Phase
	Stage ImageStage
	Text  string
}

// Renderer holds the parsed template set.
type Renderer struct {
	tmpl *template.Template
}

// New parses the embedded template set.
func New() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}

type systemScriptData struct {
	Stage ImageStage
	Ops   []string
}

// RootScript renders the root-image provisioning script: base plus runtime
// tier packages, repository registration and service-account creation.
func (r *Renderer) RootScript(strategy pkgmgr.Strategy, spec *config.BuildSpec) (Script, error) {
	ops := strategy.InstallOps(spec.RootPackages(), spec.Repositories)
	ops = append(ops, strategy.ServiceAccountOps(provision.ServiceUser, provision.ServiceHome)...)
	text, err := r.execute("system_provision.sh.tmpl", systemScriptData{Stage: StageRoot, Ops: ops})
	if err != nil {
		return Script{}, err
	}
	return Script{Name: provision.RootScriptName, Phase: PhaseRoot, Stage: StageRoot, Text: text}, nil
}

// BuildSystemScript renders the root phase of the build stage: build-only
// package variants on top of the root image. Repositories are already
// registered there, so only the package set is rendered.
func (r *Renderer) BuildSystemScript(strategy pkgmgr.Strategy, spec *config.BuildSpec) (Script, error) {
	ops := strategy.InstallOps(spec.BuildPackages(), nil)
	text, err := r.execute("system_provision.sh.tmpl", systemScriptData{Stage: StageBuild, Ops: ops})
	if err != nil {
		return Script{}, err
	}
	return Script{Name: provision.RootScriptName, Phase: PhaseRoot, Stage: StageBuild, Text: text}, nil
}

type installScriptData struct {
	ScratchMount   string
	HandoffFile    string
	IndexHostFile  string
	ConstraintFile string
	VenvDir        string
}

// InstallScript renders the unprivileged application-installation script.
// The release, runtime and index address are consumed from the scratch
// directory at execution time, so the script itself is project-independent.
func (r *Renderer) InstallScript(spec *config.BuildSpec) (Script, error) {
	text, err := r.execute("provision.sh.tmpl", installScriptData{
		ScratchMount:   provision.ScratchMount,
		HandoffFile:    provision.HandoffFileName,
		IndexHostFile:  provision.IndexHostFileName,
		ConstraintFile: provision.ConstraintFileName,
		VenvDir:        provision.VenvDir,
	})
	if err != nil {
		return Script{}, err
	}
	return Script{Name: provision.UnprivilegedScript, Phase: PhaseUnprivileged, Stage: StageBuild, Text: text}, nil
}

type compileScriptData struct {
	ScratchMount   string
	HandoffFile    string
	ConstraintFile string
	WheelMount     string
}

// CompileScript renders the unprivileged wheel-compilation script used by
// the dependency action to populate the wheel cache.
func (r *Renderer) CompileScript(spec *config.BuildSpec) (Script, error) {
	text, err := r.execute("compile.sh.tmpl", compileScriptData{
		ScratchMount:   provision.ScratchMount,
		HandoffFile:    provision.HandoffFileName,
		ConstraintFile: provision.ConstraintFileName,
		WheelMount:     provision.WheelMount,
	})
	if err != nil {
		return Script{}, err
	}
	return Script{Name: provision.CompileScriptName, Phase: PhaseUnprivileged, Stage: StageBuild, Text: text}, nil
}

// RunnerScript renders the root phase of the runner stage: runtime-only
// variants of the project dependencies.
func (r *Renderer) RunnerScript(strategy pkgmgr.Strategy, spec *config.BuildSpec) (Script, error) {
	ops := strategy.InstallOps(spec.RunnerPackages(), nil)
	text, err := r.execute("system_provision.sh.tmpl", systemScriptData{Stage: StageRunner, Ops: ops})
	if err != nil {
		return Script{}, err
	}
	return Script{Name: provision.RootScriptName, Phase: PhaseRoot, Stage: StageRunner, Text: text}, nil
}

type runnerDockerfileData struct {
	RootImage   string
	ServiceUser string
	ServiceHome string
	VenvDir     string
	Entrypoint  string
	Ports       []config.Port
	Volumes     []string
}

// RunnerDockerfile renders the Dockerfile assembling the final runner image
// from the root image, the runner provisioning script and the extracted
// environment tarball.
func (r *Renderer) RunnerDockerfile(spec *config.BuildSpec, rootImage string) (string, error) {
	return r.execute("runner.dockerfile.tmpl", runnerDockerfileData{
		RootImage:   rootImage,
		ServiceUser: provision.ServiceUser,
		ServiceHome: provision.ServiceHome,
		VenvDir:     provision.VenvDir,
		Entrypoint:  spec.EntrypointName,
		Ports:       spec.Ports,
		Volumes:     spec.Volumes,
	})
}
