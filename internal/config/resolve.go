package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	bkerrors "bakery/internal/errors"
)

var validate = validator.New()

// Overrides carries the CLI-level values that take precedence over every
// configuration file (flag > file > default).
type Overrides struct {
	Runtime        string
	EntrypointName string
	PipConstraint  string
	DockerPrefix   string
	ImageBaseName  string
	Volumes        []string
	Ports          []string
}

func (o Overrides) document() *Document {
	doc := &Document{
		Runtime:        o.Runtime,
		EntrypointName: o.EntrypointName,
		PipConstraint:  o.PipConstraint,
		DockerPrefix:   o.DockerPrefix,
		ImageBaseName:  o.ImageBaseName,
		Volumes:        o.Volumes,
	}
	for _, p := range o.Ports {
		doc.Ports = append(doc.Ports, Port(p))
	}
	return doc
}

// Resolve merges the defaults document with the project documents (in order)
// and the CLI overrides, then validates the result into an immutable
// BuildSpec. Resolving the same inputs always yields a byte-identical spec.
func Resolve(defaults *Document, projects []*Document, overrides Overrides) (*BuildSpec, error) {
	merged := *defaults
	// The runtime table and repository map are shared maps; copy before
	// merging so the defaults document stays reusable.
	merged.System.Runtime = make(map[string]DependencySet, len(defaults.System.Runtime))
	for id, deps := range defaults.System.Runtime {
		merged.System.Runtime[id] = deps
	}
	merged.Repositories = make(map[string]Repository, len(defaults.Repositories))
	for name, repo := range defaults.Repositories {
		merged.Repositories[name] = repo
	}

	for _, doc := range projects {
		if err := merged.merge(doc); err != nil {
			return nil, err
		}
	}
	if err := merged.merge(overrides.document()); err != nil {
		return nil, err
	}

	runtimeDeps, ok := merged.System.Runtime[merged.Runtime]
	if !ok {
		known := make([]string, 0, len(merged.System.Runtime))
		for id := range merged.System.Runtime {
			known = append(known, id)
		}
		sort.Strings(known)
		return nil, bkerrors.Newf(bkerrors.ErrorCodeUnknownRuntime,
			"runtime %q is not in the runtime table (known: %s)", merged.Runtime, strings.Join(known, ", "))
	}

	spec := &BuildSpec{
		BaseImage:           merged.System.Image,
		BaseDependencies:    merged.System.Base,
		BuildDependencies:   merged.System.Build,
		RuntimeDependencies: runtimeDeps,
		ProjectDependencies: merged.Dependencies,
		Runtime:             merged.Runtime,
		PipConstraint:       merged.PipConstraint,
		Volumes:             merged.Volumes,
		Ports:               merged.Ports,
		EntrypointName:      merged.EntrypointName,
		ImagePrefix:         merged.DockerPrefix,
		ImageBaseName:       merged.ImageBaseName,
	}

	names := make([]string, 0, len(merged.Repositories))
	for name := range merged.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		repo := merged.Repositories[name]
		repo.Name = name
		spec.Repositories = append(spec.Repositories, repo)
	}

	// A missing constraint file is non-fatal: the install proceeds
	// unconstrained and the finding is surfaced as a warning.
	if spec.PipConstraint != "" {
		if _, err := os.Stat(spec.PipConstraint); err != nil {
			warning := bkerrors.Newf(bkerrors.ErrorCodeMissingConstraintFile,
				"constraint file %s not found, building without constraints", spec.PipConstraint)
			spec.Warnings = append(spec.Warnings, warning.Error())
			spec.PipConstraint = ""
		}
	}

	if err := validate.Struct(spec); err != nil {
		return nil, bkerrors.Wrap(bkerrors.ErrorCodeInvalidConfig, "resolved configuration is invalid", err)
	}
	return spec, nil
}

// ImageName returns the tag for the final runner image of one release,
// "<prefix>/<base-name>:<release>" (prefix omitted when unset).
func (s *BuildSpec) ImageName(release string) string {
	name := fmt.Sprintf("%s:%s", s.ImageBaseName, sanitizeTag(release))
	if s.ImagePrefix != "" {
		name = s.ImagePrefix + "/" + name
	}
	return name
}

// sanitizeTag maps a release specifier to a valid image tag (version
// specifiers may carry characters like "==" that docker tags reject).
// Runs of rejected characters collapse into a single dash.
func sanitizeTag(release string) string {
	var b strings.Builder
	dash := false
	for _, r := range release {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return b.String()
}
