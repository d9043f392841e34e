package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dependency is one entry of a dependency list: a runtime package name plus
// its optional build-only counterparts. In YAML an entry is either a bare
// name, a name mapped to one counterpart, or a name mapped to a list of
// counterparts:
//
//	- libjpeg62-turbo
//	- libpq5: libpq-dev
//	- libxml2: [libxml2-dev, libxslt1-dev]
type Dependency struct {
	Runtime string
	Build   []string
}

// UnmarshalYAML accepts the three entry forms described on Dependency.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		d.Runtime = name
		d.Build = nil
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("dependency entry must map exactly one package name, got %d keys", len(node.Content)/2)
		}
		if err := node.Content[0].Decode(&d.Runtime); err != nil {
			return err
		}
		value := node.Content[1]
		if value.Kind == yaml.SequenceNode {
			return value.Decode(&d.Build)
		}
		var counterpart string
		if err := value.Decode(&counterpart); err != nil {
			return err
		}
		d.Build = []string{counterpart}
		return nil
	default:
		return fmt.Errorf("dependency entry must be a string or a single-key mapping")
	}
}

// MarshalYAML renders the entry back in its most compact form.
func (d Dependency) MarshalYAML() (any, error) {
	switch len(d.Build) {
	case 0:
		return d.Runtime, nil
	case 1:
		return map[string]string{d.Runtime: d.Build[0]}, nil
	default:
		return map[string][]string{d.Runtime: d.Build}, nil
	}
}

// DependencySet is an ordered sequence of dependency entries. Order is
// preserved for deterministic install command generation.
type DependencySet []Dependency

// RuntimePackages returns the runtime-tier package names in order.
func (s DependencySet) RuntimePackages() []string {
	names := make([]string, 0, len(s))
	for _, d := range s {
		names = append(names, d.Runtime)
	}
	return names
}

// BuildPackages returns the build-tier package names in order: the
// build-only counterpart of each entry when present, the bare name
// otherwise.
func (s DependencySet) BuildPackages() []string {
	names := make([]string, 0, len(s))
	for _, d := range s {
		if len(d.Build) > 0 {
			names = append(names, d.Build...)
		} else {
			names = append(names, d.Runtime)
		}
	}
	return names
}

// Repository is an extra package repository: a filesystem-safe name, the
// package-manager source line and the verbatim signing key material.
type Repository struct {
	Name string `yaml:"-" validate:"required,hostname_rfc1123"`
	URI  string `yaml:"uri" validate:"required"`
	Key  string `yaml:"key"`
}

// Port is a container port declaration. YAML scalars may be integers or
// strings ("8080", "8125/udp"); both decode to the string form.
type Port string

// UnmarshalYAML accepts integer and string scalars.
func (p *Port) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("port must be a scalar")
	}
	*p = Port(node.Value)
	return nil
}

// BuildSpec is the fully resolved, immutable configuration for one image
// build. It is created once per build invocation and read-only thereafter.
type BuildSpec struct {
	BaseImage string `yaml:"base_image" validate:"required"`

	// Dependency tiers. Base and runtime tiers land in every image; the
	// build tier only in the build image; project dependencies are the
	// application's own declared system packages.
	BaseDependencies    DependencySet `yaml:"base_dependencies"`
	BuildDependencies   DependencySet `yaml:"build_dependencies"`
	RuntimeDependencies DependencySet `yaml:"runtime_dependencies"`
	ProjectDependencies DependencySet `yaml:"project_dependencies"`

	Runtime       string       `yaml:"runtime" validate:"required"`
	PipConstraint string       `yaml:"pip_constraint,omitempty"`
	Repositories  []Repository `yaml:"repositories,omitempty" validate:"dive"`

	Volumes        []string `yaml:"volumes,omitempty"`
	Ports          []Port   `yaml:"ports,omitempty"`
	EntrypointName string   `yaml:"entrypoint_name" validate:"required"`

	ImagePrefix   string `yaml:"docker_image_prefix,omitempty"`
	ImageBaseName string `yaml:"image_base_name" validate:"required"`

	// Warnings collects non-fatal resolution findings (currently only the
	// missing constraint file case).
	Warnings []string `yaml:"-"`
}

// Canonical returns the canonical byte representation of the spec, used by
// determinism tests and the root-image cache key.
func (s *BuildSpec) Canonical() ([]byte, error) {
	return yaml.Marshal(s)
}

// InstallPackages returns the de-duplicated package list for one provisioning
// tier selection, preserving first-occurrence order across the base, extra
// and project tiers.
func dedupe(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// RootPackages is the package list for the root image: base tier plus the
// runtime tier's runtime variants, de-duplicated.
func (s *BuildSpec) RootPackages() []string {
	return dedupe(
		s.BaseDependencies.RuntimePackages(),
		s.RuntimeDependencies.RuntimePackages(),
	)
}

// BuildPackages is the package list for the build image: build tier plus the
// build-only variants of the runtime and project tiers, de-duplicated.
func (s *BuildSpec) BuildPackages() []string {
	return dedupe(
		s.BuildDependencies.BuildPackages(),
		s.RuntimeDependencies.BuildPackages(),
		s.ProjectDependencies.BuildPackages(),
	)
}

// RunnerPackages is the package list for the runner image: the runtime
// variants of the project tier, de-duplicated against nothing else since the
// runner starts from the root image which already carries base and runtime
// tiers.
func (s *BuildSpec) RunnerPackages() []string {
	return dedupe(s.ProjectDependencies.RuntimePackages())
}
