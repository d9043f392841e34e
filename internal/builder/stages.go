package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"bakery/internal/config"
)

// Stage is one state of the image build pipeline. Stages run strictly
// sequentially, are never re-entered and are never retried.
type Stage string

const (
	StageRootImage       Stage = "RootImage"
	StageBuildImage      Stage = "BuildImage"
	StageExtractArtifact Stage = "ExtractArtifact"
	StageRunnerImage     Stage = "RunnerImage"
	StageDone            Stage = "Done"
	StageFailed          Stage = "Failed"
)

// nextStage returns the successor of a non-terminal stage.
func nextStage(s Stage) Stage {
	switch s {
	case StageRootImage:
		return StageBuildImage
	case StageBuildImage:
		return StageExtractArtifact
	case StageExtractArtifact:
		return StageRunnerImage
	case StageRunnerImage:
		return StageDone
	default:
		return StageFailed
	}
}

// rootCacheKey derives the root-image cache key from everything that feeds
// the root provisioning script: base image, the de-duplicated root package
// tier and the repository set. Identical inputs yield an identical key, so
// unchanged root images are reused across builds.
func rootCacheKey(spec *config.BuildSpec) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(spec.BaseImage)
	write(spec.RootPackages()...)
	for _, repo := range spec.Repositories {
		write(repo.Name, repo.URI, repo.Key)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func prefixed(spec *config.BuildSpec, name string) string {
	if spec.ImagePrefix != "" {
		return spec.ImagePrefix + "/" + name
	}
	return name
}

// rootImageTag is content-addressed so it doubles as the cache key.
func rootImageTag(spec *config.BuildSpec) string {
	return prefixed(spec, spec.ImageBaseName+"-root:"+rootCacheKey(spec))
}

func buildImageTag(spec *config.BuildSpec, release string) string {
	return prefixed(spec, spec.ImageBaseName+"-build:"+sanitizeTag(release))
}

// IsPrefixedImage reports whether an image name carries a registry or
// account prefix and can therefore be pushed somewhere meaningful.
func IsPrefixedImage(name string) bool {
	return strings.Contains(name, "/")
}

// sanitizeTag collapses characters docker tags reject into single dashes,
// mirroring the tag derivation of the resolved configuration.
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
