package pkgmgr

import (
	"strings"

	bkerrors "bakery/internal/errors"
)

// Family identifies an OS package-manager family. It is resolved once per
// build by probing the base image and threaded through as a value; rendered
// scripts never re-probe.
type Family string

const (
	FamilyDebian  Family = "debian"
	FamilyAlpine  Family = "alpine"
	FamilyUnknown Family = "unknown"
)

// DetectScript is the probe executed in a throwaway container on the base
// image. It prints the family name, or nothing when neither tool family is
// present.
const DetectScript = `if command -v apt-get >/dev/null 2>&1; then echo debian; elif command -v apk >/dev/null 2>&1; then echo alpine; fi`

// ParseFamily interprets the probe output. An empty or unrecognized result
// is fatal: the base image cannot be provisioned.
func ParseFamily(probeOutput string) (Family, error) {
	switch Family(strings.TrimSpace(probeOutput)) {
	case FamilyDebian:
		return FamilyDebian, nil
	case FamilyAlpine:
		return FamilyAlpine, nil
	default:
		return FamilyUnknown, bkerrors.New(bkerrors.ErrorCodeUnsupportedDistro,
			"base image has neither apt nor apk")
	}
}

// StrategyFor returns the provisioning strategy for a detected family.
func StrategyFor(family Family) (Strategy, error) {
	switch family {
	case FamilyDebian:
		return debianStrategy{}, nil
	case FamilyAlpine:
		return alpineStrategy{}, nil
	default:
		return nil, bkerrors.Newf(bkerrors.ErrorCodeUnsupportedDistro, "no strategy for family %q", family)
	}
}
