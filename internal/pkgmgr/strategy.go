package pkgmgr

import (
	"fmt"
	"strings"

	"bakery/internal/config"
)

// Strategy renders the OS-appropriate shell operations for repository
// registration, package installation and service-account creation. Rendering
// is pure: a strategy never touches the system it runs on.
type Strategy interface {
	Family() Family

	// InstallOps returns the ordered shell operations that register the
	// given repositories and install the de-duplicated package list.
	// An empty package list still registers repositories and refreshes
	// the package database so later stages find a consistent state.
	InstallOps(packages []string, repos []config.Repository) []string

	// ServiceAccountOps returns the shell operations creating the
	// unprivileged service account under which the application
	// installation phase runs.
	ServiceAccountOps(user, home string) []string
}

type debianStrategy struct{}

func (debianStrategy) Family() Family { return FamilyDebian }

// InstallOps disables recommends/suggests and doc bloat before the first
// install, registers each repository as a signing key plus one
// <name>.list source entry, then performs a single update/upgrade/install
// pass and cleans the apt cache.
func (debianStrategy) InstallOps(packages []string, repos []config.Repository) []string {
	ops := []string{
		`export DEBIAN_FRONTEND=noninteractive`,
		`printf '%s\n' 'APT::Install-Recommends "false";' 'APT::Install-Suggests "false";' > /etc/apt/apt.conf.d/90minimal`,
		`printf '%s\n' 'path-exclude /usr/share/doc/*' 'path-exclude /usr/share/man/*' > /etc/dpkg/dpkg.cfg.d/90minimal`,
	}
	for _, repo := range repos {
		if repo.Key != "" {
			ops = append(ops, heredoc(fmt.Sprintf("/etc/apt/trusted.gpg.d/%s.asc", repo.Name), repo.Key))
		}
		ops = append(ops, fmt.Sprintf("printf '%%s\\n' '%s' > /etc/apt/sources.list.d/%s.list", repo.URI, repo.Name))
	}
	ops = append(ops,
		`apt-get --quiet --yes update`,
		`apt-get --quiet --yes upgrade`,
	)
	if len(packages) > 0 {
		ops = append(ops, fmt.Sprintf("apt-get --quiet --yes install %s", strings.Join(packages, " ")))
	}
	ops = append(ops,
		`apt-get clean`,
		`rm -rf /var/lib/apt/lists/*`,
	)
	return ops
}

// ServiceAccountOps uses the long-option adduser form; the Debian and Alpine
// adduser implementations share no common option syntax.
func (debianStrategy) ServiceAccountOps(user, home string) []string {
	return []string{
		fmt.Sprintf("adduser --disabled-password --gecos '' --home %s %s", home, user),
	}
}

type alpineStrategy struct{}

func (alpineStrategy) Family() Family { return FamilyAlpine }

// InstallOps appends one tagged repository line per repository and performs
// upgrade/add in no-cache mode, so no separate clean step is needed.
func (alpineStrategy) InstallOps(packages []string, repos []config.Repository) []string {
	var ops []string
	for _, repo := range repos {
		if repo.Key != "" {
			ops = append(ops, heredoc(fmt.Sprintf("/etc/apk/keys/%s.rsa.pub", repo.Name), repo.Key))
		}
		ops = append(ops, fmt.Sprintf("echo '@%s %s' >> /etc/apk/repositories", repo.Name, repo.URI))
	}
	ops = append(ops, `apk upgrade --no-cache`)
	if len(packages) > 0 {
		ops = append(ops, fmt.Sprintf("apk add --no-cache %s", strings.Join(packages, " ")))
	}
	return ops
}

// ServiceAccountOps uses the short-option BusyBox adduser form.
func (alpineStrategy) ServiceAccountOps(user, home string) []string {
	return []string{
		fmt.Sprintf("adduser -D -h %s %s", home, user),
	}
}

// heredoc writes verbatim multi-line content (signing key material) to a
// file without shell interpolation.
func heredoc(path, content string) string {
	return fmt.Sprintf("cat > %s <<'BAKERY_EOF'\n%s\nBAKERY_EOF", path, strings.TrimRight(content, "\n"))
}
