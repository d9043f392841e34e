package provision

import (
	"fmt"
	"sort"
	"strings"

	bkerrors "bakery/internal/errors"
)

// Handoff is the record passed from the root phase to the unprivileged phase
// through the scratch directory. On disk it is line-oriented "key:value";
// values are split on the first colon only, so embedded colons survive.
type Handoff struct {
	// Runtime is the resolved runtime identifier (e.g. "python3.12").
	Runtime string
	// Release is the package release specifier being installed
	// (e.g. "myapp==1.4.2").
	Release string
	// Extra carries any additional key:value pairs.
	Extra map[string]string
}

// Marshal serializes the record; required keys first, extras sorted.
func (h Handoff) Marshal() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "runtime:%s\n", h.Runtime)
	fmt.Fprintf(&b, "release:%s\n", h.Release)
	keys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%s\n", k, h.Extra[k])
	}
	return []byte(b.String())
}

// ParseHandoff decodes a handoff record. Missing required keys are a
// handoff failure.
func ParseHandoff(data []byte) (Handoff, error) {
	h := Handoff{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return Handoff{}, bkerrors.Newf(bkerrors.ErrorCodePrivilegeHandoffFailed,
				"malformed handoff line %q", line)
		}
		switch key {
		case "runtime":
			h.Runtime = value
		case "release":
			h.Release = value
		default:
			if h.Extra == nil {
				h.Extra = make(map[string]string)
			}
			h.Extra[key] = value
		}
	}
	if h.Runtime == "" || h.Release == "" {
		return Handoff{}, bkerrors.New(bkerrors.ErrorCodePrivilegeHandoffFailed,
			"handoff record is missing runtime or release")
	}
	return h, nil
}
