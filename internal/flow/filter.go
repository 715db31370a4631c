package flow

import (
	"regexp"

	"github.com/opensandbox/proclist/pkg/types"
)

// PathMatch reports whether exe satisfies re. A nil pattern matches everything.
func PathMatch(re *regexp.Regexp, exe string) bool {
	if re == nil {
		return true
	}
	return re.MatchString(exe)
}

// ConnectionStateMatch reports whether any of the process's connections is in
// one of the wanted states. An empty wanted set matches everything.
func ConnectionStateMatch(wanted map[types.ConnectionState]struct{}, p types.Process) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, c := range p.Connections {
		if _, ok := wanted[c.State]; ok {
			return true
		}
	}
	return false
}
