package feature

import (
	"path"
	"strings"
)

// Indicators is the deterministic high-signal rule set shared by the
// extractor and the scorer: actions match exactly, path patterns match
// as substrings, and patterns containing a glob match the path
// basename.
type Indicators struct {
	Actions []string
	Paths   []string
}

func DefaultIndicators() Indicators {
	return Indicators{
		Actions: []string{"git_push", "cred_access"},
		Paths:   []string{".env", "secrets.yml", "credentials", "private.key", "kubeconfig-*"},
	}
}

func (ind Indicators) Match(action, targetPath string) bool {
	action = strings.ToLower(strings.TrimSpace(action))
	for _, a := range ind.Actions {
		if action == a {
			return true
		}
	}
	lp := strings.ToLower(targetPath)
	base := path.Base(lp)
	for _, p := range ind.Paths {
		p = strings.ToLower(p)
		if strings.ContainsAny(p, "*?[") {
			if ok, err := path.Match(p, base); err == nil && ok {
				return true
			}
			continue
		}
		if strings.Contains(lp, p) {
			return true
		}
	}
	return false
}
