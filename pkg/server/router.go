package server

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pagpeter/redirector/pkg/types"
)

func Log(msg string) {
	t := time.Now()
	formatted := t.Format("2006-01-02 15:04:05")
	fmt.Printf("[%v] %v\n", formatted, msg)
}

// Rule is one validated entry of the match table.
type Rule struct {
	Pattern []byte
	Target  []byte
	Mode    types.MatchMode
}

func (r *Rule) match(path []byte) (suffix int, ok bool) {
	switch r.Mode {
	case types.Exact:
		if len(path) == len(r.Pattern) && bytes.Equal(path, r.Pattern) {
			return len(path), true
		}
	case types.PrefixNoAppend, types.PrefixAppend:
		if len(r.Pattern) < len(path) && bytes.HasPrefix(path, r.Pattern) {
			if r.Mode == types.PrefixAppend {
				return len(r.Pattern), true
			}
			return len(path), true
		}
	}
	return 0, false
}

// Router is the ordered path match table. Rules are tried in declaration
// order and the first match wins. It is never modified after NewRouter, so a
// single Router is shared by every connection without locking.
type Router struct {
	rules         []Rule
	defaultTarget []byte
	appendDefault bool
}

func NewRouter(rules []Rule, defaultTarget string, appendDefault bool) *Router {
	return &Router{
		rules:         append([]Rule(nil), rules...),
		defaultTarget: []byte(defaultTarget),
		appendDefault: appendDefault,
	}
}

// Lookup returns the target of the first rule matching path and the offset
// in path where the appended suffix starts. For rules that do not append,
// suffixStart is len(path).
func (rt *Router) Lookup(path []byte) (target []byte, suffixStart int, ok bool) {
	if len(path) == 0 {
		return nil, 0, false
	}
	for i := range rt.rules {
		if s, ok := rt.rules[i].match(path); ok {
			return rt.rules[i].Target, s, true
		}
	}
	return nil, 0, false
}

// Resolve maps path to the Location value as a target and suffix pair.
// Both slices are borrowed: target from the table, suffix from path.
func (rt *Router) Resolve(path []byte) (target, suffix []byte) {
	if t, s, ok := rt.Lookup(path); ok {
		return t, path[s:]
	}
	if rt.appendDefault {
		return rt.defaultTarget, path
	}
	return rt.defaultTarget, nil
}

func (rt *Router) Rules() []Rule { return rt.rules }

func (rt *Router) DefaultTarget() string { return string(rt.defaultTarget) }

func (rt *Router) AppendDefault() bool { return rt.appendDefault }
