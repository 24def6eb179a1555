package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/pagpeter/redirector/pkg/types"
	"golang.org/x/net/idna"
)

var (
	ErrEmptyPattern  = errors.New("rule pattern is empty")
	ErrPatternSlash  = errors.New("rule pattern must start with '/'")
	ErrInvalidTarget = errors.New("invalid redirect target")
)

// NormalizeTarget validates a redirect URL and returns it with an ASCII
// (punycode) host, so it can be sent verbatim in a Location header.
func NormalizeTarget(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidTarget, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w %q: scheme must be http or https", ErrInvalidTarget, raw)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w %q: missing host", ErrInvalidTarget, raw)
	}

	if ip := net.ParseIP(host); ip == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrInvalidTarget, raw, err)
		}
		host = ascii
	} else if ip.To4() == nil {
		host = "[" + host + "]"
	}

	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	} else {
		u.Host = host
	}
	return u.String(), nil
}

// NewRule validates spec and converts it into a table entry.
func NewRule(spec types.RuleSpec) (Rule, error) {
	if spec.Pattern == "" {
		return Rule{}, ErrEmptyPattern
	}
	if spec.Pattern[0] != '/' {
		return Rule{}, fmt.Errorf("%w: %q", ErrPatternSlash, spec.Pattern)
	}
	switch spec.Mode {
	case types.Exact, types.PrefixNoAppend, types.PrefixAppend:
	default:
		return Rule{}, fmt.Errorf("rule %q: unknown mode %v", spec.Pattern, spec.Mode)
	}
	target, err := NormalizeTarget(spec.Target)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", spec.Pattern, err)
	}
	return Rule{
		Pattern: []byte(spec.Pattern),
		Target:  []byte(target),
		Mode:    spec.Mode,
	}, nil
}

// ParseRule reads the command line form PATTERN=URL. The pattern ends at the
// first '=', so it cannot contain one; the URL can.
func ParseRule(mode types.MatchMode, s string) (types.RuleSpec, error) {
	pattern, target, ok := strings.Cut(s, "=")
	if !ok {
		return types.RuleSpec{}, fmt.Errorf("rule %q: expected PATTERN=URL", s)
	}
	return types.RuleSpec{Mode: mode, Pattern: pattern, Target: target}, nil
}

// BuildRouter validates the configured default target and rules, keeping
// their order.
func BuildRouter(cfg *types.Config) (*Router, error) {
	def, err := NormalizeTarget(cfg.Redirect)
	if err != nil {
		return nil, fmt.Errorf("default target: %w", err)
	}
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, spec := range cfg.Rules {
		r, err := NewRule(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		rules = append(rules, r)
	}
	return NewRouter(rules, def, cfg.AppendPath), nil
}
