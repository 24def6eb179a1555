package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/pagpeter/redirector/pkg/types"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("redirector", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlagsRuleOrder(t *testing.T) {
	o, err := parseFlags(newFlagSet(), []string{
		"-prefix-append", "/docs=https://docs.example.com",
		"-exact", "/=https://home.example.com/?a=b",
		"-prefix", "/old=https://new.example.com",
		"-a", "-p", "-port", "8080",
		"https://example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []types.RuleSpec{
		{Mode: types.PrefixAppend, Pattern: "/docs", Target: "https://docs.example.com"},
		{Mode: types.Exact, Pattern: "/", Target: "https://home.example.com/?a=b"},
		{Mode: types.PrefixNoAppend, Pattern: "/old", Target: "https://new.example.com"},
	}
	if len(o.rules) != len(want) {
		t.Fatalf("got %d rules, want %d", len(o.rules), len(want))
	}
	for i := range want {
		if o.rules[i] != want[i] {
			t.Errorf("rule %d = %+v, want %+v", i, o.rules[i], want[i])
		}
	}
	if o.target != "https://example.com" {
		t.Errorf("target = %q", o.target)
	}
}

func TestApplyOverridesOnlySetFlags(t *testing.T) {
	cfg := &types.Config{}
	cfg.MakeDefault()
	cfg.Host = "10.0.0.1"
	cfg.Rules = []types.RuleSpec{{Mode: types.Exact, Pattern: "/x", Target: "https://x.example"}}

	o, err := parseFlags(newFlagSet(), []string{"-p", "-port", "8080"})
	if err != nil {
		t.Fatal(err)
	}
	o.apply(cfg)

	if !cfg.Permanent || cfg.HTTPPort != 8080 {
		t.Errorf("flags not applied: permanent=%v port=%d", cfg.Permanent, cfg.HTTPPort)
	}
	if cfg.Host != "10.0.0.1" {
		t.Errorf("host overridden to %q", cfg.Host)
	}
	if len(cfg.Rules) != 1 || cfg.Redirect != "https://example.com" {
		t.Errorf("config rules or target replaced: %+v %q", cfg.Rules, cfg.Redirect)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	tests := [][]string{
		{"-exact", "no-equals-sign"},
		{"https://a.example", "https://b.example"},
		{"-port", "http"},
	}
	for _, args := range tests {
		if _, err := parseFlags(newFlagSet(), args); err == nil {
			t.Errorf("parseFlags(%q) succeeded", args)
		}
	}
}

func TestOptionalServiceFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	if err := optional("sniffer", func() error { return errors.New("libpcap not available") })(); err != nil {
		t.Errorf("failed side service returned %v", err)
	}
	if !strings.Contains(buf.String(), "sniffer stopped: libpcap not available") {
		t.Errorf("log = %q", buf.String())
	}

	buf.Reset()
	if err := optional("metrics", func() error { return context.Canceled })(); err != nil || buf.Len() != 0 {
		t.Errorf("cancelled service returned %v, logged %q", err, buf.String())
	}
}
