package main

import (
	"testing"
)

func TestArgv0Alias(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{name: "agent-mock", base: "agent-mock", want: "agent-mock"},
		{name: "qbit-agent-mock", base: "qbit-agent-mock", want: "agent-mock"},
		{name: "qbitsync", base: "qbitsync", want: ""},
	}
	for _, tc := range tests {
		if got := argv0Alias(tc.base); got != tc.want {
			t.Fatalf("%s: argv0Alias(%q) = %q, want %q", tc.name, tc.base, got, tc.want)
		}
	}
}

func TestApplyArgv0Alias(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "empty", args: nil, want: nil},
		{name: "no-alias", args: []string{"qbitsync", "serve"}, want: []string{"qbitsync", "serve"}},
		{name: "agent-mock", args: []string{"agent-mock", "--scenario", "text"}, want: []string{"agent-mock", "agent-mock", "--scenario", "text"}},
		{name: "qbit-agent-mock", args: []string{"/usr/local/bin/qbit-agent-mock"}, want: []string{"/usr/local/bin/qbit-agent-mock", "agent-mock"}},
	}
	for _, tc := range tests {
		got := applyArgv0Alias(tc.args)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: applyArgv0Alias length = %d, want %d", tc.name, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: applyArgv0Alias[%d] = %q, want %q", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestIsAgentMockInvocation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want bool
	}{
		{name: "agent-mock", args: []string{"qbitsync", "agent-mock"}, want: true},
		{name: "serve", args: []string{"qbitsync", "serve"}, want: false},
		{name: "empty", args: nil, want: false},
	}
	for _, tc := range tests {
		if got := isAgentMockInvocation(tc.args); got != tc.want {
			t.Fatalf("%s: isAgentMockInvocation(%v) = %v, want %v", tc.name, tc.args, got, tc.want)
		}
	}
}

func TestRootHasServe(t *testing.T) {
	root := newRootCmd()
	found := false
	for _, cmd := range root.Commands() {
		if cmd.Name() == "serve" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected root command to include serve")
	}
}

func TestRootHasAgentMock(t *testing.T) {
	root := newRootCmd()
	found := false
	for _, cmd := range root.Commands() {
		if cmd.Name() == "agent-mock" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected root command to include agent-mock")
	}
}

func TestRootHasVersion(t *testing.T) {
	root := newRootCmd()
	found := false
	for _, cmd := range root.Commands() {
		if cmd.Name() == "version" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected root command to include version")
	}
}

func TestRootHasDoctor(t *testing.T) {
	root := newRootCmd()
	found := false
	for _, cmd := range root.Commands() {
		if cmd.Name() == "doctor" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected root command to include doctor")
	}
}

func TestRootHasDebug(t *testing.T) {
	root := newRootCmd()
	found := false
	for _, cmd := range root.Commands() {
		if cmd.Name() == "debug" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected root command to include debug")
	}
}

func TestRootHasUsers(t *testing.T) {
	root := newRootCmd()
	found := false
	for _, cmd := range root.Commands() {
		if cmd.Name() == "users" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected root command to include users")
	}
}
