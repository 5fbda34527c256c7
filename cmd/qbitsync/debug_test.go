package main

import (
	"bytes"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/qbit-ai/qbitsync/internal/appconfig"
)

func TestDebugConfigPrintsYAML(t *testing.T) {
	cfgPath := writeTestConfig(t)
	want := loadConfigFromPath(t, cfgPath)

	var out bytes.Buffer
	cmd := newDebugCmd()
	cmd.SetArgs([]string{"config", "-c", cfgPath})
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("debug config: %v", err)
	}

	var got appconfig.Config
	if err := yaml.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.StateDir != want.StateDir {
		t.Fatalf("state dir = %q, want %q", got.StateDir, want.StateDir)
	}
	if got.Auth.UserFile != want.Auth.UserFile {
		t.Fatalf("user file = %q, want %q", got.Auth.UserFile, want.Auth.UserFile)
	}
}

func TestDebugPathsRunsOnFreshConfig(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newDebugCmd()
	cmd.SetArgs([]string{"paths", "-c", cfgPath})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("debug paths: %v", err)
	}
}
