package appconfig

import "testing"

func TestDefaultConfigTranscriptsOptIn(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Transcripts.Enabled {
		t.Fatalf("expected transcripts to default off")
	}
	if cfg.Transcripts.KeyFile == "" || cfg.Transcripts.Dir == "" {
		t.Fatalf("expected transcript paths to default non-empty")
	}
}
