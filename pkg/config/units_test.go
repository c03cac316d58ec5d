package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"10s", 10 * time.Second, false},
		{"1m", 1 * time.Minute, false},
		{"1.5h", 90 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"1w", 168 * time.Hour, false},
		{"2d2h", 50 * time.Hour, false},
		{"100ms", 100 * time.Millisecond, false},
		{"", 0, false},
		{"invalid", 0, true},
		{"1dx", 0, true},
		{"d1", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestDurationYAML(t *testing.T) {
	type holder struct {
		TTL   Duration `yaml:"ttl"`
		Sweep Duration `yaml:"sweep"`
	}

	yamlData := `
ttl: 2d
sweep: 30
`
	var h holder
	if err := yaml.Unmarshal([]byte(yamlData), &h); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if h.TTL.Std() != 48*time.Hour {
		t.Errorf("Expected 48h, got %v", h.TTL.Std())
	}
	if h.Sweep.Std() != 30*time.Second {
		t.Errorf("Expected bare integer as seconds (30s), got %v", h.Sweep.Std())
	}

	out, err := yaml.Marshal(holder{TTL: Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back holder
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal of marshalled value failed: %v", err)
	}
	if back.TTL.Std() != 90*time.Second {
		t.Errorf("Expected 90s after marshal/unmarshal, got %v", back.TTL.Std())
	}
}
