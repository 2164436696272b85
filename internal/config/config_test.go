package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hireline/internal/domain"
)

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: ":9090"
dispatcher:
  mode: http
  callback_url: https://adapter.example.com/outbound
pipeline:
  min_commitment_months: 3
  attempt_bounds:
    commitment_check: 2
  form_link: https://forms.gle/abc123
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Errorf("base path default lost: %q", cfg.Server.BasePath)
	}
	if cfg.Pipeline.MinCommitmentMonths != 3 {
		t.Errorf("min commitment = %d", cfg.Pipeline.MinCommitmentMonths)
	}
	if got := cfg.Pipeline.AttemptBound(domain.StepCommitmentCheck); got != 2 {
		t.Errorf("commitment bound = %d", got)
	}
	if got := cfg.Pipeline.AttemptBound(domain.StepConfirmIntent); got != 0 {
		t.Errorf("unset bound should be unlimited, got %d", got)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown step bound",
			yaml: "pipeline:\n  attempt_bounds:\n    not_a_step: 3\n",
			want: "unknown step",
		},
		{
			name: "negative bound",
			yaml: "pipeline:\n  attempt_bounds:\n    request_resume: -1\n",
			want: "must not be negative",
		},
		{
			name: "bad dispatcher mode",
			yaml: "dispatcher:\n  mode: carrier_pigeon\n",
			want: "dispatcher.mode",
		},
		{
			name: "http without callback",
			yaml: "dispatcher:\n  mode: http\n",
			want: "callback_url",
		},
		{
			name: "bad extractor provider",
			yaml: "extractor:\n  provider: oracle\n",
			want: "extractor.provider",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := FromYAML([]byte(c.yaml))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want substring %q", err, c.want)
			}
		})
	}
}

func TestGeminiProviderNeedsKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := FromYAML([]byte("extractor:\n  provider: gemini\n")); err == nil {
		t.Fatal("gemini without key must fail validation")
	}
	if _, err := FromYAML([]byte("extractor:\n  provider: gemini\n  gemini:\n    api_key: k\n")); err != nil {
		t.Fatalf("gemini with key: %v", err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Extractor.Provider != "rules" {
		t.Fatalf("default provider = %q", cfg.Extractor.Provider)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	content := "pipeline:\n  office_directions: Level 3, ask for HR.\n"
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.OfficeDirections != "Level 3, ask for HR." {
		t.Fatalf("office directions = %q", cfg.Pipeline.OfficeDirections)
	}
}
