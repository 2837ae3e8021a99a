package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/situkun123/stock-assistant/internal/config"
)

func TestConfigYAML_LoadsAndValidates(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load embedded config: %v", err)
	}
	if !cfg.OpenAI.Configured() {
		t.Error("api_key not expanded from environment")
	}
	if !cfg.Audit.Enabled {
		t.Error("audit disabled in starter config")
	}
	if cfg.Audit.MQTT.Configured() {
		t.Error("starter config should not enable MQTT")
	}
	want := config.Default()
	if cfg.Agent != want.Agent || cfg.Tools != want.Tools || cfg.Market != want.Market {
		t.Errorf("starter config drifted from defaults:\n got %+v %+v %+v\nwant %+v %+v %+v",
			cfg.Agent, cfg.Tools, cfg.Market, want.Agent, want.Tools, want.Market)
	}
}

func TestEnvExample(t *testing.T) {
	if len(EnvExample) == 0 {
		t.Fatal("env.example is empty")
	}
}
