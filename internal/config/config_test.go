package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path() != filepath.Join(dir, DefaultConfigFile) {
		t.Fatalf("path = %s", cfg.Path())
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.GetNetwork().Port != DefaultPort {
		t.Fatalf("port = %d", cfg.GetNetwork().Port)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"network": {"port": 4000}, "replication": {"tick_rate_hz": 30}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	n := cfg.GetNetwork()
	if n.Port != 4000 {
		t.Fatalf("port = %d, want 4000", n.Port)
	}
	if n.MaxConnections != 32 {
		t.Fatalf("max connections = %d, want default 32", n.MaxConnections)
	}
	if cfg.GetReplication().TickInterval() != time.Second/30 {
		t.Fatalf("tick interval = %v", cfg.GetReplication().TickInterval())
	}

	// The re-save persists the defaults that were missing from the file.
	data, _ := os.ReadFile(cfg.Path())
	var back map[string]map[string]interface{}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if _, ok := back["network"]["resend_interval_ms"]; !ok {
		t.Fatal("missing default field was not persisted")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTransportConversion(t *testing.T) {
	tc := DefaultConfig().Network.Transport()
	if tc.ResendInterval != 100*time.Millisecond || tc.LosingConnectionTimeout != 10*time.Second {
		t.Fatalf("transport config = %+v", tc)
	}
	if tc.IntakeQueueSize != 256 {
		t.Fatalf("intake queue = %d", tc.IntakeQueueSize)
	}
}

func TestUpdateNetworkField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateNetworkField("max_connections", 8); err != nil {
		t.Fatal(err)
	}
	if cfg.GetNetwork().MaxConnections != 8 {
		t.Fatalf("max connections = %d", cfg.GetNetwork().MaxConnections)
	}
	if err := cfg.UpdateNetworkField("nope", 1); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	if r := Validate(DefaultConfig()); !r.IsValid() || len(r.Warnings) != 0 {
		t.Fatalf("default config: errors %v warnings %v", r.Errors, r.Warnings)
	}

	tests := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{"port", func(c *Config) { c.Network.Port = 70000 }, "network.port"},
		{"connections", func(c *Config) { c.Network.MaxConnections = 0 }, "network.max_connections"},
		{"timeout ordering", func(c *Config) { c.Network.LosingConnectionTimeoutMs = 50 }, "network.losing_connection_timeout_ms"},
		{"tick rate", func(c *Config) { c.Replication.TickRateHz = 0 }, "replication.tick_rate_hz"},
		{"entities", func(c *Config) { c.Replication.MaxEntities = 70000 }, "replication.max_entities"},
		{"mqtt broker", func(c *Config) { c.ApplicationData.MQTT.Enabled = true }, "application_data.mqtt.broker_url"},
		{"journal path", func(c *Config) { c.ApplicationData.Journal.Path = " " }, "application_data.journal.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(cfg)
			r := Validate(cfg)
			for _, e := range r.Errors {
				if e.Field == tt.field {
					return
				}
			}
			t.Fatalf("no error for %s in %v", tt.field, r.Errors)
		})
	}
}

func TestValidateWarnsOnPrivilegedPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.Port = 80
	r := Validate(cfg)
	if !r.IsValid() || len(r.Warnings) != 1 || r.Warnings[0].Field != "network.port" {
		t.Fatalf("errors %v warnings %v", r.Errors, r.Warnings)
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	in := strings.NewReader("4000\n\n60\nabc\nno\n\n")
	var out bytes.Buffer
	if err := RunSetupWizard(cfg, in, &out); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}
	if cfg.Network.Port != 4000 || cfg.Network.MaxConnections != 32 || cfg.Replication.TickRateHz != 60 {
		t.Fatalf("network %+v replication %+v", cfg.Network, cfg.Replication)
	}
	if cfg.Replication.InterpolationMs != 100 {
		t.Fatalf("invalid number should keep the default, got %d", cfg.Replication.InterpolationMs)
	}
	if cfg.ApplicationData.API.Enabled {
		t.Fatal("api should be disabled")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("config not saved: %v", err)
	}
}

func TestSetupWizardRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	in := strings.NewReader("0\n\n\n\n\n\n")
	var out bytes.Buffer
	if err := RunSetupWizard(cfg, in, &out); err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out.String(), "network.port") {
		t.Fatalf("output does not name the field:\n%s", out.String())
	}
}

func TestValidateWarnsOnControlLimit(t *testing.T) {
	for _, rps := range []int{0, 500} {
		cfg := DefaultConfig()
		cfg.ApplicationData.API.ControlRateLimitRPS = rps
		r := Validate(cfg)
		if !r.IsValid() || len(r.Warnings) != 1 || r.Warnings[0].Field != "application_data.api.control_rate_limit_rps" {
			t.Fatalf("control limit %d: errors %v warnings %v", rps, r.Errors, r.Warnings)
		}
	}
}
