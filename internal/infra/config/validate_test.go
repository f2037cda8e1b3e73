package config

import (
	"strings"
	"testing"

	"llmshell/internal/domain"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Validate(Defaults()): %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty device", func(c *Config) { c.Engine.Device = "" }, "engine.device"},
		{"negative decode rate", func(c *Config) { c.Engine.DecodeRate = -1 }, "engine.decode_rate"},
		{"zero load steps", func(c *Config) { c.Engine.LoadSteps = 0 }, "engine.load_steps"},
		{"bad worker mode", func(c *Config) { c.Worker.Mode = "carrier-pigeon" }, "worker.mode"},
		{"remote without address", func(c *Config) { c.Worker.Mode = "grpc" }, "worker.address"},
		{"bad transport", func(c *Config) { c.Worker.Transport = "udp" }, "worker.transport"},
		{"bad listen", func(c *Config) { c.Worker.Listen = "8791" }, "worker.listen"},
		{"bad policy", func(c *Config) { c.Controller.Policy = "drop" }, "controller.policy"},
		{"negative stream interval", func(c *Config) { c.Controller.StreamInterval = -2 }, "controller.stream_interval"},
		{"unknown default model", func(c *Config) { c.Controller.DefaultModel = "ghost" }, "controller.default_model"},
		{"bad cron", func(c *Config) { c.Controller.StatsSchedule = "every now and then" }, "controller.stats_schedule"},
		{"relative rest url", func(c *Config) { c.REST.BaseURL = "localhost:8000" }, "rest.base_url"},
		{"empty model list", func(c *Config) { c.Models.ModelList = nil }, "models.model_list"},
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"bad exporter", func(c *Config) { c.Tracer.Enabled = true; c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
		{"bad service", func(c *Config) { c.Discovery.Enabled = true; c.Discovery.Service = "llmshell" }, "discovery.service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidateLocalServerDefaultModel(t *testing.T) {
	cfg := Defaults()
	cfg.Controller.DefaultModel = domain.LocalServerModel
	if err := Validate(cfg); err != nil {
		t.Errorf("Local Server should be accepted as default model: %v", err)
	}
}

func TestValidateModelList(t *testing.T) {
	cfg := Defaults()
	cfg.Controller.DefaultModel = ""
	cfg.Models.ModelList = []domain.ModelRecord{
		{ModelURL: "u1", LocalID: "a"},
		{ModelURL: "u2", LocalID: "a"},
		{ModelURL: "", LocalID: "b"},
		{ModelURL: "u3", LocalID: domain.LocalServerModel},
	}
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("Errors = %v, want 3 entries", ve.Errors)
	}
}

func TestValidationErrorAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Controller.Policy = "drop"
	cfg.Logger.Format = "xml"
	cfg.Engine.LoadSteps = 0

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if !ve.HasErrors() || len(ve.Errors) != 3 {
		t.Errorf("Errors = %v, want 3 entries", ve.Errors)
	}
	if !strings.HasPrefix(ve.Error(), "config validation failed:") {
		t.Errorf("Error() = %q", ve.Error())
	}
}

func TestValidateStatsSchedule(t *testing.T) {
	for _, sched := range []string{"", "*/5 * * * *", "@every 1m", "30s"} {
		cfg := Defaults()
		cfg.Controller.StatsSchedule = sched
		if err := Validate(cfg); err != nil {
			t.Errorf("stats_schedule %q: %v", sched, err)
		}
	}
	cfg := Defaults()
	cfg.Controller.StatsSchedule = "-10s"
	if err := Validate(cfg); err == nil {
		t.Error("negative duration should be rejected")
	}
}
