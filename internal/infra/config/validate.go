package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"llmshell/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateWorker(cfg, ve)
	validateController(cfg, ve)
	validateREST(cfg, ve)
	validateModels(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateDiscovery(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	if cfg.Engine.Device == "" {
		ve.Add("engine.device must not be empty")
	}
	if cfg.Engine.DecodeRate < 0 {
		ve.Add("engine.decode_rate must be >= 0")
	}
	if cfg.Engine.LoadSteps <= 0 {
		ve.Add("engine.load_steps must be > 0")
	}
	if cfg.Engine.LoadStepDelay < 0 {
		ve.Add("engine.load_step_delay must be >= 0")
	}
}

var validWorkerModes = map[string]bool{
	"inproc": true,
	"spawn":  true,
	"ws":     true,
	"grpc":   true,
}

var validTransports = map[string]bool{
	"ws":   true,
	"grpc": true,
}

func validateWorker(cfg *Config, ve *ValidationError) {
	w := cfg.Worker
	if !validWorkerModes[w.Mode] {
		ve.Add("worker.mode %q is invalid (want: inproc, spawn, ws, grpc)", w.Mode)
	}
	if (w.Mode == "ws" || w.Mode == "grpc") && w.Address == "" {
		ve.Add("worker.address is required when worker.mode is %q", w.Mode)
	}
	if !validTransports[w.Transport] {
		ve.Add("worker.transport %q is invalid (want: ws, grpc)", w.Transport)
	}
	if w.Listen != "" {
		if _, _, err := net.SplitHostPort(w.Listen); err != nil {
			ve.Add("worker.listen %q is not a valid host:port", w.Listen)
		}
	}
	if w.DialTimeout <= 0 {
		ve.Add("worker.dial_timeout must be > 0")
	}
	if w.MaxMessageBytes <= 0 {
		ve.Add("worker.max_message_bytes must be > 0")
	}
	if w.ConnectPerMin <= 0 || w.ConnectBurst <= 0 {
		ve.Add("worker.connect_per_min and worker.connect_burst must be > 0")
	}
}

func validateController(cfg *Config, ve *ValidationError) {
	c := cfg.Controller
	if c.Policy != "queue" && c.Policy != "reject" {
		ve.Add("controller.policy %q is invalid (want: queue, reject)", c.Policy)
	}
	if c.StreamInterval < 0 {
		ve.Add("controller.stream_interval must be >= 0")
	}
	if c.DefaultModel != "" && c.DefaultModel != domain.LocalServerModel {
		if _, ok := cfg.Models.FindModel(c.DefaultModel); !ok {
			ve.Add("controller.default_model %q is not in the model list", c.DefaultModel)
		}
	}
	if c.StatsSchedule != "" {
		if _, err := cron.ParseStandard(c.StatsSchedule); err != nil {
			if d, derr := time.ParseDuration(c.StatsSchedule); derr != nil || d <= 0 {
				ve.Add("controller.stats_schedule %q is neither a cron expression nor a positive duration", c.StatsSchedule)
			}
		}
	}
	if c.ShutdownTimeout <= 0 {
		ve.Add("controller.shutdown_timeout must be > 0")
	}
}

func validateREST(cfg *Config, ve *ValidationError) {
	r := cfg.REST
	if r.BaseURL == "" {
		return
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("rest.base_url %q must be an absolute http(s) URL", r.BaseURL)
	}
	if r.Timeout <= 0 {
		ve.Add("rest.timeout must be > 0")
	}
	if r.Breaker.MaxFailures == 0 {
		ve.Add("rest.breaker.max_failures must be > 0")
	}
}

func validateModels(cfg *Config, ve *ValidationError) {
	if len(cfg.Models.ModelList) == 0 {
		ve.Add("models.model_list must not be empty")
		return
	}
	seen := make(map[string]bool)
	for i, m := range cfg.Models.ModelList {
		if m.LocalID == "" {
			ve.Add("models.model_list[%d].local_id must not be empty", i)
			continue
		}
		if m.LocalID == domain.LocalServerModel {
			ve.Add("models.model_list[%d]: %q is reserved", i, m.LocalID)
		}
		if seen[m.LocalID] {
			ve.Add("models.model_list[%d]: duplicate local_id %q", i, m.LocalID)
		}
		seen[m.LocalID] = true
		if m.ModelURL == "" {
			ve.Add("models.model_list[%d].model_url must not be empty", i)
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if !cfg.Discovery.Enabled && !cfg.Worker.Advertise {
		return
	}
	if !strings.HasPrefix(cfg.Discovery.Service, "_") || !strings.Contains(cfg.Discovery.Service, "._") {
		ve.Add("discovery.service %q must look like _name._tcp", cfg.Discovery.Service)
	}
	if cfg.Discovery.ScanTimeout <= 0 {
		ve.Add("discovery.scan_timeout must be > 0")
	}
}
