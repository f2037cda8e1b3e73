package main

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
)

func writeTestFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0600)
}

func TestCheckConfigFile_Missing(t *testing.T) {
	fn := checkConfigFile("/nonexistent/path/config.yaml", nil)
	result := fn(config.Defaults())
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion for missing config")
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	fn := checkConfigFile("config.yaml", &config.ValidationError{Errors: []string{"worker.mode: bad"}})
	result := fn(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "worker.mode") {
		t.Errorf("message should carry the error, got %q", result.Message)
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeTestFile(t, cfgPath, "worker:\n  mode: inproc\n"); err != nil {
		t.Fatal(err)
	}

	result := checkConfigFile(cfgPath, nil)(config.Defaults())
	if result.Status != StatusPass {
		t.Errorf("expected PASS for valid config, got %s: %s", result.Status, result.Message)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	checks := map[string]func(*config.Config) CheckResult{
		"models":       checkModels,
		"features":     checkFeatures,
		"worker":       checkWorker,
		"local server": checkLocalServer,
		"discovery":    checkDiscovery,
		"log output":   checkLogOutput,
	}
	for name, fn := range checks {
		if got := fn(nil).Status; got != StatusFail {
			t.Errorf("%s: expected FAIL for nil config, got %s", name, got)
		}
	}
}

func TestCheckModels(t *testing.T) {
	cfg := config.Defaults()
	if result := checkModels(cfg); result.Status != StatusPass {
		t.Errorf("defaults: expected PASS, got %s: %s", result.Status, result.Message)
	}

	cfg.Controller.DefaultModel = "missing-model"
	result := checkModels(cfg)
	if result.Status != StatusFail {
		t.Errorf("unknown default: expected FAIL, got %s", result.Status)
	}
	if !strings.Contains(result.Fix, "RedPajama-INCITE-Chat-3B-v1-q4f32_1") {
		t.Errorf("fix should list the catalogue, got %q", result.Fix)
	}

	cfg.Controller.DefaultModel = domain.LocalServerModel
	if result := checkModels(cfg); result.Status != StatusPass {
		t.Errorf("Local Server default: expected PASS, got %s", result.Status)
	}

	cfg.Models = domain.AppConfig{}
	if result := checkModels(cfg); result.Status != StatusFail {
		t.Errorf("empty catalogue: expected FAIL, got %s", result.Status)
	}
}

func TestCheckFeatures(t *testing.T) {
	cfg := config.Defaults()
	result := checkFeatures(cfg)
	if result.Status != StatusWarn {
		t.Fatalf("expected WARN without shader-f16, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "Llama-2-7b-chat-hf-q4f16_1") {
		t.Errorf("message should name the model, got %q", result.Message)
	}

	cfg.Engine.Features = []string{"shader-f16"}
	if result := checkFeatures(cfg); result.Status != StatusPass {
		t.Errorf("expected PASS with shader-f16, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckWorker_Modes(t *testing.T) {
	cfg := config.Defaults()

	cfg.Worker.Mode = "inproc"
	if result := checkWorker(cfg); result.Status != StatusPass {
		t.Errorf("inproc: expected PASS, got %s", result.Status)
	}

	cfg.Worker.Mode = "spawn"
	cfg.Worker.Command = nil
	if result := checkWorker(cfg); result.Status != StatusPass {
		t.Errorf("spawn self: expected PASS, got %s", result.Status)
	}

	cfg.Worker.Command = []string{"definitely-not-a-real-binary-xyz"}
	if result := checkWorker(cfg); result.Status != StatusFail {
		t.Errorf("missing command: expected FAIL, got %s", result.Status)
	}

	cfg.Worker.Mode = "grpc"
	cfg.Worker.Address = ""
	if result := checkWorker(cfg); result.Status != StatusFail {
		t.Errorf("grpc without address: expected FAIL, got %s", result.Status)
	}

	cfg.Worker.Mode = "carrier-pigeon"
	if result := checkWorker(cfg); result.Status != StatusFail {
		t.Errorf("unknown mode: expected FAIL, got %s", result.Status)
	}
}

func TestCheckWorker_Reachability(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	cfg := config.Defaults()
	cfg.Worker.Mode = "ws"
	cfg.Worker.Address = addr
	if result := checkWorker(cfg); result.Status != StatusPass {
		t.Errorf("listening worker: expected PASS, got %s: %s", result.Status, result.Message)
	}

	ln.Close()
	cfg.Worker.Mode = "grpc"
	if result := checkWorker(cfg); result.Status != StatusFail {
		t.Errorf("closed worker: expected FAIL, got %s", result.Status)
	}
}

func TestDialTarget(t *testing.T) {
	tests := map[string]string{
		"ws://10.0.0.2:8791/worker": "10.0.0.2:8791",
		"wss://gpu.example.com/w":   "gpu.example.com:443",
		"ws://gpu.local":            "gpu.local:80",
	}
	for in, want := range tests {
		if got := dialTarget(in); got != want {
			t.Errorf("dialTarget(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckLocalServer(t *testing.T) {
	cfg := config.Defaults()
	cfg.REST.BaseURL = ""
	if result := checkLocalServer(cfg); result.Status != StatusWarn {
		t.Errorf("unconfigured: expected WARN, got %s", result.Status)
	}

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"stats":"ok"}`))
	}))
	defer srv.Close()

	cfg.REST.BaseURL = srv.URL + "/"
	cfg.REST.APIKey = "sk-local"
	if result := checkLocalServer(cfg); result.Status != StatusPass {
		t.Errorf("reachable: expected PASS, got %s: %s", result.Status, result.Message)
	}
	if gotAuth != "Bearer sk-local" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestCheckLocalServer_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.REST.BaseURL = srv.URL
	result := checkLocalServer(cfg)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for rejected key, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion")
	}
}

func TestCheckDiscovery_Disabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Discovery.Enabled = false
	if result := checkDiscovery(cfg); result.Status != StatusPass {
		t.Errorf("expected PASS when disabled, got %s", result.Status)
	}
}

func TestCheckLogOutput(t *testing.T) {
	cfg := config.Defaults()
	if result := checkLogOutput(cfg); result.Status != StatusPass {
		t.Errorf("stderr: expected PASS, got %s", result.Status)
	}

	cfg.Logger.Output = filepath.Join(t.TempDir(), "llmshell.log")
	if result := checkLogOutput(cfg); result.Status != StatusPass {
		t.Errorf("writable dir: expected PASS, got %s: %s", result.Status, result.Message)
	}

	cfg.Logger.Output = "/nonexistent/dir/llmshell.log"
	if result := checkLogOutput(cfg); result.Status != StatusFail {
		t.Errorf("missing dir: expected FAIL, got %s", result.Status)
	}
}

func TestStatusIcon(t *testing.T) {
	if statusIcon(StatusPass) != "[PASS]" || statusIcon(StatusFail) != "[FAIL]" || statusIcon("x") != "[????]" {
		t.Error("unexpected status icons")
	}
}

func TestRunEncrypt(t *testing.T) {
	t.Setenv("LLMSHELL_CONFIG_KEY", "")
	if err := runEncrypt(cliFlags{Args: []string{"secret"}}); err == nil {
		t.Error("expected error without LLMSHELL_CONFIG_KEY")
	}
	t.Setenv("LLMSHELL_CONFIG_KEY", "pass")
	if err := runEncrypt(cliFlags{}); err == nil {
		t.Error("expected usage error without a value")
	}
	if err := runEncrypt(cliFlags{Args: []string{"secret"}}); err != nil {
		t.Errorf("runEncrypt: %v", err)
	}
}
