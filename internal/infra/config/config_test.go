package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Controller.Policy != "queue" {
		t.Errorf("Policy = %q, want %q", cfg.Controller.Policy, "queue")
	}
	if cfg.Worker.Mode != "spawn" {
		t.Errorf("Worker.Mode = %q, want %q", cfg.Worker.Mode, "spawn")
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if len(cfg.Models.ModelList) != 2 {
		t.Errorf("ModelList len = %d, want 2", len(cfg.Models.ModelList))
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.DefaultModel != Defaults().Controller.DefaultModel {
		t.Errorf("expected defaults, got DefaultModel=%q", cfg.Controller.DefaultModel)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  device: "gpu0"
  features: ["shader-f16"]
  load_step_delay: 10ms
worker:
  mode: "ws"
  address: "ws://10.0.0.5:8791/worker"
controller:
  policy: "reject"
  default_model: "tiny"
  stream_interval: 2
  chat_options:
    temperature: 0.7
models:
  model_list:
    - model_url: "https://models.example/tiny/"
      local_id: "tiny"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Device != "gpu0" {
		t.Errorf("Device = %q, want gpu0", cfg.Engine.Device)
	}
	if cfg.Engine.LoadStepDelay != 10*time.Millisecond {
		t.Errorf("LoadStepDelay = %v, want 10ms", cfg.Engine.LoadStepDelay)
	}
	if cfg.Worker.Address != "ws://10.0.0.5:8791/worker" {
		t.Errorf("Worker.Address = %q", cfg.Worker.Address)
	}
	if cfg.Controller.Policy != "reject" || cfg.Controller.StreamInterval != 2 {
		t.Errorf("Controller mismatch: %+v", cfg.Controller)
	}
	if cfg.Controller.ChatOptions.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.Controller.ChatOptions.Temperature)
	}
	if len(cfg.Models.ModelList) != 1 || cfg.Models.ModelList[0].LocalID != "tiny" {
		t.Errorf("ModelList mismatch: %+v", cfg.Models.ModelList)
	}
	// Untouched sections keep their defaults.
	if cfg.Discovery.Service != "_llmshell._tcp" {
		t.Errorf("Discovery.Service = %q", cfg.Discovery.Service)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("engine: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("controller:\n  policy: sometimes\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if len(ve.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", ve.Errors)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insecure.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadWithAppConfig(t *testing.T) {
	dir := t.TempDir()
	catalogue := `{"model_list":[{"model_url":"https://models.example/a/","local_id":"a"}],"model_lib_map":{"a":"a-webgpu.wasm"}}`
	if err := os.WriteFile(filepath.Join(dir, "app-config.json"), []byte(catalogue), 0600); err != nil {
		t.Fatal(err)
	}
	content := "app_config: app-config.json\ncontroller:\n  default_model: a\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ids := cfg.Models.ModelIDs(); len(ids) != 1 || ids[0] != "a" {
		t.Errorf("ModelIDs = %v, want [a]", ids)
	}
	if cfg.Models.ModelLibMap["a"] != "a-webgpu.wasm" {
		t.Errorf("ModelLibMap = %v", cfg.Models.ModelLibMap)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLMSHELL_LOGGER_LEVEL", "debug")
	t.Setenv("LLMSHELL_WORKER_MODE", "grpc")
	t.Setenv("LLMSHELL_WORKER_ADDRESS", "10.0.0.5:8792")
	t.Setenv("LLMSHELL_CONTROLLER_POLICY", "reject")
	t.Setenv("LLMSHELL_CONTROLLER_STREAM_INTERVAL", "3")
	t.Setenv("LLMSHELL_ENGINE_FEATURES", "shader-f16, timestamp-query")
	t.Setenv("LLMSHELL_ENGINE_DECODE_RATE", "0")
	t.Setenv("LLMSHELL_TRACER_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Worker.Mode != "grpc" || cfg.Worker.Address != "10.0.0.5:8792" {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Controller.Policy != "reject" || cfg.Controller.StreamInterval != 3 {
		t.Errorf("Controller = %+v", cfg.Controller)
	}
	if len(cfg.Engine.Features) != 2 || cfg.Engine.Features[1] != "timestamp-query" {
		t.Errorf("Features = %v", cfg.Engine.Features)
	}
	if cfg.Engine.DecodeRate != 0 {
		t.Errorf("DecodeRate = %v, want 0", cfg.Engine.DecodeRate)
	}
	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled should be true")
	}
}

func TestEnvOverridesIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("LLMSHELL_CONTROLLER_STREAM_INTERVAL", "often")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Controller.StreamInterval != 1 {
		t.Errorf("StreamInterval = %d, want default 1", cfg.Controller.StreamInterval)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptValue(encrypted, "wrong-pass"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptValueMalformed(t *testing.T) {
	for _, in := range []string{"no-separator", "zz:00", "00:zz", "00:00"} {
		if _, err := DecryptValue(in, "pass"); err == nil {
			t.Errorf("DecryptValue(%q): expected error", in)
		}
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"
	encKey, err := EncryptValue("sk-rest", passphrase)
	if err != nil {
		t.Fatal(err)
	}
	encTok, err := EncryptValue("worker-token", passphrase)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	cfg.REST.APIKey = "enc:" + encKey
	cfg.Worker.AuthToken = "enc:" + encTok
	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.REST.APIKey != "sk-rest" {
		t.Errorf("APIKey = %q", cfg.REST.APIKey)
	}
	if cfg.Worker.AuthToken != "worker-token" {
		t.Errorf("AuthToken = %q", cfg.Worker.AuthToken)
	}
}

func TestDecryptSecretsPlainAndInvalid(t *testing.T) {
	cfg := Defaults()
	cfg.REST.APIKey = "sk-plain"
	if err := decryptSecrets(cfg, "any"); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.REST.APIKey != "sk-plain" {
		t.Error("plain value should remain unchanged")
	}

	cfg.Worker.AuthToken = "enc:notvalidhex"
	if err := decryptSecrets(cfg, "any"); err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	encrypted, err := EncryptValue("sk-loadtest", passphrase)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "rest:\n  api_key: \"enc:" + encrypted + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LLMSHELL_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.REST.APIKey != "sk-loadtest" {
		t.Errorf("APIKey = %q, want sk-loadtest", cfg.REST.APIKey)
	}
}
