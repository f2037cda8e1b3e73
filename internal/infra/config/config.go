package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"llmshell/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Worker     WorkerConfig     `yaml:"worker"`
	Controller ControllerConfig `yaml:"controller"`
	REST       RESTConfig       `yaml:"rest"`
	Models     domain.AppConfig `yaml:"models"`
	AppConfig  string           `yaml:"app_config,omitempty"` // JSON model catalogue, replaces Models
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

// EngineConfig configures the built-in echo engine.
type EngineConfig struct {
	Device        string        `yaml:"device"`
	Features      []string      `yaml:"features"`
	DecodeRate    float64       `yaml:"decode_rate"` // tokens/sec, 0 = unpaced
	LoadSteps     int           `yaml:"load_steps"`
	LoadStepDelay time.Duration `yaml:"load_step_delay"`
}

// WorkerConfig describes how the controller reaches its worker and how a
// `worker` process serves.
type WorkerConfig struct {
	Mode            string        `yaml:"mode"`    // inproc, spawn, ws, grpc
	Address         string        `yaml:"address"` // remote worker for ws/grpc
	Command         []string      `yaml:"command,omitempty"`
	Listen          string        `yaml:"listen"`
	Transport       string        `yaml:"transport"` // ws or grpc when serving
	Name            string        `yaml:"name"`
	AuthToken       string        `yaml:"auth_token"`
	Advertise       bool          `yaml:"advertise"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	ConnectPerMin   int           `yaml:"connect_per_min"`
	ConnectBurst    int           `yaml:"connect_burst"`
}

// ControllerConfig holds request serializer and chat settings.
type ControllerConfig struct {
	Policy          string             `yaml:"policy"` // queue or reject
	DefaultModel    string             `yaml:"default_model"`
	StreamInterval  int                `yaml:"stream_interval"`
	ChatOptions     domain.ChatOptions `yaml:"chat_options"`
	StatsSchedule   string             `yaml:"stats_schedule"` // cron spec or duration, empty = off
	ShutdownTimeout time.Duration      `yaml:"shutdown_timeout"`
}

// RESTConfig configures the "Local Server" backend.
type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the REST circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DiscoveryConfig holds mDNS settings.
type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Service     string        `yaml:"service"`
	Domain      string        `yaml:"domain"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config that spawns a local echo worker over stdio.
func Defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Device:        "cpu",
			DecodeRate:    40,
			LoadSteps:     4,
			LoadStepDelay: 50 * time.Millisecond,
		},
		Worker: WorkerConfig{
			Mode:            "spawn",
			Listen:          ":8791",
			Transport:       "ws",
			Name:            "llmshell-worker",
			DialTimeout:     10 * time.Second,
			MaxMessageBytes: 1 << 20,
			ConnectPerMin:   60,
			ConnectBurst:    10,
		},
		Controller: ControllerConfig{
			Policy:          "queue",
			DefaultModel:    "RedPajama-INCITE-Chat-3B-v1-q4f32_1",
			StreamInterval:  1,
			ShutdownTimeout: 5 * time.Second,
		},
		REST: RESTConfig{
			BaseURL: "http://127.0.0.1:8000",
			Model:   "local",
			Timeout: 120 * time.Second,
			Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
		},
		Models: domain.AppConfig{
			ModelList: []domain.ModelRecord{
				{
					ModelURL: "https://huggingface.co/mlc-ai/RedPajama-INCITE-Chat-3B-v1-q4f32_1-MLC/resolve/main/",
					LocalID:  "RedPajama-INCITE-Chat-3B-v1-q4f32_1",
				},
				{
					ModelURL:         "https://huggingface.co/mlc-ai/Llama-2-7b-chat-hf-q4f16_1-MLC/resolve/main/",
					LocalID:          "Llama-2-7b-chat-hf-q4f16_1",
					RequiredFeatures: []string{"shader-f16"},
				},
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Discovery: DiscoveryConfig{
			Service:     "_llmshell._tcp",
			Domain:      "local.",
			ScanTimeout: 3 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts secrets
// and, when app_config is set, replaces the model list with that catalogue.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if cfg.AppConfig != "" && !filepath.IsAbs(cfg.AppConfig) {
			cfg.AppConfig = filepath.Join(filepath.Dir(absPath), cfg.AppConfig)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("LLMSHELL_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if cfg.AppConfig != "" {
		app, err := LoadAppConfig(cfg.AppConfig)
		if err != nil {
			return nil, err
		}
		cfg.Models = *app
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps LLMSHELL_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMSHELL_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LLMSHELL_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LLMSHELL_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("LLMSHELL_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LLMSHELL_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("LLMSHELL_WORKER_MODE"); v != "" {
		cfg.Worker.Mode = v
	}
	if v := os.Getenv("LLMSHELL_WORKER_ADDRESS"); v != "" {
		cfg.Worker.Address = v
	}
	if v := os.Getenv("LLMSHELL_WORKER_LISTEN"); v != "" {
		cfg.Worker.Listen = v
	}
	if v := os.Getenv("LLMSHELL_WORKER_TRANSPORT"); v != "" {
		cfg.Worker.Transport = v
	}
	if v := os.Getenv("LLMSHELL_WORKER_AUTH_TOKEN"); v != "" {
		cfg.Worker.AuthToken = v
	}

	if v := os.Getenv("LLMSHELL_CONTROLLER_POLICY"); v != "" {
		cfg.Controller.Policy = v
	}
	if v := os.Getenv("LLMSHELL_CONTROLLER_DEFAULT_MODEL"); v != "" {
		cfg.Controller.DefaultModel = v
	}
	if v := os.Getenv("LLMSHELL_CONTROLLER_STREAM_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Controller.StreamInterval = n
		}
	}
	if v := os.Getenv("LLMSHELL_CONTROLLER_STATS_SCHEDULE"); v != "" {
		cfg.Controller.StatsSchedule = v
	}

	if v := os.Getenv("LLMSHELL_REST_BASE_URL"); v != "" {
		cfg.REST.BaseURL = v
	}
	if v := os.Getenv("LLMSHELL_REST_API_KEY"); v != "" {
		cfg.REST.APIKey = v
	}

	if v := os.Getenv("LLMSHELL_ENGINE_DEVICE"); v != "" {
		cfg.Engine.Device = v
	}
	if v := os.Getenv("LLMSHELL_ENGINE_FEATURES"); v != "" {
		cfg.Engine.Features = splitAndTrim(v, ",")
	}
	if v := os.Getenv("LLMSHELL_ENGINE_DECODE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.DecodeRate = f
		}
	}

	if v := os.Getenv("LLMSHELL_APP_CONFIG"); v != "" {
		cfg.AppConfig = v
	}
	if v := os.Getenv("LLMSHELL_DISCOVERY_ENABLED"); v != "" {
		cfg.Discovery.Enabled = v == "true"
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		value *string
	}{
		{"rest.api_key", &cfg.REST.APIKey},
		{"worker.auth_token", &cfg.Worker.AuthToken},
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s.value, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.value, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.value = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
