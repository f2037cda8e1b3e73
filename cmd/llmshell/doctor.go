package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"llmshell/internal/adapter/discovery"
	"llmshell/internal/adapter/transport/ws"
	"llmshell/internal/domain"
	"llmshell/internal/infra/config"
	"llmshell/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor(flags cliFlags) error {
	cfgPath := configPath(flags)

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Model catalogue", Fn: checkModels},
		{Name: "Device features", Fn: checkFeatures},
		{Name: "Worker", Fn: checkWorker},
		{Name: "Local server", Fn: checkLocalServer},
		{Name: "Discovery", Fn: checkDiscovery},
		{Name: "Log output", Fn: checkLogOutput},
	}

	fmt.Println("llmshell doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure llmshell runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nllmshell should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! llmshell is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var configNotLoaded = CheckResult{
	Status:  StatusFail,
	Message: "cannot check, config not loaded",
}

// checkConfigFile returns a check that verifies the config file parses. A
// missing file is only a warning since the defaults are usable.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values named above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using built-in defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkModels verifies the catalogue is non-empty and holds the default model.
func checkModels(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	ids := cfg.Models.ModelIDs()
	if len(ids) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "model catalogue is empty",
			Fix:     "Add entries under models.model_list or set app_config",
		}
	}
	def := cfg.Controller.DefaultModel
	if def != "" && def != domain.LocalServerModel {
		if _, ok := cfg.Models.FindModel(def); !ok {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("default model %q is not in the catalogue", def),
				Fix:     "Set controller.default_model to one of: " + strings.Join(ids, ", "),
			}
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d model(s), default %s", len(ids), def),
	}
}

// checkFeatures lists catalogue models the configured device cannot load.
func checkFeatures(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	var unusable []string
	for _, rec := range cfg.Models.ModelList {
		for _, f := range rec.RequiredFeatures {
			if !slices.Contains(cfg.Engine.Features, f) {
				unusable = append(unusable, fmt.Sprintf("%s (needs %s)", rec.LocalID, f))
				break
			}
		}
	}
	if len(unusable) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "device cannot load: " + strings.Join(unusable, ", "),
			Fix:     "Add the missing features to engine.features if the device supports them",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("device %q supports every catalogue model", cfg.Engine.Device),
	}
}

// checkWorker verifies the configured worker can be reached.
func checkWorker(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	wc := cfg.Worker
	switch wc.Mode {
	case "inproc":
		return CheckResult{Status: StatusPass, Message: "in-process worker"}

	case "spawn":
		if len(wc.Command) == 0 {
			return CheckResult{Status: StatusPass, Message: "spawns this binary with 'worker --stdio'"}
		}
		path, err := exec.LookPath(wc.Command[0])
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("worker command %q not found", wc.Command[0]),
				Fix:     "Fix worker.command or remove it to spawn llmshell itself",
			}
		}
		return CheckResult{Status: StatusPass, Message: "worker command " + path}

	case "ws", "grpc":
		if wc.Address == "" {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("worker.mode is %s but worker.address is empty", wc.Mode),
				Fix:     "Set worker.address, or run 'llmshell discover' to find one",
			}
		}
		hostPort := wc.Address
		if wc.Mode == "ws" {
			hostPort = dialTarget(ws.WorkerURL(wc.Address))
		}
		latency, err := probeTCP(hostPort, 5*time.Second)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot reach %s worker at %s: %v", wc.Mode, hostPort, err),
				Fix:     "Start it with 'llmshell worker --transport " + wc.Mode + "' on the worker host",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s worker reachable at %s (latency: %dms)", wc.Mode, hostPort, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: fmt.Sprintf("unknown worker mode %q", wc.Mode),
	}
}

// dialTarget extracts host:port from a ws:// or wss:// URL.
func dialTarget(url string) string {
	rest := url
	port := "80"
	switch {
	case strings.HasPrefix(url, "wss://"):
		rest, port = strings.TrimPrefix(url, "wss://"), "443"
	case strings.HasPrefix(url, "ws://"):
		rest = strings.TrimPrefix(url, "ws://")
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if _, _, err := net.SplitHostPort(rest); err == nil {
		return rest
	}
	return net.JoinHostPort(rest, port)
}

func probeTCP(hostPort string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

// checkLocalServer probes the REST backend behind the "Local Server" model.
func checkLocalServer(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if cfg.REST.BaseURL == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "not configured, the Local Server model is unavailable",
			Fix:     "Set rest.base_url to enable it",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint := strings.TrimRight(cfg.REST.BaseURL, "/") + "/stats"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid rest.base_url: %v", err),
		}
	}
	if cfg.REST.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.REST.APIKey)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.REST.BaseURL, err),
			Fix:     "Start the local model server, or ignore this if you only use worker models",
		}
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s rejected the API key (%s)", cfg.REST.BaseURL, resp.Status),
			Fix:     "Check rest.api_key or LLMSHELL_REST_API_KEY",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", cfg.REST.BaseURL, latency.Milliseconds()),
	}
}

// checkDiscovery browses mDNS when discovery is enabled.
func checkDiscovery(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if !cfg.Discovery.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Discovery.ScanTimeout+time.Second)
	defer cancel()

	workers, err := discovery.NewMDNS(cfg.Discovery, nil, logger.Discard()).Scan(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("mDNS unavailable: %v", err),
			Fix:     "Allow multicast on this network, or set worker.address directly",
		}
	}
	if len(workers) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no workers advertised on the local network",
			Fix:     "Start one with 'llmshell worker --advertise'",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d worker(s) found", len(workers)),
	}
}

// checkLogOutput verifies a file log output can be written.
func checkLogOutput(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	switch strings.ToLower(cfg.Logger.Output) {
	case "", "stdout", "stderr":
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s (chat screen logs go to %s)", cfg.Logger.Output, interactiveLogOutput(cfg.Logger.Output)),
		}
	}

	dir := filepath.Dir(cfg.Logger.Output)
	probe, err := os.CreateTemp(dir, ".llmshell-doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("log directory %s is not writable: %v", dir, err),
			Fix:     "Create the directory or change logger.output",
		}
	}
	probe.Close()
	os.Remove(probe.Name())
	return CheckResult{
		Status:  StatusPass,
		Message: "logging to " + cfg.Logger.Output,
	}
}
