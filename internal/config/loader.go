package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tripmesh/internal/core"
	"tripmesh/internal/worker"
	"tripmesh/pkg"
)

// YAMLConfig represents the structure of config.yaml
type YAMLConfig struct {
	Workflow struct {
		CriticalWorkers     []string         `yaml:"critical_workers"`
		TimeoutsMs          map[string]int64 `yaml:"timeouts_ms"`
		CollectGraceMs      int64            `yaml:"collect_grace_ms"`
		ActiveTTLSeconds    int64            `yaml:"active_ttl_seconds"`
		CompletedTTLSeconds int64            `yaml:"completed_ttl_seconds"`
		ClassifierTimeoutMs int64            `yaml:"classifier_timeout_ms"`
		SummaryTimeoutMs    int64            `yaml:"summary_timeout_ms"`
	} `yaml:"workflow"`
	Worker struct {
		HeartbeatIntervalSeconds int64  `yaml:"heartbeat_interval_seconds"`
		Concurrency              int    `yaml:"concurrency"`
		StalenessSeconds         int64  `yaml:"staleness_seconds"`
		MaxRetries               int    `yaml:"max_retries"`
		Version                  string `yaml:"version"`
	} `yaml:"worker"`
}

// LoadConfig loads configuration from config.yaml. A missing file yields an
// empty config, so every builder falls back to its defaults.
func LoadConfig(filepath string) (*YAMLConfig, error) {
	var config YAMLConfig
	data, err := os.ReadFile(filepath)
	if errors.Is(err, fs.ErrNotExist) {
		return &config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %v", err)
	}
	if _, err := parseWorkers(config.Workflow.CriticalWorkers); err != nil {
		return nil, fmt.Errorf("invalid critical_workers: %w", err)
	}
	for name := range config.Workflow.TimeoutsMs {
		if _, err := pkg.ParseWorkerType(name); err != nil {
			return nil, fmt.Errorf("invalid timeouts_ms key: %w", err)
		}
	}
	return &config, nil
}

// BuildEngineConfig creates core.Config from the YAML config, keeping the
// defaults for unset values
func BuildEngineConfig(yamlConfig *YAMLConfig) core.Config {
	cfg := core.DefaultConfig()
	wf := yamlConfig.Workflow

	if workers, _ := parseWorkers(wf.CriticalWorkers); workers != nil {
		cfg.CriticalWorkers = workers
	}
	for name, ms := range wf.TimeoutsMs {
		if w, err := pkg.ParseWorkerType(name); err == nil && ms > 0 {
			cfg.WorkerTimeouts[w] = millis(ms)
		}
	}
	setDuration(&cfg.CollectGrace, millis(wf.CollectGraceMs))
	setDuration(&cfg.ActiveTTL, seconds(wf.ActiveTTLSeconds))
	setDuration(&cfg.CompletedTTL, seconds(wf.CompletedTTLSeconds))
	setDuration(&cfg.ClassifierTimeout, millis(wf.ClassifierTimeoutMs))
	setDuration(&cfg.SummaryTimeout, millis(wf.SummaryTimeoutMs))
	return cfg
}

// BuildWorkerConfig creates worker.Config from the YAML config. Zero values
// are filled in by the harness.
func BuildWorkerConfig(yamlConfig *YAMLConfig, metrics *worker.Metrics) worker.Config {
	w := yamlConfig.Worker
	return worker.Config{
		HeartbeatInterval: seconds(w.HeartbeatIntervalSeconds),
		Concurrency:       w.Concurrency,
		StalenessWindow:   seconds(w.StalenessSeconds),
		MaxRetries:        w.MaxRetries,
		Version:           w.Version,
		Metrics:           metrics,
	}
}

func parseWorkers(names []string) ([]pkg.WorkerType, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]pkg.WorkerType, 0, len(names))
	for _, n := range names {
		w, err := pkg.ParseWorkerType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func setDuration(dst *time.Duration, d time.Duration) {
	if d > 0 {
		*dst = d
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func seconds(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
