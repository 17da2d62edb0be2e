// Package gwconfig loads the gateway's YAML configuration through viper,
// with environment-variable overrides, per spec §10.3.
package gwconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HeadersConfig names the request headers the gateway reads for session,
// task, and client correlation, and the headers carrying agent-side timing.
// Field names and defaults mirror the original configuration schema.
type HeadersConfig struct {
	Session  string `yaml:"session" mapstructure:"session"`
	Task     string `yaml:"task" mapstructure:"task"`
	Client   string `yaml:"client" mapstructure:"client"`
	TimingPre  string `yaml:"timing_pre" mapstructure:"timing_pre"`
	TimingPost string `yaml:"timing_post" mapstructure:"timing_post"`
}

// DefaultHeaders returns the header-name defaults used when a config omits
// the headers section.
func DefaultHeaders() HeadersConfig {
	return HeadersConfig{
		Session:    "X-Session-ID",
		Task:       "X-Task-ID",
		Client:     "X-Client-ID",
		TimingPre:  "X-Timing-Pre-Ms",
		TimingPost: "X-Timing-Post-Ms",
	}
}

// ProxyConfig holds the gateway's own listening and dispatch behavior.
type ProxyConfig struct {
	Port               int    `yaml:"port" mapstructure:"port"`
	Strategy           string `yaml:"strategy" mapstructure:"strategy"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	Verbose            bool   `yaml:"verbose" mapstructure:"verbose"`
}

// DefaultProxy returns the proxy defaults.
func DefaultProxy() ProxyConfig {
	return ProxyConfig{
		Port:                5800,
		Strategy:            "least_load",
		HealthCheckInterval: 30 * time.Second,
		RequestTimeout:      300 * time.Second,
		Verbose:             true,
	}
}

// ModelConfig describes one model the gateway expects to find backends
// for, used by the reconciliation loop to size replica ports.
type ModelConfig struct {
	Name             string `yaml:"name" mapstructure:"name"`
	ModelPath        string `yaml:"model_path" mapstructure:"model_path"`
	BasePort         int    `yaml:"base_port" mapstructure:"base_port"`
	Replicas         int    `yaml:"replicas" mapstructure:"replicas"`
	GPUMemoryUtil    float64 `yaml:"gpu_memory_utilization" mapstructure:"gpu_memory_utilization"`
	MaxModelLen      int    `yaml:"max_model_len" mapstructure:"max_model_len"`
	TrustRemoteCode  bool   `yaml:"trust_remote_code" mapstructure:"trust_remote_code"`
}

// ReconcileConfig controls the reconciliation loop's polling cadence.
type ReconcileConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	User         string        `yaml:"user" mapstructure:"user"`
}

// DefaultReconcile returns the reconciler defaults.
func DefaultReconcile() ReconcileConfig {
	return ReconcileConfig{PollInterval: 15 * time.Second}
}

// Config is the gateway's full, version-stamped configuration document.
type Config struct {
	Version   int             `yaml:"version" mapstructure:"version"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Models    []ModelConfig   `yaml:"models" mapstructure:"models"`
	Headers   HeadersConfig   `yaml:"headers" mapstructure:"headers"`
}

// GetModel returns the model config named name, if present.
func (c Config) GetModel(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Default returns a Config populated entirely with package defaults and no
// models — callers load a file and then fill Models from it.
func Default() Config {
	return Config{
		Version:   1,
		Proxy:     DefaultProxy(),
		Reconcile: DefaultReconcile(),
		Headers:   DefaultHeaders(),
	}
}

// Load reads configuration from path (if non-empty) layered under the
// package defaults, with GATEWAY_-prefixed environment variables taking
// precedence over both, matching the teacher's flag/env/file precedence
// convention.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("version", def.Version)
	v.SetDefault("proxy.port", def.Proxy.Port)
	v.SetDefault("proxy.strategy", def.Proxy.Strategy)
	v.SetDefault("proxy.health_check_interval", def.Proxy.HealthCheckInterval)
	v.SetDefault("proxy.request_timeout", def.Proxy.RequestTimeout)
	v.SetDefault("proxy.verbose", def.Proxy.Verbose)
	v.SetDefault("reconcile.poll_interval", def.Reconcile.PollInterval)
	v.SetDefault("headers.session", def.Headers.Session)
	v.SetDefault("headers.task", def.Headers.Task)
	v.SetDefault("headers.client", def.Headers.Client)
	v.SetDefault("headers.timing_pre", def.Headers.TimingPre)
	v.SetDefault("headers.timing_post", def.Headers.TimingPost)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
