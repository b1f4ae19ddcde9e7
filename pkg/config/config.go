// Package config loads and validates scannode's runtime configuration:
// per-namespace admission caps and background-scan RPS ceilings, worker
// pool sizing, the finished-job retention ring, and the process-wide
// UDF-execution switch.
package config

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/gridscan/pkg/scan"
)

const (
	defaultWorkerPoolSize       = 32
	defaultFinishedJobCapacity  = 1000
	defaultBackgroundScanMaxRPS = 5000
	defaultSocketTimeoutMS      = 30000
)

// NamespaceConfig holds the per-namespace knobs: admission caps per scan
// variant and the background-scan RPS ceiling StartUdfBg/StartOpsBg
// validate against.
type NamespaceConfig struct {
	BackgroundScanMaxRPS int           `yaml:"background_scan_max_rps"`
	AdmissionCaps        map[string]int `yaml:"admission_caps"` // scan.JobKind string -> cap
}

// Config is scannode's full runtime configuration.
type Config struct {
	ListenAddress  string `yaml:"listen_address"`
	MonitorAddress string `yaml:"monitor_address"`
	DBPath         string `yaml:"db_path"`

	WorkerPoolSize        int `yaml:"worker_pool_size"`
	FinishedJobCapacity   int `yaml:"finished_job_capacity"`
	SocketTimeoutMS       int `yaml:"socket_timeout_ms"`
	UDFExecutionDisabled  bool `yaml:"udf_execution_disabled"`

	Namespaces map[string]NamespaceConfig `yaml:"namespaces"`

	udfDisabled atomic.Bool
}

// Default returns a Config with the defaults a fresh node starts with.
func Default() *Config {
	c := &Config{
		ListenAddress:       "127.0.0.1:3000",
		MonitorAddress:      "127.0.0.1:8901",
		DBPath:              "scan.db",
		WorkerPoolSize:      defaultWorkerPoolSize,
		FinishedJobCapacity: defaultFinishedJobCapacity,
		SocketTimeoutMS:     defaultSocketTimeoutMS,
		Namespaces:          map[string]NamespaceConfig{},
	}
	return c
}

// Load reads and validates a YAML config file, falling back to Default()
// field-by-field for anything the file leaves zero-valued.
func Load(data []byte) (*Config, error) {
	c := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = defaultWorkerPoolSize
	}
	if c.FinishedJobCapacity <= 0 {
		c.FinishedJobCapacity = defaultFinishedJobCapacity
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.udfDisabled.Store(c.UDFExecutionDisabled)
	return c, nil
}

// LoadFile reads a YAML config file through viper, layering GRIDSCAN_*
// environment-variable overrides on top. An empty path yields defaults
// plus environment only.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GRIDSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setViperDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	c := Default()
	if err := v.Unmarshal(c, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.udfDisabled.Store(c.UDFExecutionDisabled)
	return c, nil
}

// setViperDefaults registers every key so AutomaticEnv can see overrides
// for keys the config file leaves out.
func setViperDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen_address", d.ListenAddress)
	v.SetDefault("monitor_address", d.MonitorAddress)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("worker_pool_size", d.WorkerPoolSize)
	v.SetDefault("finished_job_capacity", d.FinishedJobCapacity)
	v.SetDefault("socket_timeout_ms", d.SocketTimeoutMS)
	v.SetDefault("udf_execution_disabled", d.UDFExecutionDisabled)
}

// Validate rejects a configuration that would make admission or RPS
// checks meaningless.
func (c *Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: worker_pool_size must be positive")
	}
	if c.FinishedJobCapacity <= 0 {
		return fmt.Errorf("config: finished_job_capacity must be positive")
	}
	for name, ns := range c.Namespaces {
		if ns.BackgroundScanMaxRPS < 0 {
			return fmt.Errorf("config: namespace %q: background_scan_max_rps must be >= 0", name)
		}
	}
	return nil
}

// BackgroundScanMaxRPS returns the namespace's configured ceiling, or the
// package default when the namespace has no explicit entry.
func (c *Config) BackgroundScanMaxRPS(namespace string) int {
	if ns, ok := c.Namespaces[namespace]; ok && ns.BackgroundScanMaxRPS > 0 {
		return ns.BackgroundScanMaxRPS
	}
	return defaultBackgroundScanMaxRPS
}

// AdmissionCaps returns the namespace's per-kind admission caps, parsed
// into scan.AdmissionCaps. Unset caps default to 0 (unlimited).
func (c *Config) AdmissionCaps(namespace string) scan.AdmissionCaps {
	caps := scan.AdmissionCaps{}
	ns, ok := c.Namespaces[namespace]
	if !ok {
		return caps
	}
	for kind, limit := range ns.AdmissionCaps {
		caps[scan.JobKind(kind)] = limit
	}
	return caps
}

// UDFDisabledFlag returns the live, atomically-toggleable switch backing
// pkg/scan's LuaUDFRuntime.Enabled check.
func (c *Config) UDFDisabledFlag() *atomic.Bool {
	return &c.udfDisabled
}

// SetUDFExecutionDisabled flips the switch at runtime, e.g. from the
// monitoring API, without restarting the node.
func (c *Config) SetUDFExecutionDisabled(disabled bool) {
	c.udfDisabled.Store(disabled)
}
