// Package config loads qpctl profiles: the device capabilities handed to
// qp.New plus logging, metrics and workload settings.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/rocketbitz/hcaqp-go/qp"
)

// Config is a complete qpctl profile.
type Config struct {
	Device   DeviceConfig   `mapstructure:"device" yaml:"device"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Workload WorkloadConfig `mapstructure:"workload" yaml:"workload"`
}

// DeviceConfig mirrors the capability fields of qp.Config.
type DeviceConfig struct {
	Log2MaxQP                uint8  `mapstructure:"log2_max_qp" yaml:"log2_max_qp"`
	ReservedQPs              uint32 `mapstructure:"reserved_qps" yaml:"reserved_qps"`
	MaxRegularQPs            uint32 `mapstructure:"max_regular_qps" yaml:"max_regular_qps"`
	Ports                    uint8  `mapstructure:"ports" yaml:"ports"`
	MaxWR                    uint32 `mapstructure:"max_wr" yaml:"max_wr"`
	MaxSGE                   uint32 `mapstructure:"max_sge" yaml:"max_sge"`
	MaxInlineData            uint32 `mapstructure:"max_inline_data" yaml:"max_inline_data"`
	Log2MaxRdAtomicTarget    uint8  `mapstructure:"log2_max_rd_atomic_target" yaml:"log2_max_rd_atomic_target"`
	Log2MaxRdAtomicInitiator uint8  `mapstructure:"log2_max_rd_atomic_initiator" yaml:"log2_max_rd_atomic_initiator"`
	// MaxMTU is in bytes: 256, 512, 1024, 2048 or 4096.
	MaxMTU               int    `mapstructure:"max_mtu" yaml:"max_mtu"`
	PageSize             uint64 `mapstructure:"page_size" yaml:"page_size"`
	PkeyTableLen         uint16 `mapstructure:"pkey_table_len" yaml:"pkey_table_len"`
	GIDTableLen          uint16 `mapstructure:"gid_table_len" yaml:"gid_table_len"`
	PortActivationAtOpen bool   `mapstructure:"port_activation_at_open" yaml:"port_activation_at_open"`
}

// LogConfig selects the zap logger built by qpctl.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// MetricsConfig selects the metric hook wired into the manager.
type MetricsConfig struct {
	// Backend is "none", "prometheus" or "otel".
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// WorkloadConfig drives the stress command.
type WorkloadConfig struct {
	Workers    int    `mapstructure:"workers" yaml:"workers"`
	Iterations int    `mapstructure:"iterations" yaml:"iterations"`
	Service    string `mapstructure:"service" yaml:"service"`
	BufferSize uint64 `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// Options override profile values from command line flags. Zero values
// leave the profile untouched.
type Options struct {
	LogLevel string
	Metrics  string
	Ports    uint8
	Workers  int
}

// EnvPrefix prefixes environment overrides, e.g. HCAQP_DEVICE_PORTS.
const EnvPrefix = "HCAQP"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid profile")

// Load reads the profile at path (or qpctl.yaml from the standard
// locations when path is empty), applies environment and flag overrides
// and validates the result.
func Load(path string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("qpctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hcaqp")
		v.AddConfigPath("$HOME/.hcaqp")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}
	if opts.Metrics != "" {
		v.Set("metrics.backend", opts.Metrics)
	}
	if opts.Ports != 0 {
		v.Set("device.ports", opts.Ports)
	}
	if opts.Workers != 0 {
		v.Set("workload.workers", opts.Workers)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.log2_max_qp", 16)
	v.SetDefault("device.reserved_qps", 16)
	v.SetDefault("device.ports", 2)
	v.SetDefault("device.max_wr", 16384)
	v.SetDefault("device.max_sge", 32)
	v.SetDefault("device.max_inline_data", 512)
	v.SetDefault("device.log2_max_rd_atomic_target", 3)
	v.SetDefault("device.log2_max_rd_atomic_initiator", 3)
	v.SetDefault("device.max_mtu", 2048)
	v.SetDefault("device.page_size", 4096)
	v.SetDefault("device.pkey_table_len", 64)
	v.SetDefault("device.gid_table_len", 32)
	v.SetDefault("device.port_activation_at_open", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.namespace", "")

	v.SetDefault("workload.workers", 4)
	v.SetDefault("workload.iterations", 64)
	v.SetDefault("workload.service", "rc")
	v.SetDefault("workload.buffer_size", 8192)
}

func (c *Config) validate() error {
	if _, err := MTUFromBytes(c.Device.MaxMTU); err != nil {
		return err
	}
	if c.Device.Ports == 0 || c.Device.Ports > 2 {
		return fmt.Errorf("%w: device.ports must be 1 or 2, got %d", ErrInvalid, c.Device.Ports)
	}
	switch strings.ToLower(c.Metrics.Backend) {
	case "none", "prometheus", "otel":
	default:
		return fmt.Errorf("%w: unknown metrics backend %q", ErrInvalid, c.Metrics.Backend)
	}
	if _, err := ServiceFromName(c.Workload.Service); err != nil {
		return err
	}
	if c.Workload.Workers <= 0 {
		return fmt.Errorf("%w: workload.workers must be positive", ErrInvalid)
	}
	if c.Workload.Iterations <= 0 {
		return fmt.Errorf("%w: workload.iterations must be positive", ErrInvalid)
	}
	return nil
}

// QPConfig converts the device section into a qp.Config. Telemetry hooks
// are left for the caller to fill in.
func (c *Config) QPConfig() (qp.Config, error) {
	mtu, err := MTUFromBytes(c.Device.MaxMTU)
	if err != nil {
		return qp.Config{}, err
	}
	d := c.Device
	return qp.Config{
		Log2MaxQP:                d.Log2MaxQP,
		ReservedQPs:              d.ReservedQPs,
		MaxRegularQPs:            d.MaxRegularQPs,
		NumPorts:                 d.Ports,
		MaxWR:                    d.MaxWR,
		MaxSGE:                   d.MaxSGE,
		MaxInlineData:            d.MaxInlineData,
		Log2MaxRdAtomicTarget:    d.Log2MaxRdAtomicTarget,
		Log2MaxRdAtomicInitiator: d.Log2MaxRdAtomicInitiator,
		MaxMTU:                   mtu,
		PageSize:                 d.PageSize,
		PkeyTableLen:             d.PkeyTableLen,
		GIDTableLen:              d.GIDTableLen,
		PortActivationAtOpen:     d.PortActivationAtOpen,
	}, nil
}

// MTUFromBytes maps an MTU size in bytes to its log2 encoding.
func MTUFromBytes(n int) (qp.MTU, error) {
	for m := qp.MTU256; m <= qp.MTU4096; m++ {
		if m.Bytes() == n {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: illegal MTU %d", ErrInvalid, n)
}

// ServiceFromName parses a transport service name.
func ServiceFromName(name string) (qp.ServiceType, error) {
	switch strings.ToLower(name) {
	case "rc":
		return qp.ServiceRC, nil
	case "uc":
		return qp.ServiceUC, nil
	case "ud":
		return qp.ServiceUD, nil
	}
	return 0, fmt.Errorf("%w: unknown service type %q", ErrInvalid, name)
}
