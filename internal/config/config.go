package config

import (
	"fmt"
	"strings"
	"time"

	"grout/internal/configloader"
	"grout/internal/logger"
)

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggerConfig and its FileLoggerConfig field are the shared configloader
// types, not a grout-local redefinition, so env overrides and YAML tags stay
// in lockstep with every other daemon built from this pack.
type LoggerConfig = configloader.LoggerConfig
type FileLoggerConfig = configloader.FileLoggerConfig

// PortConfig describes one ingress/egress port the daemon drives.
type PortConfig struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"` // e.g. an AF_PACKET interface name
	NRxq   int    `yaml:"nRxq"`
	NTxq   int    `yaml:"nTxq"`
}

// WorkerConfig describes one worker's pinning and queue assignment.
type WorkerConfig struct {
	CPU   int   `yaml:"cpu"` // OS CPU id to pin this worker's thread to
	RxqOf []int `yaml:"rxqOf"`
}

// DatapathConfig groups the tunables the worker loop and graph builder read.
type DatapathConfig struct {
	BurstSize    int            `yaml:"burstSize"`
	QuiesceEvery int            `yaml:"quiesceEvery"` // validated and logged only; workers quiesce after every burst
	ScratchSize  int            `yaml:"scratchSize"`
	GracePeriod  time.Duration  `yaml:"gracePeriod"`
	Ports        []PortConfig   `yaml:"ports"`
	Workers      []WorkerConfig `yaml:"workers"`
}

// ControlConfig configures the control-plane-facing socket.
type ControlConfig struct {
	SockPath string `yaml:"sockPath"`
}

type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Datapath  DatapathConfig  `yaml:"datapath"`
	Control   ControlConfig   `yaml:"control"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoadConfig loads the configuration from a YAML file at the given path.
//
// This function performs only syntactic parsing of the YAML file.
// To validate the configuration structure and check for missing or invalid
// fields, call cfg.ValidateConfig() after loading.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := configloader.LoadYAML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration.
//
// Supported overrides:
//
//	GROUT_CONTROL_SOCK       -> cfg.Control.SockPath
//	GROUT_BURST_SIZE         -> cfg.Datapath.BurstSize
//	GROUT_GRACE_PERIOD       -> cfg.Datapath.GracePeriod (duration string)
//	TRACE_ENABLED            -> cfg.Telemetry.Tracing.Enabled
//	TRACE_EXPORTER           -> cfg.Telemetry.Tracing.Exporter
//	TRACE_ENDPOINT           -> cfg.Telemetry.Tracing.Endpoint
//	LOGGER_ENABLED           -> cfg.Logger.Active
//	LOGGER_LEVEL             -> cfg.Logger.Level
//	LOGGER_ENCODING          -> cfg.Logger.Encoding
//	LOGGER_MODE              -> cfg.Logger.Mode
//	LOGGER_FILE_PATH         -> cfg.Logger.File.Path
func (cfg *Config) ApplyEnvOverrides() {
	configloader.OverrideString(&cfg.Control.SockPath, "GROUT_CONTROL_SOCK")
	configloader.OverrideInt(&cfg.Datapath.BurstSize, "GROUT_BURST_SIZE")
	configloader.OverrideDuration(&cfg.Datapath.GracePeriod, "GROUT_GRACE_PERIOD")

	configloader.OverrideBool(&cfg.Telemetry.Tracing.Enabled, "TRACE_ENABLED")
	configloader.OverrideString(&cfg.Telemetry.Tracing.Exporter, "TRACE_EXPORTER")
	configloader.OverrideString(&cfg.Telemetry.Tracing.Endpoint, "TRACE_ENDPOINT")

	configloader.OverrideBool(&cfg.Logger.Active, "LOGGER_ENABLED")
	configloader.OverrideString(&cfg.Logger.Level, "LOGGER_LEVEL")
	configloader.OverrideString(&cfg.Logger.Encoding, "LOGGER_ENCODING")
	configloader.OverrideString(&cfg.Logger.Mode, "LOGGER_MODE")
	configloader.OverrideString(&cfg.Logger.File.Path, "LOGGER_FILE_PATH")
}

// ValidateConfig performs structural validation of the loaded configuration.
//
// The validation checks only the syntactic and structural correctness of the
// configuration file, not runtime reachability of ports or CPUs. All detected
// issues are accumulated and returned as a single error.
func (cfg *Config) ValidateConfig() error {
	var errs []string

	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.level: %s", cfg.Logger.Level))
	}
	switch cfg.Logger.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.encoding: %s", cfg.Logger.Encoding))
	}
	switch cfg.Logger.Mode {
	case "stdout":
	case "file":
		if cfg.Logger.File.Path == "" {
			errs = append(errs, "logger.file.path is required when mode=file")
		}
		if cfg.Logger.File.MaxSize < 0 || cfg.Logger.File.MaxBackups < 0 || cfg.Logger.File.MaxAge < 0 {
			errs = append(errs, "logger.file.* values must be non-negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid logger.mode: %s", cfg.Logger.Mode))
	}

	if cfg.Datapath.BurstSize <= 0 {
		errs = append(errs, "datapath.burstSize must be > 0")
	}
	if cfg.Datapath.QuiesceEvery <= 0 {
		errs = append(errs, "datapath.quiesceEvery must be > 0")
	}
	if cfg.Datapath.ScratchSize <= 0 {
		errs = append(errs, "datapath.scratchSize must be > 0")
	}
	if cfg.Datapath.GracePeriod <= 0 {
		errs = append(errs, "datapath.gracePeriod must be > 0")
	}
	if len(cfg.Datapath.Ports) == 0 {
		errs = append(errs, "datapath.ports must list at least one port")
	}
	for _, p := range cfg.Datapath.Ports {
		if p.Name == "" {
			errs = append(errs, "datapath.ports[].name is required")
		}
		if p.NRxq <= 0 || p.NTxq <= 0 {
			errs = append(errs, fmt.Sprintf("port %q: nRxq/nTxq must be > 0", p.Name))
		}
	}
	if len(cfg.Datapath.Workers) == 0 {
		errs = append(errs, "datapath.workers must list at least one worker")
	}

	if cfg.Control.SockPath == "" {
		errs = append(errs, "control.sockPath must be set")
	}

	if cfg.Telemetry.Tracing.Enabled {
		switch cfg.Telemetry.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			errs = append(errs, fmt.Sprintf("invalid telemetry.tracing.exporter: %s", cfg.Telemetry.Tracing.Exporter))
		}
		if cfg.Telemetry.Tracing.Exporter == "otlp" && cfg.Telemetry.Tracing.Endpoint == "" {
			errs = append(errs, "telemetry.tracing.endpoint is required for exporter=otlp")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LogConfig prints the loaded configuration at DEBUG level.
func (cfg *Config) LogConfig(lgr logger.Logger) {
	lgr.Debug("loaded configuration",
		logger.F("logger.active", cfg.Logger.Active),
		logger.F("logger.level", cfg.Logger.Level),
		logger.F("logger.encoding", cfg.Logger.Encoding),
		logger.F("logger.mode", cfg.Logger.Mode),

		logger.F("datapath.burstSize", cfg.Datapath.BurstSize),
		logger.F("datapath.quiesceEvery", cfg.Datapath.QuiesceEvery),
		logger.F("datapath.scratchSize", cfg.Datapath.ScratchSize),
		logger.F("datapath.gracePeriod", cfg.Datapath.GracePeriod.String()),
		logger.F("datapath.numPorts", len(cfg.Datapath.Ports)),
		logger.F("datapath.numWorkers", len(cfg.Datapath.Workers)),

		logger.F("control.sockPath", cfg.Control.SockPath),

		logger.F("telemetry.tracing.enabled", cfg.Telemetry.Tracing.Enabled),
		logger.F("telemetry.tracing.exporter", cfg.Telemetry.Tracing.Exporter),
		logger.F("telemetry.tracing.endpoint", cfg.Telemetry.Tracing.Endpoint),
	)
}
