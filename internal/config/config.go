package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Device struct {
		// ArenaSize is the size of the device-visible DMA arena in bytes.
		ArenaSize uint32 `yaml:"arenaSize"`
		// ExecLatency models how long the accelerator takes to retire
		// one instruction.
		ExecLatency time.Duration `yaml:"execLatency"`
		// WaitTimeout bounds synchronous completion waits issued by the
		// runtime; zero waits indefinitely.
		WaitTimeout  time.Duration `yaml:"waitTimeout"`
		PEEnableMask uint32        `yaml:"peEnableMask"`
		ClockMHz     uint32        `yaml:"clockMHz"`
		// PowerMode: 0 performance, 1 balanced, 2 power save.
		PowerMode uint32 `yaml:"powerMode"`
		// CachePolicy: 0 write-through, 1 write-back.
		CachePolicy uint32 `yaml:"cachePolicy"`
		DebugLevel  uint32 `yaml:"debugLevel"`
	} `yaml:"device"`
	Telemetry struct {
		PollInterval time.Duration `yaml:"pollInterval"`
	} `yaml:"telemetry"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.Logger.Verbosity = "info"
	cfg.Device.ArenaSize = 64 << 20
	cfg.Device.ExecLatency = 2 * time.Millisecond
	cfg.Device.WaitTimeout = 5 * time.Second
	cfg.Device.PEEnableMask = 0xFFFF
	cfg.Device.ClockMHz = 250
	cfg.Telemetry.PollInterval = 5 * time.Second
	cfg.Metrics.Listen = ":9100"
	return &cfg
}
