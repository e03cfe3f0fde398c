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
		MemorySize    int64 `yaml:"memorySize"`    // total device memory budget in bytes
		MaxAllocSize  int64 `yaml:"maxAllocSize"`  // largest single allocation in bytes
		Granularity   int64 `yaml:"granularity"`   // allocation granularity in bytes
		NumEngines    int   `yaml:"numEngines"`
		MaxBatchSize  int   `yaml:"maxBatchSize"`
		MaxBuffers    int   `yaml:"maxBuffers"`
		MaxModels     int   `yaml:"maxModels"`
		PinHostMemory bool  `yaml:"pinHostMemory"` // mlock imported host ranges (Linux only)
	} `yaml:"device"`
	DMA struct {
		Channels    int           `yaml:"channels"`
		SyncTimeout time.Duration `yaml:"syncTimeout"`
	} `yaml:"dma"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default mirrors the capabilities the simulated hardware advertises.
func Default() *Config {
	cfg := &Config{}
	cfg.Logger.Verbosity = "info"
	cfg.Device.MemorySize = 1 << 30    // 1 GB
	cfg.Device.MaxAllocSize = 64 << 20 // 64 MB
	cfg.Device.Granularity = 4096
	cfg.Device.NumEngines = 4
	cfg.Device.MaxBatchSize = 64
	cfg.Device.MaxBuffers = 1024
	cfg.Device.MaxModels = 64
	cfg.DMA.Channels = 4
	cfg.DMA.SyncTimeout = 5 * time.Second
	cfg.Metrics.ListenAddress = ":9090"
	return cfg
}

// LoadConfig reads path and overlays it on the defaults.
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
