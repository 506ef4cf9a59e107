package utils

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// StackConfig mirrors the raster stack options that may be set from YAML.
type StackConfig struct {
	Width        int       `yaml:"width"`
	Height       int       `yaml:"height"`
	BBox         []float64 `yaml:"bbox"`
	CRS          string    `yaml:"crs"`
	Bands        []string  `yaml:"bands"`
	Concurrency  int       `yaml:"concurrency"`
	MosaicMethod string    `yaml:"mosaic_method"`
	Tolerate     []string  `yaml:"tolerate"`
	NoData       *float64  `yaml:"nodata"`
	Verbose      bool      `yaml:"verbose"`
}

type WorkerConfig struct {
	Address         string   `yaml:"address"`
	PoolSize        int      `yaml:"pool_size"`
	DataDir         string   `yaml:"data_dir"`
	MemcacheServers []string `yaml:"memcache_servers"`
	MaxMsgSize      int      `yaml:"max_msg_size"`
}

type MetricsConfig struct {
	LogDir         string `yaml:"log_dir"`
	MaxLogFileSize int64  `yaml:"max_log_file_size"`
	MaxLogFiles    int    `yaml:"max_log_files"`
	HTTPAddress    string `yaml:"http_address"`
}

type Config struct {
	Stack   StackConfig   `yaml:"stack"`
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
}

const (
	DefaultWorkerAddress = ":6000"
	DefaultPoolSize      = 8
	DefaultMaxMsgSize    = 100 * 1024 * 1024
)

// LoadConfig reads a YAML config file and fills in worker defaults.
func LoadConfig(filename string) (*Config, error) {
	rawData, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(rawData)
}

func ParseConfig(rawData []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(rawData, config); err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	if len(config.Worker.Address) == 0 {
		config.Worker.Address = DefaultWorkerAddress
	}
	if config.Worker.PoolSize <= 0 {
		config.Worker.PoolSize = DefaultPoolSize
	}
	if config.Worker.MaxMsgSize <= 0 {
		config.Worker.MaxMsgSize = DefaultMaxMsgSize
	}
	return config, nil
}

func (c *Config) validate() error {
	s := c.Stack
	if len(s.BBox) != 0 && len(s.BBox) != 4 {
		return fmt.Errorf("config: stack.bbox needs 4 values, got %d", len(s.BBox))
	}
	if (s.Width > 0) != (s.Height > 0) {
		return fmt.Errorf("config: stack.width and stack.height must be set together")
	}
	if s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("config: negative stack dimensions %dx%d", s.Width, s.Height)
	}
	if len(s.CRS) > 0 {
		if _, err := ExtractEPSGCode(s.CRS); err != nil {
			return fmt.Errorf("config: stack.crs: %w", err)
		}
	}
	return nil
}
