// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Front    FrontConfig    `mapstructure:"front"`
	Back     BackConfig     `mapstructure:"back"`
	Poll     PollConfig     `mapstructure:"poll"`
	Topology TopologyConfig `mapstructure:"topology"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// FrontConfig defines the bus on which a field master polls the bridge
type FrontConfig struct {
	Type   string       `mapstructure:"type"`   // "rtu", "rtu-over-tcp", "mbserver"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "rtu" or "mbserver"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "rtu-over-tcp"
}

// BackConfig defines the bus on which the bridge is master
type BackConfig struct {
	Type      string        `mapstructure:"type"` // "rtu", "rtu-over-tcp", "local"
	Serial    SerialConfig  `mapstructure:"serial"`
	Tcp       TcpConfig     `mapstructure:"tcp"`
	Timeout   time.Duration `mapstructure:"timeout"`    // Per request
	QueueSize int           `mapstructure:"queue_size"` // Outstanding requests
}

// PollConfig bounds the delay between two poll requests
type PollConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Tick     time.Duration `mapstructure:"tick"`
}

// TopologyConfig locates the topology file
type TopologyConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"` // Reload on external edits
}

// CacheConfig defines how cached register values survive restarts
type CacheConfig struct {
	Persistence   PersistenceConfig `mapstructure:"persistence"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// MetricsConfig defines the Prometheus endpoint; empty address disables it
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:4001" or "192.168.1.100:4001"
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// BaudRates lists the line speeds an interface may be set to.
var BaudRates = []int{9600, 19200, 38400, 57600, 115200}

// Flags returns the command-line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-bridge", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to config file")
	fs.StringP("log-level", "v", "", "Log level (debug, info, warn, error)")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("front.type", "rtu")
	v.SetDefault("back.type", "rtu")
	v.SetDefault("back.timeout", 500*time.Millisecond)
	v.SetDefault("back.queue_size", 32)
	v.SetDefault("poll.min_delay", 10*time.Millisecond)
	v.SetDefault("poll.max_delay", time.Second)
	v.SetDefault("poll.tick", 5*time.Millisecond)
	v.SetDefault("topology.path", "topology.yaml")
	v.SetDefault("topology.watch", true)
	v.SetDefault("cache.persistence.type", "memory")
	v.SetDefault("cache.flush_interval", 5*time.Second)
}

// Load reads the configuration named by the parsed flags, or searches the
// default locations when no file is given.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := ""
	if flags != nil {
		configFile, _ = flags.GetString("config")
		if f := flags.Lookup("log-level"); f != nil && f.Changed {
			if err := v.BindPFlag("log.level", f); err != nil {
				return nil, fmt.Errorf("failed to bind log level flag: %w", err)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusbridge/")
		v.AddConfigPath("$HOME/.modbusbridge")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Without a file the defaults and flags apply; Validate still needs
		// the serial devices.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&config.Front.Serial)
	fixupSerial(&config.Back.Serial)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}

// Validate checks the settings the bridge cannot run without.
func (c *Config) Validate() error {
	switch c.Front.Type {
	case "rtu", "mbserver":
		if err := c.Front.Serial.Validate(); err != nil {
			return fmt.Errorf("front: %w", err)
		}
	case "rtu-over-tcp":
		if c.Front.Tcp.Address == "" {
			return errors.New("front: tcp address is required")
		}
	default:
		return fmt.Errorf("front: unknown type %q", c.Front.Type)
	}

	switch c.Back.Type {
	case "rtu":
		if err := c.Back.Serial.Validate(); err != nil {
			return fmt.Errorf("back: %w", err)
		}
	case "rtu-over-tcp":
		if c.Back.Tcp.Address == "" {
			return errors.New("back: tcp address is required")
		}
	case "local":
	default:
		return fmt.Errorf("back: unknown type %q", c.Back.Type)
	}
	if c.Back.QueueSize < 1 {
		return fmt.Errorf("back: queue_size %d must be at least 1", c.Back.QueueSize)
	}
	if c.Back.Timeout <= 0 {
		return fmt.Errorf("back: timeout %s must be positive", c.Back.Timeout)
	}

	if c.Poll.MinDelay <= 0 {
		return fmt.Errorf("poll: min_delay %s must be positive", c.Poll.MinDelay)
	}
	if c.Poll.MaxDelay < c.Poll.MinDelay {
		return fmt.Errorf("poll: max_delay %s is below min_delay %s", c.Poll.MaxDelay, c.Poll.MinDelay)
	}

	switch c.Cache.Persistence.Type {
	case "", "memory":
	case "file", "mmap":
		if c.Cache.Persistence.Path == "" {
			return fmt.Errorf("cache: %s persistence needs a path", c.Cache.Persistence.Type)
		}
	default:
		return fmt.Errorf("cache: unknown persistence type %q", c.Cache.Persistence.Type)
	}

	if c.Topology.Path == "" {
		return errors.New("topology: path is required")
	}
	return nil
}

// Validate checks the interface settings of a serial line.
func (s SerialConfig) Validate() error {
	if s.Device == "" {
		return errors.New("serial device is required")
	}
	valid := false
	for _, b := range BaudRates {
		if s.BaudRate == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unsupported baud rate %d", s.BaudRate)
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return fmt.Errorf("unsupported data bits %d", s.DataBits)
	}
	if s.StopBits < 1 || s.StopBits > 2 {
		return fmt.Errorf("unsupported stop bits %d", s.StopBits)
	}
	switch s.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("unsupported parity %q", s.Parity)
	}
	return nil
}
