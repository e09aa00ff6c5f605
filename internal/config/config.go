package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dbgbridge/internal/backoff"
	"github.com/danmuck/dbgbridge/internal/broadcast"
	"github.com/danmuck/dbgbridge/internal/protocol/frame"
	"github.com/danmuck/dbgbridge/internal/serialport"
)

// Config is the complete bridge runtime configuration.
type Config struct {
	Serial      serialport.Config
	ReadChunk   int
	Limits      frame.Limits
	Channels    ChannelsConfig
	Backoff     backoff.Config
	MetricsAddr string
}

// ChannelsConfig holds the per-category broadcast ports.
type ChannelsConfig struct {
	BindHost     string
	TreePort     int
	LogPort      int
	BinPort      int
	PollTimeout  time.Duration
	WriteTimeout time.Duration
}

type fileConfig struct {
	Serial struct {
		Device      string `toml:"device"`
		Baud        int    `toml:"baud"`
		ReadTimeout string `toml:"read_timeout"`
		ReadChunk   int    `toml:"read_chunk"`
	} `toml:"serial"`
	Buffer struct {
		MaxBytes         int `toml:"max_bytes"`
		MaxBinaryPayload int `toml:"max_binary_payload"`
	} `toml:"buffer"`
	Channels struct {
		BindHost     string `toml:"bind_host"`
		TreePort     int    `toml:"tree_port"`
		LogPort      int    `toml:"log_port"`
		BinPort      int    `toml:"bin_port"`
		PollTimeout  string `toml:"poll_timeout"`
		WriteTimeout string `toml:"write_timeout"`
	} `toml:"channels"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
	Backoff struct {
		Initial    string  `toml:"initial"`
		Max        string  `toml:"max"`
		Multiplier float64 `toml:"multiplier"`
	} `toml:"backoff"`
}

func Default() Config {
	bc := broadcast.DefaultConfig()
	return Config{
		Serial:    serialport.DefaultConfig(),
		ReadChunk: 4096,
		Limits:    frame.DefaultLimits(),
		Channels: ChannelsConfig{
			BindHost:     "0.0.0.0",
			TreePort:     3030,
			LogPort:      3031,
			BinPort:      3032,
			PollTimeout:  bc.PollTimeout,
			WriteTimeout: bc.WriteTimeout,
		},
		Backoff: backoff.DefaultConfig(),
	}
}

// Port returns the TCP port for a category, or 0 for unknown categories.
func (c ChannelsConfig) Port(cat frame.Category) int {
	switch cat {
	case frame.CategoryTree:
		return c.TreePort
	case frame.CategoryLog:
		return c.LogPort
	case frame.CategoryBinary:
		return c.BinPort
	default:
		return 0
	}
}

// Broadcast returns the server configuration for one category.
func (c ChannelsConfig) Broadcast(cat frame.Category) broadcast.Config {
	return broadcast.Config{
		Name:         strings.ToLower(cat.String()),
		Addr:         net.JoinHostPort(c.BindHost, strconv.Itoa(c.Port(cat))),
		PollTimeout:  c.PollTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// Load reads a TOML file and applies the keys it defines over Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML bytes the same way Load does.
func Parse(data []byte) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	cfg := Default()
	if meta.IsDefined("serial", "device") {
		cfg.Serial.Device = strings.TrimSpace(raw.Serial.Device)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Serial.BaudRate = raw.Serial.Baud
	}
	if meta.IsDefined("serial", "read_timeout") {
		if cfg.Serial.ReadTimeout, err = parseDuration("serial.read_timeout", raw.Serial.ReadTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("serial", "read_chunk") {
		cfg.ReadChunk = raw.Serial.ReadChunk
	}

	if meta.IsDefined("buffer", "max_bytes") {
		cfg.Limits.MaxBufferBytes = raw.Buffer.MaxBytes
	}
	if meta.IsDefined("buffer", "max_binary_payload") {
		cfg.Limits.MaxBinaryPayload = raw.Buffer.MaxBinaryPayload
	}

	if meta.IsDefined("channels", "bind_host") {
		cfg.Channels.BindHost = strings.TrimSpace(raw.Channels.BindHost)
	}
	if meta.IsDefined("channels", "tree_port") {
		cfg.Channels.TreePort = raw.Channels.TreePort
	}
	if meta.IsDefined("channels", "log_port") {
		cfg.Channels.LogPort = raw.Channels.LogPort
	}
	if meta.IsDefined("channels", "bin_port") {
		cfg.Channels.BinPort = raw.Channels.BinPort
	}
	if meta.IsDefined("channels", "poll_timeout") {
		if cfg.Channels.PollTimeout, err = parseDuration("channels.poll_timeout", raw.Channels.PollTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("channels", "write_timeout") {
		if cfg.Channels.WriteTimeout, err = parseDuration("channels.write_timeout", raw.Channels.WriteTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("metrics", "addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}

	if meta.IsDefined("backoff", "initial") {
		if cfg.Backoff.InitialDelay, err = parseDuration("backoff.initial", raw.Backoff.Initial); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("backoff", "max") {
		if cfg.Backoff.MaxDelay, err = parseDuration("backoff.max", raw.Backoff.Max); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Serial.Device) == "" {
		return errors.New("serial device is required")
	}
	if cfg.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial baud must be positive: %d", cfg.Serial.BaudRate)
	}
	if cfg.Serial.ReadTimeout <= 0 {
		return fmt.Errorf("serial read_timeout must be positive: %v", cfg.Serial.ReadTimeout)
	}
	if cfg.ReadChunk <= 0 {
		return fmt.Errorf("serial read_chunk must be positive: %d", cfg.ReadChunk)
	}
	if cfg.Limits.MaxBufferBytes < frame.BinaryHeaderLen {
		return fmt.Errorf("buffer max_bytes too small: %d", cfg.Limits.MaxBufferBytes)
	}
	if cfg.Limits.MaxBinaryPayload < 0 || cfg.Limits.MaxBinaryPayload > math.MaxInt16 {
		return fmt.Errorf("buffer max_binary_payload out of range: %d", cfg.Limits.MaxBinaryPayload)
	}
	// The buffer must hold the largest BIN frame while it is still arriving.
	binaryCap := cfg.Limits.MaxBinaryPayload
	if binaryCap == 0 {
		binaryCap = math.MaxInt16
	}
	if need := frame.BinaryHeaderLen + binaryCap; cfg.Limits.MaxBufferBytes < need {
		return fmt.Errorf("buffer max_bytes %d cannot hold a %d byte binary frame", cfg.Limits.MaxBufferBytes, need)
	}
	seen := make(map[int]frame.Category)
	for _, cat := range frame.Categories() {
		port := cfg.Channels.Port(cat)
		if port <= 0 || port > 65535 {
			return fmt.Errorf("channel %s port out of range: %d", cat, port)
		}
		if other, dup := seen[port]; dup {
			return fmt.Errorf("channel %s port %d already used by %s", cat, port, other)
		}
		seen[port] = cat
	}
	if cfg.Channels.PollTimeout <= 0 {
		return fmt.Errorf("channels poll_timeout must be positive: %v", cfg.Channels.PollTimeout)
	}
	if cfg.Channels.WriteTimeout <= 0 {
		return fmt.Errorf("channels write_timeout must be positive: %v", cfg.Channels.WriteTimeout)
	}
	if cfg.Backoff.InitialDelay < 0 || cfg.Backoff.MaxDelay < 0 {
		return errors.New("backoff delays must not be negative")
	}
	if cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1: %v", cfg.Backoff.Multiplier)
	}
	return nil
}
