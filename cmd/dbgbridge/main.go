package main

import (
	"fmt"
	"os"

	"github.com/danmuck/dbgbridge/internal/bridge"
	"github.com/danmuck/dbgbridge/internal/config"
	"github.com/danmuck/dbgbridge/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	device      string
	baud        int
	metricsAddr string
	initConfig  string
	force       bool
	check       bool
}

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dbgbridge: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flags := pflag.NewFlagSet("dbgbridge", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	flags.StringVarP(&opts.device, "device", "d", "", "serial device (overrides config)")
	flags.IntVarP(&opts.baud, "baud", "b", 0, "serial baud rate (overrides config)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.StringVar(&opts.initConfig, "init-config", "", "write a default config to this path and exit")
	flags.BoolVar(&opts.force, "force", false, "overwrite the file given to --init-config")
	flags.BoolVar(&opts.check, "check", false, "validate the configuration and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: dbgbridge [flags] [device]\n\n%s", flags.FlagUsages())
	}
	return flags
}

func run(args []string) error {
	opts := options{}
	flags := newFlagSet(&opts)
	if err := flags.Parse(args); err != nil {
		return err
	}

	if opts.initConfig != "" {
		if err := config.WriteTemplate(opts.initConfig, opts.force); err != nil {
			return err
		}
		log.Info().Str("path", opts.initConfig).Msg("config written")
		return nil
	}

	cfg, err := loadConfig(opts, flags)
	if err != nil {
		return err
	}
	if opts.check {
		log.Info().Msg("config ok")
		return nil
	}

	log.Info().
		Str("device", cfg.Serial.Device).
		Int("baud", cfg.Serial.BaudRate).
		Int("tree_port", cfg.Channels.TreePort).
		Int("log_port", cfg.Channels.LogPort).
		Int("bin_port", cfg.Channels.BinPort).
		Msg("dbgbridge starting")
	return bridge.NewService(cfg).Run()
}

// loadConfig layers the config file, the positional device and explicit
// flags, in that order.
func loadConfig(opts options, flags *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if flags.NArg() > 1 {
		return config.Config{}, fmt.Errorf("expected at most one device argument, got %d", flags.NArg())
	}
	if flags.NArg() == 1 {
		cfg.Serial.Device = flags.Arg(0)
	}
	if flags.Changed("device") {
		cfg.Serial.Device = opts.device
	}
	if flags.Changed("baud") {
		cfg.Serial.BaudRate = opts.baud
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
