package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/NotEvenANeko/objc-sdk/config"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

var (
	configPath   string
	logLevel     string
	printVersion bool
)

// overwritten at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	parseFlags()
	if printVersion {
		fmt.Printf("%s\n", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	log, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %s\n", err)
		os.Exit(1)
	}
	log.Infof("rtmclient version %s starting up...", version)

	client, err := New(log, cfg, configPath)
	if err != nil {
		log.Errorf("failed to start: %s", err)
		os.Exit(1)
	}

	if err := client.Run(ctx); err != nil {
		log.Errorf("stopped with error: %s", err)
		os.Exit(1)
	}
	log.Infof("rtmclient stopped")
}

func parseFlags() {
	flag.StringVar(&configPath, "config", "", "Path to the yaml config file. RTM_* environment variables override it.")
	flag.StringVar(&logLevel, "logLevel", "", "The log level to use, overriding the config -- must be one of 'trace', 'debug', 'info', 'warn', 'error', 'disabled'")
	flag.BoolVar(&printVersion, "version", false, "Print the current version")
	flag.Parse()
}

func setupLogger(cfg *config.Config) (*logger.Logger, error) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed := logger.ToLogLevel(level)

	log, err := logger.New(&logger.Config{
		FilePath:       cfg.Log.File,
		ConsoleWriters: []io.Writer{os.Stdout},
		Color:          term.IsTerminal(int(os.Stdout.Fd())),
		LogLevel:       &parsed,
	})
	if err == nil {
		log.AddClientVersion(version)
	}
	return log, err
}
