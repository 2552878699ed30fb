// Package main implements the scansync coordinator: the central ingestion endpoint, the device
// registry and the websocket fanout for scanning terminals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/coordinator"
	"github.com/cybertec-postgresql/scansync/internal/db"
	"github.com/cybertec-postgresql/scansync/internal/etcd"
	"github.com/cybertec-postgresql/scansync/internal/log"
)

// Config holds the coordinator configuration
type Config struct {
	PostgresDSN       string `short:"p" env:"SCANSYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string"`
	EtcdDSN           string `short:"e" env:"SCANSYNC_ETCD_DSN" long:"etcd-dsn" description:"Optional etcd connection string for presence mirroring and multi-coordinator directory notifications"`
	Listen            string `short:"a" env:"SCANSYNC_LISTEN" long:"listen" description:"HTTP listen address" default:":8080"`
	Name              string `short:"n" env:"SCANSYNC_NAME" long:"name" description:"Coordinator name announced to devices" default:"scansync-coordinator"`
	LogLevel          string `short:"l" env:"SCANSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LivenessTimeout   string `long:"liveness-timeout" env:"SCANSYNC_LIVENESS_TIMEOUT" description:"Evict devices silent for longer than this" default:"90s"`
	SweepInterval     string `long:"sweep-interval" env:"SCANSYNC_SWEEP_INTERVAL" description:"How often the registry looks for silent devices" default:"10s"`
	StatusDwell       string `long:"status-dwell" env:"SCANSYNC_STATUS_DWELL" description:"How long network status must hold before it is broadcast" default:"5s"`
	DirectoryDebounce string `long:"directory-debounce" env:"SCANSYNC_DIRECTORY_DEBOUNCE" description:"Coalesce directory broadcasts within this window" default:"500ms"`
	PresenceTTL       string `long:"presence-ttl" env:"SCANSYNC_PRESENCE_TTL" description:"Lease TTL of device presence keys in etcd" default:"90s"`
	Version           bool   `short:"v" long:"version" description:"Show version information"`
	Help              bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 {
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

type timings struct {
	registry coordinator.RegistryConfig
	debounce time.Duration
	ttl      time.Duration
}

// durations parses every duration option at once so a typo fails before anything connects
func (c *Config) durations() (t timings, err error) {
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"liveness-timeout", c.LivenessTimeout, &t.registry.LivenessTimeout},
		{"sweep-interval", c.SweepInterval, &t.registry.SweepInterval},
		{"status-dwell", c.StatusDwell, &t.registry.StatusDwell},
		{"directory-debounce", c.DirectoryDebounce, &t.debounce},
		{"presence-ttl", c.PresenceTTL, &t.ttl},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return t, fmt.Errorf("invalid --%s: %w", f.name, err)
		}
		if d < 0 {
			return t, fmt.Errorf("invalid --%s: negative duration", f.name)
		}
		*f.dst = d
	}
	// refresh well inside the lease so one missed call does not expire a live device
	t.registry.PresenceRefresh = t.ttl / 3
	return t, nil
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("scansync coordinator version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("scansync coordinator logging initialized")
	return nil
}

// SetupCloseHandler cancels the root context on SIGINT or SIGTERM
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Shutting down...")
		cancel()
	}()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}
	if config.PostgresDSN == "" {
		logrus.Fatal("--postgres-dsn is required")
	}
	t, err := config.durations()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	pool, err := db.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	defer pool.Close()
	if err := db.MigrateWithRetry(ctx, pool); err != nil {
		logrus.WithError(err).Fatal("Failed to apply migrations")
	}

	registry := coordinator.NewRegistry(t.registry)
	ingestor := coordinator.NewIngestor(coordinator.NewPostgresRepository(pool))
	hub := coordinator.NewHub(coordinator.HubConfig{Name: config.Name, DirectoryDebounce: t.debounce}, registry, ingestor)
	defer hub.Close()

	if config.EtcdDSN != "" {
		client, err := etcd.NewClientWithRetry(ctx, config.EtcdDSN)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to etcd after retries")
		}
		defer client.Close()
		registry.SetPresence(etcd.NewPresenceMirror(client, t.ttl))

		notifier := etcd.NewDirectoryNotifier(client, config.Name+"/"+uuid.NewString())
		hub.SetDirectoryBumper(notifier)
		go notifier.Watch(ctx, func(etcd.DirectoryVersion) { hub.RemoteDirectoryChanged() })
		logrus.WithField("prefix", client.Prefix()).Info("Cluster mirroring enabled")
	}

	go registry.Start(ctx)

	api := coordinator.NewAPI(ingestor, registry, hub)
	if err := coordinator.Serve(ctx, config.Listen, api.Handler()); err != nil {
		logrus.WithError(err).Fatal("HTTP server failed")
	}
	logrus.Info("Graceful shutdown completed")
}
