// Package main implements the scansync terminal: an offline-first scanner that keeps every
// record locally and reconciles it with the coordinator when the network allows.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/localstore"
	"github.com/cybertec-postgresql/scansync/internal/log"
	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/syncqueue"
	"github.com/cybertec-postgresql/scansync/internal/terminal"
	"github.com/cybertec-postgresql/scansync/internal/transport"
)

// S3Options configures the optional S3 backup target
type S3Options struct {
	Bucket    string `long:"s3-bucket" env:"SCANSYNC_S3_BUCKET" description:"Bucket receiving periodic backups"`
	Prefix    string `long:"s3-prefix" env:"SCANSYNC_S3_PREFIX" description:"Object key prefix for backups"`
	Region    string `long:"s3-region" env:"SCANSYNC_S3_REGION" description:"Bucket region" default:"us-east-1"`
	Endpoint  string `long:"s3-endpoint" env:"SCANSYNC_S3_ENDPOINT" description:"Custom endpoint, e.g. a MinIO URL"`
	AccessKey string `long:"s3-access-key" env:"SCANSYNC_S3_ACCESS_KEY" description:"Static access key"`
	SecretKey string `long:"s3-secret-key" env:"SCANSYNC_S3_SECRET_KEY" description:"Static secret key"`
}

// Config holds the terminal configuration
type Config struct {
	Name          string   `short:"n" env:"SCANSYNC_NAME" long:"name" description:"Terminal name, unique per coordinator"`
	Role          string   `short:"r" env:"SCANSYNC_ROLE" long:"role" description:"Terminal role" choice:"entry-producer" choice:"exit-validator" choice:"admin" default:"entry-producer"`
	Coordinator   string   `short:"c" env:"SCANSYNC_COORDINATOR" long:"coordinator" description:"Coordinator base URL" default:"http://localhost:8080"`
	Delivery      string   `long:"delivery" env:"SCANSYNC_DELIVERY" description:"Delivery transport" choice:"ws" choice:"http" default:"ws"`
	Policy        string   `long:"policy" env:"SCANSYNC_POLICY" description:"Conflict policy for directory entries" choice:"local_wins" choice:"server_wins" default:"local_wins"`
	Store         string   `long:"store" env:"SCANSYNC_STORE" description:"Primary local store" choice:"sqlite" choice:"dir" choice:"memory" default:"sqlite"`
	DataDir       string   `short:"d" env:"SCANSYNC_DATA_DIR" long:"data-dir" description:"Directory holding local state" default:"./scansync-data"`
	EmergencyDir  string   `long:"emergency-dir" env:"SCANSYNC_EMERGENCY_DIR" description:"Fallback directory for records the primary store rejects (default <data-dir>/emergency)"`
	BackupDirs    []string `long:"backup-dir" env:"SCANSYNC_BACKUP_DIRS" env-delim:"," description:"Directory receiving periodic backups, repeatable (default <data-dir>/backup-1 and <data-dir>/backup-2)"`
	ChunkCapacity int      `long:"chunk-capacity" env:"SCANSYNC_CHUNK_CAPACITY" description:"Records per local chunk" default:"1000"`
	BatchSize     int      `long:"batch-size" env:"SCANSYNC_BATCH_SIZE" description:"Items per reconciliation batch" default:"100"`
	BatchDelay    string   `long:"batch-delay" env:"SCANSYNC_BATCH_DELAY" description:"Pause between batches" default:"250ms"`
	MaxRetries    int      `long:"max-retries" env:"SCANSYNC_MAX_RETRIES" description:"Delivery attempts before an item is dead-lettered" default:"3"`
	Heartbeat     string   `long:"heartbeat" env:"SCANSYNC_HEARTBEAT" description:"Heartbeat interval" default:"30s"`
	Liveness      string   `long:"liveness-timeout" env:"SCANSYNC_LIVENESS_TIMEOUT" description:"Reconnect when the coordinator stays silent this long" default:"90s"`
	AckTimeout    string   `long:"ack-timeout" env:"SCANSYNC_ACK_TIMEOUT" description:"How long a delivery waits for its acknowledgment" default:"15s"`
	LogLevel      string   `short:"l" env:"SCANSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`

	S3      S3Options `group:"S3 backup"`
	Version bool      `short:"v" long:"version" description:"Show version information"`
	Help    bool
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
	batchDelay time.Duration
	heartbeat  time.Duration
	liveness   time.Duration
	ackTimeout time.Duration
}

func (c *Config) durations() (t timings, err error) {
	if t.batchDelay, err = time.ParseDuration(c.BatchDelay); err != nil {
		return t, fmt.Errorf("invalid --batch-delay: %w", err)
	}
	if t.heartbeat, err = time.ParseDuration(c.Heartbeat); err != nil {
		return t, fmt.Errorf("invalid --heartbeat: %w", err)
	}
	if t.liveness, err = time.ParseDuration(c.Liveness); err != nil {
		return t, fmt.Errorf("invalid --liveness-timeout: %w", err)
	}
	if t.liveness > 0 && t.liveness <= t.heartbeat {
		return t, fmt.Errorf("invalid --liveness-timeout: %s does not exceed the heartbeat interval %s", t.liveness, t.heartbeat)
	}
	if t.ackTimeout, err = time.ParseDuration(c.AckTimeout); err != nil {
		return t, fmt.Errorf("invalid --ack-timeout: %w", err)
	}
	return t, nil
}

// wsURL turns the coordinator base URL into its websocket endpoint
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// openBackends opens the primary, emergency and backup backends. Closers are returned in
// opening order.
func openBackends(ctx context.Context, c *Config) (opts localstore.Options, closers []io.Closer, err error) {
	defer func() {
		if err != nil {
			for _, cl := range closers {
				_ = cl.Close()
			}
			closers = nil
		}
	}()
	opts.Namespace = model.Role(c.Role).Namespace()
	opts.Capacity = c.ChunkCapacity

	switch c.Store {
	case "memory":
		opts.Primary = localstore.NewMemoryBackend()
	case "dir":
		b, err := localstore.OpenDir(filepath.Join(c.DataDir, "store"))
		if err != nil {
			return opts, closers, err
		}
		opts.Primary = b
	default:
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return opts, closers, fmt.Errorf("failed to create data directory: %w", err)
		}
		b, err := localstore.OpenSQLite(ctx, filepath.Join(c.DataDir, "terminal.db"))
		if err != nil {
			return opts, closers, err
		}
		opts.Primary = b
	}
	closers = append(closers, opts.Primary)

	emergency := c.EmergencyDir
	if emergency == "" && c.Store != "memory" {
		emergency = filepath.Join(c.DataDir, "emergency")
	}
	if emergency != "" {
		b, err := localstore.OpenDir(emergency)
		if err != nil {
			return opts, closers, err
		}
		opts.Emergency = b
		closers = append(closers, b)
	}

	for _, dir := range backupDirs(c) {
		b, err := localstore.OpenDir(dir)
		if err != nil {
			return opts, closers, err
		}
		opts.Backups = append(opts.Backups, b)
		closers = append(closers, b)
	}
	if c.S3.Bucket != "" {
		b, err := localstore.OpenS3(ctx, localstore.S3Config{
			Bucket:       c.S3.Bucket,
			Prefix:       c.S3.Prefix,
			Region:       c.S3.Region,
			BaseEndpoint: c.S3.Endpoint,
			AccessKey:    c.S3.AccessKey,
			SecretKey:    c.S3.SecretKey,
		})
		if err != nil {
			return opts, closers, err
		}
		opts.Backups = append(opts.Backups, b)
		closers = append(closers, b)
	}
	return opts, closers, nil
}

// backupDirs returns the configured backup directories. Persistent stores get two local
// backups by default; S3 comes on top when a bucket is set.
func backupDirs(c *Config) []string {
	if len(c.BackupDirs) > 0 || c.Store == "memory" {
		return c.BackupDirs
	}
	return []string{filepath.Join(c.DataDir, "backup-1"), filepath.Join(c.DataDir, "backup-2")}
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("scansync terminal version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output. Logs go to stderr so
// command replies on stdout stay readable.
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetOutput(os.Stderr)
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("scansync terminal logging initialized")
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
	if config.Name == "" {
		logrus.Fatal("--name is required")
	}
	t, err := config.durations()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	storeOpts, closers, err := openBackends(ctx, config)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open local storage")
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	store, err := localstore.Open(ctx, storeOpts)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open local store")
	}

	role := model.Role(config.Role)
	opts := terminal.Options{
		Role:  role,
		Name:  config.Name,
		Store: store,
		Config: terminal.Config{
			Queue: syncqueue.Config{
				BatchSize:  config.BatchSize,
				BatchDelay: t.batchDelay,
				MaxRetries: config.MaxRetries,
			},
		},
	}
	if config.Delivery == "http" {
		opts.Deliverer = transport.NewHTTPClient(config.Coordinator, t.ackTimeout, config.Policy)
	} else {
		cfg := transport.DefaultConfig(role, config.Name)
		cfg.HeartbeatInterval = t.heartbeat
		cfg.LivenessTimeout = t.liveness
		cfg.AckTimeout = t.ackTimeout
		cfg.Policy = config.Policy
		session := transport.NewSession(cfg, transport.WSDialer{URL: wsURL(config.Coordinator)})
		opts.Deliverer = session
		opts.Link = session
	}

	agent, err := terminal.Open(ctx, opts)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start terminal")
	}

	go func() {
		if runCommands(ctx, agent, os.Stdin, os.Stdout) {
			cancel()
		}
	}()
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Terminal failed")
	}
	logrus.Info("Graceful shutdown completed")
}
