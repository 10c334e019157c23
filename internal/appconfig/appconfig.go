// Package appconfig loads process configuration for the update-server
// binaries from flags and environment variables, and builds the
// console logger every binary uses. Grounded on
// telemetry/flow-ingest/cmd/server/main.go's loadConfig/newLogger/
// getenv* idiom.
package appconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"
)

// Config holds the settings shared by cmd/updateserver and
// cmd/mirrorctl.
type Config struct {
	ShowVersion bool
	Verbose     bool

	ListenAddr  string
	MetricsAddr string

	StoreBackend string // "zip", "dir", or "sql"
	StoreDir     string

	// StorePartitions holds "name=dir" pairs for multi-partition
	// deployments (spec.md §6's metadata/partitions/... layout): each
	// partition is opened with StoreBackend and merged into one working
	// store the engine attaches to. Empty means single-partition mode
	// using StoreDir directly.
	StorePartitions []string

	DeploySyncDir string

	PollInterval time.Duration
}

const (
	defaultListenAddr  = ":8080"
	defaultMetricsAddr = ":9090"
	defaultStoreDir    = "./data/store"
	defaultDeploySync  = "./data"
	defaultPollSeconds = 300
)

// Load reads .env if present, then parses flags (falling back to
// environment variables per field, matching the teacher's
// flag.StringVar(&x, "...", getenv("X", default), "...") pattern).
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	var pollSeconds int

	fs := flag.NewFlagSet("updateserver", flag.ContinueOnError)
	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "address to serve the sync HTTP transport on (env: LISTEN_ADDR)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address for a separate prometheus metrics listener; not read by either binary, /metrics is served on listen-addr (env: METRICS_ADDR)")
	fs.StringVar(&cfg.StoreBackend, "store-backend", getenv("STORE_BACKEND", "dir"), "metadata store backend: zip, dir, or sql (env: STORE_BACKEND)")
	fs.StringVar(&cfg.StoreDir, "store-dir", getenv("STORE_DIR", defaultStoreDir), "metadata store directory, used when store-partitions is empty (env: STORE_DIR)")
	var partitionsCSV string
	fs.StringVar(&partitionsCSV, "store-partitions", getenv("STORE_PARTITIONS", ""), "comma-separated name=dir pairs, one per partition (env: STORE_PARTITIONS)")
	fs.StringVar(&cfg.DeploySyncDir, "deploy-sync-dir", getenv("DEPLOY_SYNC_DIR", defaultDeploySync), "deployment/sync side-store directory (env: DEPLOY_SYNC_DIR)")
	fs.IntVar(&pollSeconds, "poll-interval-seconds", getenvInt("POLL_INTERVAL_SECONDS", defaultPollSeconds), "mirror poll interval in seconds (env: POLL_INTERVAL_SECONDS)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.PollInterval = time.Duration(pollSeconds) * time.Second
	cfg.StorePartitions = splitCSV(partitionsCSV)

	if cfg.ShowVersion {
		return cfg, nil
	}
	switch cfg.StoreBackend {
	case "zip", "dir", "sql":
	default:
		return Config{}, fmt.Errorf("appconfig: unknown store backend %q (want zip, dir, or sql)", cfg.StoreBackend)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// NewLogger builds the console logger every binary uses, matching the
// teacher's tint.NewHandler setup with millisecond-precision RFC3339
// timestamps.
func NewLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
