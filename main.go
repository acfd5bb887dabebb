package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kyxap1/geoecho/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfg    *config.Config
	logger *logrus.Logger
)

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Warnf("Failed to load .env: %v", err)
	}
	cfg = config.LoadConfig()
	setLogLevel(cfg.LogLevel)
	setLogFile(cfg.LogFile)
}

// setLogLevel applies level to the shared logger, falling back to info
func setLogLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, using info", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// setLogFile additionally writes logs to a size-rotated file when path is set
func setLogFile(path string) {
	if path == "" {
		return
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 10,
		Compress:   true,
	}))
}

// newRootCmd builds the command tree bound to the package configuration
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "geoecho",
		Short:         "Echo the caller's IP and geolocation as JSON",
		Long:          `GeoEcho answers every HTTP request with the caller's connecting IP and geolocation metadata, taken from edge headers or local MaxMind databases.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setLogLevel(cfg.LogLevel)
			if cmd.Flags().Changed("log-file") {
				setLogFile(cfg.LogFile)
			}
		},
		RunE: runServer,
	}

	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "HTTP port to listen on")
	flags.IntVar(&cfg.HTTPSPort, "https-port", cfg.HTTPSPort, "HTTPS port to listen on")
	flags.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "Admin port for health, stats and metrics (0 disables)")
	flags.BoolVar(&cfg.EnableTLS, "enable-tls", cfg.EnableTLS, "Enable TLS/HTTPS")
	flags.StringVar(&cfg.CertFile, "cert-file", cfg.CertFile, "Path to TLS certificate file")
	flags.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "Path to TLS private key file")
	flags.StringVar(&cfg.CertPath, "cert-path", cfg.CertPath, "Directory for generated certificates")
	flags.StringVar(&cfg.IPHeader, "ip-header", cfg.IPHeader, "Header carrying the connecting IP (empty uses the peer address)")
	flags.BoolVar(&cfg.TrustEdgeHeaders, "trust-edge-headers", cfg.TrustEdgeHeaders, "Read geolocation from edge request headers")
	flags.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Path to GeoIP database directory")
	flags.StringVar(&cfg.MaxMindLicense, "maxmind-license", cfg.MaxMindLicense, "MaxMind license key")
	flags.BoolVar(&cfg.AutoUpdate, "auto-update", cfg.AutoUpdate, "Enable automatic database updates")
	flags.StringVar(&cfg.UpdateInterval, "update-interval", cfg.UpdateInterval, "Database update interval (cron format)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this file, rotated by size")
	flags.BoolVar(&cfg.GenerateCerts, "generate-certs", cfg.GenerateCerts, "Generate a self-signed certificate when none exists")
	flags.IntVar(&cfg.CertValidDays, "cert-valid-days", cfg.CertValidDays, "Certificate validity period in days")
	flags.StringVar(&cfg.CertHosts, "cert-hosts", cfg.CertHosts, "Certificate hosts (comma-separated)")

	// Cache flags
	flags.BoolVar(&cfg.CacheEnabled, "cache-enabled", cfg.CacheEnabled, "Enable lookup caching")
	flags.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Cache TTL duration")
	flags.IntVar(&cfg.CacheMaxEntries, "cache-max-entries", cfg.CacheMaxEntries, "Maximum cache entries")

	rootCmd.AddCommand(
		newUpdateCmd(),
		newStatusCmd(),
		newRollbackCmd(),
		newVersionCmd(),
		newCertCmd(),
		newLookupCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
