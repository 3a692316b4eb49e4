package cmd

import (
	"errors"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/hitcapture/packages/core/config"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var (
	configFlag   string
	logLevelFlag string
	logFileFlag  string
	noColorFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "hitcapture",
	Short: "Record HTTP and HTTPS traffic into HAR files.",
	Long: `hitcapture runs a local intercepting proxy that decrypts TLS with its own
certificate authority, undoes transport compression and records every
request/response exchange as an HTTP Archive (HAR 1.2).`,
	SilenceUsage: true,
}

func Execute(v, bt string) {
	version = v
	buildTime = bt
	if err := rootCmd.Execute(); err != nil {
		var ce *codedError
		if errors.As(err, &ce) {
			os.Exit(ce.code)
		}
		os.Exit(ExitFailure)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", getEnvString("HITCAPTURE_CONFIG", ""), "Config file (default: .hitcapture.yaml in the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", getEnvString("HITCAPTURE_LOG_LEVEL", ""), "Log level: debug, info, warn, error (env: HITCAPTURE_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "Also write JSON logs to this file, rotated by size")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", getEnvBool("HITCAPTURE_NO_COLOR", false), "Disable colored output (env: HITCAPTURE_NO_COLOR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and applies the global flags over it
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	override := &config.Config{LogLevel: logLevelFlag, LogFile: logFileFlag}
	if noColorFlag {
		override.NoColor = config.BoolPtr(true)
	}
	return cfg.Merge(override), nil
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Console: os.Stderr,
		NoColor: cfg.GetNoColor(),
		File:    cfg.LogFile,
	})
}

// codedError carries the process exit code for an error
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ExitFailure
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
