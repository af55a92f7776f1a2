package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"tinify-unlimited/internal/config"
	"tinify-unlimited/internal/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	version   = "dev"

	directory string
	recursive bool
	writeLog  bool
	proxy     string
	useExif   bool
	port      int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "tinify-unlimited",
	Short: "Batch-compress images through TinyPNG with automatic API key rotation",
	Long: `tinify-unlimited compresses JPEG, PNG and SVGA files through the TinyPNG
(Tinify) API. It keeps a pool of API keys, switches to the next key before
the active one reaches its monthly quota, and obtains new keys from a
configurable provisioning command.

Features:
- Concurrent compression with per-file retries
- Key pool with quota tracking and rotation
- Failed files are retried in rounds and remembered for the next run
- Already compressed files are recognised and skipped
- JSON compression logs and a live status server`,
	SilenceUsage: true,
}

// dirCmd compresses the images of one or more directories.
var dirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Compress every image in a directory",
	Long: `Compress every matching image directly inside a directory, or in the whole
tree with --recursive. Without --dir the directories are read interactively,
one per line, until an empty line.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDir()
	},
}

// fileCmd compresses a single file.
var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Compress a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFile(args[0])
	},
}

// tasksCmd runs a task file.
var tasksCmd = &cobra.Command{
	Use:   "tasks <path>",
	Short: "Compress the files and directories listed in a task file",
	Long: `Reads a JSON (or YAML) task file of the form
{"file_tasks": [...], "dir_tasks": [...]} and compresses the listed files
first, then each directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTasks(args[0])
	},
}

// applyCmd requests new keys.
var applyCmd = &cobra.Command{
	Use:   "apply [n]",
	Short: "Request new API keys from the provisioning command",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := 4
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid key count: %s", args[0])
			}
			n = v
		}
		return runApply(n)
	},
}

// rearrangeCmd re-sorts the key file.
var rearrangeCmd = &cobra.Command{
	Use:   "rearrange",
	Short: "Re-check the usage of every key and re-sort the key file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRearrange()
	},
}

// inspectCmd shows what the tool knows about an image.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the compression marker, format, dimensions and EXIF software of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the status server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status server",
	Long: `Starts an HTTP server exposing the key pool, the last report and a
WebSocket progress stream. Compressions can be started with
POST /api/compress.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	for _, c := range []*cobra.Command{dirCmd, fileCmd, tasksCmd} {
		c.Flags().StringVarP(&proxy, "proxy", "p", "", "HTTP proxy for API requests")
	}
	for _, c := range []*cobra.Command{dirCmd, tasksCmd} {
		c.Flags().BoolVarP(&recursive, "recursive", "r", false, "also compress subdirectories")
		c.Flags().BoolVarP(&writeLog, "log", "l", false, "write log.json into each compressed directory")
	}
	dirCmd.Flags().StringVarP(&directory, "dir", "d", "", "directory to compress")
	inspectCmd.Flags().BoolVar(&useExif, "exiftool", false, "read EXIF with the exiftool binary")
	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on (default from config)")

	rootCmd.AddCommand(dirCmd, fileCmd, tasksCmd, applyCmd, rearrangeCmd, inspectCmd, serveCmd)
}

var (
	cfg       *config.Config
	cfgErr    error
	cfgLoaded bool
)

// initConfig loads the configuration file and environment variables.
func initConfig() {
	cfg, cfgErr = config.LoadConfig(cfgFile)
	cfgLoaded = true
	if cfgErr == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using keys file: %s\n", cfg.KeysPath())
	}
}

// loadConfig returns the loaded configuration with CLI overrides applied.
func loadConfig() (*config.Config, error) {
	if !cfgLoaded {
		initConfig()
	}
	if cfgErr != nil {
		return nil, fmt.Errorf("failed to load config: %w", cfgErr)
	}
	if proxy != "" {
		cfg.API.Proxy = proxy
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		Text:       cfg.Logging.Format == "text",
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
