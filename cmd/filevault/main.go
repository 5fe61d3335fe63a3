// filevault is the file lifecycle server for the MLM dashboard: uploads,
// version history, share links, backups and CDN URLs.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

//nolint:gochecknoglobals
var (
	cfgFile  string
	envFile  string
	logLevel string

	// Client flags
	serverURL string
	userID    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filevault",
		Short: "filevault - file storage, versions, shares and backups",
		Long: `filevault stores dashboard uploads and manages their lifecycle.

QUICK START:

  # Run the server with a config file
  filevault serve --config filevault.yaml

  # Upload a document and keep a version of it
  filevault upload ./contract.pdf --category uploads --owner u1
  filevault versions list contract-2024

  # Share a file for 24 hours with a password
  filevault share create contract-2024 --url <file-url> --expires 24h --password s3cret

  # Take a manual backup
  filevault backup create --description "before migration"

For more help on any command, use: filevault <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("FILEVAULT_SERVER", "http://localhost:8080"), "filevault server URL")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("FILEVAULT_USER"), "user id sent with client requests")

	rootCmd.AddCommand(newServeCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "filevault %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newFilesCmd())
	rootCmd.AddCommand(newVersionsCmd())
	rootCmd.AddCommand(newShareCmd())
	rootCmd.AddCommand(newBackupCmd())

	return rootCmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// setupLogging configures the global logger. Extra writers, such as a Loki
// sink, receive the same events as the console.
func setupLogging(level string, extra ...io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if len(extra) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{out}, extra...)...)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func logStartupBanner() {
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Str("go", runtime.Version()).
		Str("os_arch", runtime.GOOS+"/"+runtime.GOARCH).
		Msg("filevault starting")
}
