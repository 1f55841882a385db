package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string

	// API connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Username   string
	Password   string
	CACert     string
	Insecure   bool
	SessionDir string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createListCommand(c),
		createCreateCommand(c),
		createShowCommand(c),
		createUpdateCommand(c),
		createDeleteCommand(c),
		createScriptCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createAutoRestartCommand(c),
		createLogsCommand(c),
		createClearLogsCommand(c),
		createRotateLogsCommand(c),
		createAccountCommand(c),
		createLoginCommand(c),
		createLogoutCommand(c),
		createHashPasswordCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botkeeper",
		Short: "Supervisor for trading bot worker scripts",
		Long: `Botkeeper runs trading bot scripts as supervised child processes,
captures their output and remembers which ones should be running across
restarts.

Examples:
  botkeeper serve --config=botkeeper.toml     # run the daemon
  botkeeper create --name=grid --file=grid.py --auto-restart
  botkeeper start 9f1c2a3b
  botkeeper logs 9f1c2a3b --limit=50
  botkeeper list --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (serve)")
	pf.StringVar(&flags.APIUrl, "api-url", envOr("BOTKEEPER_API_URL", "http://127.0.0.1:8080/api"), "daemon API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	pf.StringVar(&flags.Token, "token", os.Getenv("BOTKEEPER_TOKEN"), "bearer token (API token or login JWT)")
	pf.StringVar(&flags.Username, "user", "", "basic auth username")
	pf.StringVar(&flags.Password, "password", os.Getenv("BOTKEEPER_PASSWORD"), "basic auth password")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	pf.StringVar(&flags.SessionDir, "session-dir", "", "where login stores its token (default ~/.botkeeper)")
	_ = pf.MarkHidden("session-dir")
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
