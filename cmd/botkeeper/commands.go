package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botkeeper/pkg/client"
)

type command struct {
	flags *GlobalFlags
}

// client builds an API client. An explicit token or user wins over a
// session saved by login.
func (c *command) client() (*client.Client, error) {
	f := c.flags
	cfg := client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Token:    f.Token,
		Username: f.Username,
		Password: f.Password,
		CACert:   f.CACert,
		Insecure: f.Insecure,
	}
	if cfg.Token == "" && cfg.Username == "" {
		s, err := NewSessionManager(f.SessionDir).Load(f.APIUrl)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if s != nil {
			cfg.Token = s.Token
		}
	}
	return client.New(cfg)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func readScript(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(b), nil
}

func createListCommand(c *command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers with their live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ws, err := cl.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), ws)
			}
			return printWorkers(cmd.OutOrStdout(), ws)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printWorkers(w io.Writer, ws []client.Worker) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATE\tPID\tAUTO-RESTART\tLAST EXIT")
	for _, wk := range ws {
		state := wk.Status.State
		if wk.Status.Crashed {
			state += " (crashed)"
		}
		pid, exit := "-", "-"
		if wk.Status.PID > 0 {
			pid = fmt.Sprint(wk.Status.PID)
		}
		if wk.LastExitCode != nil {
			exit = fmt.Sprint(*wk.LastExitCode)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", wk.ID, wk.Name, state, pid, wk.AutoRestart, exit)
	}
	return tw.Flush()
}

func createCreateCommand(c *command) *cobra.Command {
	var (
		req  client.CreateWorkerRequest
		file string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new worker script",
		Long: `Register a worker from a script file ("-" reads stdin).

Examples:
  botkeeper create --name=grid --file=grid.py
  cat dca.py | botkeeper create --name=dca --file=- --auto-restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readScript(file)
			if err != nil {
				return err
			}
			req.Content = content
			cl, err := c.client()
			if err != nil {
				return err
			}
			w, err := cl.CreateWorker(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "worker name (required)")
	cmd.Flags().StringVar(&file, "file", "", "script file (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "free-form description")
	cmd.Flags().BoolVar(&req.AutoRestart, "auto-restart", false, "resume this worker whenever the daemon boots")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "exchange account the worker trades on")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

func createShowCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			w, err := cl.GetWorker(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}
}

func createUpdateCommand(c *command) *cobra.Command {
	var name, desc, file, account string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a worker's name, description, script or account",
		Long: `Only flags that are given are changed. A new script takes effect on the
next start.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req client.UpdateWorkerRequest
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("description") {
				req.Description = &desc
			}
			if cmd.Flags().Changed("account") {
				req.AccountID = &account
			}
			if cmd.Flags().Changed("file") {
				content, err := readScript(file)
				if err != nil {
					return err
				}
				req.Content = &content
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			w, err := cl.UpdateWorker(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&file, "file", "", "new script file")
	cmd.Flags().StringVar(&account, "account", "", "new account id (empty detaches)")
	return cmd
}

// idCommand builds the many subcommands that take one worker id and print
// the result of a single call.
func idCommand(c *command, use, short string, call func(cmd *cobra.Command, cl *client.Client, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			out, err := call(cmd, cl, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func createDeleteCommand(c *command) *cobra.Command {
	return idCommand(c, "delete", "Stop a worker and remove its script and logs",
		func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
			return map[string]any{"id": id, "deleted": true}, cl.DeleteWorker(cmd.Context(), id)
		})
}

func createScriptCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "script <id>",
		Short: "Print a worker's script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			s, err := cl.Script(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), s)
			return err
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	return idCommand(c, "start", "Start a worker",
		func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
			pid, err := cl.Start(cmd.Context(), id)
			return map[string]any{"id": id, "pid": pid}, err
		})
}

func createStopCommand(c *command) *cobra.Command {
	return idCommand(c, "stop", "Stop a worker (SIGTERM, then SIGKILL after the grace period)",
		func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
			outcome, err := cl.Stop(cmd.Context(), id)
			return map[string]any{"id": id, "outcome": outcome}, err
		})
}

func createRestartCommand(c *command) *cobra.Command {
	return idCommand(c, "restart", "Stop a worker if running, then start it",
		func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
			pid, err := cl.Restart(cmd.Context(), id)
			return map[string]any{"id": id, "pid": pid}, err
		})
}

func createStatusCommand(c *command) *cobra.Command {
	return idCommand(c, "status", "Show a worker's live status",
		func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
			return cl.Status(cmd.Context(), id)
		})
}

func createAutoRestartCommand(c *command) *cobra.Command {
	return idCommand(c, "autorestart", "Toggle a worker's auto-restart flag",
		func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
			on, err := cl.ToggleAutoRestart(cmd.Context(), id)
			return map[string]any{"id": id, "auto_restart": on}, err
		})
}

func createLogsCommand(c *command) *cobra.Command {
	var (
		limit int
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print a worker's recent output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			entries, err := cl.Logs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				if raw {
					_, _ = fmt.Fprintln(w, e.Line)
					continue
				}
				_, _ = fmt.Fprintf(w, "%s %s\n", e.Time.Local().Format(time.DateTime), e.Line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "number of recent lines")
	cmd.Flags().BoolVar(&raw, "raw", false, "omit timestamps")
	return cmd
}

func createClearLogsCommand(c *command) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear-logs [id]",
		Short: "Clear one worker's logs, or every worker's with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give a worker id or --all")
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			if all {
				return cl.ClearAllLogs(cmd.Context())
			}
			return cl.ClearLogs(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear logs of every worker")
	return cmd
}

func createRotateLogsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-logs",
		Short: "Wipe every worker's logs now, as the scheduled rotation does",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			return cl.RotateLogs(cmd.Context())
		},
	}
}
