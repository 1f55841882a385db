package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/botkeeper/internal/auth"
)

func createLoginCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange --user/--password for a token and save it",
		Long: `Log in to the daemon with basic credentials. The issued token is saved
and used by later commands until it expires.

Examples:
  botkeeper login --user=ops
  BOTKEEPER_PASSWORD=secret botkeeper login --user=ops --api-url=https://bots:8443/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := c.flags
			if f.Username == "" {
				return errors.New("--user is required")
			}
			if f.Password == "" {
				pw, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				f.Password = pw
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			res, err := cl.Login(cmd.Context())
			if err != nil {
				return err
			}
			sm := NewSessionManager(f.SessionDir)
			if err := sm.Save(&Session{
				Token:     res.Token.Value,
				ExpiresAt: res.Token.ExpiresAt,
				Username:  res.Principal.Name,
				Role:      res.Principal.Role,
				ServerURL: f.APIUrl,
			}); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s) until %s\n",
				res.Principal.Name, res.Principal.Role, res.Token.ExpiresAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func createLogoutCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return NewSessionManager(c.flags.SessionDir).Clear()
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for [[auth.users]] password_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				var err error
				if pw, err = promptPassword(cmd); err != nil {
					return err
				}
			}
			h, err := auth.HashPassword(pw, cost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

// promptPassword reads one line from the command's input.
func promptPassword(cmd *cobra.Command) (string, error) {
	if cmd.InOrStdin() == os.Stdin {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "password: ")
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", errors.New("empty password")
	}
	return line, nil
}
