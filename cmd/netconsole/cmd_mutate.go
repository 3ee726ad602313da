package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netconsole/netconsole/pkg/checkpoint"
	"github.com/netconsole/netconsole/pkg/cli"
	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/util"
)

var (
	forceApply   bool
	settingsFile string
)

var activateCmd = &cobra.Command{
	Use:   "activate <interface> [connection]",
	Short: "Activate a connection on an interface",
	Long: `Activate a connection profile on an interface. Without a connection
argument the interface's main connection is used.

The change runs under a checkpoint: if the console loses connectivity the
daemon restores the previous state.

Examples:
  netconsole activate eth0
  netconsole activate eth0 uplink-static`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn := ""
		if len(args) == 2 {
			conn = args[1]
		}
		return mutate(cmd, "Activated "+args[0], func(ctx context.Context, s *session) error {
			return s.svc.Activate(ctx, s.actor(), args[0], conn)
		})
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <interface>",
	Short: "Deactivate the active connection of an interface",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, "Deactivated "+args[0], func(ctx context.Context, s *session) error {
			return s.svc.Deactivate(ctx, s.actor(), args[0])
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <interface>",
	Short: "Disconnect a device and block autoconnect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, "Disconnected "+args[0], func(ctx context.Context, s *session) error {
			return s.svc.Disconnect(ctx, s.actor(), args[0])
		})
	},
}

var connectionCmd = &cobra.Command{
	Use:     "connection",
	Aliases: []string{"conn"},
	Short:   "Edit connection profiles",
	Long: `Edit connection profiles. Settings are read as JSON from -f (or stdin
with -f -). 'apply' overlays the file on the current profile, so keys the
file does not mention keep their value.

Examples:
  netconsole connection apply uplink -f mtu.json
  netconsole connection add -f lab-dummy.json
  netconsole connection delete lab-dummy`,
}

var connectionApplyCmd = &cobra.Command{
	Use:   "apply <connection>",
	Short: "Apply settings to an existing connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readSettingsInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return mutate(cmd, "Applied "+args[0], func(ctx context.Context, s *session) error {
			c := s.model.Snapshot().FindConnection(args[0])
			if c == nil || c.Settings == nil {
				return fmt.Errorf("connection %s: %w", args[0], util.ErrNotFound)
			}
			settings, err := overlaySettings(c.Settings, data)
			if err != nil {
				return err
			}
			return s.svc.ApplySettings(ctx, s.actor(), args[0], settings)
		})
	},
}

var connectionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readSettingsInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		settings, err := overlaySettings(nil, data)
		if err != nil {
			return err
		}
		return mutate(cmd, "", func(ctx context.Context, s *session) error {
			path, err := s.svc.AddConnection(ctx, s.actor(), settings)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.Green("Added "+path))
			return nil
		})
	},
}

var connectionDeleteCmd = &cobra.Command{
	Use:   "delete <connection>",
	Short: "Delete a connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, "Deleted "+args[0], func(ctx context.Context, s *session) error {
			return s.svc.DeleteConnection(ctx, s.actor(), args[0])
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{activateCmd, deactivateCmd, disconnectCmd, connectionCmd} {
		cmd.PersistentFlags().BoolVarP(&forceApply, "yes", "y", false, "Keep a change that breaks connectivity without asking")
	}
	for _, cmd := range []*cobra.Command{connectionApplyCmd, connectionAddCmd} {
		cmd.Flags().StringVarP(&settingsFile, "file", "f", "", "JSON settings file (- for stdin)")
		cmd.MarkFlagRequired("file")
	}
	connectionCmd.AddCommand(connectionApplyCmd, connectionAddCmd, connectionDeleteCmd)
}

// mutate runs fn in a session. When fn fails its connectivity check the
// user may apply it again without a checkpoint.
func mutate(cmd *cobra.Command, done string, fn func(ctx context.Context, s *session) error) error {
	return withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, s *session) error {
		err := fn(ctx, s)
		var bce *checkpoint.BreakingChangeError
		if errors.As(err, &bce) {
			if !forceApply && !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), bce.AnywayText) {
				return err
			}
			err = s.svc.RetryUnguarded(ctx, s.actor(), bce)
		}
		if err != nil {
			return err
		}
		if done != "" {
			fmt.Fprintln(cmd.OutOrStdout(), cli.Green(done))
		}
		return nil
	})
}

// confirm asks a yes/no question; anything but y or yes is no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s? [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		fmt.Fprintln(out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func readSettingsInput(stdin io.Reader) ([]byte, error) {
	if settingsFile == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(settingsFile)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	return data, nil
}

// overlaySettings decodes data on top of a copy of base. A nil base starts
// from empty settings.
func overlaySettings(base *codec.Settings, data []byte) (*codec.Settings, error) {
	s := &codec.Settings{}
	if base != nil {
		s = base.Clone()
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, util.NewValidationError("invalid settings: " + err.Error())
	}
	return s, nil
}
