// Netconsole - NetworkManager console
//
// A CLI for inspecting and changing NetworkManager state with:
//   - A synchronized, interface-centric view of devices and profiles
//   - Checkpoint-guarded changes that roll back when connectivity breaks
//   - Local system bus or a remote host over SSH
//   - Audit logging of all changes
//   - Permission-based access control
//
// Examples:
//
//	netconsole show interfaces                     # Interface overview
//	netconsole interface eth0                      # One interface in detail
//	netconsole activate eth0 uplink                # Bring up a profile
//	netconsole connection apply uplink -f eth.json # Edit a profile
//	netconsole --host gw1 watch                    # Follow a remote host
//	netconsole serve                               # HTTP console and Redis export
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/netconsole/netconsole/pkg/audit"
	"github.com/netconsole/netconsole/pkg/auth"
	"github.com/netconsole/netconsole/pkg/settings"
	"github.com/netconsole/netconsole/pkg/util"
	"github.com/netconsole/netconsole/pkg/version"
)

const defaultAuditMaxSize = 10 * 1024 * 1024 // 10MB

var (
	// Bus selection flags
	busName string
	sshHost string
	sshUser string
	sshPort int
	sshKey  string

	// Global option flags
	verbose      bool
	logFormat    string
	jsonOutput   bool
	noCheckpoint bool
	syncTimeout  time.Duration

	// Global state
	userSettings *settings.Settings
	permChecker  *auth.Checker
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "netconsole",
	Short:             "NetworkManager console",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Netconsole shows NetworkManager state by interface and applies changes
under a checkpoint. A change that cuts the console off is rolled back
automatically.

  netconsole [--host <host>] <command> [args]`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Settings and version work without the rest of the stack
		if isSettingsOrHelp(cmd) {
			return nil
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}

		// Quiet by default, verbose on -v
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}
		if err := util.SetLogFormat(logFormat); err != nil {
			return err
		}

		permChecker = auth.NewChecker(userSettings.Access)

		rotation := audit.RotationConfig{
			MaxSize:    userSettings.AuditMaxSize,
			MaxBackups: userSettings.AuditMaxBackups,
		}
		if rotation.MaxSize == 0 {
			rotation.MaxSize = defaultAuditMaxSize
		}
		if rotation.MaxBackups == 0 {
			rotation.MaxBackups = 10
		}
		auditLogger, err := audit.NewFileLogger(userSettings.GetAuditLog(), rotation)
		if err != nil {
			util.Warnf("Could not initialize audit logging: %v", err)
		} else {
			audit.SetDefaultLogger(auditLogger)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&busName, "bus", "b", "", "Bus to use: system, session or ssh")
	rootCmd.PersistentFlags().StringVarP(&sshHost, "host", "H", "", "Remote host (implies --bus ssh)")
	rootCmd.PersistentFlags().StringVar(&sshUser, "ssh-user", "", "SSH user")
	rootCmd.PersistentFlags().IntVar(&sshPort, "ssh-port", 0, "SSH port")
	rootCmd.PersistentFlags().StringVar(&sshKey, "ssh-key", "", "SSH private key file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", util.LogFormatText, "Log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&noCheckpoint, "no-checkpoint", false, "Apply changes without a checkpoint")
	rootCmd.PersistentFlags().DurationVar(&syncTimeout, "timeout", 30*time.Second, "Time to wait for the initial state")

	for _, cmd := range []*cobra.Command{showCmd, interfaceCmd, watchCmd, auditCmd} {
		addOutputFlags(cmd)
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "query", Title: "Inspection:"},
		&cobra.Group{ID: "mutate", Title: "Changes:"},
		&cobra.Group{ID: "serve", Title: "Services:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)

	for _, cmd := range []*cobra.Command{showCmd, interfaceCmd, watchCmd} {
		cmd.GroupID = "query"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{activateCmd, deactivateCmd, disconnectCmd, connectionCmd} {
		cmd.GroupID = "mutate"
		rootCmd.AddCommand(cmd)
	}
	serveCmd.GroupID = "serve"
	rootCmd.AddCommand(serveCmd)
	for _, cmd := range []*cobra.Command{settingsCmd, auditCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")
}

// isSettingsOrHelp reports whether cmd runs without settings, audit and
// access control being set up.
func isSettingsOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "version", "help", "completion":
			return true
		}
	}
	return false
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd, "netconsole")
	},
}

func printVersion(cmd *cobra.Command, tool string) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", tool, version.Info())
}
