package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netconsole/netconsole/pkg/cli"
	"github.com/netconsole/netconsole/pkg/console"
	"github.com/netconsole/netconsole/pkg/model"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show interfaces, devices or connections",
	Long: `Show a table of interfaces, devices or connection profiles.

Examples:
  netconsole show interfaces
  netconsole show devices --json
  netconsole --host gw1 show connections`,
}

var showInterfacesCmd = &cobra.Command{
	Use:     "interfaces",
	Aliases: []string{"if", "ifaces"},
	Short:   "List interfaces with their state and main connection",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, s *session) error {
			views, err := s.svc.Interfaces()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			printInterfaces(cmd.OutOrStdout(), views)
			return nil
		})
	},
}

var showDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices known to the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, s *session) error {
			snap := s.model.Snapshot()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), snap.ListDevices())
			}
			printDevices(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var showConnectionsCmd = &cobra.Command{
	Use:     "connections",
	Aliases: []string{"conn", "profiles"},
	Short:   "List connection profiles",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, s *session) error {
			snap := s.model.Snapshot()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), snap.ListConnections())
			}
			printConnections(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var interfaceCmd = &cobra.Command{
	Use:     "interface <name>",
	Aliases: []string{"iface"},
	Short:   "Show one interface in detail",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context, s *session) error {
			v, err := s.svc.Interface(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			printInterface(cmd.OutOrStdout(), v)
			return nil
		})
	},
}

func init() {
	showCmd.AddCommand(showInterfacesCmd, showDevicesCmd, showConnectionsCmd)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func connectionID(c *model.Connection) string {
	if c == nil || c.Settings == nil || c.Settings.Connection == nil {
		return ""
	}
	return c.Settings.Connection.ID
}

func viewState(v *console.InterfaceView) string {
	if v.Device == nil {
		return "absent"
	}
	return v.Device.State.String()
}

func joinAddrs(ip *model.IPConfig) string {
	if ip == nil {
		return ""
	}
	out := make([]string, 0, len(ip.Addresses))
	for _, a := range ip.Addresses {
		out = append(out, a.Address+"/"+strconv.Itoa(int(a.Prefix)))
	}
	return strings.Join(out, ",")
}

func printInterfaces(w io.Writer, views []*console.InterfaceView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No interfaces")
		return
	}
	t := cli.NewTableTo(w, "INTERFACE", "TYPE", "STATE", "CONNECTION", "ACTIVE", "IPV4")
	for _, v := range views {
		typ := ""
		if v.Device != nil {
			typ = v.Device.DeviceType.String()
		}
		active := ""
		if v.Active != nil {
			active = v.Active.ID
		}
		t.Row(v.Name, cli.OrDash(typ), cli.State(viewState(v)),
			cli.OrDash(connectionID(v.MainConnection)), cli.OrDash(active), cli.OrDash(joinAddrs(v.IPv4)))
	}
	t.Flush()
}

func printDevices(w io.Writer, snap *model.Snapshot) {
	devices := snap.ListDevices()
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices")
		return
	}
	t := cli.NewTableTo(w, "DEVICE", "TYPE", "STATE", "HWADDR", "MTU", "DRIVER", "MANAGED")
	for _, d := range devices {
		managed := "no"
		if d.Managed {
			managed = "yes"
		}
		t.Row(cli.OrDash(d.Interface), d.DeviceType.String(), cli.State(d.State.String()),
			cli.OrDash(d.HwAddress), strconv.FormatUint(uint64(d.Mtu), 10), cli.OrDash(d.Driver), managed)
	}
	t.Flush()
}

func printConnections(w io.Writer, snap *model.Snapshot) {
	conns := snap.ListConnections()
	if len(conns) == 0 {
		fmt.Fprintln(w, "No connections")
		return
	}
	active := make(map[string]bool)
	for _, ac := range snap.ActiveConnections {
		active[ac.Connection] = true
	}
	t := cli.NewTableTo(w, "NAME", "UUID", "TYPE", "INTERFACES", "ACTIVE")
	for _, c := range conns {
		if c.Settings == nil || c.Settings.Connection == nil {
			continue
		}
		cs := c.Settings.Connection
		mark := ""
		if active[c.Path] {
			mark = cli.Green("yes")
		}
		t.Row(cs.ID, cs.UUID, cs.Type, cli.OrDash(strings.Join(c.Interfaces, ",")), cli.OrDash(mark))
	}
	t.Flush()
}

func printInterface(w io.Writer, v *console.InterfaceView) {
	fmt.Fprintf(w, "Interface: %s\n", cli.Bold(v.Name))
	fmt.Fprintf(w, "State: %s\n", cli.State(viewState(v)))
	if d := v.Device; d != nil {
		fmt.Fprintf(w, "Type: %s\n", d.DeviceType)
		fmt.Fprintf(w, "Hardware Address: %s\n", cli.OrDash(d.HwAddress))
		fmt.Fprintf(w, "MTU: %d\n", d.Mtu)
		if d.Driver != "" {
			fmt.Fprintf(w, "Driver: %s\n", d.Driver)
		}
		if li := d.LinkInfo; li != nil {
			fmt.Fprintf(w, "Kernel: index %d, %s\n", li.Index, li.OperState)
		}
	}
	if v.Active != nil {
		fmt.Fprintf(w, "Active Connection: %s\n", v.Active.ID)
	}
	if ip := joinAddrs(v.IPv4); ip != "" {
		fmt.Fprintf(w, "IPv4: %s\n", ip)
		if v.IPv4.Gateway != "" {
			fmt.Fprintf(w, "  Gateway: %s\n", v.IPv4.Gateway)
		}
	}
	if ip := joinAddrs(v.IPv6); ip != "" {
		fmt.Fprintf(w, "IPv6: %s\n", ip)
	}
	if len(v.Members) > 0 {
		fmt.Fprintf(w, "Members: %s\n", strings.Join(v.Members, ", "))
	}

	if len(v.Connections) > 0 {
		fmt.Fprintln(w, "\nConnections:")
		mainPath := ""
		if v.MainConnection != nil {
			mainPath = v.MainConnection.Path
		}
		t := cli.NewTableTo(w, "NAME", "UUID", "TYPE", "MAIN").WithPrefix("  ")
		for _, c := range v.Connections {
			if c.Settings == nil || c.Settings.Connection == nil {
				continue
			}
			mark := ""
			if c.Path == mainPath {
				mark = "*"
			}
			t.Row(c.Settings.Connection.ID, c.Settings.Connection.UUID, c.Settings.Connection.Type, mark)
		}
		t.Flush()
	}
}
