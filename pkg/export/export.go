// Package export mirrors each settled snapshot into Redis hashes so that
// tools without a bus connection can read interface state.
//
// Keys follow the TABLE|key convention:
//
//	NM_INTERFACE|eth0
//	NM_DEVICE|eth0
//	NM_CONNECTION|<uuid>
package export

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/netconsole/netconsole/pkg/model"
	"github.com/netconsole/netconsole/pkg/util"
)

// Table names.
const (
	TableInterface  = "NM_INTERFACE"
	TableDevice     = "NM_DEVICE"
	TableConnection = "NM_CONNECTION"
)

// DefaultDelay batches snapshots that arrive close together into one write.
const DefaultDelay = 250 * time.Millisecond

// Rows is a set of hashes keyed by TABLE|key.
type Rows map[string]map[string]string

// Store persists rows. Replace writes every row in rows, replacing any
// previous fields, and deletes the keys in stale.
type Store interface {
	Replace(ctx context.Context, rows Rows, stale []string) error
}

// Options configures an Exporter.
type Options struct {
	Clock clock.Clock
	Delay time.Duration
	// Exported is called after every write attempt.
	Exported func(err error)
}

// Exporter writes snapshots to a Store.
type Exporter struct {
	store    Store
	opts     Options
	debounce *util.Coalescer

	mu      sync.Mutex
	pending *model.Snapshot
	written map[string]bool
	ctx     context.Context
}

// New returns an exporter writing to store.
func New(store Store, opts Options) *Exporter {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	e := &Exporter{
		store:   store,
		opts:    opts,
		written: make(map[string]bool),
		ctx:     context.Background(),
	}
	e.debounce = util.NewCoalescer(opts.Clock, opts.Delay, e.flush)
	return e
}

// Run exports every snapshot received on changes until ctx is done or
// changes is closed. Bursts are coalesced; only the latest snapshot of a
// burst is written.
func (e *Exporter) Run(ctx context.Context, changes <-chan *model.Snapshot) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	defer e.debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-changes:
			if !ok {
				return
			}
			e.Submit(s)
		}
	}
}

// Submit queues s for export.
func (e *Exporter) Submit(s *model.Snapshot) {
	if s == nil || !s.Ready {
		return
	}
	e.mu.Lock()
	e.pending = s
	e.mu.Unlock()
	e.debounce.Trigger()
}

func (e *Exporter) flush() {
	e.mu.Lock()
	s, ctx := e.pending, e.ctx
	e.pending = nil
	e.mu.Unlock()
	if s == nil {
		return
	}
	err := e.Write(ctx, s)
	if err != nil {
		util.WithOperation("export").Warnf("export of generation %d failed: %v", s.Generation, err)
	}
	if e.opts.Exported != nil {
		e.opts.Exported(err)
	}
}

// Write exports s immediately. Keys written by an earlier Write that are
// absent from s are deleted.
func (e *Exporter) Write(ctx context.Context, s *model.Snapshot) error {
	rows := BuildRows(s)

	e.mu.Lock()
	var stale []string
	for key := range e.written {
		if _, ok := rows[key]; !ok {
			stale = append(stale, key)
		}
	}
	e.mu.Unlock()
	sort.Strings(stale)

	if err := e.store.Replace(ctx, rows, stale); err != nil {
		return err
	}

	e.mu.Lock()
	e.written = make(map[string]bool, len(rows))
	for key := range rows {
		e.written[key] = true
	}
	e.mu.Unlock()
	return nil
}

// BuildRows flattens a snapshot into hashes.
func BuildRows(s *model.Snapshot) Rows {
	rows := make(Rows)
	connID := func(path string) string {
		if c := s.Connection(path); c != nil && c.Settings != nil && c.Settings.Connection != nil {
			return c.Settings.Connection.ID
		}
		return ""
	}

	for _, iface := range s.ListInterfaces() {
		fields := map[string]string{
			"name":   iface.Name,
			"device": iface.Device,
		}
		if iface.MainConnection != "" {
			fields["main_connection"] = connID(iface.MainConnection)
		}
		var ids []string
		for _, p := range iface.Connections {
			if id := connID(p); id != "" {
				ids = append(ids, id)
			}
		}
		fields["connections"] = strings.Join(ids, ",")
		if dev := s.Device(iface.Device); dev != nil {
			fields["state"] = dev.State.String()
			fields["type"] = dev.DeviceType.String()
			if ip := s.IPConfig(dev.Ip4Config); ip != nil {
				fields["ipv4"] = joinAddresses(ip)
			}
			if ip := s.IPConfig(dev.Ip6Config); ip != nil {
				fields["ipv6"] = joinAddresses(ip)
			}
		} else {
			fields["state"] = "absent"
		}
		rows[TableInterface+"|"+iface.Name] = fields
	}

	for _, dev := range s.ListDevices() {
		if dev.Interface == "" {
			continue
		}
		fields := map[string]string{
			"path":        dev.Path,
			"type":        dev.DeviceType.String(),
			"state":       dev.State.String(),
			"hw_address":  dev.HwAddress,
			"driver":      dev.Driver,
			"mtu":         strconv.FormatUint(uint64(dev.Mtu), 10),
			"managed":     strconv.FormatBool(dev.Managed),
			"members":     strings.Join(interfaceNames(s, dev.Members), ","),
			"active_conn": "",
		}
		if ac := s.ActiveConnection(dev.ActiveConnection); ac != nil {
			fields["active_conn"] = connID(ac.Connection)
		}
		if dev.LinkInfo != nil {
			fields["kernel_index"] = strconv.Itoa(dev.LinkInfo.Index)
			fields["kernel_oper_state"] = dev.LinkInfo.OperState
		}
		rows[TableDevice+"|"+dev.Interface] = fields
	}

	for _, c := range s.ListConnections() {
		if c.Settings == nil || c.Settings.Connection == nil || c.Settings.Connection.UUID == "" {
			continue
		}
		cs := c.Settings.Connection
		var groups []string
		for _, g := range c.Groups {
			groups = append(groups, connID(g))
		}
		rows[TableConnection+"|"+cs.UUID] = map[string]string{
			"path":        c.Path,
			"id":          cs.ID,
			"type":        cs.Type,
			"interfaces":  strings.Join(c.Interfaces, ","),
			"groups":      strings.Join(groups, ","),
			"autoconnect": strconv.FormatBool(cs.Autoconnect),
			"unsaved":     strconv.FormatBool(c.Unsaved),
		}
	}
	return rows
}

func joinAddresses(ip *model.IPConfig) string {
	out := make([]string, 0, len(ip.Addresses))
	for _, a := range ip.Addresses {
		out = append(out, fmt.Sprintf("%s/%d", a.Address, a.Prefix))
	}
	return strings.Join(out, ",")
}

func interfaceNames(s *model.Snapshot, devices []string) []string {
	var out []string
	for _, p := range devices {
		if d := s.Device(p); d != nil && d.Interface != "" {
			out = append(out, d.Interface)
		}
	}
	return out
}
