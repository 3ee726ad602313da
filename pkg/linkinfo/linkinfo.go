// Package linkinfo reads kernel link attributes for interfaces the daemon
// reports, so a device view can show what the kernel thinks of it.
package linkinfo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/netconsole/netconsole/pkg/util"
)

// Info is the kernel's view of one link.
type Info struct {
	Name         string `json:"name"`
	Index        int    `json:"index"`
	Type         string `json:"type"`
	MTU          int    `json:"mtu"`
	Up           bool   `json:"up"`
	OperState    string `json:"oper_state"`
	HardwareAddr string `json:"hardware_addr,omitempty"`
	ParentIndex  int    `json:"parent_index,omitempty"`
	MasterIndex  int    `json:"master_index,omitempty"`
}

// handle is the slice of netlink the resolver needs.
type handle interface {
	LinkByName(name string) (netlink.Link, error)
}

type realHandle struct{}

func (realHandle) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

// Resolver looks links up over netlink. Lookups only make sense when the
// daemon runs on this host; remote sessions leave the resolver unset.
type Resolver struct {
	nl handle
}

// NewResolver returns a resolver on the host's netlink socket.
func NewResolver() *Resolver {
	return &Resolver{nl: realHandle{}}
}

// Lookup returns the attributes of the link called name. A link that does
// not exist yields util.ErrNotFound.
func (r *Resolver) Lookup(ctx context.Context, name string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	link, err := r.nl.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("link %s: %w", name, util.ErrNotFound)
		}
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	return fromLink(link), nil
}

func fromLink(link netlink.Link) *Info {
	a := link.Attrs()
	info := &Info{
		Name:        a.Name,
		Index:       a.Index,
		Type:        link.Type(),
		MTU:         a.MTU,
		Up:          a.Flags&net.FlagUp != 0,
		OperState:   a.OperState.String(),
		ParentIndex: a.ParentIndex,
		MasterIndex: a.MasterIndex,
	}
	if len(a.HardwareAddr) > 0 {
		info.HardwareAddr = a.HardwareAddr.String()
	}
	return info
}
