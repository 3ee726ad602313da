package console

import (
	"github.com/netconsole/netconsole/pkg/codec"
	"github.com/netconsole/netconsole/pkg/util"
)

// validateSettings checks the fields a profile edit can get wrong before
// anything is sent to the daemon.
func validateSettings(s *codec.Settings) error {
	v := &util.ValidationBuilder{}
	if s == nil || s.Connection == nil {
		return v.Add(false, "connection section is required").Build()
	}
	v.Add(s.Connection.ID != "", "connection id is required")
	v.Add(s.Connection.Type != "", "connection type is required")

	if s.Ethernet != nil {
		v.AddError(util.ValidateMTU(s.Ethernet.MTU))
	}
	if s.VLAN != nil {
		v.AddError(util.ValidateVLANID(s.VLAN.ID))
		v.Add(s.VLAN.Parent != "", "vlan parent is required")
	}
	validateIP(v, 4, s.IPv4)
	validateIP(v, 6, s.IPv6)
	return v.Build()
}

func validateIP(v *util.ValidationBuilder, family int, ip *codec.IPSettings) {
	if ip == nil {
		return
	}
	for _, a := range ip.Addresses {
		v.AddError(util.ValidateAddress(family, a.Address, a.Prefix))
	}
	for _, r := range ip.Routes {
		v.AddError(util.ValidateAddress(family, r.Dest, r.Prefix))
	}
	for _, dns := range ip.DNS {
		if family == 4 {
			v.Add(util.IsValidIPv4(dns), "invalid IPv4 DNS server: "+dns)
		} else {
			v.Add(util.IsValidIPv6(dns), "invalid IPv6 DNS server: "+dns)
		}
	}
}
