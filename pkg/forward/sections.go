// Package forward relays traffic between public ports and local services
// across a transit session: the server side owns the public listeners bound
// on behalf of the authenticated client, and the client side owns the
// virtual peers connecting to local services.
package forward

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/stfujnkk/zomboid-forward/pkg/wire"
)

// A Section is one forwarding block of the client configuration: a set of
// public ports of one protocol, and (on the client side) the local service
// endpoints they map to, paired positionally.
type Section struct {
	Name        string
	Type        wire.PortType
	LocalIP     netip.Addr
	LocalPorts  []uint16
	RemotePorts []uint16
}

// ParseSections interprets the configuration map submitted over the transit
// channel. Sections named common or DEFAULT are ignored; every other section
// must carry a remote_port list and may carry a type (udp unless given).
// Local fields are parsed when present; only the client needs them.
func ParseSections(raw map[string]map[string]string) ([]Section, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		if name == "common" || name == "DEFAULT" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sections := make([]Section, 0, len(names))
	for _, name := range names {
		v := raw[name]
		s := Section{Name: name, Type: wire.UDP}
		if t, ok := v["type"]; ok && t != "" {
			var err error
			if s.Type, err = wire.ParsePortType(t); err != nil {
				return nil, fmt.Errorf("section %q: %w", name, err)
			}
		}
		rp, ok := v["remote_port"]
		if !ok {
			return nil, fmt.Errorf("section %q: missing remote_port", name)
		}
		var err error
		if s.RemotePorts, err = ParsePortList(rp); err != nil {
			return nil, fmt.Errorf("section %q: remote_port: %w", name, err)
		}
		if lp, ok := v["local_port"]; ok {
			if s.LocalPorts, err = ParsePortList(lp); err != nil {
				return nil, fmt.Errorf("section %q: local_port: %w", name, err)
			}
		}
		if ip, ok := v["local_ip"]; ok {
			if s.LocalIP, err = netip.ParseAddr(ip); err != nil {
				return nil, fmt.Errorf("section %q: local_ip: %w", name, err)
			}
		}
		sections = append(sections, s)
	}
	return sections, nil
}

// ParsePortList parses a comma-separated list of port numbers.
func ParsePortList(s string) ([]uint16, error) {
	parts := strings.Split(s, ",")
	ports := make([]uint16, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid port %q", strings.TrimSpace(p))
		}
		ports = append(ports, uint16(n))
	}
	return ports, nil
}

// MarshalSections renders sections in the wire configuration form.
func MarshalSections(sections []Section) map[string]map[string]string {
	raw := make(map[string]map[string]string, len(sections))
	for _, s := range sections {
		v := map[string]string{
			"type":        s.Type.String(),
			"remote_port": joinPorts(s.RemotePorts),
		}
		if s.LocalIP.IsValid() {
			v["local_ip"] = s.LocalIP.String()
		}
		if len(s.LocalPorts) > 0 {
			v["local_port"] = joinPorts(s.LocalPorts)
		}
		raw[s.Name] = v
	}
	return raw
}

func joinPorts(ports []uint16) string {
	var b strings.Builder
	for i, p := range ports {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(p), 10))
	}
	return b.String()
}

// A PortSet tracks the public ports reserved by active sessions so two
// clients can never be granted the same port.
type PortSet struct {
	mu    sync.Mutex
	ports map[uint16]struct{}
}

func NewPortSet() *PortSet {
	return &PortSet{ports: make(map[uint16]struct{})}
}

// Reserve claims every port in ports, or none of them.
func (ps *PortSet) Reserve(ports []uint16) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ports {
		if _, ok := ps.ports[p]; ok {
			return fmt.Errorf("port %d is already occupied", p)
		}
	}
	for _, p := range ports {
		ps.ports[p] = struct{}{}
	}
	return nil
}

// Release returns ports to the set.
func (ps *PortSet) Release(ports []uint16) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ports {
		delete(ps.ports, p)
	}
}
