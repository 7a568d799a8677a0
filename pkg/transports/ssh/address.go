package ssh

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ZoneStyle selects how a link-local scope is written after the '%'.
type ZoneStyle int

const (
	// ZoneByName appends the interface name ("fe80::1%eth0").
	ZoneByName ZoneStyle = iota

	// ZoneByIndex appends the numeric interface index ("fe80::1%12").
	ZoneByIndex
)

// String returns the human-readable name of the zone style.
func (z ZoneStyle) String() string {
	switch z {
	case ZoneByName:
		return "name"
	case ZoneByIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Interface identifies the local network interface a device was discovered on.
// Either field may be zero; the missing one is looked up when needed.
type Interface struct {
	Index int
	Name  string
}

// IsZero reports whether no interface was given.
func (i Interface) IsZero() bool {
	return i.Index == 0 && i.Name == ""
}

// interfaceResolver maps between interface names and indexes.
type interfaceResolver interface {
	nameByIndex(index int) (string, error)
	indexByName(name string) (int, error)
}

// interfaceLookup resolves interfaces through the host network stack.
type interfaceLookup struct{}

func (interfaceLookup) nameByIndex(index int) (string, error) {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return "", err
	}
	return ifi.Name, nil
}

func (interfaceLookup) indexByName(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

// isLinkLocal reports whether host is an IPv6 link-local literal.
func isLinkLocal(host string) bool {
	return strings.HasPrefix(strings.ToLower(host), "fe80::")
}

// stripZone removes a trailing "%zone" from an IPv6 literal.
func stripZone(host string) string {
	if i := strings.IndexByte(host, '%'); i >= 0 {
		return host[:i]
	}
	return host
}

// resolveHost appends the zone to link-local IPv6 addresses. Hosts that
// already carry a zone, and all other hosts, are returned unchanged.
func resolveHost(host string, iface Interface, style ZoneStyle, resolver interfaceResolver) (string, error) {
	if !isLinkLocal(host) || strings.Contains(host, "%") {
		return host, nil
	}

	if iface.IsZero() {
		return "", fmt.Errorf("link-local address %s requires an interface scope", host)
	}

	switch style {
	case ZoneByIndex:
		index := iface.Index
		if index == 0 {
			var err error
			index, err = resolver.indexByName(iface.Name)
			if err != nil {
				return "", fmt.Errorf("resolve interface %q: %w", iface.Name, err)
			}
		}
		return host + "%" + strconv.Itoa(index), nil

	case ZoneByName:
		name := iface.Name
		if name == "" {
			var err error
			name, err = resolver.nameByIndex(iface.Index)
			if err != nil {
				return "", fmt.Errorf("resolve interface index %d: %w", iface.Index, err)
			}
		}
		return host + "%" + name, nil

	default:
		return "", fmt.Errorf("unsupported zone style: %d", style)
	}
}
