//go:build windows

package ssh

// DefaultZoneStyle is the zone format the host network stack accepts.
// Windows scopes link-local addresses by interface index.
const DefaultZoneStyle = ZoneByIndex
