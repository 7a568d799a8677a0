//go:build !windows

package ssh

// DefaultZoneStyle is the zone format the host network stack accepts.
const DefaultZoneStyle = ZoneByName
