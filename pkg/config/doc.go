// Package config loads device profiles.
//
// A profile is a YAML document describing one device, its credentials,
// connection tuning, host key verification and telemetry. Defaults are
// applied before the document is decoded, so a minimal profile only names
// the device:
//
//	device:
//	  address: fe80::1
//	  interface_name: eth0
//	  username: root
//	auth:
//	  password: secret
//
// Unknown keys are rejected. Callers apply overrides, such as CLI flags,
// and then call Validate before converting the profile with SSHConfig and
// Descriptor.
package config
