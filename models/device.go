package models

import "strings"

// DeviceInfo describes one reachable receiver endpoint.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LastSeen int64  `json:"lastSeen"`
}

// DisplayName falls back to the id when no name was advertised.
func (d DeviceInfo) DisplayName() string {
	if strings.TrimSpace(d.Name) == "" {
		return d.ID
	}
	return d.Name
}

// IsAddress reports whether an endpoint id is shaped like a network address
// (host, host:port, IPv4 or IPv6) rather than an ephemeral code.
func IsAddress(id string) bool {
	return strings.ContainsAny(id, ".:")
}
