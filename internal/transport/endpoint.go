// Package transport implements the Endpoint Resolver and Connection
// Manager (spec §4.4, §4.5): resolving the active controller set from
// configuration and opening/listening TCP connections against it.
package transport

import (
	"errors"
	"fmt"

	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
)

// Endpoint is a host plus an optional explicit port (spec §3 "Endpoint").
// A zero Port means "compute the effective port via PortJitter at dial
// time"; ClusterOverride-derived endpoints always carry an explicit port.
type Endpoint struct {
	Host string
	Port uint16
}

// HasExplicitPort reports whether this endpoint names a fixed port rather
// than deferring to the port-jitter rule.
func (e Endpoint) HasExplicitPort() bool {
	return e.Port != 0
}

// String renders the endpoint for logging.
func (e Endpoint) String() string {
	if e.HasExplicitPort() {
		return fmt.Sprintf("%s:%d", e.Host, e.Port)
	}
	return e.Host
}

// ClusterOverride is an explicit host/port/protocol-version triple used
// for cross-cluster messaging (spec §3 "Cluster Record").
type ClusterOverride struct {
	Host            string
	Port            uint16
	ProtocolVersion uint16
}

// ControllerSet is the ordered list of endpoints to try: index 0 is
// primary, the rest are backups (spec §3 "Controller Set").
type ControllerSet struct {
	Endpoints []Endpoint
}

// ErrEmptyControllerSet indicates ResolveEndpoints produced no usable
// endpoints.
var ErrEmptyControllerSet = errors.New("resolved controller set is empty")

// Primary returns the first endpoint in the set.
func (cs ControllerSet) Primary() (Endpoint, bool) {
	if len(cs.Endpoints) == 0 {
		return Endpoint{}, false
	}
	return cs.Endpoints[0], true
}

// Backup returns the backup endpoint at position i (0-based among
// backups: i=0 is the first backup, i.e. Endpoints[1]).
func (cs ControllerSet) Backup(i int) (Endpoint, bool) {
	idx := i + 1
	if idx < 0 || idx >= len(cs.Endpoints) {
		return Endpoint{}, false
	}
	return cs.Endpoints[idx], true
}

// Len reports the number of endpoints in the set (spec §4.8 "control_cnt").
func (cs ControllerSet) Len() int {
	return len(cs.Endpoints)
}

// At returns the endpoint at index i modulo the set length, implementing
// the wraparound traversal the Controller Client uses on connection
// failure (spec §4.8 step 6).
func (cs ControllerSet) At(i int) (Endpoint, bool) {
	if len(cs.Endpoints) == 0 {
		return Endpoint{}, false
	}
	idx := ((i % len(cs.Endpoints)) + len(cs.Endpoints)) % len(cs.Endpoints)
	return cs.Endpoints[idx], true
}

// ResolveEndpoints builds the ControllerSet to try for this call (spec
// §4.4): the cluster override's endpoint when provided; otherwise the VIP
// endpoint when configured (tried instead of the ordered list); otherwise
// the ordered {primary, backup[0], backup[1], …} list from configuration.
func ResolveEndpoints(cc clusterconfig.ControllersConfig, override *ClusterOverride) (ControllerSet, error) {
	if override != nil {
		return ControllerSet{Endpoints: []Endpoint{{Host: override.Host, Port: override.Port}}}, nil
	}

	vip, ok, err := cc.VIPEndpoint()
	if err != nil {
		return ControllerSet{}, fmt.Errorf("resolve endpoints: %w", err)
	}
	if ok {
		return ControllerSet{Endpoints: []Endpoint{{Host: vip.Addr().String(), Port: vip.Port()}}}, nil
	}

	if len(cc.Hosts) == 0 {
		return ControllerSet{}, fmt.Errorf("resolve endpoints: %w", ErrEmptyControllerSet)
	}

	endpoints := make([]Endpoint, len(cc.Hosts))
	for i, host := range cc.Hosts {
		endpoints[i] = Endpoint{Host: host}
	}
	return ControllerSet{Endpoints: endpoints}, nil
}
