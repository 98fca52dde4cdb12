package protocolids

import "strings"

// Prefix starts every harbor protocol id.
const Prefix = "/harbor/"

const (
	// Identify exchanges versions and addresses right after connecting.
	Identify = "/harbor/id/1.0.0"
	// Messages carries signed protocol envelopes, one request per stream.
	Messages = "/harbor/msg/1.0.0"
	// RelayHop is spoken to a relay to reserve a slot or open a circuit.
	RelayHop = "/harbor/relay/hop/1.0.0"
	// RelayStop is spoken by a relay to the target of a circuit.
	RelayStop = "/harbor/relay/stop/1.0.0"
	// HolePunch coordinates a simultaneous direct dial.
	HolePunch = "/harbor/holepunch/1.0.0"
)

// All lists every protocol id.
var All = []string{Identify, Messages, RelayHop, RelayStop, HolePunch}

// IsHarbor reports whether id belongs to this protocol family.
func IsHarbor(id string) bool { return strings.HasPrefix(id, Prefix) }
