// Package protocolids is the registry of stream protocol ids negotiated on
// connections. Every module refers to these constants instead of literals.
//
// Ids follow /harbor/{name}/{major.minor.patch}; a major change is an
// incompatible wire change.
package protocolids
