// Package interfaces holds the contracts shared between harbor's internal
// packages and its public facade: the event bus and the transport layer.
package interfaces
