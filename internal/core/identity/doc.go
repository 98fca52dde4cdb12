// Package identity manages the local peer's long-term identity: generation,
// encryption at rest under a passphrase, unlocking, and the process-wide
// keystore that holds the unlocked keys until Lock.
package identity
