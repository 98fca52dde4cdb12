package eventbus

import pkgif "github.com/dep2p/harbor/pkg/interfaces"

// BufSize is a shortcut for pkgif.BufSize.
func BufSize(size int) pkgif.SubscriptionOpt {
	return pkgif.BufSize(size)
}

// Stateful is a shortcut for pkgif.Stateful.
func Stateful() pkgif.EmitterOpt {
	return pkgif.Stateful()
}
