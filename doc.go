// Package harbor is a local-first peer-to-peer communication node.
//
// A Node keeps an encrypted identity, a contact list and three signed,
// append-only event logs (permissions, messages and posts) that it
// reconciles with other peers whenever they are reachable. Content is only
// ever served to peers the local identity granted the matching capability.
//
// # Quick start
//
//	node, err := harbor.Open(ctx, harbor.WithDataDir("~/.harbor"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if _, err := node.UnlockIdentity(ctx, "correct horse battery staple"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.StartNetwork(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	sub, _ := node.Subscribe(new(types.EvtMessageReceived))
//	for e := range sub.Out() {
//	    m := e.(types.EvtMessageReceived)
//	    fmt.Println(m.From.ShortString(), m.Body)
//	}
//
// # Lifecycle
//
// Open starts storage and the event bus. CreateIdentity or UnlockIdentity
// assembles the per-identity services: network, sync engine, capabilities,
// messaging, content and calling. StartNetwork brings the network up;
// StopNetwork and LockIdentity take it down again. Close releases
// everything.
package harbor
