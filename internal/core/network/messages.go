package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/transport"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/protocolids"
	"github.com/dep2p/harbor/pkg/types"
)

// Handle registers h for inbound messages of kind k.
func (n *Network) Handle(k protocol.Kind, h protocol.Handler) error {
	return n.registry.Register(k, h)
}

// Request sends msg to peer and waits for its response. The peer must be
// Identified. The exchange is bounded by the request timeout and by the
// lifetime of the connection it runs on.
func (n *Network) Request(ctx context.Context, to types.PeerID, msg protocol.Message) (protocol.Message, error) {
	if !msg.Kind().IsRequest() {
		return nil, fmt.Errorf("%w: %s is not a request", ErrUnexpectedKind, msg.Kind())
	}
	var resp protocol.Message
	err := n.exchange(ctx, to, msg, func(r *bufio.Reader) error {
		env, err := protocol.ReadEnvelope(r, n.cfg.MaxFrameSize)
		if err != nil {
			return err
		}
		if err := env.VerifyFrom(to); err != nil {
			return err
		}
		m, err := env.Open()
		if err != nil {
			return err
		}
		n.metrics.MessageReceived(env.Kind, len(env.Body))
		if e, ok := m.(*protocol.Error); ok {
			return protocol.AsError(e)
		}
		if env.Kind != msg.Kind().Response() {
			return fmt.Errorf("%w: %s in reply to %s", ErrUnexpectedKind, env.Kind, msg.Kind())
		}
		resp = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Send delivers a fire-and-forget message to an Identified peer.
func (n *Network) Send(ctx context.Context, to types.PeerID, msg protocol.Message) error {
	if msg.Kind().IsRequest() {
		return fmt.Errorf("%w: %s expects a response, use Request", ErrUnexpectedKind, msg.Kind())
	}
	return n.exchange(ctx, to, msg, nil)
}

func (n *Network) exchange(ctx context.Context, to types.PeerID, msg protocol.Message, read func(*bufio.Reader) error) (err error) {
	start := n.now()
	defer func() { n.metrics.RequestDone(msg.Kind(), n.now().Sub(start), err) }()

	c, err := n.identifiedConn(ctx, to)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout.Duration())
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	s, err := c.OpenStream(ctx, protocolids.Messages)
	if err != nil {
		return unreachable(ctx, to, err)
	}
	defer s.Close()

	env := protocol.Seal(n.signer, msg, n.now())
	err = transport.WithContext(ctx, s, func() error {
		if err := protocol.WriteEnvelope(s, env); err != nil {
			return err
		}
		n.metrics.MessageSent(env.Kind, len(env.Body))
		if read == nil {
			return nil
		}
		return read(bufio.NewReader(s))
	})
	if err != nil {
		_ = s.Reset()
		if isRemoteVerdict(err) {
			return err
		}
		return unreachable(ctx, to, err)
	}
	return nil
}

// isRemoteVerdict tells errors the remote answered with from transport
// failures.
func isRemoteVerdict(err error) bool {
	return errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrSignatureInvalid) ||
		errors.Is(err, types.ErrNotIdentified) ||
		errors.Is(err, types.ErrPeerUnreachable) ||
		errors.Is(err, types.ErrUnauthorized)
}

func unreachable(ctx context.Context, to types.PeerID, err error) error {
	if errors.Is(err, types.ErrPeerUnreachable) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrPeerUnreachable, to.ShortString(), ctx.Err())
	}
	return fmt.Errorf("%w: %s: %v", types.ErrPeerUnreachable, to.ShortString(), err)
}

// identifiedConn returns the primary connection of an Identified peer.
func (n *Network) identifiedConn(ctx context.Context, to types.PeerID) (*connection, error) {
	var (
		c   *connection
		err error
	)
	execErr := n.exec(ctx, func() {
		p, ok := n.peers[to]
		switch {
		case !ok || p.conn == nil:
			err = fmt.Errorf("%w: %s", ErrNotConnected, to.ShortString())
		case !p.state.IsIdentified():
			err = fmt.Errorf("%w: %s", types.ErrNotIdentified, to.ShortString())
		default:
			c = p.conn
		}
	})
	if execErr != nil {
		return nil, execErr
	}
	return c, err
}

// ============================================================================
//                              Inbound
// ============================================================================

// handleMessage serves one inbound envelope. Nothing reaches a handler
// before its signature is verified against the connection's peer and the
// peer is Identified.
func (n *Network) handleMessage(c *connection, s pkgif.Stream) {
	defer s.Close()
	from := c.RemotePeer()

	ctx, cancel := context.WithTimeout(c.ctx, n.cfg.RequestTimeout.Duration())
	defer cancel()
	_ = s.SetDeadline(time.Now().Add(n.cfg.RequestTimeout.Duration()))

	env, err := protocol.ReadEnvelope(bufio.NewReader(s), n.cfg.MaxFrameSize)
	if err != nil {
		log.Debug("reading message failed", "peer", from.ShortString(), "error", err)
		n.metrics.MessageRejected("malformed")
		_ = s.Reset()
		return
	}
	if err := env.VerifyFrom(from); err != nil {
		log.Warn("rejecting message", "peer", from.ShortString(), "kind", env.Kind, "error", err)
		n.metrics.MessageRejected("signature")
		_ = s.Reset()
		return
	}
	n.metrics.MessageReceived(env.Kind, len(env.Body))

	if !n.isIdentified(from) {
		n.metrics.MessageRejected("not_identified")
		n.reply(s, env.Kind, nil, fmt.Errorf("%w: identify first", types.ErrNotIdentified))
		return
	}
	if seen, _ := n.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
		n.metrics.MessageRejected("duplicate")
		log.Debug("duplicate message", "peer", from.ShortString(), "kind", env.Kind, "id", env.ID)
		if env.Kind.IsRequest() {
			n.reply(s, env.Kind, nil, fmt.Errorf("%w: duplicate envelope", types.ErrValidation))
		}
		return
	}

	msg, err := env.Open()
	if err != nil {
		n.metrics.MessageRejected("malformed")
		n.reply(s, env.Kind, nil, err)
		return
	}
	resp, err := n.dispatch(ctx, from, msg)
	if env.Kind.IsRequest() || err != nil {
		n.reply(s, env.Kind, resp, err)
	}
}

// dispatch routes msg to its handler. Every kind is listed so adding one
// without deciding how it is served fails review.
func (n *Network) dispatch(ctx context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	switch k := msg.Kind(); k {
	case protocol.KindIdentify, protocol.KindIdentifyResponse:
		// Identify has its own stream protocol.
		return nil, fmt.Errorf("%w: %s on message stream", ErrUnexpectedKind, k)
	case protocol.KindIdentityResponse, protocol.KindPermissionResponse,
		protocol.KindMessageAck, protocol.KindManifestResponse,
		protocol.KindFetchResponse, protocol.KindMediaChunkResponse,
		protocol.KindFindPeerResponse, protocol.KindError:
		// Responses only travel on the requester's stream.
		return nil, fmt.Errorf("%w: unsolicited %s", ErrUnexpectedKind, k)
	case protocol.KindIdentityRequest, protocol.KindPermissionRequest,
		protocol.KindPermissionGrant, protocol.KindPermissionRevoke,
		protocol.KindDirectMessage, protocol.KindEventPush,
		protocol.KindManifestRequest, protocol.KindFetchRequest,
		protocol.KindMediaChunkRequest,
		protocol.KindSignalingOffer, protocol.KindSignalingAnswer,
		protocol.KindSignalingIce, protocol.KindSignalingHangup,
		protocol.KindFindPeer:
		h, ok := n.registry.Handler(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNoHandler, k)
		}
		resp, err := h(ctx, from, msg)
		if err != nil {
			return nil, err
		}
		if k.IsRequest() && (resp == nil || resp.Kind() != k.Response()) {
			return nil, fmt.Errorf("handler for %s returned %v", k, resp)
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownKind, k)
	}
}

// reply writes resp, or an Error built from err, back on s.
func (n *Network) reply(s pkgif.Stream, kind protocol.Kind, resp protocol.Message, err error) {
	if err != nil {
		log.Debug("request failed", "kind", kind, "error", err)
		resp = &protocol.Error{Code: protocol.CodeFor(err), Message: err.Error()}
	}
	if resp == nil {
		return
	}
	env := protocol.Seal(n.signer, resp, n.now())
	if err := protocol.WriteEnvelope(s, env); err != nil {
		log.Debug("writing response failed", "kind", resp.Kind(), "error", err)
		_ = s.Reset()
		return
	}
	n.metrics.MessageSent(env.Kind, len(env.Body))
}
