package capability

import (
	"context"
	"fmt"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

// Network is the part of the network service that carries permission
// requests.
type Network interface {
	Handle(k protocol.Kind, h protocol.Handler) error
	Request(ctx context.Context, to types.PeerID, msg protocol.Message) (protocol.Message, error)
}

// Attach registers the PermissionRequest handler on net and remembers net
// for RequestPermission.
func (s *Service) Attach(net Network) error {
	s.net = net
	return net.Handle(protocol.KindPermissionRequest, s.handleRequest)
}

// RequestPermission asks to for kind. It reports whether to already grants
// it; otherwise the request is pending on the remote side until answered
// with a grant.
func (s *Service) RequestPermission(ctx context.Context, to types.PeerID, kind types.CapabilityKind, message string) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: capability %d", types.ErrValidation, kind)
	}
	if s.net == nil {
		return false, fmt.Errorf("%w: capability service not attached", types.ErrTransport)
	}
	resp, err := s.net.Request(ctx, to, &protocol.PermissionRequest{Capability: kind, Message: message})
	if err != nil {
		return false, err
	}
	pr, ok := resp.(*protocol.PermissionResponse)
	if !ok {
		return false, fmt.Errorf("%w: unexpected %s", types.ErrValidation, resp.Kind())
	}
	return pr.Granted, nil
}

func (s *Service) handleRequest(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	req, ok := msg.(*protocol.PermissionRequest)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a permission request", types.ErrValidation, msg.Kind())
	}
	if s.Authorize(from, req.Capability) {
		return &protocol.PermissionResponse{Granted: true}, nil
	}
	s.RecordRequest(from, req.Capability, req.Message)
	log.Info("permission requested", "from", from.ShortString(), "kind", req.Capability)
	return &protocol.PermissionResponse{}, nil
}
