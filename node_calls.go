package harbor

import (
	"context"

	"github.com/dep2p/harbor/internal/core/calling"
	"github.com/dep2p/harbor/pkg/types"
)

// StartCall rings peer with an SDP offer. peer must have granted this node
// the Call capability.
func (n *Node) StartCall(ctx context.Context, peer types.PeerID, offerSDP string) (*calling.Call, error) {
	s, err := n.running()
	if err != nil {
		return nil, err
	}
	return s.calls.StartCall(ctx, peer, offerSDP)
}

// AnswerCall accepts an incoming call with an SDP answer.
func (n *Node) AnswerCall(ctx context.Context, callID, answerSDP string) (*calling.Call, error) {
	s, err := n.running()
	if err != nil {
		return nil, err
	}
	return s.calls.AnswerCall(ctx, callID, answerSDP)
}

// SendIce forwards one ICE candidate to the other side of a call. An empty
// candidate marks the end of gathering.
func (n *Node) SendIce(ctx context.Context, callID, candidate string) error {
	s, err := n.running()
	if err != nil {
		return err
	}
	return s.calls.SendIce(ctx, callID, candidate)
}

// Hangup ends a call.
func (n *Node) Hangup(ctx context.Context, callID, reason string) error {
	s, err := n.running()
	if err != nil {
		return err
	}
	return s.calls.Hangup(ctx, callID, reason)
}

// Call returns one call by id.
func (n *Node) Call(callID string) (*calling.Call, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.calls.Call(callID)
}

// Calls returns the calls in progress and those that ended recently.
func (n *Node) Calls() ([]*calling.Call, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.calls.Calls(), nil
}
