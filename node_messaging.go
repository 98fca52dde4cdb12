package harbor

import (
	"context"
	"time"

	"github.com/dep2p/harbor/internal/core/messaging"
	"github.com/dep2p/harbor/pkg/types"
)

// SendMessage sends an encrypted direct message. The message is stored and
// queued even while to is offline; EvtMessageStatus reports delivery.
func (n *Node) SendMessage(ctx context.Context, to types.PeerID, body string) (*messaging.Message, error) {
	return n.Reply(ctx, to, body, "")
}

// Reply sends a direct message that refers to an earlier one.
func (n *Node) Reply(ctx context.Context, to types.PeerID, body, replyTo string) (*messaging.Message, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.messages.Send(ctx, to, body, "text", replyTo)
}

// Conversation returns up to limit messages with peer sent before before,
// oldest first. A zero before means now; a zero limit means all.
func (n *Node) Conversation(peer types.PeerID, limit int, before time.Time) ([]*messaging.Message, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.messages.Conversation(peer, limit, before)
}

// Conversations lists every conversation, most recent first.
func (n *Node) Conversations() ([]*messaging.Conversation, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.messages.Conversations()
}

// MarkConversationRead marks every message from peer read and returns how
// many were unread.
func (n *Node) MarkConversationRead(ctx context.Context, peer types.PeerID) (int, error) {
	s, err := n.current()
	if err != nil {
		return 0, err
	}
	return s.messages.MarkRead(ctx, peer)
}

// UnreadCount returns the number of unread messages across conversations.
func (n *Node) UnreadCount() (int, error) {
	s, err := n.current()
	if err != nil {
		return 0, err
	}
	return s.messages.UnreadCount()
}
