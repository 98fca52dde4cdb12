package harbor

import (
	"context"
	"time"

	"github.com/dep2p/harbor/internal/core/content"
	"github.com/dep2p/harbor/pkg/types"
)

// PostContent publishes a post to every peer granted WallRead. media are
// references returned by AddMedia.
func (n *Node) PostContent(ctx context.Context, body string, media ...content.MediaRef) (*content.Post, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.content.Post(ctx, body, "text", media)
}

// UpdatePost replaces the body of one of this node's posts.
func (n *Node) UpdatePost(ctx context.Context, postID, body string) (*content.Post, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.content.Update(ctx, postID, body)
}

// DeletePost removes one of this node's posts.
func (n *Node) DeletePost(ctx context.Context, postID string) error {
	s, err := n.current()
	if err != nil {
		return err
	}
	return s.content.Delete(ctx, postID)
}

// Feed returns up to limit posts created before before, newest first: this
// node's own posts and those of peers that grant it WallRead.
func (n *Node) Feed(limit int, before time.Time) ([]*content.Post, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.content.Feed(limit, before)
}

// PostsBy returns the posts of one author held locally, newest first.
func (n *Node) PostsBy(author types.PeerID, limit int) ([]*content.Post, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.content.PostsBy(author, limit), nil
}

// AddMedia stores a blob locally for attaching to posts.
func (n *Node) AddMedia(data []byte, mimeType string) (content.MediaRef, error) {
	s, err := n.current()
	if err != nil {
		return content.MediaRef{}, err
	}
	return s.content.AddMedia(data, mimeType)
}

// FetchMedia returns a blob attached to a post by author, downloading it
// when it is not held locally.
func (n *Node) FetchMedia(ctx context.Context, author types.PeerID, ref content.MediaRef) ([]byte, error) {
	s, err := n.current()
	if err != nil {
		return nil, err
	}
	return s.content.FetchMedia(ctx, author, ref)
}
