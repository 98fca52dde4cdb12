package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dep2p/harbor"
	"github.com/dep2p/harbor/internal/core/content"
)

func postCommand() *cobra.Command {
	var (
		attach []string
		feed   bool
		limit  int
	)
	c := &cobra.Command{
		Use:   "post [text...]",
		Short: "Publish a post, or show the feed with --feed",
		RunE: func(c *cobra.Command, args []string) error {
			if feed {
				return showFeed(c, limit)
			}
			if len(args) == 0 {
				return fmt.Errorf("nothing to post")
			}
			return withNode(c, func(ctx context.Context, node *harbor.Node) error {
				var refs []content.MediaRef
				for _, path := range attach {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					ref, err := node.AddMedia(data, mime.TypeByExtension(filepath.Ext(path)))
					if err != nil {
						return err
					}
					refs = append(refs, ref)
				}
				p, err := node.PostContent(ctx, strings.Join(args, " "), refs...)
				if err != nil {
					return err
				}
				fmt.Println("posted", p.ID)
				return nil
			})
		},
	}
	c.Flags().StringSliceVar(&attach, "attach", nil, "files to attach")
	c.Flags().BoolVar(&feed, "feed", false, "show the feed instead of posting")
	c.Flags().IntVar(&limit, "limit", 20, "feed entries to show")
	return c
}

func showFeed(c *cobra.Command, limit int) error {
	node, err := openNode(c.Context())
	if err != nil {
		return err
	}
	defer node.Close()
	posts, err := node.Feed(limit, time.Time{})
	if err != nil {
		return err
	}
	for _, p := range posts {
		fmt.Printf("%s  %s  %s\n", p.CreatedAt.Format("2006-01-02 15:04"), p.Author.ShortString(), p.Body)
		for _, m := range p.Media {
			hash := m.Hash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Printf("    [%s %d bytes %s]\n", m.MimeType, m.Size, hash)
		}
	}
	return nil
}
