package graph

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/phobologic/kernelgraph/internal/model"
)

type edgeKey struct {
	key model.FunctionKey
	dir model.Direction
}

// CachedReader memoises edge lookups of an underlying Reader. Variables and
// flows pass through uncached.
type CachedReader struct {
	Reader
	edges *lru.Cache[edgeKey, []model.CallEdge]
}

// NewCachedReader wraps r with an LRU cache holding size adjacency lists.
func NewCachedReader(r Reader, size int) (*CachedReader, error) {
	c, err := lru.New[edgeKey, []model.CallEdge](size)
	if err != nil {
		return nil, err
	}
	return &CachedReader{Reader: r, edges: c}, nil
}

// Edges implements Reader.
func (c *CachedReader) Edges(ctx context.Context, key model.FunctionKey, dir model.Direction) ([]model.CallEdge, error) {
	k := edgeKey{key: key, dir: dir}
	if edges, ok := c.edges.Get(k); ok {
		return edges, nil
	}
	edges, err := c.Reader.Edges(ctx, key, dir)
	if err != nil {
		return nil, err
	}
	c.edges.Add(k, edges)
	return edges, nil
}

// Purge drops every cached entry.
func (c *CachedReader) Purge() {
	c.edges.Purge()
}
