// Package metadata is a client for IMDSv2-style instance metadata services:
// it issues session tokens, reads the meta-data tree with them, and
// assembles what it read into ordered results.
package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/lstoll/metadata-query/internal/metrics"
)

// Result is what FetchAll and FetchKey return. Tree is the flattened output;
// Nodes are the leaves behind it in discovery order; Failures are the paths
// that could not be read.
type Result struct {
	Root     Path
	Tree     *ResultTree
	Nodes    []Node
	Failures []Failure
	// Leaf is set when FetchKey resolved to a single value.
	Leaf bool
}

// Client runs one metadata operation per call. It owns its TokenProvider, so
// a token issued for one call is reused by the next while it stays valid.
type Client struct {
	opts      Options
	tokens    *TokenProvider
	transport *Transport
	walker    *Walker
	resolver  *Resolver
	log       logr.Logger
	metrics   *metrics.Metrics
}

// NewClient validates opts and builds the component chain.
func NewClient(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	tokens := NewTokenProvider(opts)
	transport := NewTransport(tokens, opts)
	walker := NewWalker(transport, opts)
	return &Client{
		opts:      opts,
		tokens:    tokens,
		transport: transport,
		walker:    walker,
		resolver:  NewResolver(transport, walker, opts),
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// FetchAll walks everything below root. Partial results are returned without
// error; see Walker.WalkAll.
func (c *Client) FetchAll(ctx context.Context, root Path) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Deadline)
	defer cancel()
	start := time.Now()

	if _, err := c.tokens.Token(ctx); err != nil {
		c.observe("fetch_all", start, err, 0)
		return nil, err
	}
	wr, err := c.walker.WalkAll(ctx, root)
	if wr != nil {
		c.metrics.SetWalk(len(wr.Nodes), len(wr.Failures))
	}
	if err != nil {
		c.observe("fetch_all", start, err, 0)
		return nil, err
	}
	tree, collisions := Assemble(root, wr.Nodes, AssembleOptions{Separator: c.opts.Separator})
	failures := append(wr.Failures, collisions...)
	c.observe("fetch_all", start, nil, len(failures))
	c.log.V(1).Info("walk finished", "leaves", len(wr.Nodes), "failures", len(failures), "duration", time.Since(start).String())
	return &Result{
		Root:     root,
		Tree:     tree,
		Nodes:    wr.Nodes,
		Failures: failures,
	}, nil
}

// FetchKey resolves key below root. A leaf yields {key: value}; a directory
// yields its flattened subtree keyed relative to root, like FetchAll.
func (c *Client) FetchKey(ctx context.Context, key string, root Path) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Deadline)
	defer cancel()
	start := time.Now()

	res, err := c.resolver.Resolve(ctx, key, root)
	if err != nil {
		c.observe("fetch_key", start, err, 0)
		return nil, err
	}
	if res.Kind == KindLeaf {
		c.observe("fetch_key", start, nil, 0)
		return &Result{
			Root:  root,
			Tree:  AssembleSingle(key, res.Value),
			Nodes: []Node{{Path: res.Path, Kind: KindLeaf, Value: res.Value}},
			Leaf:  true,
		}, nil
	}
	tree, collisions := Assemble(root, res.Subtree.Nodes, AssembleOptions{Separator: c.opts.Separator})
	failures := append(res.Subtree.Failures, collisions...)
	c.metrics.SetWalk(len(res.Subtree.Nodes), len(failures))
	c.observe("fetch_key", start, nil, len(failures))
	return &Result{
		Root:     root,
		Tree:     tree,
		Nodes:    res.Subtree.Nodes,
		Failures: failures,
	}, nil
}

// ListKeys returns every leaf path below root, relative to root, without
// reading any values.
func (c *Client) ListKeys(ctx context.Context, root Path) ([]string, []Failure, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Deadline)
	defer cancel()
	start := time.Now()

	if _, err := c.tokens.Token(ctx); err != nil {
		c.observe("list_keys", start, err, 0)
		return nil, nil, err
	}
	wr, err := c.walker.ListAll(ctx, root)
	if err != nil {
		c.observe("list_keys", start, err, 0)
		return nil, nil, fmt.Errorf("list keys: %w", err)
	}
	c.observe("list_keys", start, nil, len(wr.Failures))
	keys := make([]string, 0, len(wr.Nodes))
	for _, n := range wr.Nodes {
		keys = append(keys, n.Path.Rel(root))
	}
	return keys, wr.Failures, nil
}

func (c *Client) observe(op string, start time.Time, err error, failures int) {
	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultFailure
	case failures > 0:
		result = metrics.ResultPartial
	}
	c.metrics.ObserveOperation(op, result, time.Since(start))
}
