package metadata

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Fetcher reads one metadata path. *Transport is the production Fetcher.
type Fetcher interface {
	Get(ctx context.Context, p Path) ([]byte, error)
}

// Failure records a path that could not be retrieved during a walk.
type Failure struct {
	Path Path
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Path.String(), f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// WalkResult is the outcome of a walk: the leaves recovered, in discovery
// order, and the paths that failed.
type WalkResult struct {
	Root     Path
	Nodes    []Node
	Failures []Failure
}

// Err aggregates the recorded failures, or returns nil if there were none.
func (r *WalkResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return utilerrors.NewAggregate(errs)
}

// Walker discovers and fetches every leaf below a root path.
type Walker struct {
	fetcher     Fetcher
	concurrency int
	maxDepth    int
	log         logr.Logger
}

// NewWalker returns a Walker reading through f.
func NewWalker(f Fetcher, opts Options) *Walker {
	opts = opts.withDefaults()
	return &Walker{
		fetcher:     f,
		concurrency: opts.Concurrency,
		maxDepth:    opts.MaxDepth,
		log:         opts.Logger.WithName("walker"),
	}
}

// WalkAll fetches every leaf below root. A subtree that fails is recorded in
// the result and its siblings are still walked; an error is returned only if
// failures left no leaf at all, or if the depth guard tripped. If ctx ends
// mid-walk the unfinished paths are recorded as failures.
func (w *Walker) WalkAll(ctx context.Context, root Path) (*WalkResult, error) {
	return w.walk(ctx, root, true)
}

// ListAll discovers every leaf path below root without fetching values.
func (w *Walker) ListAll(ctx context.Context, root Path) (*WalkResult, error) {
	return w.walk(ctx, root, false)
}

// task is a pending path. order is its index at each level of the listings
// that led to it, so sorting by order yields a pre-order traversal in server
// listing order.
type task struct {
	path  Path
	kind  Kind
	order []int
}

type outcome struct {
	body []byte
	err  error
}

type found struct {
	node  Node
	order []int
}

type failed struct {
	failure Failure
	order   []int
}

func (w *Walker) walk(ctx context.Context, root Path, values bool) (*WalkResult, error) {
	var (
		leaves   []found
		failures []failed
		level    = []task{{path: root, kind: KindDirectory}}
	)
	for len(level) > 0 {
		if err := ctx.Err(); err != nil {
			for _, t := range level {
				failures = append(failures, failed{Failure{t.path, err}, t.order})
			}
			break
		}

		// Every worker writes only its own slot.
		outcomes := make([]outcome, len(level))
		var g errgroup.Group
		g.SetLimit(w.concurrency)
		for i, t := range level {
			if t.kind == KindLeaf && !values {
				continue
			}
			g.Go(func() error {
				outcomes[i].body, outcomes[i].err = w.fetcher.Get(ctx, t.path)
				return nil
			})
		}
		_ = g.Wait()

		var next []task
		for i, t := range level {
			o := outcomes[i]
			if errors.Is(o.err, ErrAuth) {
				return nil, o.err
			}
			if o.err != nil {
				w.log.V(1).Info("path failed", "path", t.path.String(), "error", o.err.Error())
				failures = append(failures, failed{Failure{t.path, o.err}, t.order})
				continue
			}
			if t.kind == KindLeaf {
				leaves = append(leaves, found{Node{Path: t.path, Kind: KindLeaf, Value: string(o.body)}, t.order})
				continue
			}
			entries, invalid := parseListing(o.body)
			for _, line := range invalid {
				w.log.Info("skipping invalid listing entry", "path", t.path.String(), "entry", line)
			}
			for j, e := range entries {
				child := t.path.Join(e.name)
				if child.Depth()-root.Depth() > w.maxDepth {
					return nil, &TraversalError{Path: child, MaxDepth: w.maxDepth}
				}
				next = append(next, task{
					path:  child,
					kind:  e.kind,
					order: append(slices.Clone(t.order), j),
				})
			}
		}
		level = next
	}

	slices.SortFunc(leaves, func(a, b found) int { return slices.Compare(a.order, b.order) })
	slices.SortFunc(failures, func(a, b failed) int { return slices.Compare(a.order, b.order) })

	res := &WalkResult{Root: root}
	for _, l := range leaves {
		res.Nodes = append(res.Nodes, l.node)
	}
	for _, f := range failures {
		res.Failures = append(res.Failures, f.failure)
	}
	if len(res.Nodes) == 0 && len(res.Failures) > 0 {
		return res, fmt.Errorf("%w: %w", ErrAllFailed, res.Err())
	}
	return res, nil
}
