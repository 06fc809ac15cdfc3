package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
)

// Resolution is the result of resolving a single key. For a leaf, Value is
// set; for a directory, Subtree holds the walk of everything below Path.
type Resolution struct {
	Key     string
	Path    Path
	Kind    Kind
	Value   string
	Subtree *WalkResult
}

// Resolver looks up one key without walking the whole tree.
type Resolver struct {
	fetcher Fetcher
	walker  *Walker
	log     logr.Logger
}

// NewResolver returns a Resolver reading through f. Keys naming a directory
// are expanded with walker.
func NewResolver(f Fetcher, walker *Walker, opts Options) *Resolver {
	opts = opts.withDefaults()
	return &Resolver{
		fetcher: f,
		walker:  walker,
		log:     opts.Logger.WithName("resolver"),
	}
}

// Resolve finds key below root. The key is first read directly as root/key;
// if that path does not exist, the directories along the key's path are
// listed one at a time and each segment is matched exactly, then ignoring
// case, then also treating "_" as "-". If that misses too and the key
// contains ".", the search is repeated with "." read as a path separator, so
// "placement.region" finds placement/region while names that really contain
// dots still match first. Only listings on the key's own path are ever
// fetched.
//
// Absent keys fail with a *KeyNotFoundError, transport failures with a
// *KeyResolveError. Token failures are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, key string, root Path) (*Resolution, error) {
	rel, err := ParsePath(key)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidPath)
	}
	target := root.Join(string(rel))

	var (
		kind  Kind
		value []byte
	)
	value, err = r.fetcher.Get(ctx, target)
	switch {
	case err == nil:
		kind, err = r.classify(ctx, target)
		if err != nil {
			if errors.Is(err, ErrAuth) || ctx.Err() != nil {
				return nil, r.wrap(ctx, key, root, err)
			}
			r.log.V(1).Info("parent listing unavailable, using value as read", "key", key, "path", target.String(), "error", err.Error())
			kind = KindLeaf
		}
	case errors.Is(err, ErrNotFound):
		r.log.V(1).Info("direct lookup missed, searching", "key", key)
		target, kind, err = r.search(ctx, key, root, rel)
		if errors.Is(err, ErrKeyNotFound) && strings.Contains(key, ".") {
			if dotted, perr := ParsePath(strings.ReplaceAll(string(rel), ".", "/")); perr == nil && dotted != rel {
				r.log.V(1).Info("searching with dots as separators", "key", key, "path", dotted.String())
				target, kind, err = r.search(ctx, key, root, dotted)
			}
		}
		if err != nil {
			return nil, err
		}
		if kind == KindLeaf {
			if value, err = r.fetcher.Get(ctx, target); err != nil {
				return nil, r.wrap(ctx, key, root, err)
			}
		}
	default:
		return nil, r.wrap(ctx, key, root, err)
	}

	res := &Resolution{Key: key, Path: target, Kind: kind}
	if kind == KindLeaf {
		res.Value = string(value)
		return res, nil
	}
	res.Subtree, err = r.walker.WalkAll(ctx, target)
	if err != nil {
		return nil, r.wrap(ctx, key, root, err)
	}
	return res, nil
}

// classify decides whether target, which the service just served, is a leaf
// or a directory, by finding it in its parent's listing.
func (r *Resolver) classify(ctx context.Context, target Path) (Kind, error) {
	parent, name := target.Parent()
	body, err := r.fetcher.Get(ctx, parent)
	if err != nil {
		return KindLeaf, err
	}
	entries, _ := parseListing(body)
	for _, e := range entries {
		if e.name == name {
			return e.kind, nil
		}
	}
	// Served but not listed; treat it as a value.
	return KindLeaf, nil
}

// search descends from root one key segment at a time.
func (r *Resolver) search(ctx context.Context, key string, root, rel Path) (Path, Kind, error) {
	cur, kind := root, KindDirectory
	for _, seg := range rel.Segments() {
		if kind != KindDirectory {
			return "", KindLeaf, &KeyNotFoundError{Key: key, Root: root}
		}
		body, err := r.fetcher.Get(ctx, cur)
		if errors.Is(err, ErrNotFound) {
			return "", KindLeaf, &KeyNotFoundError{Key: key, Root: root}
		}
		if err != nil {
			return "", KindLeaf, r.wrap(ctx, key, root, err)
		}
		entries, _ := parseListing(body)
		e, ok := matchEntry(entries, seg)
		if !ok {
			return "", KindLeaf, &KeyNotFoundError{Key: key, Root: root}
		}
		cur, kind = cur.Join(e.name), e.kind
	}
	return cur, kind, nil
}

func matchEntry(entries []entry, seg string) (entry, bool) {
	for _, e := range entries {
		if e.name == seg {
			return e, true
		}
	}
	for _, e := range entries {
		if strings.EqualFold(e.name, seg) {
			return e, true
		}
	}
	folded := foldKey(seg)
	for _, e := range entries {
		if strings.EqualFold(foldKey(e.name), folded) {
			return e, true
		}
	}
	return entry{}, false
}

func foldKey(s string) string { return strings.ReplaceAll(s, "_", "-") }

func (r *Resolver) wrap(ctx context.Context, key string, root Path, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("resolve key %q: %w", key, ctxErr)
	}
	var keyErr *KeyResolveError
	switch {
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrTraversal),
		errors.Is(err, ErrKeyNotFound),
		errors.As(err, &keyErr):
		return err
	case errors.Is(err, ErrNotFound):
		return &KeyNotFoundError{Key: key, Root: root}
	}
	return &KeyResolveError{Key: key, Err: err}
}
