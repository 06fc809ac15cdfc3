package metadata

import (
	"errors"
	"fmt"
)

var (
	ErrAuth         = errors.New("metadata token unavailable")
	ErrTokenInvalid = errors.New("metadata token rejected")
	ErrNotFound     = errors.New("metadata path not found")
	ErrTransport    = errors.New("metadata request failed")
	ErrKeyNotFound  = errors.New("metadata key not found")
	ErrKeyResolve   = errors.New("metadata key could not be resolved")
	ErrTraversal    = errors.New("metadata traversal aborted")
	ErrAllFailed    = errors.New("no metadata could be retrieved")
	ErrInvalidPath  = errors.New("invalid metadata path")
	ErrKeyCollision = errors.New("result key collision")
)

// AuthError is returned when a session token could not be issued.
type AuthError struct {
	Attempts int
	Status   int // last HTTP status, 0 if the endpoint was unreachable
	Err      error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%v: token endpoint returned %d after %d attempt(s)", ErrAuth, e.Status, e.Attempts)
	}
	return fmt.Sprintf("%v after %d attempt(s): %v", ErrAuth, e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuth, e.Err} }

// TransportError is returned once the retry budget for a path is exhausted.
type TransportError struct {
	Path     Path
	Attempts int
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("GET %q: status %d after %d attempt(s)", e.Path.String(), e.Status, e.Attempts)
	}
	return fmt.Sprintf("GET %q: %v after %d attempt(s)", e.Path.String(), e.Err, e.Attempts)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// KeyNotFoundError reports a requested key that does not exist under the root.
type KeyNotFoundError struct {
	Key  string
	Root Path
}

func (e *KeyNotFoundError) Error() string {
	if e.Root == "" {
		return fmt.Sprintf("key %q not found", e.Key)
	}
	return fmt.Sprintf("key %q not found under %q", e.Key, e.Root.String())
}

func (e *KeyNotFoundError) Is(target error) bool { return target == ErrKeyNotFound }

// KeyResolveError wraps a transport failure hit while resolving a key.
type KeyResolveError struct {
	Key string
	Err error
}

func (e *KeyResolveError) Error() string {
	return fmt.Sprintf("resolve key %q: %v", e.Key, e.Err)
}

func (e *KeyResolveError) Unwrap() []error { return []error{ErrKeyResolve, e.Err} }

// TraversalError is returned when the depth guard trips.
type TraversalError struct {
	Path     Path
	MaxDepth int
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("%v: %q exceeds maximum depth %d", ErrTraversal, e.Path.String(), e.MaxDepth)
}

func (e *TraversalError) Is(target error) bool { return target == ErrTraversal }
