package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned by Put when the write precondition is
	// violated: the key exists for MustNotExist, or the token no longer
	// matches for MustMatch.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Token is an opaque concurrency token. It identifies one version of an
// object and is required by MustMatch writes.
type Token string

// PreconditionKind enumerates the supported write preconditions.
type PreconditionKind int

const (
	// PreconditionNone writes unconditionally.
	PreconditionNone PreconditionKind = iota
	// PreconditionMustNotExist writes only if the key is absent.
	PreconditionMustNotExist
	// PreconditionMustMatch writes only if the stored token equals Token.
	PreconditionMustMatch
)

func (k PreconditionKind) String() string {
	switch k {
	case PreconditionNone:
		return "none"
	case PreconditionMustNotExist:
		return "must-not-exist"
	case PreconditionMustMatch:
		return "must-match"
	default:
		return fmt.Sprintf("PreconditionKind(%d)", int(k))
	}
}

// Precondition guards a Put.
type Precondition struct {
	Kind  PreconditionKind
	Token Token
}

// None returns the unconditional precondition.
func None() Precondition { return Precondition{Kind: PreconditionNone} }

// MustNotExist returns the create-only precondition.
func MustNotExist() Precondition { return Precondition{Kind: PreconditionMustNotExist} }

// MustMatch returns the compare-and-swap precondition for token.
func MustMatch(token Token) Precondition {
	return Precondition{Kind: PreconditionMustMatch, Token: token}
}

func (p Precondition) validate() error {
	if p.Kind == PreconditionMustMatch && p.Token == "" {
		return errors.New("must-match precondition requires a token")
	}
	return nil
}

// Object is the result of a Get.
type Object struct {
	Body     []byte
	Metadata map[string]string
	Token    Token
}

// Store is the conditional object store contract.
type Store interface {
	// Get returns the object stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (Object, error)

	// Put writes body and metadata to key under the given precondition and
	// returns the token of the new version. A violated precondition returns
	// ErrPreconditionFailed.
	Put(ctx context.Context, key string, body []byte, metadata map[string]string, pre Precondition) (Token, error)

	// List returns the keys directly under prefix, sorted. Keys in deeper
	// "directories" (containing a further '/' after prefix) are not returned.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPreconditionFailed reports whether err is, or wraps, ErrPreconditionFailed.
func IsPreconditionFailed(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}

// directChild reports whether key sits directly under prefix.
func directChild(prefix, key string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := key[len(prefix):]
	return rest != "" && !strings.Contains(rest, "/")
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
