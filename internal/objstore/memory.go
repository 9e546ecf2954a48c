package objstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryObject struct {
	body     []byte
	metadata map[string]string
	token    Token
}

// Memory is an in-process Store. All methods are safe for concurrent use.
// Conditional writes are linearised by a single mutex, which gives the same
// observable semantics as a strongly consistent remote store.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return Object{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	return Object{
		Body:     append([]byte(nil), obj.body...),
		Metadata: copyMetadata(obj.metadata),
		Token:    obj.token,
	}, nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, body []byte, metadata map[string]string, pre Precondition) (Token, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := pre.validate(); err != nil {
		return "", fmt.Errorf("put %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.objects[key]
	switch pre.Kind {
	case PreconditionMustNotExist:
		if exists {
			return "", fmt.Errorf("put %q (%s): %w", key, pre.Kind, ErrPreconditionFailed)
		}
	case PreconditionMustMatch:
		if !exists || existing.token != pre.Token {
			return "", fmt.Errorf("put %q (%s): %w", key, pre.Kind, ErrPreconditionFailed)
		}
	}

	token := Token(uuid.NewString())
	m.objects[key] = memoryObject{
		body:     append([]byte(nil), body...),
		metadata: copyMetadata(metadata),
		token:    token,
	}
	return token, nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if directChild(prefix, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
