package sqlbus

import (
	"context"
	"sync"
)

// TransactionContext carries the shared state of one logical
// message-handling transaction. The transport stashes its unit of work and
// prepared send statement here, so every send and receive taking part in
// the same handling transaction shares one atomic unit.
//
// The owner of the context decides the outcome: Commit followed by Dispose
// on success, Dispose alone to roll everything back.
type TransactionContext struct {
	itemsMu sync.Mutex
	items   map[string]any

	mu          sync.Mutex
	onCommitted []func(ctx context.Context) error
	onDisposed  []func()
	committed   bool
	disposed    bool
}

func NewTransactionContext() *TransactionContext {
	return &TransactionContext{items: make(map[string]any)}
}

// GetOrAdd returns the item registered under key, invoking factory to
// create and register it when absent. The factory runs under the items
// lock, so concurrent callers never race on creation of the same item; it
// must not call GetOrAdd on the same context.
func (c *TransactionContext) GetOrAdd(key string, factory func() (any, error)) (any, error) {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()

	if item, ok := c.items[key]; ok {
		return item, nil
	}
	item, err := factory()
	if err != nil {
		return nil, err
	}
	c.items[key] = item
	return item, nil
}

// OnCommitted registers fn to run when the context owner commits.
func (c *TransactionContext) OnCommitted(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommitted = append(c.onCommitted, fn)
}

// OnDisposed registers fn to run when the context is disposed.
func (c *TransactionContext) OnDisposed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisposed = append(c.onDisposed, fn)
}

// Commit runs the committed hooks in registration order, stopping at the
// first error. The hooks run at most once; Commit after Dispose is a
// no-op.
func (c *TransactionContext) Commit(ctx context.Context) error {
	c.mu.Lock()
	if c.committed || c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.committed = true
	hooks := c.onCommitted
	c.mu.Unlock()

	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Dispose runs the disposed hooks in reverse registration order, so that
// items created later (which may depend on earlier ones) are released
// first. Dispose is idempotent and safe to call after Commit.
func (c *TransactionContext) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	hooks := c.onDisposed
	c.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
