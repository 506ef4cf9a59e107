package processor

import (
	"context"
	"sync"
)

// ConcLimiter runs realisations with at most cLevel in flight and keeps the
// first error any of them reports.
type ConcLimiter struct {
	wg   sync.WaitGroup
	pool chan struct{}

	mu       sync.Mutex
	firstErr error
}

func NewConcLimiter(cLevel int) *ConcLimiter {
	if cLevel < 1 {
		cLevel = 1
	}
	return &ConcLimiter{pool: make(chan struct{}, cLevel)}
}

// Go starts fn once a slot is free. It returns ctx.Err() without starting
// fn when ctx is done first.
func (c *ConcLimiter) Go(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.pool <- struct{}{}:
	}

	c.wg.Add(1)
	go func() {
		defer func() {
			<-c.pool
			c.wg.Done()
		}()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.firstErr == nil {
				c.firstErr = err
			}
			c.mu.Unlock()
		}
	}()
	return nil
}

// Wait blocks until every started fn has returned and reports the first
// error among them.
func (c *ConcLimiter) Wait() error {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstErr
}
