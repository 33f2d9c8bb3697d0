package source

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/janelia-flyem/neuronalign/morph"
)

// Retrying retries failed fetches of a wrapped source with linear backoff.  ErrNotFound
// and context errors are returned immediately.
type Retrying struct {
	src      Source
	attempts int
	backoff  time.Duration
}

// NewRetrying wraps src.  Attempts below 1 are treated as 1.
func NewRetrying(src Source, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{src: src, attempts: attempts, backoff: backoff}
}

func (r *Retrying) do(ctx context.Context, what string, id morph.NeuronID, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(); err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.attempts {
			break
		}
		morph.Warningf("Fetch of %s %s failed (attempt %d of %d): %v", what, id, attempt, r.attempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
	return err
}

func (r *Retrying) FetchSkeleton(ctx context.Context, id morph.NeuronID) (s *morph.Skeleton, err error) {
	err = r.do(ctx, "skeleton", id, func() error {
		var ferr error
		s, ferr = r.src.FetchSkeleton(ctx, id)
		return ferr
	})
	return
}

func (r *Retrying) FetchMesh(ctx context.Context, id morph.NeuronID) (m *morph.Mesh, err error) {
	err = r.do(ctx, "mesh", id, func() error {
		var ferr error
		m, ferr = r.src.FetchMesh(ctx, id)
		return ferr
	})
	return
}

// Close closes the wrapped source if it can be closed.
func (r *Retrying) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
