// Package store persists the merge queue document of a repository against an
// external object store offering conditional writes.
//
// All mutations go through AtomicUpdate, the central correctness mechanism of
// sequentor: the newest document is read, mutated in-memory and written back
// conditionally. When the conditional write reports a conflict, the whole
// read-mutate-write cycle is repeated against fresh state.
// Retrying only the write would silently apply a mutation that was computed
// against stale data, e.g. an "is this PR already queued?" decision.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/queue"
)

const (
	defMaxAttempts                = 8
	defBackoffInitialInterval     = 500 * time.Millisecond
	defBackoffRandomizationFactor = 0.5
)

// Backend loads and saves one queue document.
//
// Save must perform a conditional write: it fails with an error wrapping
// qerr.ErrConcurrencyConflict when the document was changed since the version
// token was obtained. An empty version token creates the document and fails
// when it already exists.
type Backend interface {
	// Name identifies the stored document, it is used in log and error
	// messages.
	Name() string
	// Load returns the newest document and its version token.
	// It returns an error wrapping qerr.ErrNotFound when no document
	// exists yet.
	Load(ctx context.Context) (*queue.Document, string, error)
	// Save conditionally writes the document and returns the new version
	// token.
	Save(ctx context.Context, doc *queue.Document, version string) (string, error)
}

// Store provides race-safe access to the queue document of one repository.
type Store struct {
	backend Backend
	logger  *zap.Logger

	maxAttempts                int
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64

	nowFn func() time.Time
}

func New(backend Backend) *Store {
	return &Store{
		backend:                    backend,
		logger:                     zap.L().Named("store").With(zap.String("document", backend.Name())),
		maxAttempts:                defMaxAttempts,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFactor,
		nowFn:                      time.Now,
	}
}

// Read returns the newest document and its version token.
// When no document exists yet, an empty one is created and persisted
// (bootstrap-on-read).
func (s *Store) Read(ctx context.Context) (*queue.Document, string, error) {
	doc, version, err := s.backend.Load(ctx)
	if err == nil {
		return doc, version, nil
	}

	if !errors.Is(err, qerr.ErrNotFound) {
		return nil, "", err
	}

	doc = queue.NewDocument()
	doc.Touch(s.nowFn())

	version, err = s.backend.Save(ctx, doc, "")
	if err != nil {
		if errors.Is(err, qerr.ErrConcurrencyConflict) {
			// another writer bootstrapped the document concurrently
			return s.backend.Load(ctx)
		}

		return nil, "", err
	}

	s.logger.Info(
		"created empty queue document",
		logfields.Event("queue_document_bootstrapped"),
	)

	return doc, version, nil
}

// Write conditionally persists the document.
// It fails with an error wrapping qerr.ErrConcurrencyConflict when the
// version token is stale.
func (s *Store) Write(ctx context.Context, doc *queue.Document, version string) (string, error) {
	doc.Touch(s.nowFn())
	return s.backend.Save(ctx, doc, version)
}

// AtomicUpdate reads the newest document, applies mutate and writes the
// result back conditionally.
// On a version conflict the entire read-mutate-write cycle is retried against
// freshly read state, with exponential backoff plus random jitter between
// attempts.
// When mutate returns an error, nothing is written and the error is returned
// unchanged.
// When all attempts conflicted, a *qerr.ConcurrencyExhaustedError is
// returned.
// The document that was written is returned, mutate may capture additional
// result values.
func (s *Store) AtomicUpdate(ctx context.Context, mutate func(doc *queue.Document) error) (*queue.Document, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffInitialInterval
	bo.RandomizationFactor = s.backoffRandomizationFactor
	bo.MaxElapsedTime = 0

	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		doc, version, err := s.Read(ctx)
		if err != nil {
			return nil, err
		}

		if err := mutate(doc); err != nil {
			return nil, err
		}

		_, err = s.Write(ctx, doc, version)
		if err == nil {
			return doc, nil
		}

		if !errors.Is(err, qerr.ErrConcurrencyConflict) {
			return nil, err
		}

		lastErr = err

		retryIn := bo.NextBackOff()
		s.logger.Debug(
			"conditional write conflicted, document changed concurrently, retrying",
			logfields.Event("queue_document_write_conflict"),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", retryIn),
			zap.Error(err),
		)

		if err := sleep(ctx, retryIn); err != nil {
			return nil, err
		}
	}

	return nil, &qerr.ConcurrencyExhaustedError{
		Attempts: s.maxAttempts,
		LastErr:  lastErr,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
