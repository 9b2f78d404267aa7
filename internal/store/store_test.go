package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/queue"
)

// fakeBackend is an in-memory Backend with the same conditional-write
// semantics as the github contents backend.
type fakeBackend struct {
	mu      sync.Mutex
	data    []byte
	version int

	saveCalls int
	// failSaves makes the first n Save calls fail with a conflict,
	// independent of the version token
	failSaves int
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Load(context.Context) (*queue.Document, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return nil, "", fmt.Errorf("document does not exist: %w", qerr.ErrNotFound)
	}

	var doc queue.Document
	if err := json.Unmarshal(b.data, &doc); err != nil {
		return nil, "", &qerr.StateCorruptError{Name: b.Name(), Err: err}
	}

	if err := doc.Validate(); err != nil {
		return nil, "", &qerr.StateCorruptError{Name: b.Name(), Err: err}
	}

	return &doc, fmt.Sprint(b.version), nil
}

func (b *fakeBackend) Save(_ context.Context, doc *queue.Document, version string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.saveCalls++
	if b.failSaves > 0 {
		b.failSaves--
		return "", fmt.Errorf("simulated conflict: %w", qerr.ErrConcurrencyConflict)
	}

	if b.data == nil {
		if version != "" {
			return "", fmt.Errorf("document does not exist, token %q is invalid: %w", version, qerr.ErrConcurrencyConflict)
		}
	} else if version != fmt.Sprint(b.version) {
		return "", fmt.Errorf("token %q is stale: %w", version, qerr.ErrConcurrencyConflict)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	b.data = data
	b.version++

	return fmt.Sprint(b.version), nil
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	s := New(backend)
	s.backoffInitialInterval = time.Millisecond

	return s
}

func TestReadBootstrapsEmptyDocument(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(t, backend)

	doc, version, err := s.Read(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc)

	assert.Equal(t, queue.SchemaVersion, doc.SchemaVersion)
	assert.Empty(t, doc.Queue)
	assert.NotEmpty(t, version)
	assert.False(t, doc.UpdatedAt.IsZero())

	// the empty document was persisted, a second read must not create a
	// new version
	_, version2, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, version, version2)
}

func TestWriteFailsWithStaleToken(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(t, backend)

	doc, version, err := s.Read(context.Background())
	require.NoError(t, err)

	_, err = s.Write(context.Background(), doc, version)
	require.NoError(t, err)

	_, err = s.Write(context.Background(), doc, version)
	assert.ErrorIs(t, err, qerr.ErrConcurrencyConflict)
}

func TestAtomicUpdateConcurrentWritersLoseNoUpdates(t *testing.T) {
	const writers = 10

	backend := &fakeBackend{}

	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		s := newTestStore(t, backend)
		s.maxAttempts = writers * 2

		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()

			_, errs[i] = s.AtomicUpdate(context.Background(), func(doc *queue.Document) error {
				doc.Enqueue(&queue.QueuedEntry{
					PRNumber:   i + 1,
					EnqueuedAt: time.Now(),
				})
				return nil
			})
		}(i, s)
	}

	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "writer %d failed", i)
	}

	doc, _, err := New(backend).Read(context.Background())
	require.NoError(t, err)

	require.Len(t, doc.Queue, writers)
	seen := map[int]struct{}{}
	for _, entry := range doc.Queue {
		seen[entry.PRNumber] = struct{}{}
	}
	assert.Len(t, seen, writers)
}

func TestAtomicUpdateRetriesWholeCycleOnConflict(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(t, backend)

	// bootstrap first, the forced conflicts must hit the update cycle
	_, _, err := s.Read(context.Background())
	require.NoError(t, err)
	backend.failSaves = 3

	var mutateCalls int
	_, err = s.AtomicUpdate(context.Background(), func(doc *queue.Document) error {
		mutateCalls++
		doc.Enqueue(&queue.QueuedEntry{PRNumber: 1, EnqueuedAt: time.Now()})
		return nil
	})
	require.NoError(t, err)

	// mutate must be re-applied to freshly read state on every conflict,
	// not only the write repeated
	assert.Equal(t, 4, mutateCalls)
}

func TestAtomicUpdateReturnsConcurrencyExhausted(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(t, backend)
	s.maxAttempts = 3

	_, _, err := s.Read(context.Background())
	require.NoError(t, err)
	backend.failSaves = 1000

	_, err = s.AtomicUpdate(context.Background(), func(*queue.Document) error {
		return nil
	})

	var exhausted *qerr.ConcurrencyExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, qerr.ErrConcurrencyConflict)
}

func TestAtomicUpdateDoesNotWriteWhenMutateFails(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(t, backend)

	// bootstrap
	_, _, err := s.Read(context.Background())
	require.NoError(t, err)
	savesBefore := backend.saveCalls

	mutateErr := errors.New("mutate failed")
	_, err = s.AtomicUpdate(context.Background(), func(*queue.Document) error {
		return mutateErr
	})
	require.ErrorIs(t, err, mutateErr)
	assert.Equal(t, savesBefore, backend.saveCalls)
}

func TestCorruptDocumentIsNotRetried(t *testing.T) {
	backend := &fakeBackend{data: []byte(`{"updatedAt":"2024-01-01T00:00:00Z"}`), version: 1}
	s := newTestStore(t, backend)

	_, err := s.AtomicUpdate(context.Background(), func(*queue.Document) error {
		t.Fatal("mutate must not be called for a corrupt document")
		return nil
	})

	var corrupt *qerr.StateCorruptError
	assert.ErrorAs(t, err, &corrupt)
}
