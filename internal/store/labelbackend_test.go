package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/sequentor/internal/githubclt"
	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/queue"
)

const (
	testQueueLabel      = "merge-queue"
	testProcessingLabel = "merge-queue-processing"
)

// fakeLabelClient keeps the labels of open pull requests in memory.
type fakeLabelClient struct {
	mu     sync.Mutex
	labels map[int][]string
}

func newFakeLabelClient() *fakeLabelClient {
	return &fakeLabelClient{labels: map[int][]string{}}
}

type slicePRIter struct {
	prs []*githubclt.PullRequestInfo
	pos int
}

func (it *slicePRIter) Next() (*githubclt.PullRequestInfo, error) {
	if it.pos >= len(it.prs) {
		return nil, nil
	}

	pr := it.prs[it.pos]
	it.pos++

	return pr, nil
}

func (c *fakeLabelClient) ListOpenPRs(_ context.Context, _, _, label string) githubclt.PRIterator {
	c.mu.Lock()
	defer c.mu.Unlock()

	numbers := make([]int, 0, len(c.labels))
	for nr := range c.labels {
		numbers = append(numbers, nr)
	}
	sort.Ints(numbers)

	prs := make([]*githubclt.PullRequestInfo, 0, len(numbers))
	for _, nr := range numbers {
		labels := append([]string{}, c.labels[nr]...)
		if label != "" && !contains(labels, label) {
			continue
		}

		prs = append(prs, &githubclt.PullRequestInfo{
			Number: nr,
			State:  "open",
			Labels: labels,
		})
	}

	return &slicePRIter{prs: prs}
}

func (c *fakeLabelClient) AddLabel(_ context.Context, _, _ string, prNumber int, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if contains(c.labels[prNumber], label) {
		return nil
	}

	c.labels[prNumber] = append(c.labels[prNumber], label)

	return nil
}

func (c *fakeLabelClient) RemoveLabel(_ context.Context, _, _ string, prNumber int, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	labels := c.labels[prNumber]
	for i, l := range labels {
		if l == label {
			c.labels[prNumber] = append(labels[:i], labels[i+1:]...)
			return nil
		}
	}

	return nil
}

func (c *fakeLabelClient) prLabels(prNumber int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string{}, c.labels[prNumber]...)
}

func contains(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}

	return false
}

func newTestLabelBackend(t *testing.T, clt *fakeLabelClient) *LabelBackend {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	return NewLabelBackend(clt, "testman", "sequentor", testQueueLabel, testProcessingLabel)
}

func TestLabelBackendLoadSynthesizesDocument(t *testing.T) {
	clt := newFakeLabelClient()
	clt.labels[3] = []string{testQueueLabel}
	clt.labels[1] = []string{testQueueLabel, "bug"}
	clt.labels[5] = []string{testProcessingLabel}
	clt.labels[9] = []string{"unrelated"}

	b := newTestLabelBackend(t, clt)

	doc, version, err := b.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, doc.Queue, 2)
	require.Equal(t, 1, doc.Queue[0].PRNumber)
	require.Equal(t, 3, doc.Queue[1].PRNumber)

	require.NotNil(t, doc.Current)
	require.Equal(t, 5, doc.Current.PRNumber)
	require.Equal(t, queue.StatusValidating, doc.Current.Status)

	require.Equal(t, "q:1,3;c:5", version)
}

func TestLabelBackendLoadEmptyRepository(t *testing.T) {
	b := newTestLabelBackend(t, newFakeLabelClient())

	doc, version, err := b.Load(context.Background())
	require.NoError(t, err)

	require.Empty(t, doc.Queue)
	require.Nil(t, doc.Current)
	require.Equal(t, "q:;c:", version)
}

func TestLabelBackendLoadMultipleProcessingLabelsUsesLowest(t *testing.T) {
	clt := newFakeLabelClient()
	clt.labels[8] = []string{testProcessingLabel}
	clt.labels[2] = []string{testProcessingLabel}

	b := newTestLabelBackend(t, clt)

	doc, _, err := b.Load(context.Background())
	require.NoError(t, err)

	require.NotNil(t, doc.Current)
	require.Equal(t, 2, doc.Current.PRNumber)
}

func TestLabelBackendSaveSyncsLabels(t *testing.T) {
	clt := newFakeLabelClient()
	clt.labels[1] = []string{testQueueLabel}
	clt.labels[3] = []string{testQueueLabel}

	b := newTestLabelBackend(t, clt)

	doc, version, err := b.Load(context.Background())
	require.NoError(t, err)

	// PR 1 starts processing, PR 7 joins the queue
	doc.Current = &queue.CurrentEntry{
		PRNumber:  1,
		Status:    queue.StatusValidating,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	doc.Queue = []*queue.QueuedEntry{
		{PRNumber: 3, EnqueuedAt: time.Now()},
		{PRNumber: 7, EnqueuedAt: time.Now()},
	}

	newVersion, err := b.Save(context.Background(), doc, version)
	require.NoError(t, err)
	require.Equal(t, "q:3,7;c:1", newVersion)

	require.NotContains(t, clt.prLabels(1), testQueueLabel)
	require.Contains(t, clt.prLabels(1), testProcessingLabel)
	require.Contains(t, clt.prLabels(3), testQueueLabel)
	require.Contains(t, clt.prLabels(7), testQueueLabel)
}

func TestLabelBackendSaveClearsProcessingLabel(t *testing.T) {
	clt := newFakeLabelClient()
	clt.labels[1] = []string{testProcessingLabel}

	b := newTestLabelBackend(t, clt)

	doc, version, err := b.Load(context.Background())
	require.NoError(t, err)

	doc.Current = nil

	newVersion, err := b.Save(context.Background(), doc, version)
	require.NoError(t, err)
	require.Equal(t, "q:;c:", newVersion)

	require.NotContains(t, clt.prLabels(1), testProcessingLabel)
}

func TestLabelBackendSaveConflictsOnChangedMembership(t *testing.T) {
	clt := newFakeLabelClient()
	clt.labels[1] = []string{testQueueLabel}

	b := newTestLabelBackend(t, clt)

	doc, version, err := b.Load(context.Background())
	require.NoError(t, err)

	// another run labels PR 7 between our load and save
	require.NoError(t, clt.AddLabel(context.Background(), "", "", 7, testQueueLabel))

	_, err = b.Save(context.Background(), doc, version)
	require.ErrorIs(t, err, qerr.ErrConcurrencyConflict)
}

func TestLabelBackendAtomicUpdate(t *testing.T) {
	clt := newFakeLabelClient()
	clt.labels[4] = []string{testQueueLabel}

	b := newTestLabelBackend(t, clt)
	s := New(b)

	doc, err := s.AtomicUpdate(context.Background(), func(doc *queue.Document) error {
		doc.Enqueue(&queue.QueuedEntry{PRNumber: 2, EnqueuedAt: time.Now()})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, doc.Queue, 2)

	require.Contains(t, clt.prLabels(2), testQueueLabel)
	require.Contains(t, clt.prLabels(4), testQueueLabel)
}
