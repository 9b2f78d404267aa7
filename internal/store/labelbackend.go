package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/sequentor/internal/githubclt"
	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/queue"
)

// LabelClient is the subset of the github client that the label backend uses.
type LabelClient interface {
	ListOpenPRs(ctx context.Context, owner, repo, label string) githubclt.PRIterator
	AddLabel(ctx context.Context, owner, repo string, prNumber int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, prNumber int, label string) error
}

// LabelBackend uses GitHub labels as the sole source of truth for queue
// membership.
//
// It is a reduced-feature backend: queue membership and the in-flight marker
// survive, ordering degrades to ascending PR numbers and priorities, history
// and statistics are not persisted at all. It trades the document backend's
// fidelity for being stateless.
//
// Conditional writes are approximated: Save re-reads the labels and fails
// with qerr.ErrConcurrencyConflict when the membership changed since Load.
// The check and the label mutations are not atomic, the remaining window is
// accepted as part of the reduced guarantees of this backend.
type LabelBackend struct {
	clt             LabelClient
	owner           string
	repo            string
	queueLabel      string
	processingLabel string
	logger          *zap.Logger

	nowFn func() time.Time
}

func NewLabelBackend(clt LabelClient, owner, repo, queueLabel, processingLabel string) *LabelBackend {
	return &LabelBackend{
		clt:             clt,
		owner:           owner,
		repo:            repo,
		queueLabel:      queueLabel,
		processingLabel: processingLabel,
		logger:          zap.L().Named("label_backend"),
		nowFn:           time.Now,
	}
}

func (b *LabelBackend) Name() string {
	return fmt.Sprintf("%s/%s labels:%s,%s", b.owner, b.repo, b.queueLabel, b.processingLabel)
}

func (b *LabelBackend) Load(ctx context.Context) (*queue.Document, string, error) {
	queued, processing, err := b.listMembership(ctx)
	if err != nil {
		return nil, "", err
	}

	doc := queue.NewDocument()
	now := b.nowFn()

	for _, prNumber := range queued {
		doc.Queue = append(doc.Queue, &queue.QueuedEntry{
			PRNumber:   prNumber,
			EnqueuedAt: now,
		})
	}

	if len(processing) > 0 {
		if len(processing) > 1 {
			b.logger.Warn(
				"multiple pull requests carry the processing label, using the lowest number",
				logfields.Event("label_backend_multiple_processing_prs"),
				zap.Ints("github.pull_requests", processing),
			)
		}

		doc.Current = &queue.CurrentEntry{
			PRNumber:  processing[0],
			Status:    queue.StatusValidating,
			StartedAt: now,
			UpdatedAt: now,
		}
	}

	return doc, membershipToken(queued, processing), nil
}

func (b *LabelBackend) Save(ctx context.Context, doc *queue.Document, version string) (string, error) {
	queued, processing, err := b.listMembership(ctx)
	if err != nil {
		return "", err
	}

	observed := membershipToken(queued, processing)
	if version != "" && observed != version {
		return "", fmt.Errorf("%w: labels changed from %q to %q", qerr.ErrConcurrencyConflict, version, observed)
	}

	wantQueued := make(map[int]struct{}, len(doc.Queue))
	for _, entry := range doc.Queue {
		wantQueued[entry.PRNumber] = struct{}{}

		if err := b.clt.AddLabel(ctx, b.owner, b.repo, entry.PRNumber, b.queueLabel); err != nil {
			return "", fmt.Errorf("adding queue label to PR %d failed: %w", entry.PRNumber, err)
		}
	}

	for _, prNumber := range queued {
		if _, keep := wantQueued[prNumber]; keep {
			continue
		}

		if err := b.clt.RemoveLabel(ctx, b.owner, b.repo, prNumber, b.queueLabel); err != nil {
			return "", fmt.Errorf("removing queue label from PR %d failed: %w", prNumber, err)
		}
	}

	if doc.Current != nil {
		if err := b.clt.AddLabel(ctx, b.owner, b.repo, doc.Current.PRNumber, b.processingLabel); err != nil {
			return "", fmt.Errorf("adding processing label to PR %d failed: %w", doc.Current.PRNumber, err)
		}
	}

	for _, prNumber := range processing {
		if doc.Current != nil && doc.Current.PRNumber == prNumber {
			continue
		}

		if err := b.clt.RemoveLabel(ctx, b.owner, b.repo, prNumber, b.processingLabel); err != nil {
			return "", fmt.Errorf("removing processing label from PR %d failed: %w", prNumber, err)
		}
	}

	newQueued := make([]int, 0, len(doc.Queue))
	for _, entry := range doc.Queue {
		newQueued = append(newQueued, entry.PRNumber)
	}

	var newProcessing []int
	if doc.Current != nil {
		newProcessing = []int{doc.Current.PRNumber}
	}

	return membershipToken(newQueued, newProcessing), nil
}

func (b *LabelBackend) listMembership(ctx context.Context) (queued, processing []int, err error) {
	it := b.clt.ListOpenPRs(ctx, b.owner, b.repo, "")

	for {
		pr, err := it.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("listing open pull requests failed: %w", err)
		}

		if pr == nil {
			break
		}

		for _, label := range pr.Labels {
			switch label {
			case b.queueLabel:
				queued = append(queued, pr.Number)
			case b.processingLabel:
				processing = append(processing, pr.Number)
			}
		}
	}

	sort.Ints(queued)
	sort.Ints(processing)

	return queued, processing, nil
}

func membershipToken(queued, processing []int) string {
	var sb strings.Builder

	sb.WriteString("q:")
	for i, nr := range queued {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(nr))
	}

	sb.WriteString(";c:")
	for i, nr := range processing {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(nr))
	}

	return sb.String()
}
