package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/simplesurance/sequentor/internal/qerr"
)

// Enqueue adds a pull request to the queue and returns its 1-based position.
// If the PR is already queued, its existing position is returned and nothing
// is changed.
// If the PR is currently being processed, 0 is returned.
// The queue is ordered by priority, descending, ties are broken by enqueue
// time, earlier first.
func (d *Document) Enqueue(entry *QueuedEntry) (position int) {
	if d.Current != nil && d.Current.PRNumber == entry.PRNumber {
		return 0
	}

	if pos := d.Position(entry.PRNumber); pos > 0 {
		return pos
	}

	d.Queue = append(d.Queue, entry)
	d.sortQueue()

	return d.Position(entry.PRNumber)
}

func (d *Document) sortQueue() {
	sort.SliceStable(d.Queue, func(i, j int) bool {
		if d.Queue[i].Priority != d.Queue[j].Priority {
			return d.Queue[i].Priority > d.Queue[j].Priority
		}

		return d.Queue[i].EnqueuedAt.Before(d.Queue[j].EnqueuedAt)
	})
}

// Position returns the 1-based queue position of a pull request, 0 if it is
// not queued.
func (d *Document) Position(prNumber int) int {
	for i, entry := range d.Queue {
		if entry.PRNumber == prNumber {
			return i + 1
		}
	}

	return 0
}

// Head returns the first queued entry without removing it.
// Removal happens only when processing completes.
func (d *Document) Head() *QueuedEntry {
	if len(d.Queue) == 0 {
		return nil
	}

	return d.Queue[0]
}

// Withdraw removes a queued pull request and returns whether it was queued.
// The currently processed entry is unaffected.
func (d *Document) Withdraw(prNumber int) bool {
	for i, entry := range d.Queue {
		if entry.PRNumber == prNumber {
			d.Queue = append(d.Queue[:i], d.Queue[i+1:]...)
			return true
		}
	}

	return false
}

// BeginProcessing marks the pull request as the one being processed.
// The caller must have confirmed before that no PR is in flight, if one is,
// qerr.ErrInvalidTransition is returned.
func (d *Document) BeginProcessing(entry *QueuedEntry, now time.Time) error {
	if d.Current != nil {
		return fmt.Errorf("pull request %d is already being processed: %w",
			d.Current.PRNumber, qerr.ErrInvalidTransition)
	}

	d.Current = &CurrentEntry{
		PRNumber:  entry.PRNumber,
		Status:    StatusValidating,
		StartedAt: now,
		UpdatedAt: now,
	}

	return nil
}

// AdvanceStatus sets the processing status of the current entry.
func (d *Document) AdvanceStatus(status Status, now time.Time) error {
	if d.Current == nil {
		return fmt.Errorf("no pull request is being processed: %w", qerr.ErrInvalidTransition)
	}

	d.Current.Status = status
	d.Current.UpdatedAt = now

	return nil
}

// Complete records the outcome of the currently processed pull request.
// The queue entry is removed if still present, the history entry is
// prepended, truncating the history to HistoryLimit, the stats counters are
// incremented and the current entry is cleared.
// Completing without a started entry is a programming error, not a
// recoverable condition, qerr.ErrInvalidTransition is returned and the
// document is unchanged.
func (d *Document) Complete(entry *HistoryEntry) error {
	if d.Current == nil {
		return fmt.Errorf("no pull request is being processed: %w", qerr.ErrInvalidTransition)
	}

	d.Withdraw(entry.PRNumber)

	d.History = append([]*HistoryEntry{entry}, d.History...)
	if len(d.History) > HistoryLimit {
		d.History = d.History[:HistoryLimit]
	}

	d.Stats.TotalProcessed++
	switch entry.Result {
	case ResultMerged:
		d.Stats.TotalMerged++
	case ResultFailed, ResultConflict:
		d.Stats.TotalFailed++
	}

	d.Current = nil

	return nil
}
