// Package queue defines the persisted merge queue document and its mutation
// logic.
// The document is a snapshot, all mutations are synchronous and in-memory.
// Durability and race-safety are the responsibility of the store package,
// which invokes the mutations inside its conditional read-mutate-write cycle.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the version of the document layout.
const SchemaVersion = 1

// HistoryLimit is the number of retained history entries, the oldest entry is
// evicted when the limit is exceeded.
const HistoryLimit = 100

// Status is the processing state of the pull request that is currently being
// processed.
type Status string

const (
	StatusValidating     Status = "validating"
	StatusUpdatingBranch Status = "updatingBranch"
	StatusMerging        Status = "merging"
)

// Result is the terminal outcome of processing a pull request.
type Result string

const (
	ResultMerged   Result = "merged"
	ResultFailed   Result = "failed"
	ResultConflict Result = "conflict"
	ResultRemoved  Result = "removed"
)

// Document is the queue state of one repository.
// It is the single source of truth for queue membership, processing state,
// history and statistics.
type Document struct {
	SchemaVersion int             `json:"schemaVersion"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Current       *CurrentEntry   `json:"current"`
	Queue         []*QueuedEntry  `json:"queue"`
	History       []*HistoryEntry `json:"history"`
	Stats         *Stats          `json:"stats"`
}

// QueuedEntry is a pull request waiting in the queue.
type QueuedEntry struct {
	PRNumber   int       `json:"prNumber"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	EnqueuedBy string    `json:"enqueuedBy"`
	HeadSHA    string    `json:"headSha"`
	Priority   int       `json:"priority"`
}

// CurrentEntry is the pull request that is actively being processed.
// At most one exists at a time.
type CurrentEntry struct {
	PRNumber  int       `json:"prNumber"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HistoryEntry records the outcome of one processed pull request.
// Entries are newest-first and immutable once written.
type HistoryEntry struct {
	PRNumber        int       `json:"prNumber"`
	Result          Result    `json:"result"`
	Reason          string    `json:"reason,omitempty"`
	CompletedAt     time.Time `json:"completedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
}

// Stats are monotonically increasing counters derived from history results.
type Stats struct {
	TotalProcessed int `json:"totalProcessed"`
	TotalMerged    int `json:"totalMerged"`
	TotalFailed    int `json:"totalFailed"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Queue:         []*QueuedEntry{},
		History:       []*HistoryEntry{},
		Stats:         &Stats{},
	}
}

// DocumentName returns the deterministic name of the document of a
// repository.
func DocumentName(owner, repo string) string {
	return strings.ToLower(owner) + "-" + strings.ToLower(repo) + ".json"
}

// Validate returns an error when the document violates its structural
// invariants.
// A document failing validation must not be processed or repaired, the store
// reports it as corrupt.
func (d *Document) Validate() error {
	if d.SchemaVersion <= 0 {
		return fmt.Errorf("schemaVersion is %d, must be >=1", d.SchemaVersion)
	}

	if d.Queue == nil {
		return errors.New("queue field is missing or not an array")
	}

	if d.History == nil {
		return errors.New("history field is missing or not an array")
	}

	if d.Stats == nil {
		return errors.New("stats field is missing")
	}

	seen := make(map[int]struct{}, len(d.Queue))
	for _, entry := range d.Queue {
		if entry == nil {
			return errors.New("queue contains a null entry")
		}

		if _, exists := seen[entry.PRNumber]; exists {
			return fmt.Errorf("queue contains pull request %d multiple times", entry.PRNumber)
		}

		seen[entry.PRNumber] = struct{}{}
	}

	return nil
}

// Touch sets the last-modified timestamp of the document.
func (d *Document) Touch(now time.Time) {
	d.UpdatedAt = now
}
