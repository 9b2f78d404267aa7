// Package process drives a queued pull request through validation, branch
// reconciliation and merging.
// At most one pull request is processed at a time per repository, the claim
// is taken and released through atomic updates of the queue document.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/sequentor/internal/githubclt"
	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/queue"
	"github.com/simplesurance/sequentor/internal/reconcile"
	"github.com/simplesurance/sequentor/internal/retry"
	"github.com/simplesurance/sequentor/internal/store"
	"github.com/simplesurance/sequentor/internal/validate"
)

const loggerName = "orchestrator"

// sentinel mutate errors, they abort an atomic update without writing
var (
	errAlreadyProcessing = errors.New("another pull request is being processed")
	errQueueEmpty        = errors.New("the queue is empty")
	errLostClaim         = errors.New("the processing claim was taken over by another run")
)

// HostClient is the subset of the github client that the orchestrator uses.
type HostClient interface {
	PR(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PullRequestInfo, error)
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	MergePR(ctx context.Context, owner, repo string, prNumber int, strategy, expectedHeadCommit string) error
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
	AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
}

// Validator validates the eligibility of a pull request.
type Validator interface {
	Validate(ctx context.Context, prNumber int) (*validate.Result, error)
	IsBehind(ctx context.Context, prNumber int) (bool, error)
}

// Reconciler updates a pull request branch with trunk and waits for its
// checks.
type Reconciler interface {
	UpdateIfBehind(ctx context.Context, prNumber int) (*reconcile.UpdateResult, error)
}

// Outcome is the terminal result of one processing run.
type Outcome string

const (
	OutcomeMerged   Outcome = "merged"
	OutcomeFailed   Outcome = "failed"
	OutcomeConflict Outcome = "conflict"
	OutcomeRemoved  Outcome = "removed"
	// OutcomeNone means no pull request was processed, the queue was empty
	// or another run holds the processing claim.
	OutcomeNone Outcome = "none"
)

// RunResult describes what one ProcessHead invocation did.
type RunResult struct {
	// Processed is false when no pull request was claimed.
	Processed bool
	PRNumber  int
	Outcome   Outcome
	Reason    string
}

type Config struct {
	Owner string
	Repo  string

	MergeStrategy          string
	DeleteBranchAfterMerge bool
	AutoUpdateBranch       bool
	MaxUpdateRetries       int
	FailedLabel            string
	// AbandonAge is the age after which a processing entry of a previous,
	// presumably crashed, run is recorded as failed.
	AbandonAge time.Duration
}

type Orchestrator struct {
	store      *store.Store
	clt        HostClient
	validator  Validator
	reconciler Reconciler
	retryer    *retry.Retryer
	logger     *zap.Logger
	cfg        Config

	nowFn func() time.Time
}

func New(st *store.Store, clt HostClient, validator Validator, reconciler Reconciler, retryer *retry.Retryer, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      st,
		clt:        clt,
		validator:  validator,
		reconciler: reconciler,
		retryer:    retryer,
		logger:     zap.L().Named(loggerName),
		cfg:        cfg,
		nowFn:      time.Now,
	}
}

// Enqueue validates a pull request and appends it to the queue.
// The returned position is 1-based. Re-enqueueing a queued PR returns its
// existing position, enqueueing the PR that is currently processed returns 0.
// An ineligible PR is rejected with a *qerr.ValidationError and the queue is
// left unchanged.
func (o *Orchestrator) Enqueue(ctx context.Context, prNumber int, enqueuedBy string, priority int) (int, error) {
	result, err := o.validator.Validate(ctx, prNumber)
	if err != nil {
		return 0, err
	}

	if !result.Valid {
		return 0, &qerr.ValidationError{Reason: result.Reason}
	}

	var position int

	doc, err := o.store.AtomicUpdate(ctx, func(doc *queue.Document) error {
		position = doc.Enqueue(&queue.QueuedEntry{
			PRNumber:   prNumber,
			EnqueuedAt: o.nowFn(),
			EnqueuedBy: enqueuedBy,
			HeadSHA:    result.PR.HeadCommit,
			Priority:   priority,
		})

		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.QueueSizeSet(o.cfg.Owner, o.cfg.Repo, len(doc.Queue))

	o.logger.Info(
		"pull request was enqueued",
		logfields.Event("pull_request_enqueued"),
		logfields.PullRequest(prNumber),
		zap.Int("queue.position", position),
		zap.Int("queue.priority", priority),
	)

	return position, nil
}

// Withdraw removes a queued pull request from the queue.
// It returns false when the PR is not queued. A PR that is currently being
// processed can not be withdrawn.
func (o *Orchestrator) Withdraw(ctx context.Context, prNumber int) (bool, error) {
	var removed bool

	doc, err := o.store.AtomicUpdate(ctx, func(doc *queue.Document) error {
		removed = doc.Withdraw(prNumber)
		return nil
	})
	if err != nil {
		return false, err
	}

	metrics.QueueSizeSet(o.cfg.Owner, o.cfg.Repo, len(doc.Queue))

	if removed {
		o.logger.Info(
			"pull request was withdrawn from the queue",
			logfields.Event("pull_request_withdrawn"),
			logfields.PullRequest(prNumber),
		)
	}

	return removed, nil
}

// Status returns the current queue document.
func (o *Orchestrator) Status(ctx context.Context) (*queue.Document, error) {
	doc, _, err := o.store.Read(ctx)
	return doc, err
}

// ProcessHead claims the head of the queue and drives it to a terminal
// outcome.
//
// When the queue is empty or another run is already processing a pull
// request, it returns a RunResult with OutcomeNone.
// A processing entry older than AbandonAge is recorded as failed and the
// next pull request is claimed, a crashed run must not block the queue
// forever.
//
// Per-PR failures are recorded in the history and reported through the
// RunResult, they do not return an error. Infrastructure errors abort
// without recording an outcome, the claim stays in place and a later run
// recovers it. A check timeout is recorded as failed AND returned as error,
// together with the RunResult.
func (o *Orchestrator) ProcessHead(ctx context.Context) (*RunResult, error) {
	claimed, err := o.claimHead(ctx)
	if err != nil {
		if errors.Is(err, errAlreadyProcessing) || errors.Is(err, errQueueEmpty) {
			return &RunResult{Outcome: OutcomeNone, Reason: err.Error()}, nil
		}

		return nil, err
	}

	logger := o.logger.With(logfields.PullRequest(claimed.PRNumber))
	logger.Info(
		"processing pull request",
		logfields.Event("processing_started"),
	)

	outcome, procErr := o.processGuarded(ctx, claimed.PRNumber)

	if procErr != nil {
		var timeoutErr *qerr.CheckTimeoutError
		if !errors.As(procErr, &timeoutErr) {
			// infrastructure error: no outcome is recorded, the
			// claim stays and is recovered by a later run
			return nil, procErr
		}

		// a check timeout is terminal for the PR, record it so that the
		// queue is not blocked, but still surface the error
		outcome = &prOutcome{
			result: queue.ResultFailed,
			reason: procErr.Error(),
		}

		if err := o.finish(ctx, claimed.PRNumber, outcome); err != nil {
			return nil, errors.Join(procErr, err)
		}

		return o.runResult(claimed.PRNumber, outcome), procErr
	}

	if err := o.finish(ctx, claimed.PRNumber, outcome); err != nil {
		return nil, err
	}

	result := o.runResult(claimed.PRNumber, outcome)

	logger.Info(
		"processing pull request finished",
		logfields.Event("processing_finished"),
		logfields.Outcome(string(result.Outcome)),
		logfields.Reason(result.Reason),
	)

	return result, nil
}

func (o *Orchestrator) runResult(prNumber int, outcome *prOutcome) *RunResult {
	return &RunResult{
		Processed: true,
		PRNumber:  prNumber,
		Outcome:   Outcome(outcome.result),
		Reason:    outcome.reason,
	}
}

// claimHead marks the head of the queue as being processed.
func (o *Orchestrator) claimHead(ctx context.Context) (*queue.QueuedEntry, error) {
	var claimed queue.QueuedEntry

	_, err := o.store.AtomicUpdate(ctx, func(doc *queue.Document) error {
		now := o.nowFn()

		if doc.Current != nil {
			age := now.Sub(doc.Current.StartedAt)
			if age < o.cfg.AbandonAge {
				return errAlreadyProcessing
			}

			o.logger.Warn(
				"found stale processing entry of a previous run, recording it as failed",
				logfields.Event("stale_processing_entry_abandoned"),
				logfields.PullRequest(doc.Current.PRNumber),
				zap.Duration("queue.processing_age", age),
			)

			err := doc.Complete(&queue.HistoryEntry{
				PRNumber:        doc.Current.PRNumber,
				Result:          queue.ResultFailed,
				Reason:          "processing was abandoned by a previous run",
				CompletedAt:     now,
				DurationSeconds: age.Seconds(),
			})
			if err != nil {
				return err
			}
		}

		head := doc.Head()
		if head == nil {
			return errQueueEmpty
		}

		claimed = *head

		return doc.BeginProcessing(head, now)
	})
	if err != nil {
		return nil, err
	}

	return &claimed, nil
}

// prOutcome is the terminal, per-PR result of a processing attempt.
type prOutcome struct {
	result queue.Result
	reason string
}

// processGuarded runs processPR and converts panics into a failed outcome.
// A deterministic bug while processing one PR must not leave the queue
// claimed until the abandon age elapses.
func (o *Orchestrator) processGuarded(ctx context.Context, prNumber int) (outcome *prOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(
				"processing a pull request panicked",
				logfields.Event("processing_panicked"),
				logfields.PullRequest(prNumber),
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)

			outcome = &prOutcome{
				result: queue.ResultFailed,
				reason: fmt.Sprintf("internal error: %v", r),
			}
			err = nil
		}
	}()

	return o.processPR(ctx, prNumber)
}

func (o *Orchestrator) processPR(ctx context.Context, prNumber int) (*prOutcome, error) {
	vres, err := o.validator.Validate(ctx, prNumber)
	if err != nil {
		return nil, fmt.Errorf("validating pull request failed: %w", err)
	}

	if vres.Closed {
		return &prOutcome{result: queue.ResultRemoved, reason: "pull request is no longer open"}, nil
	}

	if !vres.Valid {
		return &prOutcome{result: queue.ResultFailed, reason: vres.Reason}, nil
	}

	headCommit := vres.PR.HeadCommit

	if vres.Behind {
		if !o.cfg.AutoUpdateBranch {
			return &prOutcome{
				result: queue.ResultFailed,
				reason: "branch is behind trunk and automatic branch updates are disabled",
			}, nil
		}

		headCommit, err = o.updateUntilCurrent(ctx, prNumber)
		if err != nil {
			var terminal *errTerminalOutcome
			if errors.As(err, &terminal) {
				return terminal.outcome, nil
			}

			return nil, err
		}
	}

	return o.merge(ctx, prNumber, headCommit)
}

// errTerminalOutcome carries a per-PR outcome out of a helper.
type errTerminalOutcome struct{ outcome *prOutcome }

func (e *errTerminalOutcome) Error() string { return e.outcome.reason }

// updateUntilCurrent repeatedly updates the branch with trunk until it is not
// behind anymore.
// Each successful update waits for the checks of the new head commit. The
// number of attempts is bounded, a trunk that advances faster than the
// checks finish must not keep one PR busy forever.
func (o *Orchestrator) updateUntilCurrent(ctx context.Context, prNumber int) (string, error) {
	if err := o.advanceStatus(ctx, prNumber, queue.StatusUpdatingBranch); err != nil {
		return "", err
	}

	for attempt := 1; ; attempt++ {
		if attempt > o.cfg.MaxUpdateRetries {
			return "", &errTerminalOutcome{outcome: &prOutcome{
				result: queue.ResultFailed,
				reason: fmt.Sprintf("trunk branch kept advancing during %d branch update attempts", o.cfg.MaxUpdateRetries),
			}}
		}

		ures, err := o.reconciler.UpdateIfBehind(ctx, prNumber)
		if err != nil {
			return "", err
		}

		switch {
		case ures.Closed:
			return "", &errTerminalOutcome{outcome: &prOutcome{
				result: queue.ResultRemoved,
				reason: "pull request was closed while its branch was updated",
			}}

		case ures.Conflict:
			return "", &errTerminalOutcome{outcome: &prOutcome{
				result: queue.ResultConflict,
				reason: ures.FailureReason,
			}}

		case !ures.Success:
			return "", &errTerminalOutcome{outcome: &prOutcome{
				result: queue.ResultFailed,
				reason: ures.FailureReason,
			}}
		}

		behind, err := o.validator.IsBehind(ctx, prNumber)
		if err != nil {
			return "", fmt.Errorf("evaluating if branch is behind trunk failed: %w", err)
		}

		if !behind {
			return ures.SHA, nil
		}

		o.logger.Info(
			"trunk branch advanced while the update was running, retrying",
			logfields.Event("branch_update_outdated"),
			logfields.PullRequest(prNumber),
			zap.Int("queue.update_attempt", attempt),
		)
	}
}

func (o *Orchestrator) merge(ctx context.Context, prNumber int, headCommit string) (*prOutcome, error) {
	// the trunk may have advanced between the last check and now, merging
	// a stale branch would bypass the queue guarantee
	behind, err := o.validator.IsBehind(ctx, prNumber)
	if err != nil {
		return nil, fmt.Errorf("evaluating if branch is behind trunk failed: %w", err)
	}

	if behind {
		return &prOutcome{
			result: queue.ResultFailed,
			reason: "trunk branch advanced before the merge could be executed",
		}, nil
	}

	if err := o.advanceStatus(ctx, prNumber, queue.StatusMerging); err != nil {
		return nil, err
	}

	err = o.retryer.Run(ctx, func(ctx context.Context) error {
		return o.clt.MergePR(ctx, o.cfg.Owner, o.cfg.Repo, prNumber, o.cfg.MergeStrategy, headCommit)
	}, []zap.Field{logfields.PullRequest(prNumber), logfields.Commit(headCommit)})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}

		return &prOutcome{
			result: queue.ResultFailed,
			reason: fmt.Sprintf("merging failed: %s", err),
		}, nil
	}

	o.logger.Info(
		"pull request was merged",
		logfields.Event("pull_request_merged"),
		logfields.PullRequest(prNumber),
		logfields.Commit(headCommit),
	)

	if o.cfg.DeleteBranchAfterMerge {
		o.deleteBranch(ctx, prNumber)
	}

	return &prOutcome{result: queue.ResultMerged}, nil
}

// deleteBranch deletes the branch of a merged PR, failures are logged only.
func (o *Orchestrator) deleteBranch(ctx context.Context, prNumber int) {
	pr, err := o.clt.PR(ctx, o.cfg.Owner, o.cfg.Repo, prNumber)
	if err == nil {
		err = o.clt.DeleteBranch(ctx, o.cfg.Owner, o.cfg.Repo, pr.Branch)
	}

	if err != nil {
		o.logger.Warn(
			"deleting the branch of the merged pull request failed",
			logfields.Event("branch_deletion_failed"),
			logfields.PullRequest(prNumber),
			zap.Error(err),
		)
	}
}

// advanceStatus records the processing phase transition in the queue
// document.
func (o *Orchestrator) advanceStatus(ctx context.Context, prNumber int, status queue.Status) error {
	_, err := o.store.AtomicUpdate(ctx, func(doc *queue.Document) error {
		if doc.Current == nil || doc.Current.PRNumber != prNumber {
			return errLostClaim
		}

		return doc.AdvanceStatus(status, o.nowFn())
	})

	return err
}

// finish records the terminal outcome in the queue history and releases the
// claim.
func (o *Orchestrator) finish(ctx context.Context, prNumber int, outcome *prOutcome) error {
	var queueLen int

	_, err := o.store.AtomicUpdate(ctx, func(doc *queue.Document) error {
		if doc.Current == nil || doc.Current.PRNumber != prNumber {
			return errLostClaim
		}

		now := o.nowFn()

		err := doc.Complete(&queue.HistoryEntry{
			PRNumber:        prNumber,
			Result:          outcome.result,
			Reason:          outcome.reason,
			CompletedAt:     now,
			DurationSeconds: now.Sub(doc.Current.StartedAt).Seconds(),
		})
		if err != nil {
			return err
		}

		queueLen = len(doc.Queue)

		return nil
	})
	if err != nil {
		return fmt.Errorf("recording the processing outcome failed: %w", err)
	}

	metrics.ProcessedPRsInc(o.cfg.Owner, o.cfg.Repo, Outcome(outcome.result))
	metrics.QueueSizeSet(o.cfg.Owner, o.cfg.Repo, queueLen)

	if outcome.result == queue.ResultFailed || outcome.result == queue.ResultConflict {
		o.reportFailure(ctx, prNumber, outcome)
	}

	return nil
}

// reportFailure makes a failed processing attempt visible on the PR itself.
// Both operations are best-effort, the history entry is the authoritative
// record.
func (o *Orchestrator) reportFailure(ctx context.Context, prNumber int, outcome *prOutcome) {
	logger := o.logger.With(logfields.PullRequest(prNumber))

	if o.cfg.FailedLabel != "" {
		if err := o.clt.AddLabel(ctx, o.cfg.Owner, o.cfg.Repo, prNumber, o.cfg.FailedLabel); err != nil {
			logger.Warn(
				"adding the failed label to the pull request failed",
				logfields.Event("adding_label_failed"),
				logfields.Label(o.cfg.FailedLabel),
				zap.Error(err),
			)
		}
	}

	comment := fmt.Sprintf(
		":warning: the pull request was removed from the merge queue: %s",
		outcome.reason,
	)
	if err := o.clt.CreateIssueComment(ctx, o.cfg.Owner, o.cfg.Repo, prNumber, comment); err != nil {
		logger.Warn(
			"posting the failure comment on the pull request failed",
			logfields.Event("posting_comment_failed"),
			zap.Error(err),
		)
	}
}
