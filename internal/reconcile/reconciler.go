// Package reconcile makes a pull request branch safe to merge against a
// moving trunk branch, with bounded effort.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/simplesurance/sequentor/internal/githubclt"
	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/retry"
	"github.com/simplesurance/sequentor/internal/set"
)

const loggerName = "reconciler"

// DefPollInterval is the default pause between checking if the checks of a
// commit finished.
const DefPollInterval = 30 * time.Second

// updateBranchPollInterval specifies the minimum pause between checking if a
// pull request branch has been updated with the trunk branch, after GitHub
// returned that an update has been scheduled.
const updateBranchPollInterval = 2 * time.Second

// HostClient is the subset of the github client that the reconciler uses.
type HostClient interface {
	PR(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PullRequestInfo, error)
	UpdateBranch(ctx context.Context, owner, repo string, prNumber int) (*githubclt.UpdateBranchResult, error)
	CheckStatus(ctx context.Context, owner, repo string, prNumber int) (*githubclt.CheckRollup, error)
	BranchIsBehindBase(ctx context.Context, owner, repo, baseBranch, branch string) (bool, error)
}

type Reconciler struct {
	clt     HostClient
	retryer *retry.Retryer
	clock   clock.Clock
	logger  *zap.Logger

	owner string
	repo  string
	trunk string

	pollInterval  time.Duration
	checkTimeout  time.Duration
	ignoredChecks set.Set[string]
}

func New(clt HostClient, retryer *retry.Retryer, owner, repo, trunk string, checkTimeout time.Duration, ignoredChecks []string) *Reconciler {
	return &Reconciler{
		clt:           clt,
		retryer:       retryer,
		clock:         clock.New(),
		logger:        zap.L().Named(loggerName),
		owner:         owner,
		repo:          repo,
		trunk:         trunk,
		pollInterval:  DefPollInterval,
		checkTimeout:  checkTimeout,
		ignoredChecks: set.From(ignoredChecks),
	}
}

// UpdateResult describes the outcome of one reconciliation attempt.
type UpdateResult struct {
	// Success is true when the branch contains all trunk changes and its
	// required checks succeeded.
	Success bool
	// Conflict is true when merging trunk into the branch failed with a
	// merge conflict. It is terminal for the PR and not retried.
	Conflict bool
	// Closed is true when the PR was closed before or while
	// reconciliation ran.
	Closed bool
	// SHA is the head commit the result refers to.
	SHA string
	// FailureReason describes why Success is false.
	FailureReason string
}

// UpdateIfBehind brings the PR branch up to date with the trunk branch and
// waits for its checks to finish.
// If the branch is not behind, it returns successfully without waiting for
// checks, the caller validated them before.
// A merge conflict short-circuits with Conflict set, it is fatal for this PR.
func (r *Reconciler) UpdateIfBehind(ctx context.Context, prNumber int) (*UpdateResult, error) {
	logger := r.logger.With(
		logfields.RepositoryOwner(r.owner),
		logfields.Repository(r.repo),
		logfields.PullRequest(prNumber),
	)

	pr, err := r.clt.PR(ctx, r.owner, r.repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request failed: %w", err)
	}

	if !pr.IsOpen() {
		return &UpdateResult{Closed: true}, nil
	}

	behind, err := r.clt.BranchIsBehindBase(ctx, r.owner, r.repo, r.trunk, pr.Branch)
	if err != nil {
		return nil, fmt.Errorf("evaluating if branch is behind trunk failed: %w", err)
	}

	if !behind {
		logger.Debug(
			"branch contains all trunk changes, no update needed",
			logfields.Event("branch_uptodate"),
			logfields.Commit(pr.HeadCommit),
		)

		return &UpdateResult{Success: true, SHA: pr.HeadCommit}, nil
	}

	headCommit, err := r.updateBranch(ctx, prNumber)
	if err != nil {
		if errors.Is(err, qerr.ErrBranchConflict) {
			logger.Info(
				"updating branch with trunk failed with a merge conflict",
				logfields.Event("branch_update_conflict"),
				zap.Error(err),
			)

			return &UpdateResult{Conflict: true, FailureReason: "merging trunk into the branch failed with a merge conflict"}, nil
		}

		if errors.Is(err, githubclt.ErrPullRequestIsClosed) {
			return &UpdateResult{Closed: true}, nil
		}

		return nil, fmt.Errorf("updating branch with trunk failed: %w", err)
	}

	logger.Info(
		"branch was updated with changes from trunk",
		logfields.Event("branch_updated"),
		logfields.Commit(headCommit),
	)

	waitResult, err := r.WaitForTests(ctx, prNumber, headCommit)
	if err != nil {
		return nil, err
	}

	if waitResult.Closed {
		return &UpdateResult{Closed: true, SHA: headCommit}, nil
	}

	if waitResult.BranchChanged {
		return &UpdateResult{
			SHA:           headCommit,
			FailureReason: "the pull request branch was modified while waiting for its checks",
		}, nil
	}

	if !waitResult.Passed {
		return &UpdateResult{
			SHA:           headCommit,
			FailureReason: fmt.Sprintf("required check %q did not succeed after the branch update", waitResult.FailedCheck),
		}, nil
	}

	return &UpdateResult{Success: true, SHA: headCommit}, nil
}

// updateBranch triggers merging trunk into the PR branch and polls until the
// scheduled update was executed.
// The head commit of the updated branch is returned.
func (r *Reconciler) updateBranch(ctx context.Context, prNumber int) (headCommit string, err error) {
	err = r.retryer.Run(ctx, func(ctx context.Context) error {
		result, err := r.clt.UpdateBranch(ctx, r.owner, r.repo, prNumber)
		if err != nil {
			return err
		}

		if result == nil {
			return errors.New("BUG: UpdateBranch returned nil result")
		}

		if result.Scheduled {
			return qerr.NewRetryableError(
				errors.New("branch update was scheduled, retrying until update was done"),
				time.Now().Add(updateBranchPollInterval),
			)
		}

		headCommit = result.HeadCommitID

		return nil
	}, []zap.Field{logfields.PullRequest(prNumber)})

	return headCommit, err
}

// WaitResult describes how waiting for checks ended.
type WaitResult struct {
	Passed bool
	Closed bool
	// BranchChanged is true when the head commit of the PR branch is not
	// the commit that was waited on anymore.
	BranchChanged bool
	// FailedCheck names the required check that failed or was cancelled,
	// when Passed is false.
	FailedCheck string
}

// WaitForTests polls the check state of commit until all required, not
// ignored checks succeeded, one of them failed, the PR is no longer open or
// the configured timeout elapsed.
// Elapsing the timeout raises a *qerr.CheckTimeoutError instead of returning
// a negative result: indefinite check latency is not distinguishable from a
// hung pipeline and must terminate the run loudly.
func (r *Reconciler) WaitForTests(ctx context.Context, prNumber int, commit string) (*WaitResult, error) {
	logger := r.logger.With(
		logfields.RepositoryOwner(r.owner),
		logfields.Repository(r.repo),
		logfields.PullRequest(prNumber),
		logfields.Commit(commit),
	)

	deadline := r.clock.Now().Add(r.checkTimeout)

	for {
		if !r.clock.Now().Before(deadline) {
			logger.Warn(
				"checks did not finish before the timeout",
				logfields.Event("check_wait_timeout"),
				zap.Duration("timeout", r.checkTimeout),
			)

			return nil, &qerr.CheckTimeoutError{Commit: commit, Timeout: r.checkTimeout}
		}

		pr, err := r.clt.PR(ctx, r.owner, r.repo, prNumber)
		if err != nil {
			return nil, fmt.Errorf("fetching pull request failed: %w", err)
		}

		if !pr.IsOpen() {
			logger.Info(
				"pull request is no longer open, aborting waiting for checks",
				logfields.Event("check_wait_aborted_pr_closed"),
			)

			return &WaitResult{Closed: true}, nil
		}

		rollup, err := r.clt.CheckStatus(ctx, r.owner, r.repo, prNumber)
		if err != nil {
			return nil, fmt.Errorf("fetching check status failed: %w", err)
		}

		if rollup.Commit != commit {
			logger.Info(
				"branch head changed while waiting for checks, aborting",
				logfields.Event("check_wait_aborted_branch_changed"),
				zap.String("github.new_commit", rollup.Commit),
			)

			return &WaitResult{BranchChanged: true}, nil
		}

		switch rollup.RequiredStatus(r.ignoredChecks) {
		case githubclt.CIStatusSuccess:
			logger.Info(
				"all required checks succeeded",
				logfields.Event("checks_successful"),
			)

			return &WaitResult{Passed: true}, nil

		case githubclt.CIStatusFailure:
			failed := rollup.FirstUnsuccessfulRequired(r.ignoredChecks)

			failedName := ""
			if failed != nil {
				failedName = failed.Name
			}

			logger.Info(
				"a required check failed",
				logfields.Event("checks_failed"),
				zap.String("github.check", failedName),
			)

			return &WaitResult{FailedCheck: failedName}, nil
		}

		logger.Debug(
			"checks are pending, waiting",
			logfields.Event("checks_pending"),
			logfields.CIStatusSummary(string(rollup.OverallStatus(r.ignoredChecks))),
			zap.Duration("poll_interval", r.pollInterval),
		)

		if err := r.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

func (r *Reconciler) sleep(ctx context.Context) error {
	timer := r.clock.Timer(r.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsBehind returns true iff the trunk branch has commits that are not in the
// PR branch.
func (r *Reconciler) IsBehind(ctx context.Context, prNumber int) (bool, error) {
	pr, err := r.clt.PR(ctx, r.owner, r.repo, prNumber)
	if err != nil {
		return false, fmt.Errorf("fetching pull request failed: %w", err)
	}

	return r.clt.BranchIsBehindBase(ctx, r.owner, r.repo, r.trunk, pr.Branch)
}
