// Package validate implements the point-in-time eligibility check for a pull
// request.
// Validation is stateless per call, it evaluates freshly fetched data and is
// consumed both when a PR is enqueued and when it is processed.
package validate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/simplesurance/sequentor/internal/githubclt"
	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/set"
)

const loggerName = "validator"

// HostClient is the subset of the github client that the validator uses.
type HostClient interface {
	PR(ctx context.Context, owner, repo string, prNumber int) (*githubclt.PullRequestInfo, error)
	Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*githubclt.Review, error)
	CheckStatus(ctx context.Context, owner, repo string, prNumber int) (*githubclt.CheckRollup, error)
	BranchIsBehindBase(ctx context.Context, owner, repo, baseBranch, branch string) (bool, error)
}

type Validator struct {
	clt    HostClient
	logger *zap.Logger

	owner string
	repo  string
	trunk string

	requiredApprovals int
	blockingLabels    set.Set[string]
	allowDrafts       bool
	ignoredChecks     set.Set[string]
	eligibilityQuery  *gojq.Code
}

func New(clt HostClient, owner, repo, trunk string, requiredApprovals int, blockingLabels []string, allowDrafts bool, ignoredChecks []string, eligibilityQuery string) (*Validator, error) {
	v := Validator{
		clt:               clt,
		logger:            zap.L().Named(loggerName),
		owner:             owner,
		repo:              repo,
		trunk:             trunk,
		requiredApprovals: requiredApprovals,
		blockingLabels:    set.From(blockingLabels),
		allowDrafts:       allowDrafts,
		ignoredChecks:     set.From(ignoredChecks),
	}

	if eligibilityQuery != "" {
		query, err := gojq.Parse(eligibilityQuery)
		if err != nil {
			return nil, fmt.Errorf("parsing eligibility query failed: %w", err)
		}

		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("compiling eligibility query failed: %w", err)
		}

		v.eligibilityQuery = code
	}

	return &v, nil
}

// Result is the outcome of validating one pull request.
type Result struct {
	Valid bool
	// Reason describes the first failed condition, it is empty when the
	// PR is valid.
	Reason string
	// Closed is true when the PR is closed or merged, the PR must be
	// removed from the queue instead of being recorded as failed.
	Closed bool
	// Behind is true when the trunk branch has commits that are not in
	// the PR branch. Only set when the PR is valid.
	Behind bool
	// Checks contains the evaluated check statuses when they were
	// fetched.
	Checks []*githubclt.CIJobStatus

	PR *githubclt.PullRequestInfo
}

func invalid(pr *githubclt.PullRequestInfo, reason string) *Result {
	return &Result{Reason: reason, PR: pr}
}

// Validate evaluates the eligibility conditions of a pull request in order
// and short-circuits on the first failed one.
func (v *Validator) Validate(ctx context.Context, prNumber int) (*Result, error) {
	logger := v.logger.With(
		logfields.RepositoryOwner(v.owner),
		logfields.Repository(v.repo),
		logfields.PullRequest(prNumber),
	)

	pr, err := v.clt.PR(ctx, v.owner, v.repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request failed: %w", err)
	}

	if !pr.IsOpen() {
		return &Result{Reason: "pull request is not open", Closed: true, PR: pr}, nil
	}

	if pr.Draft && !v.allowDrafts {
		return invalid(pr, "pull request is a draft"), nil
	}

	reviews, err := v.clt.Reviews(ctx, v.owner, v.repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching reviews failed: %w", err)
	}

	approvals, changesRequestedBy := EvalReviews(reviews)

	decision := "approved"
	switch {
	case len(changesRequestedBy) > 0:
		decision = "changes_requested"
	case approvals < v.requiredApprovals:
		decision = "review_required"
	}

	logger.Debug(
		"reviews evaluated",
		logfields.Event("reviews_evaluated"),
		logfields.ReviewDecision(decision),
		zap.Int("github.approvals", approvals),
	)

	if approvals < v.requiredApprovals {
		return invalid(pr, fmt.Sprintf("pull request has %d approvals, %d are required", approvals, v.requiredApprovals)), nil
	}

	for _, label := range pr.Labels {
		if v.blockingLabels.Contains(label) {
			return invalid(pr, fmt.Sprintf("pull request has blocking label %q", label)), nil
		}
	}

	if len(changesRequestedBy) > 0 {
		return invalid(pr, fmt.Sprintf("reviewer %q requested changes", changesRequestedBy[0])), nil
	}

	rollup, err := v.clt.CheckStatus(ctx, v.owner, v.repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching check status failed: %w", err)
	}

	if unsuccessful := rollup.FirstUnsuccessfulRequired(v.ignoredChecks); unsuccessful != nil {
		return invalid(pr, fmt.Sprintf("required check %q is %s", unsuccessful.Name, unsuccessful.Status)), nil
	}

	if v.eligibilityQuery != nil {
		eligible, err := v.evalEligibilityQuery(pr)
		if err != nil {
			return nil, err
		}

		if !eligible {
			return invalid(pr, "pull request does not satisfy the eligibility query"), nil
		}
	}

	behind, err := v.clt.BranchIsBehindBase(ctx, v.owner, v.repo, v.trunk, pr.Branch)
	if err != nil {
		return nil, fmt.Errorf("evaluating if branch is behind trunk failed: %w", err)
	}

	logger.Debug(
		"pull request is eligible",
		logfields.Event("pull_request_valid"),
		logfields.Commit(pr.HeadCommit),
		zap.Bool("git.behind_trunk", behind),
	)

	return &Result{
		Valid:  true,
		Behind: behind,
		Checks: rollup.Statuses,
		PR:     pr,
	}, nil
}

// IsBehind returns true iff the trunk branch has commits that are not
// reachable from the PR branch.
func (v *Validator) IsBehind(ctx context.Context, prNumber int) (bool, error) {
	pr, err := v.clt.PR(ctx, v.owner, v.repo, prNumber)
	if err != nil {
		return false, fmt.Errorf("fetching pull request failed: %w", err)
	}

	return v.clt.BranchIsBehindBase(ctx, v.owner, v.repo, v.trunk, pr.Branch)
}

// evalEligibilityQuery runs the configured jq expression against the JSON
// representation of the pull request object.
// The PR is eligible when the last produced value is true.
func (v *Validator) evalEligibilityQuery(pr *githubclt.PullRequestInfo) (bool, error) {
	data, err := json.Marshal(pr.Raw)
	if err != nil {
		return false, fmt.Errorf("marshalling pull request for eligibility query failed: %w", err)
	}

	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		return false, fmt.Errorf("unmarshalling pull request for eligibility query failed: %w", err)
	}

	var result bool

	iter := v.eligibilityQuery.Run(obj)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}

		if err, isErr := val.(error); isErr {
			return false, fmt.Errorf("eligibility query failed: %w", err)
		}

		boolVal, isBool := val.(bool)
		result = isBool && boolVal
	}

	return result, nil
}
