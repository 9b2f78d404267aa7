// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/qerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// All methods return a qerr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// PullRequestInfo is a point-in-time snapshot of the pull request fields that
// sequentor evaluates.
type PullRequestInfo struct {
	Number      int
	State       string
	Draft       bool
	Branch      string
	HeadCommit  string
	TrunkBranch string
	Author      string
	Labels      []string

	// Raw is the unmodified API object, it is evaluated by the optional
	// configurable eligibility query.
	Raw *github.PullRequest
}

func (p *PullRequestInfo) IsOpen() bool {
	return p.State == "open"
}

// PR fetches the current state of a pull request.
func (clt *Client) PR(ctx context.Context, owner, repo string, prNumber int) (*PullRequestInfo, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	head := pr.GetHead()
	if head == nil || head.GetSHA() == "" || head.GetRef() == "" {
		return nil, errors.New("got pull request object with empty head")
	}

	base := pr.GetBase()
	if base == nil || base.GetRef() == "" {
		return nil, errors.New("got pull request object with empty base field")
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return &PullRequestInfo{
		Number:      pr.GetNumber(),
		State:       pr.GetState(),
		Draft:       pr.GetDraft(),
		Branch:      head.GetRef(),
		HeadCommit:  head.GetSHA(),
		TrunkBranch: base.GetRef(),
		Author:      pr.GetUser().GetLogin(),
		Labels:      labels,
		Raw:         pr,
	}, nil
}

// Review is a single submitted pull request review.
type Review struct {
	Author      string
	State       string
	SubmittedAt time.Time
}

const (
	ReviewStateApproved         = "APPROVED"
	ReviewStateChangesRequested = "CHANGES_REQUESTED"
	ReviewStateDismissed        = "DISMISSED"
)

// Reviews returns all submitted reviews of a pull request, oldest first.
func (clt *Client) Reviews(ctx context.Context, owner, repo string, prNumber int) ([]*Review, error) {
	var result []*Review

	opts := github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, review := range reviews {
			result = append(result, &Review{
				Author:      review.GetUser().GetLogin(),
				State:       review.GetState(),
				SubmittedAt: review.GetSubmittedAt().Time,
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// BranchIsBehindBase returns true if branch is based on an old commit of baseBranch.
func (clt *Client) BranchIsBehindBase(ctx context.Context, owner, repo, baseBranch, branch string) (behind bool, err error) {
	cmp, _, err := clt.restClt.Repositories.CompareCommits(ctx, owner, repo, baseBranch, branch, &github.ListOptions{PerPage: 1})
	if err != nil {
		return false, clt.wrapRetryableErrors(err)
	}

	if cmp.BehindBy == nil {
		return false, qerr.NewRetryableAnytimeError(errors.New("github returned a nil BehindBy field"))
	}

	return *cmp.BehindBy > 0, nil
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// UpdateBranchResult describes the effect of an UpdateBranch call.
type UpdateBranchResult struct {
	Changed      bool
	Scheduled    bool
	HeadCommitID string
}

// UpdateBranch schedules merging the base-branch into a pull request branch.
// If the PR contains all changes of its base branch, Changed is false.
// If it is not uptodate, updating the PR branch is scheduled at github,
// Changed and Scheduled are true. The caller must poll until the branch was
// updated.
// If the PR was updated while the method was executing, a
// qerr.RetryableError is returned and the operation can be retried.
// If the branch can not be updated because of a merge conflict, an error
// wrapping qerr.ErrBranchConflict is returned.
// If the PR is closed, ErrPullRequestIsClosed is returned.
func (clt *Client) UpdateBranch(ctx context.Context, owner, repo string, prNumber int) (*UpdateBranchResult, error) {
	// If UpdateBranch is requested and the branch is already uptodate,
	// github creates an empty merge commit and changes the branch.
	// Therefore check first if an update is needed.
	pr, err := clt.PR(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request failed: %w", err)
	}

	if !pr.IsOpen() {
		return nil, ErrPullRequestIsClosed
	}

	behind, err := clt.BranchIsBehindBase(ctx, owner, repo, pr.TrunkBranch, pr.Branch)
	if err != nil {
		return nil, fmt.Errorf("evaluating if branch is behind base branch failed: %w", err)
	}

	logger := clt.logger.With(
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(prNumber),
		logfields.Commit(pr.HeadCommit),
	)

	if !behind {
		logger.Debug("branch is uptodate with base branch, skipping update branch operation",
			logfields.Event("github_branch_uptodate_with_base"))
		return &UpdateBranchResult{HeadCommitID: pr.HeadCommit}, nil
	}

	_, _, err = clt.restClt.PullRequests.UpdateBranch(ctx, owner, repo, prNumber, &github.PullRequestBranchUpdateOptions{ExpectedHeadSHA: &pr.HeadCommit})
	if err != nil {
		if _, ok := err.(*github.AcceptedError); ok {
			logger.Debug("updating branch with base branch scheduled",
				logfields.Event("github_branch_update_with_base_scheduled"))
			return &UpdateBranchResult{Changed: true, Scheduled: true, HeadCommitID: pr.HeadCommit}, nil
		}

		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusUnprocessableEntity {
				if strings.Contains(respErr.Message, "merge conflict") {
					return nil, fmt.Errorf("%w: %s", qerr.ErrBranchConflict, respErr.Message)
				}

				if strings.Contains(respErr.Message, "expected head sha didn’t match current head ref") {
					logger.Debug("branch changed while trying to sync with base branch",
						logfields.Event("github_branch_update_failed_ref_outdated"),
					)

					return nil, qerr.NewRetryableAnytimeError(err)
				}
			}
		}

		return nil, clt.wrapRetryableErrors(err)
	}

	logger.Debug("branch was updated with base branch",
		logfields.Event("github_branch_update_with_base_triggered"))
	// github seems to always schedule update operations and return an
	// AcceptedError, this condition might never happen
	return &UpdateBranchResult{Changed: true, HeadCommitID: pr.HeadCommit}, nil
}

// MergePR merges a pull request with the given strategy (merge, squash or
// rebase).
// expectedHeadCommit must be the head commit that was validated, the merge
// fails when the branch changed since.
// If the branch can not be merged because of a conflict, an error wrapping
// qerr.ErrBranchConflict is returned.
func (clt *Client) MergePR(ctx context.Context, owner, repo string, prNumber int, strategy, expectedHeadCommit string) error {
	result, _, err := clt.restClt.PullRequests.Merge(ctx, owner, repo, prNumber, "", &github.PullRequestOptions{
		MergeMethod: strategy,
		SHA:         expectedHeadCommit,
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			switch respErr.Response.StatusCode {
			case http.StatusConflict:
				return fmt.Errorf("%w: %s", qerr.ErrBranchConflict, respErr.Message)
			case http.StatusMethodNotAllowed:
				return fmt.Errorf("pull request is not mergeable: %s", respErr.Message)
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	if !result.GetMerged() {
		return fmt.Errorf("github did not merge the pull request: %s", result.GetMessage())
	}

	clt.logger.Info("pull request was merged",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.PullRequest(prNumber),
		logfields.Commit(result.GetSHA()),
		logfields.Event("github_pull_request_merged"),
	)

	return nil
}

// DeleteBranch deletes a branch.
// If the branch does not exist, the operation succeeds.
func (clt *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusUnprocessableEntity {
				clt.logger.Debug("deleting branch returned unprocessable entity, branch is already gone",
					logfields.RepositoryOwner(owner),
					logfields.Repository(repo),
					logfields.Branch(branch),
					logfields.Event("github_delete_branch_already_gone"),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// AddLabel adds a label to Pull-Request or Issue.
func (clt *Client) AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label value is passed:
		return errors.New("provided label is empty")
	}
	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a Pull-Request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		owner,
		repo,
		pullRequestOrIssueNumber,
		label,
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusNotFound {
				clt.logger.Debug("removing label returned a not found response, interpreting it as success",
					logfields.RepositoryOwner(owner),
					logfields.Repository(repo),
					logfields.PullRequest(pullRequestOrIssueNumber),
					logfields.Label(label),
					logfields.Event("github_remove_label_returned_not_found"),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

type PRIterator interface {
	Next() (*PullRequestInfo, error)
}

type PRIter struct {
	clt *Client

	ctx   context.Context
	owner string
	repo  string

	label string

	unseen []*github.PullRequest

	nextPage int
	finished bool
}

// Next returns the next matching pull request.
// When the last result was returned a nil PullRequest is returned.
func (it *PRIter) Next() (*PullRequestInfo, error) {
	for len(it.unseen) > 0 {
		pr := it.unseen[0]
		it.unseen = it.unseen[1:]

		info, err := toPullRequestInfo(pr)
		if err != nil {
			return nil, err
		}

		if it.label == "" || containsLabel(info.Labels, it.label) {
			return info, nil
		}
	}

	if it.finished {
		return nil, nil
	}

	prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.owner, it.repo, &github.PullRequestListOptions{
		State:     "open",
		Sort:      "created",
		Direction: "asc",
		ListOptions: github.ListOptions{
			Page:    it.nextPage,
			PerPage: 100,
		},
	})
	if err != nil {
		return nil, it.clt.wrapRetryableErrors(err)
	}

	if resp.NextPage == 0 || len(prs) == 0 {
		it.finished = true
	} else {
		it.nextPage = resp.NextPage
	}

	it.unseen = prs

	return it.Next()
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}

	return false
}

func toPullRequestInfo(pr *github.PullRequest) (*PullRequestInfo, error) {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return &PullRequestInfo{
		Number:      pr.GetNumber(),
		State:       pr.GetState(),
		Draft:       pr.GetDraft(),
		Branch:      pr.GetHead().GetRef(),
		HeadCommit:  pr.GetHead().GetSHA(),
		TrunkBranch: pr.GetBase().GetRef(),
		Author:      pr.GetUser().GetLogin(),
		Labels:      labels,
		Raw:         pr,
	}, nil
}

// ListOpenPRs returns an iterator over all open pull requests.
// If label is not empty, only pull requests carrying the label are returned.
func (clt *Client) ListOpenPRs(ctx context.Context, owner, repo, label string) PRIterator { // interface is returned to make the method mockable
	return &PRIter{
		clt:      clt,
		ctx:      ctx,
		owner:    owner,
		repo:     repo,
		label:    label,
		nextPage: 1,
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return qerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return qerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return qerr.NewRetryableAnytimeError(err)
	}

	return err
}
