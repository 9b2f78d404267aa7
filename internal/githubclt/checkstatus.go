package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// CIStatus abstracts the multiple result values of GitHub check runs and
// Commit statuses into a single value.
type CIStatus string

const (
	CIStatusSuccess CIStatus = "SUCCESS"
	CIStatusPending CIStatus = "PENDING"
	CIStatusFailure CIStatus = "FAILURE"
)

// CIJobStatus is the status of a CI job.
// It represents the status of GitHub CheckRuns and Commit statuses.
type CIJobStatus struct {
	Name     string
	Status   CIStatus
	Required bool
}

// CheckRollup is the combined check and commit status state of the head
// commit of a pull request.
type CheckRollup struct {
	Statuses []*CIJobStatus
	Commit   string
}

// OverallStatus reduces the rollup to a single CIStatus.
// Statuses whose name is in ignored do not contribute to the result, this
// prevents that the merge queue's own automation checks block it.
// The result is CIStatusFailure if a required status failed, CIStatusPending
// if one or more statuses did not finish yet and CIStatusSuccess otherwise.
func (r *CheckRollup) OverallStatus(ignored map[string]struct{}) CIStatus {
	result := CIStatusSuccess

	for _, status := range r.Statuses {
		if _, skip := ignored[status.Name]; skip {
			continue
		}

		if status.Required && status.Status == CIStatusFailure {
			return CIStatusFailure
		}

		if status.Status == CIStatusPending {
			result = CIStatusPending
		}
	}

	return result
}

// RequiredStatus is like OverallStatus but only considers required statuses.
func (r *CheckRollup) RequiredStatus(ignored map[string]struct{}) CIStatus {
	result := CIStatusSuccess

	for _, status := range r.Statuses {
		if _, skip := ignored[status.Name]; skip {
			continue
		}

		if !status.Required {
			continue
		}

		switch status.Status {
		case CIStatusFailure:
			return CIStatusFailure
		case CIStatusPending:
			result = CIStatusPending
		}
	}

	return result
}

// FirstUnsuccessfulRequired returns the first required, not ignored status
// that is pending or failed.
// If all required statuses succeeded, nil is returned.
func (r *CheckRollup) FirstUnsuccessfulRequired(ignored map[string]struct{}) *CIJobStatus {
	for _, status := range r.Statuses {
		if _, skip := ignored[status.Name]; skip {
			continue
		}

		if status.Required && status.Status != CIStatusSuccess {
			return status
		}
	}

	return nil
}

// CheckStatus returns the combined check run and commit status state for the
// head commit of a pull request, including which of them are required by the
// branch protection rule of the base branch.
func (clt *Client) CheckStatus(ctx context.Context, owner, repo string, prNumber int) (*CheckRollup, error) {
	queryResult, err := clt.checkStatusQuery(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	statuses, err := toCIJobStatuses(queryResult.RequiredStatusCheckContexts, queryResult.CheckRuns, queryResult.StatusContext)
	if err != nil {
		return nil, err
	}

	return &CheckRollup{
		Statuses: statuses,
		Commit:   queryResult.Commit,
	}, nil
}

func toCIJobStatuses(
	requiredChecks []string,
	checkRuns []*queryCheckStatus,
	commitStatuses []*queryStatusContext,
) ([]*CIJobStatus, error) {
	statusesByName := make(map[string]*CIJobStatus, len(checkRuns)+len(commitStatuses)+len(requiredChecks))
	order := make([]string, 0, len(checkRuns)+len(commitStatuses)+len(requiredChecks))

	for _, context := range requiredChecks {
		if _, exists := statusesByName[context]; exists {
			return nil, fmt.Errorf("found 2 required status with the same context values: %q, context values must be unique", context)
		}

		statusesByName[context] = &CIJobStatus{
			Name:     context,
			Status:   CIStatusPending,
			Required: true,
		}
		order = append(order, context)
	}

	for _, run := range checkRuns {
		status, err := checkRunResultToCiStatus(run.Status, run.Conclusion)
		if err != nil {
			return nil, fmt.Errorf("converting checkRun %q CIstatus failed: %w", run.Name, err)
		}

		if entry, exists := statusesByName[run.Name]; exists {
			entry.Status = status
			continue
		}

		statusesByName[run.Name] = &CIJobStatus{
			Name:   run.Name,
			Status: status,
		}
		order = append(order, run.Name)
	}

	for _, commitStatus := range commitStatuses {
		status, err := contextStatusStateToCIStatus(commitStatus.State)
		if err != nil {
			return nil, fmt.Errorf("converting %q status context to CIstatus failed: %w",
				commitStatus.Context, err)
		}
		if entry, exists := statusesByName[commitStatus.Context]; exists {
			entry.Status = status
			continue
		}

		statusesByName[commitStatus.Context] = &CIJobStatus{
			Name:   commitStatus.Context,
			Status: status,
		}
		order = append(order, commitStatus.Context)
	}

	result := make([]*CIJobStatus, 0, len(order))
	for _, name := range order {
		result = append(result, statusesByName[name])
	}

	return result, nil
}

func checkRunResultToCiStatus(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return CIStatusPending, nil

	case (githubv4.CheckStatusStateCompleted):
		return checkConclusiontoCIStatus(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusiontoCIStatus(conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return CIStatusFailure, nil

	case (githubv4.CheckConclusionStateActionRequired):
		return CIStatusPending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return CIStatusSuccess, nil
	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

type queryCheckStatus struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

type checkStatusQueryResult struct {
	RequiredStatusCheckContexts []string
	CheckRuns                   []*queryCheckStatus
	StatusContext               []*queryStatusContext
	Commit                      string
}

func (clt *Client) checkStatusQuery(ctx context.Context, owner, repo string, prNumber int) (*checkStatusQueryResult, error) {
	type graphQLQueryCheckStatus struct {
		Repository struct {
			PullRequest struct {
				BaseRef struct {
					BranchProtectionRule struct {
						// RequiredStatusCheckContexts
						// contains required commit
						// statuses and checkRuns.
						RequiredStatusCheckContexts []string
					}
				}

				Commits struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								State    githubv4.StatusState
								Contexts struct {
									PageInfo struct {
										EndCursor   string
										HasNextPage bool
									}
									Edges []struct {
										Node struct {
											CheckRun      queryCheckStatus   `graphql:"... on CheckRun"`
											StatusContext queryStatusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
							}
						}
					}
				} `graphql:"commits(last: $commitsLast)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var prHEADCommitID string
	var result checkStatusQueryResult

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"number":        githubv4.Int(prNumber),
		"commitsLast":   githubv4.Int(1),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryCheckStatus

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, err
		}

		if len(q.Repository.PullRequest.Commits.Nodes) == 0 {
			return nil, fmt.Errorf("pull request %d has no commits", prNumber)
		}

		commitsNode := q.Repository.PullRequest.Commits.Nodes[0].Commit

		if prHEADCommitID == "" {
			prHEADCommitID = commitsNode.Oid
		} else if prHEADCommitID != commitsNode.Oid {
			// the branch changed between pagination requests,
			// start over
			vars["contextsAfter"] = (*githubv4.String)(nil)
			prHEADCommitID = ""
			result.CheckRuns = nil
			result.StatusContext = nil

			continue
		}

		for _, edge := range commitsNode.StatusCheckRollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, fmt.Errorf("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				result.CheckRuns = append(result.CheckRuns, &node.CheckRun)
				continue
			}

			result.StatusContext = append(result.StatusContext, &node.StatusContext)
		}

		pageInfo := commitsNode.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			result.RequiredStatusCheckContexts = q.Repository.PullRequest.BaseRef.BranchProtectionRule.RequiredStatusCheckContexts
			result.Commit = prHEADCommitID

			return &result, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is true, expected non-empty EndCursor")
		}

		vars["contextsAfter"] = githubv4.String(pageInfo.EndCursor)
	}
}

func contextStatusStateToCIStatus(state githubv4.StatusState) (CIStatus, error) {
	switch state {
	case githubv4.StatusStateError,
		githubv4.StatusStateFailure:
		return CIStatusFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return CIStatusPending, nil

	case githubv4.StatusStateSuccess:
		return CIStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}
