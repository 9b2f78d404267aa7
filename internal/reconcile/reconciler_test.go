package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/sequentor/internal/githubclt"
	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/retry"
)

const (
	testOwner = "testman"
	testRepo  = "sequentor"
	testTrunk = "main"
)

type fakeHostClient struct {
	mu sync.Mutex

	pr           *githubclt.PullRequestInfo
	behind       bool
	updateResult *githubclt.UpdateBranchResult
	updateErr    error

	// statuses is consumed per CheckStatus call, the last element repeats.
	statuses    []githubclt.CIStatus
	statusCalls int

	// rollupCommit overrides the commit of the returned check rollup when
	// set.
	rollupCommit string

	// polled receives an element per CheckStatus call when set.
	polled chan struct{}
}

func (c *fakeHostClient) PR(_ context.Context, _, _ string, _ int) (*githubclt.PullRequestInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pr, nil
}

func (c *fakeHostClient) UpdateBranch(_ context.Context, _, _ string, _ int) (*githubclt.UpdateBranchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.updateErr != nil {
		return nil, c.updateErr
	}

	return c.updateResult, nil
}

func (c *fakeHostClient) CheckStatus(_ context.Context, _, _ string, _ int) (*githubclt.CheckRollup, error) {
	c.mu.Lock()

	idx := c.statusCalls
	if idx >= len(c.statuses) {
		idx = len(c.statuses) - 1
	}
	status := c.statuses[idx]
	c.statusCalls++

	commit := c.pr.HeadCommit
	if c.rollupCommit != "" {
		commit = c.rollupCommit
	}

	c.mu.Unlock()

	if c.polled != nil {
		c.polled <- struct{}{}
	}

	return &githubclt.CheckRollup{
		Commit: commit,
		Statuses: []*githubclt.CIJobStatus{
			{Name: "ci/test", Status: status, Required: true},
		},
	}, nil
}

func (c *fakeHostClient) BranchIsBehindBase(_ context.Context, _, _, _, _ string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.behind, nil
}

func (c *fakeHostClient) checkStatusCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusCalls
}

func openPR(headCommit string) *githubclt.PullRequestInfo {
	return &githubclt.PullRequestInfo{
		Number:      1,
		State:       "open",
		Branch:      "feature",
		HeadCommit:  headCommit,
		TrunkBranch: testTrunk,
	}
}

func newTestReconciler(t *testing.T, clt HostClient) *Reconciler {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	retryer := retry.NewRetryer()
	t.Cleanup(retryer.Stop)

	r := New(clt, retryer, testOwner, testRepo, testTrunk, time.Minute, nil)
	r.logger = zaptest.NewLogger(t).Named(loggerName)

	return r
}

func TestUpdateNotNeededWhenBranchIsUptodate(t *testing.T) {
	clt := &fakeHostClient{pr: openPR("abc123"), behind: false}
	r := newTestReconciler(t, clt)

	result, err := r.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Equal(t, "abc123", result.SHA)
	require.Zero(t, clt.checkStatusCalls(), "checks must not be polled when no update happened")
}

func TestUpdateConflictIsTerminal(t *testing.T) {
	clt := &fakeHostClient{
		pr:        openPR("abc123"),
		behind:    true,
		updateErr: fmt.Errorf("merging base branch failed: %w", qerr.ErrBranchConflict),
	}
	r := newTestReconciler(t, clt)

	result, err := r.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	require.False(t, result.Success)
	require.True(t, result.Conflict)
	require.NotEmpty(t, result.FailureReason)
}

func TestUpdateWaitsForChecksOfNewHeadCommit(t *testing.T) {
	clt := &fakeHostClient{
		pr:           openPR("def456"),
		behind:       true,
		updateResult: &githubclt.UpdateBranchResult{Changed: true, HeadCommitID: "def456"},
		statuses:     []githubclt.CIStatus{githubclt.CIStatusSuccess},
	}
	r := newTestReconciler(t, clt)

	result, err := r.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Equal(t, "def456", result.SHA)
}

func TestUpdateOfClosedPRIsAborted(t *testing.T) {
	pr := openPR("abc123")
	pr.State = "closed"

	clt := &fakeHostClient{pr: pr, behind: true}
	r := newTestReconciler(t, clt)

	result, err := r.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	require.True(t, result.Closed)
	require.False(t, result.Success)
}

func TestWaitForTestsSucceedsAfterPendingPolls(t *testing.T) {
	mock := clock.NewMock()
	polled := make(chan struct{})

	clt := &fakeHostClient{
		pr: openPR("abc123"),
		statuses: []githubclt.CIStatus{
			githubclt.CIStatusPending,
			githubclt.CIStatusPending,
			githubclt.CIStatusSuccess,
		},
		polled: polled,
	}

	r := newTestReconciler(t, clt)
	r.clock = mock
	r.checkTimeout = time.Hour

	type waitReturn struct {
		result *WaitResult
		err    error
	}
	done := make(chan waitReturn, 1)

	go func() {
		result, err := r.WaitForTests(context.Background(), 1, "abc123")
		done <- waitReturn{result: result, err: err}
	}()

	for i := 0; i < 2; i++ {
		<-polled
		// let WaitForTests reach its timer before advancing the clock
		time.Sleep(20 * time.Millisecond)
		mock.Add(r.pollInterval)
	}
	<-polled

	ret := <-done
	require.NoError(t, ret.err)
	require.True(t, ret.result.Passed)
	require.Equal(t, 3, clt.checkStatusCalls())
}

func TestWaitForTestsRaisesTimeoutWhenChecksStayPending(t *testing.T) {
	mock := clock.NewMock()
	polled := make(chan struct{})

	clt := &fakeHostClient{
		pr:       openPR("abc123"),
		statuses: []githubclt.CIStatus{githubclt.CIStatusPending},
		polled:   polled,
	}

	r := newTestReconciler(t, clt)
	r.clock = mock
	// polls happen at 0s, 30s and 60s, the deadline strikes at 90s
	r.checkTimeout = 70 * time.Second

	type waitReturn struct {
		result *WaitResult
		err    error
	}
	done := make(chan waitReturn, 1)

	go func() {
		result, err := r.WaitForTests(context.Background(), 1, "abc123")
		done <- waitReturn{result: result, err: err}
	}()

	for i := 0; i < 3; i++ {
		<-polled
		time.Sleep(20 * time.Millisecond)
		mock.Add(r.pollInterval)
	}

	ret := <-done
	require.Error(t, ret.err)

	var timeoutErr *qerr.CheckTimeoutError
	require.ErrorAs(t, ret.err, &timeoutErr)
	require.Equal(t, "abc123", timeoutErr.Commit)
	require.Equal(t, 3, clt.checkStatusCalls())
}

func TestWaitForTestsFailsOnFailedRequiredCheck(t *testing.T) {
	clt := &fakeHostClient{
		pr:       openPR("abc123"),
		statuses: []githubclt.CIStatus{githubclt.CIStatusFailure},
	}
	r := newTestReconciler(t, clt)

	result, err := r.WaitForTests(context.Background(), 1, "abc123")
	require.NoError(t, err)

	require.False(t, result.Passed)
	require.Equal(t, "ci/test", result.FailedCheck)
}

func TestWaitForTestsAbortsWhenBranchHeadChanges(t *testing.T) {
	clt := &fakeHostClient{
		pr:           openPR("abc123"),
		statuses:     []githubclt.CIStatus{githubclt.CIStatusSuccess},
		rollupCommit: "ffff00",
	}
	r := newTestReconciler(t, clt)

	result, err := r.WaitForTests(context.Background(), 1, "abc123")
	require.NoError(t, err)

	require.True(t, result.BranchChanged)
	require.False(t, result.Passed, "check results of another commit must not count for the waited-on commit")
}

func TestUpdateFailsWhenBranchChangesDuringCheckWait(t *testing.T) {
	clt := &fakeHostClient{
		pr:           openPR("abc123"),
		behind:       true,
		updateResult: &githubclt.UpdateBranchResult{Changed: true, HeadCommitID: "def456"},
		statuses:     []githubclt.CIStatus{githubclt.CIStatusSuccess},
		rollupCommit: "ffff00",
	}
	r := newTestReconciler(t, clt)

	result, err := r.UpdateIfBehind(context.Background(), 1)
	require.NoError(t, err)

	require.False(t, result.Success)
	require.False(t, result.Conflict)
	require.Contains(t, result.FailureReason, "modified while waiting")
}

func TestWaitForTestsAbortsWhenPRIsClosed(t *testing.T) {
	pr := openPR("abc123")
	pr.State = "closed"

	clt := &fakeHostClient{pr: pr, statuses: []githubclt.CIStatus{githubclt.CIStatusPending}}
	r := newTestReconciler(t, clt)

	result, err := r.WaitForTests(context.Background(), 1, "abc123")
	require.NoError(t, err)

	require.True(t, result.Closed)
	require.False(t, result.Passed)
	require.Zero(t, clt.checkStatusCalls())
}

func TestWaitForTestsCancellation(t *testing.T) {
	clt := &fakeHostClient{
		pr:       openPR("abc123"),
		statuses: []githubclt.CIStatus{githubclt.CIStatusPending},
	}
	r := newTestReconciler(t, clt)
	r.pollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.WaitForTests(ctx, 1, "abc123")
	require.ErrorIs(t, err, context.Canceled)
}
