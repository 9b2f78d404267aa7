package githubclt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/sequentor/internal/qerr"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	restClt := github.NewClient(srv.Client())

	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	restClt.BaseURL = baseURL

	return &Client{
		logger:     zap.L(),
		restClt:    restClt,
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}
}

func TestGraphQLServerErrorIsRetryable(t *testing.T) {
	// the graphql client only exposes non-200 responses via the error
	// string, wrapGraphQLRetryableErrors parses the status code out of it
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv)

	rollup, err := clt.CheckStatus(context.Background(), "testman", "sequentor", 123)
	require.Error(t, err)
	assert.Nil(t, rollup)

	var retryableErr *qerr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestWrapGraphQLRetryableErrorsWithNonStatusErr(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{}).wrapGraphQLRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func TestRestRateLimitIsRetriedAfterReset(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute).Truncate(time.Second)

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt := &Client{logger: zap.L()}

	err := clt.wrapRetryableErrors(&github.RateLimitError{
		Rate: github.Rate{
			Limit: 5000,
			Reset: github.Timestamp{Time: reset},
		},
		Message: "API rate limit exceeded",
	})
	require.Error(t, err)

	var retryableErr *qerr.RetryableError
	require.ErrorAs(t, err, &retryableErr)
	assert.Equal(t, reset, retryableErr.After)
}

func TestRestServerErrorIsRetryableAnytime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv)

	err := clt.AddLabel(context.Background(), "testman", "sequentor", 123, "merge-queue")
	require.Error(t, err)

	var retryableErr *qerr.RetryableError
	require.ErrorAs(t, err, &retryableErr)
	assert.True(t, retryableErr.After.IsZero(), "a 5xx response must be retryable without a wait period")
}

func TestRestClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	clt := newTestClient(t, srv)

	err := clt.AddLabel(context.Background(), "testman", "sequentor", 123, "merge-queue")
	require.Error(t, err)

	var retryableErr *qerr.RetryableError
	assert.False(t, errors.As(err, &retryableErr))
}
