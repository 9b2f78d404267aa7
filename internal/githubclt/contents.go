package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/qerr"
)

// FileContent returns the content and the blob SHA of a file on a branch.
// The SHA serves as version token for conditional writes via PutFile.
// If the file or the branch does not exist, an error wrapping qerr.ErrNotFound
// is returned.
func (clt *Client) FileContent(ctx context.Context, owner, repo, branch, path string) (data []byte, sha string, err error) {
	fileContent, _, _, err := clt.restClt.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{
		Ref: branch,
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			return nil, "", fmt.Errorf("file %s does not exist on branch %s: %w", path, branch, qerr.ErrNotFound)
		}

		return nil, "", clt.wrapRetryableErrors(err)
	}

	if fileContent == nil {
		return nil, "", fmt.Errorf("path %s on branch %s is a directory, expected a file", path, branch)
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, "", fmt.Errorf("decoding content of %s failed: %w", path, err)
	}

	return []byte(content), fileContent.GetSHA(), nil
}

// PutFile writes a file on a branch via a conditional commit.
// sha must be the blob SHA returned by a previous FileContent call, or empty
// to create the file.
// If the file changed since the sha was read, an error wrapping
// qerr.ErrConcurrencyConflict is returned and nothing is written.
// The blob SHA of the new content is returned.
func (clt *Client) PutFile(ctx context.Context, owner, repo, branch, path, commitMessage string, data []byte, sha string) (newSHA string, err error) {
	opts := github.RepositoryContentFileOptions{
		Message: &commitMessage,
		Content: data,
		Branch:  &branch,
	}
	if sha != "" {
		opts.SHA = &sha
	}

	resp, _, err := clt.restClt.Repositories.CreateFile(ctx, owner, repo, path, &opts)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			switch respErr.Response.StatusCode {
			case http.StatusConflict:
				return "", fmt.Errorf("%w: %s", qerr.ErrConcurrencyConflict, respErr.Message)

			case http.StatusUnprocessableEntity:
				// returned when sha is empty but the file
				// already exists, another writer created it
				// concurrently
				return "", fmt.Errorf("%w: %s", qerr.ErrConcurrencyConflict, respErr.Message)
			}
		}

		return "", clt.wrapRetryableErrors(err)
	}

	if resp.Content == nil || resp.Content.GetSHA() == "" {
		return "", errors.New("github returned a content response without blob sha")
	}

	return resp.Content.GetSHA(), nil
}

// EnsureBranchExists creates the branch from the HEAD of the repository
// default branch when it does not exist yet.
func (clt *Client) EnsureBranchExists(ctx context.Context, owner, repo, branch string) error {
	_, resp, err := clt.restClt.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err == nil {
		return nil
	}

	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return clt.wrapRetryableErrors(err)
	}

	repository, _, err := clt.restClt.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}

	defBranchRef, _, err := clt.restClt.Git.GetRef(ctx, owner, repo, "heads/"+repository.GetDefaultBranch())
	if err != nil {
		return clt.wrapRetryableErrors(err)
	}

	refName := "refs/heads/" + branch
	_, _, err = clt.restClt.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &refName,
		Object: defBranchRef.GetObject(),
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			// another writer created the branch concurrently
			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	clt.logger.Info("created state branch",
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.Branch(branch),
		logfields.Event("github_state_branch_created"),
		zap.String("git.source_branch", repository.GetDefaultBranch()),
	)

	return nil
}
