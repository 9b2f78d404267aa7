package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/queue"
)

// ContentsClient is the subset of the github client that the document backend
// uses.
type ContentsClient interface {
	FileContent(ctx context.Context, owner, repo, branch, path string) (data []byte, sha string, err error)
	PutFile(ctx context.Context, owner, repo, branch, path, commitMessage string, data []byte, sha string) (newSHA string, err error)
	EnsureBranchExists(ctx context.Context, owner, repo, branch string) error
}

// GithubBackend stores the queue document as a JSON file on a dedicated
// branch of the repository.
// The blob SHA of the file is the version token, conditional writes are
// commits via the contents API that fail when the blob changed since it was
// read.
type GithubBackend struct {
	clt         ContentsClient
	owner       string
	repo        string
	stateBranch string
	path        string

	mu            sync.Mutex
	branchEnsured bool
}

func NewGithubBackend(clt ContentsClient, owner, repo, stateBranch string) *GithubBackend {
	return &GithubBackend{
		clt:         clt,
		owner:       owner,
		repo:        repo,
		stateBranch: stateBranch,
		path:        queue.DocumentName(owner, repo),
	}
}

func (b *GithubBackend) Name() string {
	return fmt.Sprintf("%s/%s:%s/%s", b.owner, b.repo, b.stateBranch, b.path)
}

func (b *GithubBackend) Load(ctx context.Context) (*queue.Document, string, error) {
	data, sha, err := b.clt.FileContent(ctx, b.owner, b.repo, b.stateBranch, b.path)
	if err != nil {
		return nil, "", err
	}

	var doc queue.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", &qerr.StateCorruptError{Name: b.Name(), Err: err}
	}

	if err := doc.Validate(); err != nil {
		return nil, "", &qerr.StateCorruptError{Name: b.Name(), Err: err}
	}

	if sha == "" {
		return nil, "", &qerr.StateCorruptError{Name: b.Name(), Err: fmt.Errorf("github returned an empty blob sha")}
	}

	return &doc, sha, nil
}

func (b *GithubBackend) Save(ctx context.Context, doc *queue.Document, version string) (string, error) {
	if err := b.ensureBranch(ctx); err != nil {
		return "", fmt.Errorf("ensuring state branch %q exists failed: %w", b.stateBranch, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshalling queue document failed: %w", err)
	}

	commitMessage := fmt.Sprintf("sequentor: update merge queue state of %s/%s", b.owner, b.repo)

	return b.clt.PutFile(ctx, b.owner, b.repo, b.stateBranch, b.path, commitMessage, data, version)
}

func (b *GithubBackend) ensureBranch(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.branchEnsured {
		return nil
	}

	if err := b.clt.EnsureBranchExists(ctx, b.owner, b.repo, b.stateBranch); err != nil {
		return err
	}

	b.branchEnsured = true

	return nil
}
