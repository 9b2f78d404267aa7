package cfg

import (
	"errors"
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
)

const (
	DefStateBranch       = "sequentor-state"
	DefTrunkBranch       = "main"
	DefRequiredApprovals = 1
	DefUpdateTimeoutMin  = 60
	DefMaxUpdateRetries  = 5
	DefMergeStrategy     = "merge"
	DefQueueLabel        = "merge-queue"
	DefProcessingLabel   = "merge-queue-processing"
	DefFailedLabel       = "merge-queue-failed"
	DefAbandonAgeMin     = 120
	DefStateBackend      = "document"
	DefLogFormat         = "logfmt"
	DefLogLevel          = "info"
)

type Config struct {
	GithubAPIToken    string `toml:"github_api_token"`
	LogFormat         string `toml:"log_format"`
	LogLevel          string `toml:"log_level"`
	LogTimeKey        string `toml:"log_time_key"`
	MetricsListenAddr string `toml:"metrics_listen_addr"`
	Queue             Queue  `toml:"queue"`
}

type Queue struct {
	Owner          string `toml:"owner"`
	RepositoryName string `toml:"repository"`
	TrunkBranch    string `toml:"trunk_branch"`

	// StateBackend selects where queue membership is persisted.
	// "document" stores a JSON document on StateBranch, "labels" uses
	// GitHub labels as the sole source of truth.
	StateBackend string `toml:"state_backend"`
	StateBranch  string `toml:"state_branch"`

	RequiredApprovals      int      `toml:"required_approvals"`
	BlockingLabels         []string `toml:"blocking_labels"`
	AllowDrafts            bool     `toml:"allow_drafts"`
	AutoUpdateBranch       bool     `toml:"auto_update_branch"`
	UpdateTimeoutMinutes   int      `toml:"update_timeout_minutes"`
	MaxUpdateRetries       int      `toml:"max_update_retries"`
	MergeStrategy          string   `toml:"merge_strategy"`
	DeleteBranchAfterMerge bool     `toml:"delete_branch_after_merge"`
	IgnoredChecks          []string `toml:"ignored_checks"`

	// EligibilityQuery is an optional jq expression that is evaluated
	// against the pull request object during validation. When it does not
	// evaluate to true, the pull request is not eligible.
	EligibilityQuery string `toml:"eligibility_query"`

	QueueLabel      string `toml:"queue_label"`
	ProcessingLabel string `toml:"processing_label"`
	FailedLabel     string `toml:"failed_label"`

	// AbandonAgeMinutes is the age after which a processing entry left
	// behind by a crashed run is recorded as failed instead of blocking
	// the queue.
	AbandonAgeMinutes int `toml:"abandon_age_minutes"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = DefLogFormat
	}

	if c.LogLevel == "" {
		c.LogLevel = DefLogLevel
	}

	q := &c.Queue
	if q.TrunkBranch == "" {
		q.TrunkBranch = DefTrunkBranch
	}

	if q.StateBackend == "" {
		q.StateBackend = DefStateBackend
	}

	if q.StateBranch == "" {
		q.StateBranch = DefStateBranch
	}

	if q.RequiredApprovals == 0 {
		q.RequiredApprovals = DefRequiredApprovals
	}

	if q.UpdateTimeoutMinutes == 0 {
		q.UpdateTimeoutMinutes = DefUpdateTimeoutMin
	}

	if q.MaxUpdateRetries == 0 {
		q.MaxUpdateRetries = DefMaxUpdateRetries
	}

	if q.MergeStrategy == "" {
		q.MergeStrategy = DefMergeStrategy
	}

	if q.QueueLabel == "" {
		q.QueueLabel = DefQueueLabel
	}

	if q.ProcessingLabel == "" {
		q.ProcessingLabel = DefProcessingLabel
	}

	if q.FailedLabel == "" {
		q.FailedLabel = DefFailedLabel
	}

	if q.AbandonAgeMinutes == 0 {
		q.AbandonAgeMinutes = DefAbandonAgeMin
	}
}

func (c *Config) Validate() error {
	q := &c.Queue

	if q.Owner == "" {
		return errors.New("queue.owner is unset")
	}

	if q.RepositoryName == "" {
		return errors.New("queue.repository is unset")
	}

	switch q.MergeStrategy {
	case "merge", "squash", "rebase":
	default:
		return fmt.Errorf("queue.merge_strategy is %q, must be one of: merge, squash, rebase", q.MergeStrategy)
	}

	switch q.StateBackend {
	case "document", "labels":
	default:
		return fmt.Errorf("queue.state_backend is %q, must be one of: document, labels", q.StateBackend)
	}

	if q.RequiredApprovals < 0 {
		return fmt.Errorf("queue.required_approvals is %d, must be >=0", q.RequiredApprovals)
	}

	return nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
