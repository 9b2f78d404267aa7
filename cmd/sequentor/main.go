package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/sequentor/internal/cfg"
	"github.com/simplesurance/sequentor/internal/githubclt"
	"github.com/simplesurance/sequentor/internal/logfields"
	"github.com/simplesurance/sequentor/internal/process"
	"github.com/simplesurance/sequentor/internal/qerr"
	"github.com/simplesurance/sequentor/internal/reconcile"
	"github.com/simplesurance/sequentor/internal/retry"
	"github.com/simplesurance/sequentor/internal/store"
	"github.com/simplesurance/sequentor/internal/validate"
)

const appName = "sequentor"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
	Priority    *int
	EnqueuedBy  *string
}

var args arguments

const defConfigFile = "/etc/sequentor/config.toml"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTION] COMMAND\nManage and process a pull request merge queue.\n", appName)
	fmt.Fprintf(os.Stderr, `
Commands:
  enqueue PR_NR   validate a pull request and append it to the merge queue
  withdraw PR_NR  remove a waiting pull request from the merge queue
  process         process the pull request at the head of the merge queue
  status          print the current merge queue state
  showconfig      print the effective configuration, defaults applied
`)
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	pflag.PrintDefaults()
}

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the sequentor configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		Priority: pflag.Int(
			"priority",
			0,
			"priority of the enqueued pull request, higher is processed first",
		),
		EnqueuedBy: pflag.String(
			"enqueued-by",
			"",
			"name recorded as the enqueueing user, defaults to $USER",
		),
	}

	pflag.Usage = usage
	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func startMetricsServer(listenAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down metrics http server failed",
				logfields.Event("metrics_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"metrics http server started",
			logfields.Event("metrics_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return
		}

		logger.Fatal(
			"metrics http server terminated unexpectedly",
			logfields.Event("metrics_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func newBackend(config *cfg.Config, githubClient *githubclt.Client) store.Backend {
	q := &config.Queue

	switch q.StateBackend {
	case "labels":
		return store.NewLabelBackend(githubClient, q.Owner, q.RepositoryName, q.QueueLabel, q.ProcessingLabel)
	default:
		return store.NewGithubBackend(githubClient, q.Owner, q.RepositoryName, q.StateBranch)
	}
}

func mustNewOrchestrator(config *cfg.Config, githubClient *githubclt.Client, retryer *retry.Retryer) *process.Orchestrator {
	q := &config.Queue

	validator, err := validate.New(
		githubClient,
		q.Owner,
		q.RepositoryName,
		q.TrunkBranch,
		q.RequiredApprovals,
		q.BlockingLabels,
		q.AllowDrafts,
		q.IgnoredChecks,
		q.EligibilityQuery,
	)
	exitOnErr("could not initialize the pull request validator", err)

	reconciler := reconcile.New(
		githubClient,
		retryer,
		q.Owner,
		q.RepositoryName,
		q.TrunkBranch,
		time.Duration(q.UpdateTimeoutMinutes)*time.Minute,
		q.IgnoredChecks,
	)

	return process.New(
		store.New(newBackend(config, githubClient)),
		githubClient,
		validator,
		reconciler,
		retryer,
		process.Config{
			Owner:                  q.Owner,
			Repo:                   q.RepositoryName,
			MergeStrategy:          q.MergeStrategy,
			DeleteBranchAfterMerge: q.DeleteBranchAfterMerge,
			AutoUpdateBranch:       q.AutoUpdateBranch,
			MaxUpdateRetries:       q.MaxUpdateRetries,
			FailedLabel:            q.FailedLabel,
			AbandonAge:             time.Duration(q.AbandonAgeMinutes) * time.Minute,
		},
	)
}

func mustParsePRNumberArg() int {
	if pflag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "ERROR: the %s command requires a pull request number as argument\n", pflag.Arg(0))
		os.Exit(2)
	}

	prNumber, err := strconv.Atoi(pflag.Arg(1))
	if err != nil || prNumber <= 0 {
		fmt.Fprintf(os.Stderr, "ERROR: %q is not a valid pull request number\n", pflag.Arg(1))
		os.Exit(2)
	}

	return prNumber
}

func enqueuedBy() string {
	if *args.EnqueuedBy != "" {
		return *args.EnqueuedBy
	}

	return os.Getenv("USER")
}

func cmdEnqueue(ctx context.Context, orchestrator *process.Orchestrator) int {
	prNumber := mustParsePRNumberArg()

	position, err := orchestrator.Enqueue(ctx, prNumber, enqueuedBy(), *args.Priority)
	if err != nil {
		var validationErr *qerr.ValidationError
		if errors.As(err, &validationErr) {
			fmt.Printf("pull request #%d is not eligible: %s\n", prNumber, validationErr.Reason)
			return 1
		}

		logger.Error(
			"enqueueing the pull request failed",
			logfields.Event("enqueueing_failed"),
			logfields.PullRequest(prNumber),
			zap.Error(err),
		)

		return 1
	}

	if position == 0 {
		fmt.Printf("pull request #%d is already being processed\n", prNumber)
		return 0
	}

	fmt.Printf("pull request #%d was enqueued at position %d\n", prNumber, position)

	return 0
}

func cmdWithdraw(ctx context.Context, orchestrator *process.Orchestrator) int {
	prNumber := mustParsePRNumberArg()

	removed, err := orchestrator.Withdraw(ctx, prNumber)
	if err != nil {
		logger.Error(
			"withdrawing the pull request failed",
			logfields.Event("withdrawing_failed"),
			logfields.PullRequest(prNumber),
			zap.Error(err),
		)

		return 1
	}

	if !removed {
		fmt.Printf("pull request #%d is not in the queue\n", prNumber)
		return 1
	}

	fmt.Printf("pull request #%d was removed from the queue\n", prNumber)

	return 0
}

func cmdProcess(ctx context.Context, config *cfg.Config, orchestrator *process.Orchestrator) int {
	if config.MetricsListenAddr != "" {
		startMetricsServer(config.MetricsListenAddr)
	}

	result, err := orchestrator.ProcessHead(ctx)
	if err != nil {
		logger.Error(
			"processing the merge queue failed",
			logfields.Event("processing_failed"),
			zap.Error(err),
		)

		if result == nil {
			return 1
		}
	}

	if !result.Processed {
		fmt.Printf("nothing to do: %s\n", result.Reason)
		return 0
	}

	if result.Reason == "" {
		fmt.Printf("pull request #%d: %s\n", result.PRNumber, result.Outcome)
	} else {
		fmt.Printf("pull request #%d: %s: %s\n", result.PRNumber, result.Outcome, result.Reason)
	}

	if result.Outcome == process.OutcomeMerged {
		return 0
	}

	return 1
}

func cmdStatus(ctx context.Context, orchestrator *process.Orchestrator) int {
	doc, err := orchestrator.Status(ctx)
	if err != nil {
		logger.Error(
			"reading the queue state failed",
			logfields.Event("reading_queue_state_failed"),
			zap.Error(err),
		)

		return 1
	}

	if doc.Current != nil {
		fmt.Printf("processing: #%d (%s since %s)\n",
			doc.Current.PRNumber, doc.Current.Status, doc.Current.StartedAt.Format(time.RFC3339))
	} else {
		fmt.Println("processing: none")
	}

	if len(doc.Queue) == 0 {
		fmt.Println("queue: empty")
	} else {
		fmt.Println("queue:")
		for i, entry := range doc.Queue {
			fmt.Printf("  %d. #%d (enqueued by %s at %s, priority %d)\n",
				i+1, entry.PRNumber, entry.EnqueuedBy,
				entry.EnqueuedAt.Format(time.RFC3339), entry.Priority)
		}
	}

	fmt.Printf("processed: %d, merged: %d, failed: %d\n",
		doc.Stats.TotalProcessed, doc.Stats.TotalMerged, doc.Stats.TotalFailed)

	for _, entry := range doc.History {
		if entry.Reason == "" {
			fmt.Printf("  #%d: %s (%s)\n", entry.PRNumber, entry.Result,
				entry.CompletedAt.Format(time.RFC3339))
			continue
		}

		fmt.Printf("  #%d: %s (%s): %s\n", entry.PRNumber, entry.Result,
			entry.CompletedAt.Format(time.RFC3339), entry.Reason)
	}

	return 0
}

func cmdShowConfig(config *cfg.Config) int {
	// the token must not end up in terminals or pastes of the output
	config.GithubAPIToken = hide(config.GithubAPIToken)

	if err := config.Marshal(os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: marshalling the configuration failed:", err.Error())
		return 1
	}

	return 0
}

func main() {
	defer panicHandler()

	ctx := context.Background()

	defer goodbye.Exit(ctx, 1)
	goodbye.Notify(ctx)

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("repository", config.Queue.Owner+"/"+config.Queue.RepositoryName),
		logfields.Trunk(config.Queue.TrunkBranch),
		zap.String("state_backend", config.Queue.StateBackend),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	githubClient := githubclt.New(config.GithubAPIToken)

	retryer := retry.NewRetryer()
	goodbye.Register(func(context.Context, os.Signal) { retryer.Stop() })

	orchestrator := mustNewOrchestrator(config, githubClient, retryer)

	var exitCode int

	switch command := pflag.Arg(0); command {
	case "enqueue":
		exitCode = cmdEnqueue(ctx, orchestrator)
	case "withdraw":
		exitCode = cmdWithdraw(ctx, orchestrator)
	case "process":
		exitCode = cmdProcess(ctx, config, orchestrator)
	case "status":
		exitCode = cmdStatus(ctx, orchestrator)
	case "showconfig":
		exitCode = cmdShowConfig(config)
	default:
		fmt.Fprintf(os.Stderr, "ERROR: unknown command: %q\n", command)
		usage()
		exitCode = 2
	}

	goodbye.Exit(ctx, exitCode)
}
