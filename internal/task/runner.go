// Package task executes coding tasks end to end: checkout, file sync,
// generation job, verdict, and progress reporting back to the principal.
package task

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thongdx/aid/internal/classifier"
	"github.com/thongdx/aid/internal/genjob"
	"github.com/thongdx/aid/internal/store"
)

// GitOps produces a local checkout of a repo at its base branch.
type GitOps interface {
	Ensure(ctx context.Context, project *store.Project, repo *store.Repo) (string, error)
}

// FileSyncer reconciles a checkout with the knowledge store and returns the
// refreshed file ledger.
type FileSyncer interface {
	Sync(ctx context.Context, root, repoID string) ([]store.RepoFile, error)
}

// ProgressFunc receives user-visible progress messages during a run.
type ProgressFunc func(message string)

const (
	jobFailedMessage = "Sorry, I failed to execute the task."
	noPRMessage      = "I won't open a pull request automatically - please review the diff above first."
)

// RunnerConfig bounds one task attempt.
type RunnerConfig struct {
	PollInterval       time.Duration
	Deadline           time.Duration
	ReferenceLimit     int
	ReferenceExtension string
}

// DefaultRunnerConfig matches the production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:       2 * time.Second,
		Deadline:           15 * time.Minute,
		ReferenceLimit:     20,
		ReferenceExtension: ".go",
	}
}

// Runner orchestrates one task attempt.
type Runner struct {
	store store.Store
	git   GitOps
	files FileSyncer
	jobs  genjob.Service
	cls   classifier.Classifier
	cfg   RunnerConfig
}

// NewRunner wires a runner from its collaborators.
func NewRunner(st store.Store, git GitOps, files FileSyncer, jobs genjob.Service, cls classifier.Classifier, cfg RunnerConfig) *Runner {
	return &Runner{store: st, git: git, files: files, jobs: jobs, cls: cls, cfg: cfg}
}

// Run executes the task pipeline. The pending flag is cleared on the way out
// no matter how the attempt ended. A missing repo or project for a persisted
// task is a data-integrity fault and is returned as an error rather than
// softened into chat.
func (r *Runner) Run(ctx context.Context, taskID string, report ProgressFunc) error {
	task, err := r.store.TaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}

	defer func() {
		if err := r.store.SetTaskPending(context.WithoutCancel(ctx), task.ID, false); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to clear pending flag")
		}
	}()

	repo, err := r.store.RepoByID(ctx, task.RepoID)
	if err != nil {
		return fmt.Errorf("repo %s of task %s: %w", task.RepoID, task.ID, err)
	}
	project, err := r.store.ProjectByID(ctx, repo.ProjectID)
	if err != nil {
		return fmt.Errorf("project %s of repo %s: %w", repo.ProjectID, repo.ID, err)
	}
	user, err := r.store.UserByID(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("user %s of task %s: %w", task.UserID, task.ID, err)
	}

	report("Cloning source code...")
	path, err := r.git.Ensure(ctx, project, repo)
	if err != nil {
		return err
	}

	report("Syncing files...")
	files, err := r.files.Sync(ctx, path, repo.ID)
	if err != nil {
		return err
	}

	report("Generating solution...")
	jobID, err := r.jobs.Submit(ctx, task.Requirements, r.referenceFiles(files))
	if err != nil {
		return err
	}

	status, err := r.poll(ctx, jobID, report)
	if err != nil {
		return err
	}

	if status != genjob.StatusCompleted {
		report(jobFailedMessage)
		return nil
	}

	solution, err := r.jobs.FetchResult(ctx, jobID)
	if err != nil {
		return err
	}

	verdict, err := r.cls.DetermineTaskSuccess(ctx, user, task.Requirements, solution)
	if err != nil {
		return err
	}

	if !verdict.Positive {
		if verdict.Chat != "" {
			report(verdict.Chat)
		} else {
			report(jobFailedMessage)
		}
		return nil
	}

	report("Here is my solution: " + solution)
	report(noPRMessage)
	return nil
}

// poll waits for the job to reach a terminal state, reporting elapsed time on
// every tick. The deadline bounds the whole wait; a job that never terminates
// fails the attempt instead of polling forever.
func (r *Runner) poll(ctx context.Context, jobID string, report ProgressFunc) (genjob.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	started := time.Now()

	for {
		status, err := r.jobs.PollStatus(ctx, jobID)
		if err != nil {
			return genjob.StatusFailed, err
		}
		if status.Terminal() {
			return status, nil
		}

		elapsed := int(math.Ceil(time.Since(started).Seconds()))
		report(fmt.Sprintf("Working on the solution... %ds", elapsed))

		select {
		case <-ctx.Done():
			return genjob.StatusFailed, fmt.Errorf("generation job %s did not finish in time: %w", jobID, ctx.Err())
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// referenceFiles picks the bounded subset of synced files handed to the job:
// files with the preferred extension first, capped at the configured limit.
func (r *Runner) referenceFiles(files []store.RepoFile) []genjob.ReferenceFile {
	var preferred, rest []genjob.ReferenceFile
	for _, f := range files {
		if f.ExternalID == "" {
			continue
		}
		ref := genjob.ReferenceFile{URI: f.URI, ExternalID: f.ExternalID}
		if strings.HasSuffix(f.URI, r.cfg.ReferenceExtension) {
			preferred = append(preferred, ref)
		} else {
			rest = append(rest, ref)
		}
	}

	refs := append(preferred, rest...)
	if len(refs) > r.cfg.ReferenceLimit {
		refs = refs[:r.cfg.ReferenceLimit]
	}
	return refs
}
