package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/thongdx/aid/internal/classifier"
	"github.com/thongdx/aid/internal/genjob"
	"github.com/thongdx/aid/internal/store"
)

type fakeGit struct {
	path string
	err  error
}

func (f *fakeGit) Ensure(ctx context.Context, project *store.Project, repo *store.Repo) (string, error) {
	return f.path, f.err
}

type fakeSyncer struct {
	files []store.RepoFile
	err   error
}

func (f *fakeSyncer) Sync(ctx context.Context, root, repoID string) ([]store.RepoFile, error) {
	return f.files, f.err
}

// fakeJobs walks through the scripted statuses one poll at a time.
type fakeJobs struct {
	statuses []genjob.Status
	result   string
	files    []genjob.ReferenceFile
	polls    int
}

func (f *fakeJobs) Submit(ctx context.Context, requirements []string, files []genjob.ReferenceFile) (string, error) {
	f.files = files
	return "thread/run", nil
}

func (f *fakeJobs) PollStatus(ctx context.Context, jobID string) (genjob.Status, error) {
	if f.polls < len(f.statuses) {
		s := f.statuses[f.polls]
		f.polls++
		return s, nil
	}
	return f.statuses[len(f.statuses)-1], nil
}

func (f *fakeJobs) FetchResult(ctx context.Context, jobID string) (string, error) {
	return f.result, nil
}

// verdictClassifier only answers DetermineTaskSuccess; nothing else is called
// by the runner.
type verdictClassifier struct {
	classifier.Classifier
	verdict classifier.PositiveResponse
}

func (v *verdictClassifier) DetermineTaskSuccess(ctx context.Context, user *store.User, requirements []string, solution string) (classifier.PositiveResponse, error) {
	return v.verdict, nil
}

func testConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:       time.Millisecond,
		Deadline:           time.Second,
		ReferenceLimit:     20,
		ReferenceExtension: ".go",
	}
}

func seedTask(t *testing.T, st *store.Memory) *store.Task {
	t.Helper()

	ctx := context.Background()
	user, err := st.CreateOrGetUser(ctx, "boss")
	if err != nil {
		t.Fatal(err)
	}
	project, err := st.CreateProject(ctx, user.ID, "P")
	if err != nil {
		t.Fatal(err)
	}
	repo, err := st.UpsertRepo(ctx, project.ID, "R", "git@example.com:p/r.git", "main")
	if err != nil {
		t.Fatal(err)
	}
	task, err := st.CreateTask(ctx, user.ID, repo.ID, []string{"add a login page"})
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestRun_SuccessPath(t *testing.T) {
	st := store.NewMemory()
	task := seedTask(t, st)

	jobs := &fakeJobs{
		statuses: []genjob.Status{genjob.StatusQueued, genjob.StatusInProgress, genjob.StatusCompleted},
		result:   "diff --git a/login.go",
	}
	runner := NewRunner(st, &fakeGit{path: t.TempDir()}, &fakeSyncer{}, jobs,
		&verdictClassifier{verdict: classifier.PositiveResponse{Positive: true}}, testConfig())

	var messages []string
	err := runner.Run(context.Background(), task.ID, func(m string) { messages = append(messages, m) })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	joined := strings.Join(messages, "\n")
	for _, want := range []string{
		"Cloning source code...",
		"Syncing files...",
		"Generating solution...",
		"Working on the solution...",
		"Here is my solution: diff --git a/login.go",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected progress message %q, got:\n%s", want, joined)
		}
	}

	fresh, _ := st.TaskByID(context.Background(), task.ID)
	if fresh.Pending {
		t.Error("Expected pending cleared after the run")
	}
}

func TestRun_TerminalFailureReportsAndSucceeds(t *testing.T) {
	st := store.NewMemory()
	task := seedTask(t, st)

	jobs := &fakeJobs{statuses: []genjob.Status{genjob.StatusFailed}}
	runner := NewRunner(st, &fakeGit{path: t.TempDir()}, &fakeSyncer{}, jobs,
		&verdictClassifier{}, testConfig())

	var messages []string
	err := runner.Run(context.Background(), task.ID, func(m string) { messages = append(messages, m) })
	if err != nil {
		t.Fatalf("A failed job is not a runner error: %v", err)
	}

	if len(messages) == 0 || messages[len(messages)-1] != jobFailedMessage {
		t.Errorf("Expected failure message last, got %v", messages)
	}

	fresh, _ := st.TaskByID(context.Background(), task.ID)
	if fresh.Pending {
		t.Error("Expected pending cleared after the run")
	}
}

func TestRun_NegativeVerdictUsesSuggestedChat(t *testing.T) {
	st := store.NewMemory()
	task := seedTask(t, st)

	jobs := &fakeJobs{
		statuses: []genjob.Status{genjob.StatusCompleted},
		result:   "nonsense output",
	}
	runner := NewRunner(st, &fakeGit{path: t.TempDir()}, &fakeSyncer{}, jobs,
		&verdictClassifier{verdict: classifier.PositiveResponse{Chat: "The result does not cover the login flow, I'll need another pass."}},
		testConfig())

	var messages []string
	if err := runner.Run(context.Background(), task.ID, func(m string) { messages = append(messages, m) }); err != nil {
		t.Fatal(err)
	}

	last := messages[len(messages)-1]
	if !strings.Contains(last, "another pass") {
		t.Errorf("Expected the verdict's chat, got %q", last)
	}
}

func TestRun_DeadlineBoundsPolling(t *testing.T) {
	st := store.NewMemory()
	task := seedTask(t, st)

	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Deadline = 25 * time.Millisecond

	jobs := &fakeJobs{statuses: []genjob.Status{genjob.StatusInProgress}}
	runner := NewRunner(st, &fakeGit{path: t.TempDir()}, &fakeSyncer{}, jobs,
		&verdictClassifier{}, cfg)

	err := runner.Run(context.Background(), task.ID, func(string) {})
	if err == nil {
		t.Fatal("Expected a deadline error for a job that never terminates")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}

	fresh, _ := st.TaskByID(context.Background(), task.ID)
	if fresh.Pending {
		t.Error("Expected pending cleared even on failure")
	}
}

func TestRun_GitFailurePropagates(t *testing.T) {
	st := store.NewMemory()
	task := seedTask(t, st)

	runner := NewRunner(st, &fakeGit{err: errors.New("clone rejected")}, &fakeSyncer{}, &fakeJobs{},
		&verdictClassifier{}, testConfig())

	if err := runner.Run(context.Background(), task.ID, func(string) {}); err == nil {
		t.Fatal("Expected the clone failure returned")
	}

	fresh, _ := st.TaskByID(context.Background(), task.ID)
	if fresh.Pending {
		t.Error("Expected pending cleared on failure")
	}
}

func TestReferenceFiles_PrefersExtensionAndCaps(t *testing.T) {
	cfg := testConfig()
	cfg.ReferenceLimit = 3

	runner := NewRunner(nil, nil, nil, nil, nil, cfg)

	files := []store.RepoFile{
		{URI: "README.md", ExternalID: "f1"},
		{URI: "a.go", ExternalID: "f2"},
		{URI: "b.go", ExternalID: "f3"},
		{URI: "c.go", ExternalID: "f4"},
		{URI: "skipped.go", ExternalID: ""},
	}

	refs := runner.referenceFiles(files)

	if len(refs) != 3 {
		t.Fatalf("Expected cap of 3, got %d", len(refs))
	}
	for _, r := range refs {
		if !strings.HasSuffix(r.URI, ".go") {
			t.Errorf("Expected only .go files preferred, got %s", r.URI)
		}
	}
}
