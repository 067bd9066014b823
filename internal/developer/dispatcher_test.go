package developer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/thongdx/aid/internal/classifier"
	"github.com/thongdx/aid/internal/store"
)

// scriptedClassifier returns canned responses per method, consumed in order.
type scriptedClassifier struct {
	actions      [][]classifier.Action
	decisions    []classifier.Decision
	verify       []classifier.ChatResponse
	newName      []classifier.PositiveResponse
	resolve      []classifier.ChatResponse
	cleared      []classifier.PositiveResponse
	success      []classifier.PositiveResponse
	actionCalls  int
	decisionFmts []string
}

func (s *scriptedClassifier) DetermineActions(ctx context.Context, user *store.User, projects []store.Project, repos []store.Repo, chats []store.Chat) ([]classifier.Action, error) {
	s.actionCalls++
	if len(s.actions) == 0 {
		return nil, nil
	}
	next := s.actions[0]
	s.actions = s.actions[1:]
	return next, nil
}

func (s *scriptedClassifier) DetermineDecision(ctx context.Context, user *store.User, chats []store.Chat, decisionFormat string) (classifier.Decision, error) {
	s.decisionFmts = append(s.decisionFmts, decisionFormat)
	next := s.decisions[0]
	s.decisions = s.decisions[1:]
	return next, nil
}

func (s *scriptedClassifier) VerifyExistingProject(ctx context.Context, user *store.User, project *store.Project) (classifier.ChatResponse, error) {
	next := s.verify[0]
	s.verify = s.verify[1:]
	return next, nil
}

func (s *scriptedClassifier) DetermineNewProjectName(ctx context.Context, user *store.User, project *store.Project, chats []store.Chat) (classifier.PositiveResponse, error) {
	next := s.newName[0]
	s.newName = s.newName[1:]
	return next, nil
}

func (s *scriptedClassifier) ResolveCurrentFollowUp(ctx context.Context, user *store.User, chats []store.Chat) (classifier.ChatResponse, error) {
	next := s.resolve[0]
	s.resolve = s.resolve[1:]
	return next, nil
}

func (s *scriptedClassifier) DetermineTaskRequirementsCleared(ctx context.Context, user *store.User, chats []store.Chat) (classifier.PositiveResponse, error) {
	next := s.cleared[0]
	s.cleared = s.cleared[1:]
	return next, nil
}

func (s *scriptedClassifier) DetermineTaskSuccess(ctx context.Context, user *store.User, requirements []string, solution string) (classifier.PositiveResponse, error) {
	next := s.success[0]
	s.success = s.success[1:]
	return next, nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	taskIDs []string
	err     error
}

func (f *fakeLauncher) Launch(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.taskIDs = append(f.taskIDs, taskID)
	return nil
}

type emitRecorder struct {
	mu    sync.Mutex
	chats []store.Chat
}

func (e *emitRecorder) emit(ctx context.Context, chat store.Chat) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chats = append(e.chats, chat)
}

func (e *emitRecorder) contents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.chats))
	for i, c := range e.chats {
		out[i] = c.Content
	}
	return out
}

func newTestDeveloper(t *testing.T, cls classifier.Classifier, launcher TaskLauncher) (*Developer, *store.Memory, *store.User, *emitRecorder) {
	t.Helper()

	st := store.NewMemory()
	user, err := st.CreateOrGetUser(context.Background(), "boss")
	if err != nil {
		t.Fatal(err)
	}

	rec := &emitRecorder{}
	dev := NewDeveloper(user, st, cls, rec.emit, launcher)
	if err := dev.bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	return dev, st, user, rec
}

func TestReceiveMessage_JustAChat(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{Type: classifier.ActionJustAChat, Chat: "Hello boss!"}},
		},
	}
	dev, st, user, rec := newTestDeveloper(t, cls, &fakeLauncher{})

	if err := dev.ReceiveMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	if got := rec.contents(); len(got) != 1 || got[0] != "Hello boss!" {
		t.Errorf("Expected emitted reply, got %v", got)
	}

	chats, _ := st.ChatsOfUser(context.Background(), user.ID)
	// greeting + inbound + reply
	if len(chats) != 3 {
		t.Fatalf("Expected 3 chat entries, got %d", len(chats))
	}
	if !chats[1].Outbound || chats[2].Outbound {
		t.Error("Expected inbound message then developer reply")
	}
}

func TestReceiveMessage_UpdatePersonalInfo(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{Type: classifier.ActionUpdatePersonalInfo, Chat: "Noted!", Memory: []string{"My boss prefers tabs"}}},
		},
	}
	dev, st, user, _ := newTestDeveloper(t, cls, &fakeLauncher{})

	if err := dev.ReceiveMessage(context.Background(), "remember that I prefer tabs"); err != nil {
		t.Fatal(err)
	}

	fresh, _ := st.UserByID(context.Background(), user.ID)
	if len(fresh.Memory) != 2 || fresh.Memory[1] != "My boss prefers tabs" {
		t.Errorf("Expected memory appended, got %v", fresh.Memory)
	}
}

func TestReceiveMessage_UnknownActionIsSkipped(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{Type: "SOMETHING_NEW", Chat: "???"}, {Type: classifier.ActionJustAChat, Chat: "ok"}},
		},
	}
	dev, _, _, rec := newTestDeveloper(t, cls, &fakeLauncher{})

	if err := dev.ReceiveMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	if got := rec.contents(); len(got) != 1 || got[0] != "ok" {
		t.Errorf("Expected only the known action's reply, got %v", got)
	}
}

func TestAssignProject_NewProjectIsCreated(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{Type: classifier.ActionAssignNewProject, Project: "Hackathon 2025", Chat: "On it!"}},
		},
	}
	dev, st, user, _ := newTestDeveloper(t, cls, &fakeLauncher{})

	if err := dev.ReceiveMessage(context.Background(), "new project: Hackathon 2025"); err != nil {
		t.Fatal(err)
	}

	if _, err := st.ProjectByName(context.Background(), user.ID, "Hackathon 2025"); err != nil {
		t.Errorf("Expected project created: %v", err)
	}
	if len(dev.projects) != 1 {
		t.Errorf("Expected project cache reloaded, got %d entries", len(dev.projects))
	}
}

func TestAssignProject_CollisionOpensFollowUpAndRenames(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			// Turn 1: collision.
			{{Type: classifier.ActionAssignNewProject, Project: "Website", Chat: "Sure."}},
			// Turn 2: nothing further beyond the follow-up round trip.
			{},
			// Turn 3: nothing further.
			{},
		},
		verify:  []classifier.ChatResponse{{Chat: "You already have a project called Website. Is this a new one?"}},
		newName: []classifier.PositiveResponse{{Chat: "What should I call the new project?", Positive: true}},
		decisions: []classifier.Decision{{
			Chat:     "Got it, calling it Website V2.",
			Positive: true,
			Payload:  json.RawMessage(`{"isNew": true, "projectName": "Website V2"}`),
		}},
	}
	dev, st, user, _ := newTestDeveloper(t, cls, &fakeLauncher{})

	if _, err := st.CreateProject(context.Background(), user.ID, "Website"); err != nil {
		t.Fatal(err)
	}
	if err := dev.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := dev.ReceiveMessage(ctx, "start working on Website"); err != nil {
		t.Fatal(err)
	}
	if dev.followUp == nil {
		t.Fatal("Expected a follow-up after the name collision")
	}

	// The follow-up initiates on the next message, then resolves on the one
	// after that.
	if err := dev.ReceiveMessage(ctx, "yes, it's a brand new one"); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReceiveMessage(ctx, "call it Website V2"); err != nil {
		t.Fatal(err)
	}

	if dev.followUp != nil {
		t.Error("Expected the follow-up slot cleared after resolution")
	}
	if _, err := st.ProjectByName(ctx, user.ID, "Website V2"); err != nil {
		t.Errorf("Expected renamed project created: %v", err)
	}

	if len(cls.decisionFmts) != 1 || !strings.Contains(cls.decisionFmts[0], "projectName") {
		t.Errorf("Expected the project decision format passed through, got %v", cls.decisionFmts)
	}
}

func TestAssignProject_FollowUpWaitsThroughUndecidedTurns(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			// Turn 1: collision.
			{{Type: classifier.ActionAssignNewProject, Project: "Website", Chat: "Sure."}},
			// Turns 2-5: only the follow-up round trips.
			{}, {}, {}, {},
		},
		verify:  []classifier.ChatResponse{{Chat: "You already have a project called Website. Is this a new one?"}},
		newName: []classifier.PositiveResponse{{Chat: "What should I call the new project?", Positive: true}},
		decisions: []classifier.Decision{
			{Chat: "Any name in mind?", Positive: false},
			{Chat: "Still need a name from you.", Positive: false},
			{
				Chat:     "Got it, calling it Website V2.",
				Positive: true,
				Payload:  json.RawMessage(`{"isNew": true, "projectName": "Website V2"}`),
			},
		},
	}
	dev, st, user, _ := newTestDeveloper(t, cls, &fakeLauncher{})

	if _, err := st.CreateProject(context.Background(), user.ID, "Website"); err != nil {
		t.Fatal(err)
	}
	if err := dev.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := dev.ReceiveMessage(ctx, "start working on Website"); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReceiveMessage(ctx, "yes, a new one"); err != nil {
		t.Fatal(err)
	}

	// Two replies that settle nothing: the slot stays occupied and nothing
	// is created.
	for _, msg := range []string{"hmm let me think", "maybe something catchy"} {
		if err := dev.ReceiveMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
		if dev.followUp == nil {
			t.Fatal("Expected the follow-up still open after an undecided turn")
		}
		if projects, _ := st.ProjectsOfUser(ctx, user.ID); len(projects) != 1 {
			t.Fatalf("Expected no project created before the decision, got %d", len(projects))
		}
	}

	if err := dev.ReceiveMessage(ctx, "call it Website V2"); err != nil {
		t.Fatal(err)
	}

	if dev.followUp != nil {
		t.Error("Expected the follow-up slot cleared after resolution")
	}
	if _, err := st.ProjectByName(ctx, user.ID, "Website V2"); err != nil {
		t.Errorf("Expected the renamed project created: %v", err)
	}
	if projects, _ := st.ProjectsOfUser(ctx, user.ID); len(projects) != 2 {
		t.Errorf("Expected exactly one new project, got %d total", len(projects))
	}
}

func TestFollowUp_NegativeInitResolvesImmediately(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{Type: classifier.ActionAssignNewProject, Project: "Website", Chat: "Sure."}},
			{},
		},
		verify: []classifier.ChatResponse{{Chat: "You already have a project called Website."}},
		// Negative: the principal meant the existing project after all.
		newName: []classifier.PositiveResponse{{Chat: "Understood, continuing with the existing project.", Positive: false}},
	}
	dev, st, user, _ := newTestDeveloper(t, cls, &fakeLauncher{})

	if _, err := st.CreateProject(context.Background(), user.ID, "Website"); err != nil {
		t.Fatal(err)
	}
	if err := dev.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := dev.ReceiveMessage(ctx, "start working on Website"); err != nil {
		t.Fatal(err)
	}
	if err := dev.ReceiveMessage(ctx, "the same one"); err != nil {
		t.Fatal(err)
	}

	if dev.followUp != nil {
		t.Error("Expected the follow-up resolved on the negative initiation")
	}

	projects, _ := st.ProjectsOfUser(ctx, user.ID)
	if len(projects) != 1 {
		t.Errorf("Expected no second project, got %d", len(projects))
	}
}

func TestGenerateTask_BusyWithPendingTask(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{Type: classifier.ActionGenerateTask, Project: "P", Repo: "R", Requirements: []string{"do it"}}},
		},
	}
	launcher := &fakeLauncher{}
	dev, st, user, rec := newTestDeveloper(t, cls, launcher)

	project, _ := st.CreateProject(context.Background(), user.ID, "P")
	repo, _ := st.UpsertRepo(context.Background(), project.ID, "R", "git@example.com:p/r.git", "main")
	if _, err := st.CreateTask(context.Background(), user.ID, repo.ID, []string{"previous work"}); err != nil {
		t.Fatal(err)
	}
	if err := dev.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := dev.ReceiveMessage(context.Background(), "also do this"); err != nil {
		t.Fatal(err)
	}

	if got := rec.contents(); len(got) != 1 || got[0] != busyMessage {
		t.Errorf("Expected busy message, got %v", got)
	}
	if len(launcher.taskIDs) != 0 {
		t.Errorf("Expected no launch, got %v", launcher.taskIDs)
	}
}

func TestGenerateTask_CompleteActionLaunches(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{
				Type:         classifier.ActionGenerateTask,
				Project:      "P",
				Repo:         "R",
				BaseBranch:   "develop",
				Requirements: []string{"add a login page"},
				Chat:         "Starting now.",
			}},
		},
	}
	launcher := &fakeLauncher{}
	dev, st, user, rec := newTestDeveloper(t, cls, launcher)

	project, _ := st.CreateProject(context.Background(), user.ID, "P")
	repo, _ := st.UpsertRepo(context.Background(), project.ID, "R", "git@example.com:p/r.git", "")
	if err := dev.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := dev.ReceiveMessage(context.Background(), "build the login page on develop"); err != nil {
		t.Fatal(err)
	}

	if len(launcher.taskIDs) != 1 {
		t.Fatalf("Expected one launch, got %v", launcher.taskIDs)
	}

	task, err := st.TaskByID(context.Background(), launcher.taskIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !task.Pending {
		t.Error("Expected the task pending")
	}

	fresh, _ := st.RepoByID(context.Background(), repo.ID)
	if fresh.BaseBranch != "develop" {
		t.Errorf("Expected base branch recorded, got %q", fresh.BaseBranch)
	}

	if got := rec.contents(); len(got) != 1 || got[0] != "Starting now." {
		t.Errorf("Expected acknowledgement, got %v", got)
	}
}

func TestGenerateTask_LaunchFailureClearsPending(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{
				Type:         classifier.ActionGenerateTask,
				Project:      "P",
				Repo:         "R",
				BaseBranch:   "main",
				Requirements: []string{"work"},
				Chat:         "Starting.",
			}},
		},
	}
	launcher := &fakeLauncher{err: context.DeadlineExceeded}
	dev, st, user, rec := newTestDeveloper(t, cls, launcher)

	project, _ := st.CreateProject(context.Background(), user.ID, "P")
	if _, err := st.UpsertRepo(context.Background(), project.ID, "R", "git@example.com:p/r.git", "main"); err != nil {
		t.Fatal(err)
	}
	if err := dev.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := dev.ReceiveMessage(context.Background(), "do the work"); err != nil {
		t.Fatal(err)
	}

	if _, err := st.PendingTaskOfUser(context.Background(), user.ID); err != store.ErrNotFound {
		t.Errorf("Expected pending flag cleared after launch failure, got %v", err)
	}

	got := rec.contents()
	if len(got) != 2 || got[1] != launchFailedMessage {
		t.Errorf("Expected launch-failure message, got %v", got)
	}
}

func TestGenerateTask_IncompleteOpensRequirementsFollowUp(t *testing.T) {
	cls := &scriptedClassifier{
		actions: [][]classifier.Action{
			{{Type: classifier.ActionGenerateTask, Chat: "Which repo should I work in?"}},
			{},
		},
		cleared: []classifier.PositiveResponse{{Chat: "Thanks, that clears it up.", Positive: false}},
	}
	dev, _, _, rec := newTestDeveloper(t, cls, &fakeLauncher{})

	ctx := context.Background()
	if err := dev.ReceiveMessage(ctx, "build something"); err != nil {
		t.Fatal(err)
	}
	if dev.followUp == nil {
		t.Fatal("Expected a requirements follow-up")
	}

	// Negative initiation: nothing left to clarify, the slot frees up.
	if err := dev.ReceiveMessage(ctx, "in the api repo"); err != nil {
		t.Fatal(err)
	}
	if dev.followUp != nil {
		t.Error("Expected the follow-up slot cleared")
	}

	got := rec.contents()
	if len(got) != 2 || got[0] != "Which repo should I work in?" {
		t.Errorf("Unexpected chat sequence: %v", got)
	}
}
