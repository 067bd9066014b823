// Package developer hosts the virtual developer's conversational core: the
// per-principal action dispatcher, the follow-up engine, and the session
// registry that keeps one dispatcher alive per principal.
package developer

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thongdx/aid/internal/classifier"
	"github.com/thongdx/aid/internal/store"
)

// Emitter pushes a chat entry to the principal's live connection, if any.
type Emitter func(ctx context.Context, chat store.Chat)

// TaskLauncher starts asynchronous execution of a persisted task.
type TaskLauncher interface {
	Launch(ctx context.Context, taskID string) error
}

const (
	busyMessage         = "I'm still working on the current task, I'll pick this one up as soon as it's done."
	launchFailedMessage = "Sorry, I couldn't start working on the task right now. Please try again in a bit."
)

// projectDecision is the payload of the project-name disambiguation follow-up.
type projectDecision struct {
	IsNew       bool   `json:"isNew"`
	ProjectName string `json:"projectName"`
}

const projectDecisionFormat = `
{
  isNew: boolean;
  projectName: string;
}
`

// Developer is the action dispatcher for one principal. It keeps the chat
// history, the cached project/repo lists, and the outstanding follow-up, and
// serializes message turns so concurrent deliveries cannot race on them.
type Developer struct {
	mu sync.Mutex

	user     *store.User
	store    store.Store
	cls      classifier.Classifier
	emit     Emitter
	launcher TaskLauncher

	chats    []store.Chat
	projects []store.Project
	repos    []store.Repo
	followUp followUpHandler
}

// NewDeveloper creates a dispatcher for the given principal. Call bootstrap
// (via the registry) before the first message.
func NewDeveloper(user *store.User, st store.Store, cls classifier.Classifier, emit Emitter, launcher TaskLauncher) *Developer {
	return &Developer{user: user, store: st, cls: cls, emit: emit, launcher: launcher}
}

// bootstrap loads the conversation history and the project/repo caches.
func (d *Developer) bootstrap(ctx context.Context) error {
	chats, err := d.store.ChatsOfUser(ctx, d.user.ID)
	if err != nil {
		return err
	}
	d.chats = chats
	return d.reload(ctx)
}

// reload refreshes the cached project and repo lists.
func (d *Developer) reload(ctx context.Context) error {
	projects, err := d.store.ProjectsOfUser(ctx, d.user.ID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}

	repos, err := d.store.ReposOfProjects(ctx, ids)
	if err != nil {
		return err
	}

	d.projects = projects
	d.repos = repos
	return nil
}

// chatBack records a reply from the developer and pushes it out.
func (d *Developer) chatBack(ctx context.Context, content string) {
	if content == "" {
		return
	}

	chat, err := d.store.AppendChat(ctx, d.user.ID, content, false)
	if err != nil {
		log.Error().Err(err).Str("user_id", d.user.ID).Msg("Failed to record reply")
		return
	}

	d.chats = append(d.chats, *chat)
	d.emit(ctx, *chat)
}

// ReceiveMessage handles one inbound chat message: it records the message,
// gives an outstanding follow-up first refusal over the extended history,
// then classifies the conversation and executes each action in order.
func (d *Developer) ReceiveMessage(ctx context.Context, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	chat, err := d.store.AppendChat(ctx, d.user.ID, content, true)
	if err != nil {
		return err
	}
	d.chats = append(d.chats, *chat)

	if d.followUp != nil {
		if err := d.followUp.Handle(ctx, d.chats); err != nil {
			return err
		}
	}

	actions, err := d.cls.DetermineActions(ctx, d.user, d.projects, d.repos, d.chats)
	if err != nil {
		return err
	}

	for _, action := range actions {
		log.Debug().Str("user_id", d.user.ID).Str("action", string(action.Type)).Msg("Dispatching action")

		if err := d.dispatch(ctx, action); err != nil {
			return err
		}
	}
	return nil
}

func (d *Developer) dispatch(ctx context.Context, action classifier.Action) error {
	switch action.Type {
	case classifier.ActionJustAChat, classifier.ActionAnswerPreviousQuestion:
		// The follow-up already had first refusal; only the reply is left.
		d.chatBack(ctx, action.Chat)
		return nil

	case classifier.ActionUpdatePersonalInfo:
		return d.handleUpdatePersonalInfo(ctx, action)

	case classifier.ActionUpdateProjectInfo:
		return d.handleUpdateProjectInfo(ctx, action)

	case classifier.ActionUpdateProjectGitRepo:
		return d.handleUpdateProjectGitRepo(ctx, action)

	case classifier.ActionAssignNewProject:
		return d.handleAssignProject(ctx, action)

	case classifier.ActionGenerateTask:
		return d.handleGenerateTask(ctx, action)

	default:
		log.Warn().Str("action", string(action.Type)).Msg("Skipping unknown action kind")
		return nil
	}
}

func (d *Developer) handleUpdatePersonalInfo(ctx context.Context, action classifier.Action) error {
	if len(action.Memory) == 0 {
		return nil
	}

	if err := d.store.AppendUserMemory(ctx, d.user.ID, action.Memory); err != nil {
		return err
	}
	d.user.Memory = append(d.user.Memory, action.Memory...)

	d.chatBack(ctx, action.Chat)
	return nil
}

func (d *Developer) handleUpdateProjectInfo(ctx context.Context, action classifier.Action) error {
	// The classifier's chat text doubles as the clarifying question when the
	// project could not be resolved; the effect is simply skipped then.
	defer d.chatBack(ctx, action.Chat)

	if action.Project == "" {
		return nil
	}

	project, err := d.store.ProjectByName(ctx, d.user.ID, action.Project)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if action.GitAccessToken != "" {
		if err := d.store.SetProjectAccessToken(ctx, project.ID, action.GitAccessToken); err != nil {
			return err
		}
	}
	return d.reload(ctx)
}

func (d *Developer) handleUpdateProjectGitRepo(ctx context.Context, action classifier.Action) error {
	defer d.chatBack(ctx, action.Chat)

	if action.Project == "" || action.Repo == "" {
		return nil
	}

	project, err := d.store.ProjectByName(ctx, d.user.ID, action.Project)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := d.store.UpsertRepo(ctx, project.ID, action.Repo, action.GitURL, action.BaseBranch); err != nil {
		return err
	}
	return d.reload(ctx)
}

func (d *Developer) handleAssignProject(ctx context.Context, action classifier.Action) error {
	if action.Project == "" {
		return nil
	}

	project, err := d.store.ProjectByName(ctx, d.user.ID, action.Project)
	if err == store.ErrNotFound {
		d.chatBack(ctx, action.Chat)
		if _, err := d.store.CreateProject(ctx, d.user.ID, action.Project); err != nil {
			return err
		}
		return d.reload(ctx)
	}
	if err != nil {
		return err
	}

	// A project with this name already exists. Never overwrite it silently:
	// either point at the pending decision or open the disambiguation.
	if d.followUp != nil {
		resp, err := d.cls.ResolveCurrentFollowUp(ctx, d.user, d.chats)
		if err != nil {
			return err
		}
		d.chatBack(ctx, resp.Chat)
		return nil
	}

	resp, err := d.cls.VerifyExistingProject(ctx, d.user, project)
	if err != nil {
		return err
	}
	d.chatBack(ctx, resp.Chat)

	d.followUp = NewFollowUp(d.user, d.cls, d.chatBack,
		func(ctx context.Context) (classifier.PositiveResponse, error) {
			return d.cls.DetermineNewProjectName(ctx, d.user, project, d.chats)
		},
		projectDecisionFormat,
		func(ctx context.Context, decision *projectDecision) error {
			d.followUp = nil
			if decision != nil && decision.IsNew && decision.ProjectName != "" {
				if _, err := d.store.CreateProject(ctx, d.user.ID, decision.ProjectName); err != nil {
					return err
				}
				return d.reload(ctx)
			}
			return nil
		})
	return nil
}

func (d *Developer) handleGenerateTask(ctx context.Context, action classifier.Action) error {
	pending, err := d.store.PendingTaskOfUser(ctx, d.user.ID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if pending != nil {
		d.chatBack(ctx, busyMessage)
		return nil
	}

	var project *store.Project
	if action.Project != "" {
		project, err = d.store.ProjectByName(ctx, d.user.ID, action.Project)
		if err != nil && err != store.ErrNotFound {
			return err
		}
	}

	var repo *store.Repo
	if project != nil && action.Repo != "" {
		repo, err = d.store.RepoByName(ctx, project.ID, action.Repo)
		if err != nil && err != store.ErrNotFound {
			return err
		}
	}

	baseBranch := action.BaseBranch
	if baseBranch == "" && repo != nil {
		baseBranch = repo.BaseBranch
	}

	if project == nil || repo == nil || baseBranch == "" || len(action.Requirements) == 0 {
		d.chatBack(ctx, action.Chat)

		// Keep re-asking until the requirements are judged clear. A follow-up
		// already in flight keeps the slot; there is never a second one.
		if d.followUp == nil {
			d.followUp = NewFollowUp(d.user, d.cls, d.chatBack,
				func(ctx context.Context) (classifier.PositiveResponse, error) {
					return d.cls.DetermineTaskRequirementsCleared(ctx, d.user, d.chats)
				},
				"",
				func(ctx context.Context, _ *struct{}) error {
					d.followUp = nil
					return nil
				})
		}
		return nil
	}

	if repo.BaseBranch == "" {
		if err := d.store.SetRepoBaseBranch(ctx, repo.ID, baseBranch); err != nil {
			return err
		}
		repo.BaseBranch = baseBranch
	}

	task, err := d.store.CreateTask(ctx, d.user.ID, repo.ID, action.Requirements)
	if err != nil {
		return err
	}

	d.chatBack(ctx, action.Chat)

	if err := d.launcher.Launch(ctx, task.ID); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to launch task")
		d.chatBack(ctx, launchFailedMessage)
		return d.store.SetTaskPending(ctx, task.ID, false)
	}
	return nil
}
