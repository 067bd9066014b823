// Package classifier turns free-text chat into typed developer actions and
// decisions by way of a language model.
package classifier

import (
	"context"
	"encoding/json"

	"github.com/thongdx/aid/internal/store"
)

// ActionType is the closed set of instructions the classifier can extract
// from a chat message.
type ActionType string

const (
	ActionJustAChat              ActionType = "JUST_A_CHAT"
	ActionAnswerPreviousQuestion ActionType = "ANSWER_PREVIOUS_QUESTION"
	ActionUpdatePersonalInfo     ActionType = "UPDATE_PERSONAL_INFO"
	ActionAssignNewProject       ActionType = "ASSIGN_NEW_PROJECT"
	ActionUpdateProjectInfo      ActionType = "UPDATE_PROJECT_INFO"
	ActionUpdateProjectGitRepo   ActionType = "UPDATE_PROJECT_GIT_REPO"
	ActionGenerateTask           ActionType = "GENERATE_PULL_REQUEST_FROM_REQUIREMENTS"
)

// actionTypes lists every kind the prompt offers the model.
var actionTypes = []ActionType{
	ActionJustAChat,
	ActionAnswerPreviousQuestion,
	ActionUpdatePersonalInfo,
	ActionAssignNewProject,
	ActionUpdateProjectInfo,
	ActionUpdateProjectGitRepo,
	ActionGenerateTask,
}

// Action is one classified instruction. Which fields are populated depends on
// the action type; Chat always carries the suggested reply text.
type Action struct {
	Type           ActionType `json:"type"`
	Chat           string     `json:"chat"`
	Project        string     `json:"project"`
	Repo           string     `json:"repo"`
	GitURL         string     `json:"gitUrl"`
	GitAccessToken string     `json:"gitAccessToken"`
	Memory         []string   `json:"memory"`
	BaseBranch     string     `json:"baseBranch"`
	Requirements   []string   `json:"requirements"`
}

// ChatResponse is a bare suggested reply.
type ChatResponse struct {
	Chat string `json:"chat"`
}

// PositiveResponse is a suggested reply plus a yes/no verdict.
type PositiveResponse struct {
	Chat     string `json:"chat"`
	Positive bool   `json:"positive"`
}

// Decision is the outcome of asking whether the principal settled a pending
// question. Payload is only meaningful when Positive is true; its shape is
// described by the decision-format descriptor the caller supplied.
type Decision struct {
	Chat     string          `json:"chat"`
	Positive bool            `json:"positive"`
	Payload  json.RawMessage `json:"decision"`
}

// Classifier is the typed surface over the language model. Every call seeds
// the principal's accumulated memory as system context.
type Classifier interface {
	DetermineActions(ctx context.Context, user *store.User, projects []store.Project, repos []store.Repo, chats []store.Chat) ([]Action, error)
	DetermineDecision(ctx context.Context, user *store.User, chats []store.Chat, decisionFormat string) (Decision, error)
	VerifyExistingProject(ctx context.Context, user *store.User, project *store.Project) (ChatResponse, error)
	DetermineNewProjectName(ctx context.Context, user *store.User, project *store.Project, chats []store.Chat) (PositiveResponse, error)
	ResolveCurrentFollowUp(ctx context.Context, user *store.User, chats []store.Chat) (ChatResponse, error)
	DetermineTaskRequirementsCleared(ctx context.Context, user *store.User, chats []store.Chat) (PositiveResponse, error)
	DetermineTaskSuccess(ctx context.Context, user *store.User, requirements []string, solution string) (PositiveResponse, error)
}
