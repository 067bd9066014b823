// Package store persists the virtual developer's state: principals, their
// projects and repositories, the per-repo file ledger, tasks, and the chat log.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// User is the human principal the developer reports to. Memory is an ordered
// list of free-text directives that seeds every classifier call.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Memory       []string  `json:"memory"`
	CreatedAt    time.Time `json:"created_at"`
}

// Project is owned by exactly one user; (user, name) is unique.
type Project struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user"`
	Name           string    `json:"name"`
	Memory         []string  `json:"memory"`
	GitAccessToken string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Repo belongs to exactly one project; (project, name) is unique.
type Repo struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project"`
	Name       string   `json:"name"`
	RepoURL    string   `json:"repo_url"`
	BaseBranch string   `json:"base_branch"`
	Memory     []string `json:"memory"`
}

// RepoFile is one ledger row: the last-synced content hash of a repository
// file and the id it was issued by the external knowledge store.
type RepoFile struct {
	ID         string `json:"id"`
	RepoID     string `json:"repo"`
	URI        string `json:"uri"`
	SHA1       string `json:"sha1"`
	ExternalID string `json:"external_id"`
}

// Task is one coding assignment. At most one pending task may exist per user.
type Task struct {
	ID           string   `json:"id"`
	UserID       string   `json:"user"`
	RepoID       string   `json:"repo"`
	Requirements []string `json:"requirements"`
	PRURL        string   `json:"pr_url"`
	Pending      bool     `json:"pending"`
}

// Chat is one entry of the append-only conversation log. Outbound entries
// come from the principal, the rest from the developer.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user"`
	Outbound  bool      `json:"outbound"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence boundary. The Postgres implementation lives in
// this package; tests substitute fakes.
type Store interface {
	CreateOrGetUser(ctx context.Context, name string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	UserByName(ctx context.Context, name string) (*User, error)
	SetUserPassword(ctx context.Context, userID, passwordHash string) error
	AppendUserMemory(ctx context.Context, userID string, memory []string) error

	ProjectsOfUser(ctx context.Context, userID string) ([]Project, error)
	ProjectByName(ctx context.Context, userID, name string) (*Project, error)
	ProjectByID(ctx context.Context, id string) (*Project, error)
	CreateProject(ctx context.Context, userID, name string) (*Project, error)
	SetProjectAccessToken(ctx context.Context, projectID, token string) error

	ReposOfProjects(ctx context.Context, projectIDs []string) ([]Repo, error)
	RepoByName(ctx context.Context, projectID, name string) (*Repo, error)
	RepoByID(ctx context.Context, id string) (*Repo, error)
	UpsertRepo(ctx context.Context, projectID, name, gitURL, baseBranch string) (*Repo, error)
	SetRepoBaseBranch(ctx context.Context, repoID, branch string) error

	FilesOfRepo(ctx context.Context, repoID string) ([]RepoFile, error)
	ReplaceFileLedger(ctx context.Context, repoID string, upserts []RepoFile, removedURIs []string) error

	CreateTask(ctx context.Context, userID, repoID string, requirements []string) (*Task, error)
	PendingTaskOfUser(ctx context.Context, userID string) (*Task, error)
	TaskByID(ctx context.Context, id string) (*Task, error)
	SetTaskPending(ctx context.Context, taskID string, pending bool) error

	AppendChat(ctx context.Context, userID, content string, outbound bool) (*Chat, error)
	ChatsOfUser(ctx context.Context, userID string) ([]Chat, error)
}
