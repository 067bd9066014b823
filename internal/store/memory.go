package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and local development. It
// mirrors the Postgres implementation's semantics, including the seeded
// greeting and memory for new users.
type Memory struct {
	mu sync.Mutex

	users    map[string]*User
	projects map[string]*Project
	repos    map[string]*Repo
	files    map[string][]RepoFile
	tasks    map[string]*Task
	chats    map[string][]Chat
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*User),
		projects: make(map[string]*Project),
		repos:    make(map[string]*Repo),
		files:    make(map[string][]RepoFile),
		tasks:    make(map[string]*Task),
		chats:    make(map[string][]Chat),
	}
}

func (m *Memory) CreateOrGetUser(ctx context.Context, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Name == name {
			clone := *u
			return &clone, nil
		}
	}

	u := &User{
		ID:        uuid.NewString(),
		Name:      name,
		Memory:    []string{fmt.Sprintf("I'm a virtual developer, my name is %s", name)},
		CreatedAt: time.Now(),
	}
	m.users[u.ID] = u
	m.chats[u.ID] = append(m.chats[u.ID], Chat{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Content:   "How can I help you today?",
		CreatedAt: time.Now(),
	})

	clone := *u
	return &clone, nil
}

func (m *Memory) UserByID(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (m *Memory) UserByName(ctx context.Context, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Name == name {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SetUserPassword(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *Memory) AppendUserMemory(ctx context.Context, userID string, memory []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Memory = append(u.Memory, memory...)
	return nil
}

func (m *Memory) ProjectsOfUser(ctx context.Context, userID string) ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Project
	for _, p := range m.projects {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) ProjectByName(ctx context.Context, userID, name string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.projects {
		if p.UserID == userID && p.Name == name {
			clone := *p
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ProjectByID(ctx context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *Memory) CreateProject(ctx context.Context, userID, name string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.projects {
		if p.UserID == userID && p.Name == name {
			return nil, fmt.Errorf("project %q already exists", name)
		}
	}

	p := &Project{ID: uuid.NewString(), UserID: userID, Name: name, CreatedAt: time.Now()}
	m.projects[p.ID] = p

	clone := *p
	return &clone, nil
}

func (m *Memory) SetProjectAccessToken(ctx context.Context, projectID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.GitAccessToken = token
	return nil
}

func (m *Memory) ReposOfProjects(ctx context.Context, projectIDs []string) ([]Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		ids[id] = struct{}{}
	}

	var out []Repo
	for _, r := range m.repos {
		if _, ok := ids[r.ProjectID]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *Memory) RepoByName(ctx context.Context, projectID, name string) (*Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.repos {
		if r.ProjectID == projectID && r.Name == name {
			clone := *r
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) RepoByID(ctx context.Context, id string) (*Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repos[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (m *Memory) UpsertRepo(ctx context.Context, projectID, name, gitURL, baseBranch string) (*Repo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.repos {
		if r.ProjectID == projectID && r.Name == name {
			if gitURL != "" {
				r.RepoURL = gitURL
			}
			if baseBranch != "" {
				r.BaseBranch = baseBranch
			}
			clone := *r
			return &clone, nil
		}
	}

	r := &Repo{ID: uuid.NewString(), ProjectID: projectID, Name: name, RepoURL: gitURL, BaseBranch: baseBranch}
	m.repos[r.ID] = r

	clone := *r
	return &clone, nil
}

func (m *Memory) SetRepoBaseBranch(ctx context.Context, repoID, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.repos[repoID]
	if !ok {
		return ErrNotFound
	}
	r.BaseBranch = branch
	return nil
}

func (m *Memory) FilesOfRepo(ctx context.Context, repoID string) ([]RepoFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RepoFile, len(m.files[repoID]))
	copy(out, m.files[repoID])
	return out, nil
}

func (m *Memory) ReplaceFileLedger(ctx context.Context, repoID string, upserts []RepoFile, removedURIs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byURI := make(map[string]RepoFile, len(m.files[repoID]))
	for _, f := range m.files[repoID] {
		byURI[f.URI] = f
	}

	for _, f := range upserts {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.RepoID = repoID
		byURI[f.URI] = f
	}
	for _, uri := range removedURIs {
		delete(byURI, uri)
	}

	rows := make([]RepoFile, 0, len(byURI))
	for _, f := range byURI {
		rows = append(rows, f)
	}
	m.files[repoID] = rows
	return nil
}

func (m *Memory) CreateTask(ctx context.Context, userID, repoID string, requirements []string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Task{
		ID:           uuid.NewString(),
		UserID:       userID,
		RepoID:       repoID,
		Requirements: append([]string(nil), requirements...),
		Pending:      true,
	}
	m.tasks[t.ID] = t

	clone := *t
	return &clone, nil
}

func (m *Memory) PendingTaskOfUser(ctx context.Context, userID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.UserID == userID && t.Pending {
			clone := *t
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TaskByID(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (m *Memory) SetTaskPending(ctx context.Context, taskID string, pending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Pending = pending
	return nil
}

func (m *Memory) AppendChat(ctx context.Context, userID, content string, outbound bool) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Outbound:  outbound,
		Content:   content,
		CreatedAt: time.Now(),
	}
	m.chats[userID] = append(m.chats[userID], c)

	clone := c
	return &clone, nil
}

func (m *Memory) ChatsOfUser(ctx context.Context, userID string) ([]Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Chat, len(m.chats[userID]))
	copy(out, m.chats[userID])
	return out, nil
}
