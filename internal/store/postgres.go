package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// initialMemory seeds a freshly created principal's instruction context.
func initialMemory(name string) []string {
	return []string{fmt.Sprintf("I'm a virtual developer, my name is %s", name)}
}

const greeting = "How can I help you today?"

// Postgres implements Store on top of a plain *sql.DB.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a new storage instance
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) CreateOrGetUser(ctx context.Context, name string) (*User, error) {
	user, err := s.UserByName(ctx, name)
	if err == nil {
		return user, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	user = &User{ID: uuid.NewString(), Name: name, Memory: initialMemory(name)}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, name, memory, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING created_at
	`, user.ID, user.Name, pq.Array(user.Memory)).Scan(&user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// Every new principal gets a greeting so the conversation never starts empty.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, outbound, content, created_at)
		VALUES ($1, $2, FALSE, $3, NOW())
	`, uuid.NewString(), user.ID, greeting)
	if err != nil {
		return nil, fmt.Errorf("failed to create greeting chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user creation: %w", err)
	}

	log.Debug().Str("user_id", user.ID).Str("name", name).Msg("Created user")

	return user, nil
}

func (s *Postgres) scanUser(row *sql.Row) (*User, error) {
	var u User
	var passwordHash sql.NullString
	err := row.Scan(&u.ID, &u.Name, &passwordHash, pq.Array(&u.Memory), &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.PasswordHash = passwordHash.String
	return &u, nil
}

func (s *Postgres) UserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, memory, created_at FROM users WHERE id = $1
	`, id))
}

func (s *Postgres) UserByName(ctx context.Context, name string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, memory, created_at FROM users WHERE name = $1
	`, name))
}

func (s *Postgres) SetUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to set user password: %w", err)
	}
	return nil
}

func (s *Postgres) AppendUserMemory(ctx context.Context, userID string, memory []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET memory = memory || $1 WHERE id = $2
	`, pq.Array(memory), userID)
	if err != nil {
		return fmt.Errorf("failed to append user memory: %w", err)
	}
	return nil
}

func (s *Postgres) scanProjects(rows *sql.Rows) ([]Project, error) {
	defer rows.Close()
	var projects []Project
	for rows.Next() {
		var p Project
		var token sql.NullString
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, pq.Array(&p.Memory), &token, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.GitAccessToken = token.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

const projectColumns = `id, user_id, name, memory, git_access_token, created_at`

func (s *Postgres) ProjectsOfUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return s.scanProjects(rows)
}

func (s *Postgres) projectWhere(ctx context.Context, where string, args ...interface{}) (*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	projects, err := s.scanProjects(rows)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, ErrNotFound
	}
	return &projects[0], nil
}

func (s *Postgres) ProjectByName(ctx context.Context, userID, name string) (*Project, error) {
	return s.projectWhere(ctx, `user_id = $1 AND name = $2`, userID, name)
}

func (s *Postgres) ProjectByID(ctx context.Context, id string) (*Project, error) {
	return s.projectWhere(ctx, `id = $1`, id)
}

func (s *Postgres) CreateProject(ctx context.Context, userID, name string) (*Project, error) {
	p := &Project{ID: uuid.NewString(), UserID: userID, Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, user_id, name, memory, created_at)
		VALUES ($1, $2, $3, '{}', NOW())
		RETURNING created_at
	`, p.ID, userID, name).Scan(&p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

func (s *Postgres) SetProjectAccessToken(ctx context.Context, projectID, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET git_access_token = $1 WHERE id = $2`, token, projectID)
	if err != nil {
		return fmt.Errorf("failed to set project access token: %w", err)
	}
	return nil
}

const repoColumns = `id, project_id, name, repo_url, base_branch, memory`

func (s *Postgres) scanRepos(rows *sql.Rows) ([]Repo, error) {
	defer rows.Close()
	var repos []Repo
	for rows.Next() {
		var r Repo
		var url, branch sql.NullString
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Name, &url, &branch, pq.Array(&r.Memory)); err != nil {
			return nil, fmt.Errorf("failed to scan repo: %w", err)
		}
		r.RepoURL = url.String
		r.BaseBranch = branch.String
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *Postgres) ReposOfProjects(ctx context.Context, projectIDs []string) ([]Repo, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+repoColumns+` FROM repos WHERE project_id = ANY($1) ORDER BY name
	`, pq.Array(projectIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	return s.scanRepos(rows)
}

func (s *Postgres) repoWhere(ctx context.Context, where string, args ...interface{}) (*Repo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repos WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query repo: %w", err)
	}
	repos, err := s.scanRepos(rows)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, ErrNotFound
	}
	return &repos[0], nil
}

func (s *Postgres) RepoByName(ctx context.Context, projectID, name string) (*Repo, error) {
	return s.repoWhere(ctx, `project_id = $1 AND name = $2`, projectID, name)
}

func (s *Postgres) RepoByID(ctx context.Context, id string) (*Repo, error) {
	return s.repoWhere(ctx, `id = $1`, id)
}

// UpsertRepo inserts the repo on first mention and merges non-empty fields on
// later mentions, keyed by (project, name).
func (s *Postgres) UpsertRepo(ctx context.Context, projectID, name, gitURL, baseBranch string) (*Repo, error) {
	r := &Repo{ID: uuid.NewString(), ProjectID: projectID, Name: name, RepoURL: gitURL, BaseBranch: baseBranch}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO repos (id, project_id, name, repo_url, base_branch, memory)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), '{}')
		ON CONFLICT (project_id, name) DO UPDATE SET
			repo_url = COALESCE(NULLIF(EXCLUDED.repo_url, ''), repos.repo_url),
			base_branch = COALESCE(NULLIF(EXCLUDED.base_branch, ''), repos.base_branch)
		RETURNING id, COALESCE(repo_url, ''), COALESCE(base_branch, '')
	`, r.ID, projectID, name, gitURL, baseBranch).Scan(&r.ID, &r.RepoURL, &r.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repo: %w", err)
	}
	return r, nil
}

func (s *Postgres) SetRepoBaseBranch(ctx context.Context, repoID, branch string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repos SET base_branch = $1 WHERE id = $2`, branch, repoID)
	if err != nil {
		return fmt.Errorf("failed to set repo base branch: %w", err)
	}
	return nil
}

func (s *Postgres) FilesOfRepo(ctx context.Context, repoID string) ([]RepoFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, uri, sha1, external_id FROM repo_files WHERE repo_id = $1
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repo files: %w", err)
	}
	defer rows.Close()

	var files []RepoFile
	for rows.Next() {
		var f RepoFile
		if err := rows.Scan(&f.ID, &f.RepoID, &f.URI, &f.SHA1, &f.ExternalID); err != nil {
			return nil, fmt.Errorf("failed to scan repo file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ReplaceFileLedger applies one sync batch in a single transaction: upserts
// for added/updated files, deletes for files that disappeared locally.
func (s *Postgres) ReplaceFileLedger(ctx context.Context, repoID string, upserts []RepoFile, removedURIs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, f := range upserts {
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO repo_files (id, repo_id, uri, sha1, external_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (repo_id, uri) DO UPDATE SET
				sha1 = EXCLUDED.sha1,
				external_id = EXCLUDED.external_id
		`, id, repoID, f.URI, f.SHA1, f.ExternalID)
		if err != nil {
			return fmt.Errorf("failed to upsert ledger row %s: %w", f.URI, err)
		}
	}

	if len(removedURIs) > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM repo_files WHERE repo_id = $1 AND uri = ANY($2)
		`, repoID, pq.Array(removedURIs))
		if err != nil {
			return fmt.Errorf("failed to drop removed ledger rows: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger batch: %w", err)
	}

	log.Debug().Str("repo_id", repoID).Int("upserts", len(upserts)).Int("removed", len(removedURIs)).
		Msg("Replaced file ledger batch")

	return nil
}

func (s *Postgres) CreateTask(ctx context.Context, userID, repoID string, requirements []string) (*Task, error) {
	t := &Task{ID: uuid.NewString(), UserID: userID, RepoID: repoID, Requirements: requirements, Pending: true}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, repo_id, requirements, pending)
		VALUES ($1, $2, $3, $4, TRUE)
	`, t.ID, userID, repoID, pq.Array(requirements))
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

const taskColumns = `id, user_id, repo_id, requirements, pr_url, pending`

func (s *Postgres) scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var prURL sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.RepoID, pq.Array(&t.Requirements), &prURL, &t.Pending)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.PRURL = prURL.String
	return &t, nil
}

func (s *Postgres) PendingTaskOfUser(ctx context.Context, userID string) (*Task, error) {
	return s.scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE user_id = $1 AND pending LIMIT 1
	`, userID))
}

func (s *Postgres) TaskByID(ctx context.Context, id string) (*Task, error) {
	return s.scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1
	`, id))
}

func (s *Postgres) SetTaskPending(ctx context.Context, taskID string, pending bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET pending = $1 WHERE id = $2`, pending, taskID)
	if err != nil {
		return fmt.Errorf("failed to set task pending: %w", err)
	}
	return nil
}

func (s *Postgres) AppendChat(ctx context.Context, userID, content string, outbound bool) (*Chat, error) {
	c := &Chat{ID: uuid.NewString(), UserID: userID, Outbound: outbound, Content: content}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (id, user_id, outbound, content, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, c.ID, userID, outbound, content).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append chat: %w", err)
	}
	return c, nil
}

func (s *Postgres) ChatsOfUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, outbound, content, created_at
		FROM chats WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Outbound, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
