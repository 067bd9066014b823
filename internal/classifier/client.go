package classifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/thongdx/aid/internal/llm"
	"github.com/thongdx/aid/internal/retry"
	"github.com/thongdx/aid/internal/store"
)

// Options configures the language-model connection backing the classifier.
type Options struct {
	Provider string // openai, gemini or ollama
	APIKey   string
	Model    string
	BaseURL  string
}

// Client implements Classifier over a langchaingo model. Responses are
// JSON-repaired and retried before a malformed payload becomes an error.
type Client struct {
	llm         llms.Model
	model       string
	retryConfig retry.Config
}

// New creates a classifier client for the configured provider.
func New(ctx context.Context, opts Options) (*Client, error) {
	var model llms.Model
	var err error

	switch opts.Provider {
	case "openai", "":
		clientOpts := []openai.Option{openai.WithToken(opts.APIKey), openai.WithModel(opts.Model)}
		if opts.BaseURL != "" {
			clientOpts = append(clientOpts, openai.WithBaseURL(opts.BaseURL))
		}
		model, err = openai.New(clientOpts...)
	case "gemini":
		model, err = googleai.New(ctx, googleai.WithAPIKey(opts.APIKey), googleai.WithDefaultModel(opts.Model))
	case "ollama":
		clientOpts := []ollama.Option{ollama.WithModel(opts.Model)}
		if opts.BaseURL != "" {
			clientOpts = append(clientOpts, ollama.WithServerURL(opts.BaseURL))
		}
		model, err = ollama.New(clientOpts...)
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", opts.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", opts.Provider, err)
	}

	return &Client{
		llm:         model,
		model:       opts.Model,
		retryConfig: retry.ClassifierConfig(),
	}, nil
}

// request sends one prompt, seeded with the principal's memory as system
// context, and decodes the JSON reply into target. Malformed payloads are
// repaired and, failing that, retried with backoff.
func (c *Client) request(ctx context.Context, user *store.User, prompt string, target interface{}) error {
	messages := make([]llms.MessageContent, 0, len(user.Memory)+1)
	for _, m := range user.Memory {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, m))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	result := retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.llm.GenerateContent(ctx, messages, llms.WithModel(c.model))
		if err != nil {
			return fmt.Errorf("classifier request failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("classifier returned no choices")
		}

		raw := resp.Choices[0].Content

		repaired, wasRepaired, err := llm.RepairJSON(raw)
		if err != nil {
			log.Warn().Str("raw", truncate(raw, 400)).Msg("Classifier response is not decodable JSON")
			return err
		}
		if wasRepaired {
			log.Debug().Msg("Repaired classifier JSON response")
		}

		if err := json.Unmarshal([]byte(repaired), target); err != nil {
			return fmt.Errorf("failed to decode classifier payload: %w", err)
		}
		return nil
	})

	if !result.Success {
		return result.LastError
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (c *Client) DetermineActions(ctx context.Context, user *store.User, projects []store.Project, repos []store.Repo, chats []store.Chat) ([]Action, error) {
	var actions []Action
	if err := c.request(ctx, user, determineActionsPrompt(projects, repos, chats), &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func (c *Client) DetermineDecision(ctx context.Context, user *store.User, chats []store.Chat, decisionFormat string) (Decision, error) {
	var decision Decision
	err := c.request(ctx, user, determineDecisionPrompt(chats, decisionFormat), &decision)
	return decision, err
}

func (c *Client) VerifyExistingProject(ctx context.Context, user *store.User, project *store.Project) (ChatResponse, error) {
	var resp ChatResponse
	err := c.request(ctx, user, verifyExistingProjectPrompt(project), &resp)
	return resp, err
}

func (c *Client) DetermineNewProjectName(ctx context.Context, user *store.User, project *store.Project, chats []store.Chat) (PositiveResponse, error) {
	var resp PositiveResponse
	err := c.request(ctx, user, determineNewProjectNamePrompt(project, chats), &resp)
	return resp, err
}

func (c *Client) ResolveCurrentFollowUp(ctx context.Context, user *store.User, chats []store.Chat) (ChatResponse, error) {
	var resp ChatResponse
	err := c.request(ctx, user, resolveCurrentFollowUpPrompt(chats), &resp)
	return resp, err
}

func (c *Client) DetermineTaskRequirementsCleared(ctx context.Context, user *store.User, chats []store.Chat) (PositiveResponse, error) {
	var resp PositiveResponse
	err := c.request(ctx, user, determineTaskRequirementsClearedPrompt(chats), &resp)
	return resp, err
}

func (c *Client) DetermineTaskSuccess(ctx context.Context, user *store.User, requirements []string, solution string) (PositiveResponse, error) {
	var resp PositiveResponse
	err := c.request(ctx, user, determineTaskSuccessPrompt(requirements, solution), &resp)
	return resp, err
}
