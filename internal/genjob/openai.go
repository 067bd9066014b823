package genjob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAI implements Service on the assistants API: one job is one run on a
// dedicated thread, with the reference files attached to the assistant.
type OpenAI struct {
	apiKey      string
	assistantID string
	baseURL     string
	client      *http.Client
}

// NewOpenAI creates an assistants-API client for the configured assistant.
func NewOpenAI(apiKey, assistantID, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAI{
		apiKey:      apiKey,
		assistantID: assistantID,
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

// solutionPrompt asks for a diff-style answer referencing uploaded file ids.
func solutionPrompt(requirements []string) string {
	return fmt.Sprintf(`Generate a Git diff based on these requirements:

%s

The response must have the following format, just like git diff

# id of the file uploaded to the assistant
+ [line-number]: the suggested code line
- [line-number]: the original code line

# id of another file uploaded to the assistant
+ [line-number]: the suggested code line
- [line-number]: the original code line
`, strings.Join(requirements, "\n"))
}

// Submit attaches the reference files to the assistant, opens a thread with
// the requirements, and starts a run. The job id is "<thread>/<run>".
func (o *OpenAI) Submit(ctx context.Context, requirements []string, files []ReferenceFile) (string, error) {
	fileIDs := make([]string, 0, len(files))
	for _, f := range files {
		fileIDs = append(fileIDs, f.ExternalID)
	}

	err := o.call(ctx, http.MethodPost, "/assistants/"+o.assistantID, map[string]interface{}{
		"tool_resources": map[string]interface{}{
			"code_interpreter": map[string]interface{}{"file_ids": fileIDs},
		},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to attach reference files: %w", err)
	}

	var thread struct {
		ID string `json:"id"`
	}
	if err := o.call(ctx, http.MethodPost, "/threads", map[string]interface{}{}, &thread); err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}

	err = o.call(ctx, http.MethodPost, "/threads/"+thread.ID+"/messages", map[string]interface{}{
		"role":    "user",
		"content": solutionPrompt(requirements),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to post requirements message: %w", err)
	}

	var run struct {
		ID string `json:"id"`
	}
	err = o.call(ctx, http.MethodPost, "/threads/"+thread.ID+"/runs", map[string]interface{}{
		"assistant_id": o.assistantID,
	}, &run)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}

	jobID := thread.ID + "/" + run.ID

	log.Debug().Str("job_id", jobID).Int("reference_files", len(fileIDs)).Msg("Submitted generation job")

	return jobID, nil
}

// PollStatus maps the run state onto the job lifecycle. Anything that is
// neither waiting nor done counts as failed.
func (o *OpenAI) PollStatus(ctx context.Context, jobID string) (Status, error) {
	threadID, runID, err := splitJobID(jobID)
	if err != nil {
		return StatusFailed, err
	}

	var run struct {
		Status string `json:"status"`
	}
	if err := o.call(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
		return StatusFailed, err
	}

	switch run.Status {
	case "queued":
		return StatusQueued, nil
	case "in_progress":
		return StatusInProgress, nil
	case "completed":
		return StatusCompleted, nil
	default:
		return StatusFailed, nil
	}
}

// FetchResult returns the text of the most recent thread message.
func (o *OpenAI) FetchResult(ctx context.Context, jobID string) (string, error) {
	threadID, _, err := splitJobID(jobID)
	if err != nil {
		return "", err
	}

	var messages struct {
		Data []struct {
			Content []struct {
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := o.call(ctx, http.MethodGet, "/threads/"+threadID+"/messages?limit=1", nil, &messages); err != nil {
		return "", err
	}
	if len(messages.Data) == 0 {
		return "", fmt.Errorf("generation job %s produced no messages", jobID)
	}

	var parts []string
	for _, c := range messages.Data[0].Content {
		if c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func splitJobID(jobID string) (threadID, runID string, err error) {
	threadID, runID, ok := strings.Cut(jobID, "/")
	if !ok || threadID == "" || runID == "" {
		return "", "", fmt.Errorf("malformed job id %q", jobID)
	}
	return threadID, runID, nil
}

// call performs one assistants-API request and decodes the response.
func (o *OpenAI) call(ctx context.Context, method, endpoint string, payload interface{}, target interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s returned status %d: %s", method, endpoint, resp.StatusCode, detail)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
		}
	}
	return nil
}
