package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAI implements Store on the OpenAI files API.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAI creates a files-API client. Requests are throttled so bulk syncs
// stay under the API rate limits.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// Upload stores one file with purpose "assistants" and returns its file id.
func (o *OpenAI) Upload(ctx context.Context, name string, content []byte) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("failed to write purpose field: %w", err)
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to write file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/files", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("upload of %s failed with status %d: %s", name, resp.StatusCode, detail)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}

	log.Debug().Str("file", name).Str("external_id", payload.ID).Msg("Uploaded file to knowledge store")

	return payload.ID, nil
}

// Delete removes one previously uploaded file.
func (o *OpenAI) Delete(ctx context.Context, externalID string) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, o.baseURL+"/files/"+externalID, nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()

	// Treat an already-deleted file as success.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("delete of %s failed with status %d: %s", externalID, resp.StatusCode, detail)
	}

	return nil
}
