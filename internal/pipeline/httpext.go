package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caseflow/internal/models"
)

// HTTP implementations of the external collaborator boundaries. Each
// talks JSON to a configured service endpoint. A 422 from the policy
// gate is a rejection, not an error; any 5xx or transport failure is
// transient and flows into job retry.

type serviceClient struct {
	baseURL    string
	httpClient *http.Client
}

func newServiceClient(baseURL string, httpClient *http.Client) serviceClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return serviceClient{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), httpClient: httpClient}
}

func (c serviceClient) post(ctx context.Context, path string, in, out interface{}) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// OCRClient calls the OCR service.
type OCRClient struct{ c serviceClient }

func NewOCRClient(baseURL string, httpClient *http.Client) *OCRClient {
	return &OCRClient{c: newServiceClient(baseURL, httpClient)}
}

func (o *OCRClient) Extract(ctx context.Context, storagePath, mimeType string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	status, err := o.c.post(ctx, "/v1/extract", map[string]string{
		"storage_path": storagePath,
		"mime_type":    mimeType,
	}, &out)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusUnprocessableEntity:
		return "", models.NewPermanentError(fmt.Errorf("ocr service rejected %s", storagePath))
	case status >= 300:
		return "", fmt.Errorf("ocr service returned %d", status)
	}
	return out.Text, nil
}

// EmbedClient calls the embedding-model service.
type EmbedClient struct{ c serviceClient }

func NewEmbedClient(baseURL string, httpClient *http.Client) *EmbedClient {
	return &EmbedClient{c: newServiceClient(baseURL, httpClient)}
}

func (e *EmbedClient) Embed(ctx context.Context, text string) ([]float64, error) {
	var out struct {
		Vector []float64 `json:"vector"`
	}
	status, err := e.c.post(ctx, "/v1/embed", map[string]string{"text": text}, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("embedding service returned %d", status)
	}
	return out.Vector, nil
}

// PreviewClient calls the preview renderer.
type PreviewClient struct{ c serviceClient }

func NewPreviewClient(baseURL string, httpClient *http.Client) *PreviewClient {
	return &PreviewClient{c: newServiceClient(baseURL, httpClient)}
}

func (p *PreviewClient) Render(ctx context.Context, storagePath, mimeType, fileName string) (string, error) {
	var out struct {
		PreviewPath string `json:"preview_path"`
	}
	status, err := p.c.post(ctx, "/v1/render", map[string]string{
		"storage_path": storagePath,
		"mime_type":    mimeType,
		"file_name":    fileName,
	}, &out)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusUnprocessableEntity:
		return "", models.NewPermanentError(fmt.Errorf("renderer cannot preview %s", fileName))
	case status >= 300:
		return "", fmt.Errorf("preview service returned %d", status)
	}
	return out.PreviewPath, nil
}

// PolicyClient calls the content-policy gate.
type PolicyClient struct{ c serviceClient }

func NewPolicyClient(baseURL string, httpClient *http.Client) *PolicyClient {
	return &PolicyClient{c: newServiceClient(baseURL, httpClient)}
}

func (p *PolicyClient) Classify(ctx context.Context, item models.FeedItem) (Decision, error) {
	status, err := p.c.post(ctx, "/v1/classify", item, nil)
	if err != nil {
		return DecisionReject, err
	}
	switch {
	case status == http.StatusUnprocessableEntity:
		return DecisionReject, nil
	case status >= 300:
		return DecisionReject, fmt.Errorf("policy gate returned %d", status)
	}
	return DecisionInsert, nil
}

// IndexClient pushes derived fields to the search indexer.
type IndexClient struct{ c serviceClient }

func NewIndexClient(baseURL string, httpClient *http.Client) *IndexClient {
	return &IndexClient{c: newServiceClient(baseURL, httpClient)}
}

func (i *IndexClient) Index(ctx context.Context, documentID string, fields map[string]string) error {
	status, err := i.c.post(ctx, "/v1/index", map[string]interface{}{
		"document_id": documentID,
		"fields":      fields,
	}, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("indexer returned %d", status)
	}
	return nil
}

// HTTPFeedSource fetches one external feed as a JSON item array.
type HTTPFeedSource struct {
	name       string
	url        string
	httpClient *http.Client
}

func NewHTTPFeedSource(name, url string, httpClient *http.Client) *HTTPFeedSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFeedSource{name: name, url: url, httpClient: httpClient}
}

func (s *HTTPFeedSource) Name() string { return s.name }

func (s *HTTPFeedSource) Fetch(ctx context.Context) ([]models.FeedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", s.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feed %s returned %d", s.name, resp.StatusCode)
	}
	var items []models.FeedItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode feed %s: %w", s.name, err)
	}
	return items, nil
}
