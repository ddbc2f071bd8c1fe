package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request is the request body for the import endpoint.
type Request struct {
	SourcePath string `json:"source_path"`
	CatalogKey string `json:"catalog_key"`
	// Move asks the collaborator to move the file instead of copying it.
	// Copy is used when the source must stay in place for seeding.
	Move bool `json:"move"`
}

// Response is the response from the import endpoint.
type Response struct {
	FinalPath string `json:"final_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client is a client for the library import service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient creates a new import service client.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    u,
		httpClient: httpClient,
	}, nil
}

// Import sends a request to the /v1/import endpoint and returns the final
// library path. A 200 response carrying an error means the collaborator
// rejected the file and a retry with the same input would not help.
func (c *Client) Import(ctx context.Context, sourcePath, catalogKey string, move bool) (string, error) {
	importURL := c.baseURL.JoinPath("/v1/import")

	reqBody, err := json.Marshal(&Request{
		SourcePath: sourcePath,
		CatalogKey: catalogKey,
		Move:       move,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal import request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, importURL.String(), bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create import request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send import request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("import request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var importResp Response
	if err := json.NewDecoder(resp.Body).Decode(&importResp); err != nil {
		return "", fmt.Errorf("failed to decode import response: %w", err)
	}

	if importResp.Error != "" {
		return "", fmt.Errorf("import failed: %s", importResp.Error)
	}
	if importResp.FinalPath == "" {
		return "", fmt.Errorf("import response carried no final path")
	}

	return importResp.FinalPath, nil
}
