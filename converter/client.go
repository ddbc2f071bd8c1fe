package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request is the request body for the convert endpoint.
type Request struct {
	SourcePath string `json:"source_path"`
	// SidecarPath is the decryption voucher accompanying an encrypted
	// container, when one exists.
	SidecarPath string `json:"sidecar_path,omitempty"`
	OutputDir   string `json:"output_dir"`
}

// Response is the response from the convert endpoint.
type Response struct {
	ConvertedPath string `json:"converted_path,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Client is a client for the audio conversion service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient creates a new conversion service client.
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

// Convert sends a request to the /v1/convert endpoint and returns the path of
// the normalized file.
func (c *Client) Convert(ctx context.Context, sourcePath, sidecarPath, outputDir string) (string, error) {
	convertURL := c.baseURL.JoinPath("/v1/convert")

	reqBody, err := json.Marshal(&Request{
		SourcePath:  sourcePath,
		SidecarPath: sidecarPath,
		OutputDir:   outputDir,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal convert request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, convertURL.String(), bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create convert request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send convert request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("convert request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var convResp Response
	if err := json.NewDecoder(resp.Body).Decode(&convResp); err != nil {
		return "", fmt.Errorf("failed to decode convert response: %w", err)
	}

	if convResp.Error != "" {
		return "", fmt.Errorf("conversion failed: %s", convResp.Error)
	}
	if convResp.ConvertedPath == "" {
		return "", fmt.Errorf("convert response carried no output path")
	}

	return convResp.ConvertedPath, nil
}
