package sabnzbd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/audiarr-project/audiarr/downloaders/types"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("component", "sabnzbd").Logger()

// Client drives newsgroup acquisitions through a SABnzbd instance.
type Client struct {
	baseURL    *url.URL
	name       string
	cfg        *config.SabnzbdConfig
	httpClient *http.Client
}

func New(name string, cfg *config.SabnzbdConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid sabnzbd URL: %w", err)
	}

	return &Client{
		baseURL:    u,
		name:       name,
		cfg:        cfg,
		httpClient: http.DefaultClient,
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) SourceType() db.SourceType {
	return db.SourceNewsgroup
}

type addURLResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
	Error  string   `json:"error"`
}

type queueSlot struct {
	NzoID    string `json:"nzo_id"`
	Filename string `json:"filename"`
	MB       string `json:"mb"`
	MBLeft   string `json:"mbleft"`
	KBPerSec string `json:"kbpersec"`
	Status   string `json:"status"`
}

type queueResponse struct {
	Queue struct {
		Slots []queueSlot `json:"slots"`
	} `json:"queue"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Storage     string `json:"storage"`
	Bytes       int64  `json:"bytes"`
	FailMessage string `json:"fail_message"`
}

type historyResponse struct {
	History struct {
		Slots []historySlot `json:"slots"`
	} `json:"history"`
}

// Start submits the item's NZB URL. The queue item id is used as the job name,
// so a second Start finds the job already present and returns its handle.
func (c *Client) Start(ctx context.Context, item *db.QueueItem) (types.Handle, error) {
	if handle, ok, err := c.findJob(ctx, item.ID); err != nil {
		return "", err
	} else if ok {
		return handle, nil
	}

	params := url.Values{}
	params.Set("mode", "addurl")
	params.Set("name", item.CandidateURI)
	params.Set("nzbname", item.ID)
	if c.cfg.Category != "" {
		params.Set("cat", c.cfg.Category)
	}

	resp := &addURLResponse{}
	if err := c.call(ctx, params, resp); err != nil {
		return "", err
	}
	if !resp.Status || len(resp.NzoIDs) == 0 {
		return "", fmt.Errorf("sabnzbd refused nzb: %s", resp.Error)
	}

	logger.Info().Str("name", c.name).Str("nzo_id", resp.NzoIDs[0]).Msg("nzb added")
	return types.Handle(resp.NzoIDs[0]), nil
}

func (c *Client) PollStatus(ctx context.Context, handle types.Handle) (*types.TransferStatus, error) {
	// Finished jobs move from the queue to the history.
	queue := &queueResponse{}
	params := url.Values{}
	params.Set("mode", "queue")
	if err := c.call(ctx, params, queue); err != nil {
		return nil, err
	}

	for _, slot := range queue.Queue.Slots {
		if slot.NzoID != string(handle) {
			continue
		}

		total := mbToBytes(slot.MB)
		left := mbToBytes(slot.MBLeft)
		return &types.TransferStatus{
			BytesDone:  total - left,
			BytesTotal: total,
			Rate:       kbToBytes(slot.KBPerSec),
		}, nil
	}

	history := &historyResponse{}
	params = url.Values{}
	params.Set("mode", "history")
	if err := c.call(ctx, params, history); err != nil {
		return nil, err
	}

	for _, slot := range history.History.Slots {
		if slot.NzoID != string(handle) {
			continue
		}

		status := &types.TransferStatus{
			BytesDone:  slot.Bytes,
			BytesTotal: slot.Bytes,
			Terminal:   true,
		}
		switch slot.Status {
		case "Completed":
			status.Success = true
			status.Path = slot.Storage
		case "Failed":
			status.Message = slot.FailMessage
		default:
			// Still post-processing, not terminal yet.
			status.Terminal = false
		}
		return status, nil
	}

	return nil, fmt.Errorf("job %s not found in sabnzbd", handle)
}

func (c *Client) Cancel(ctx context.Context, handle types.Handle, deleteData bool) error {
	params := url.Values{}
	params.Set("mode", "queue")
	params.Set("name", "delete")
	params.Set("value", string(handle))
	if deleteData {
		params.Set("del_files", "1")
	}
	if err := c.call(ctx, params, &struct{}{}); err != nil {
		return err
	}

	// The job may already sit in the history.
	params = url.Values{}
	params.Set("mode", "history")
	params.Set("name", "delete")
	params.Set("value", string(handle))
	if deleteData {
		params.Set("del_files", "1")
	}
	return c.call(ctx, params, &struct{}{})
}

func (c *Client) findJob(ctx context.Context, itemID string) (types.Handle, bool, error) {
	queue := &queueResponse{}
	params := url.Values{}
	params.Set("mode", "queue")
	if err := c.call(ctx, params, queue); err != nil {
		return "", false, err
	}
	for _, slot := range queue.Queue.Slots {
		if slot.Filename == itemID {
			return types.Handle(slot.NzoID), true, nil
		}
	}

	history := &historyResponse{}
	params = url.Values{}
	params.Set("mode", "history")
	if err := c.call(ctx, params, history); err != nil {
		return "", false, err
	}
	for _, slot := range history.History.Slots {
		if slot.Name == itemID {
			return types.Handle(slot.NzoID), true, nil
		}
	}

	return "", false, nil
}

func (c *Client) call(ctx context.Context, params url.Values, out any) error {
	params.Set("output", "json")
	params.Set("apikey", c.cfg.APIKey)

	apiURL := c.baseURL.JoinPath("/api")
	apiURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create sabnzbd request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call sabnzbd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sabnzbd returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode sabnzbd response: %w", err)
	}
	return nil
}

func mbToBytes(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f * 1024 * 1024)
}

func kbToBytes(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f * 1024)
}
