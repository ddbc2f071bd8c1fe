package transmission

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/audiarr-project/audiarr/downloaders/types"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/hekmon/transmissionrpc/v3"
	"github.com/rs/zerolog/log"
)

var (
	logger = log.With().Str("component", "transmission").Logger()

	httpClient = http.DefaultClient
)

// Client drives peer-swarm acquisitions through a transmission daemon.
type Client struct {
	client *transmissionrpc.Client
	name   string
	cfg    *config.TransmissionConfig
}

func New(name string, cfg *config.TransmissionConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.Username != "" && cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	client, err := transmissionrpc.New(u, &transmissionrpc.Config{
		CustomClient: httpClient,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		client: client,
		name:   name,
		cfg:    cfg,
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) SourceType() db.SourceType {
	return db.SourcePeerSwarm
}

// Start adds the item's torrent to transmission. Adding a hash transmission
// already knows returns the existing torrent, which makes Start idempotent.
func (c *Client) Start(ctx context.Context, item *db.QueueItem) (types.Handle, error) {
	source := item.TorrentFile
	if source == "" {
		source = item.CandidateURI
	}
	if source == "" {
		return "", fmt.Errorf("item %s has no torrent file or magnet", item.ID)
	}

	// One download subdirectory per item so concurrent items never collide.
	downloadDir := filepath.Join(c.cfg.DownloadDir, item.ID)

	t, err := c.client.TorrentAdd(ctx, transmissionrpc.TorrentAddPayload{
		Filename:    &source,
		DownloadDir: &downloadDir,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}

	if t.HashString == nil {
		return "", fmt.Errorf("transmission returned torrent without hash")
	}

	logger.Info().Str("name", c.name).Str("hash", *t.HashString).Msg("torrent added")
	return types.Handle(*t.HashString), nil
}

func (c *Client) PollStatus(ctx context.Context, handle types.Handle) (*types.TransferStatus, error) {
	torrents, err := c.client.TorrentGetAllForHashes(ctx, []string{string(handle)})
	if err != nil {
		return nil, fmt.Errorf("failed to get torrent %s: %w", handle, err)
	}
	if len(torrents) == 0 {
		return nil, fmt.Errorf("torrent %s not found in transmission", handle)
	}

	t := torrents[0]
	status := &types.TransferStatus{}

	if t.TotalSize != nil {
		status.BytesTotal = int64(t.TotalSize.Byte())
	}
	if t.LeftUntilDone != nil {
		status.BytesDone = status.BytesTotal - *t.LeftUntilDone
	}
	if t.RateDownload != nil {
		status.Rate = *t.RateDownload
	}
	if t.UploadedEver != nil {
		status.UploadedBytes = *t.UploadedEver
	}
	if t.UploadRatio != nil {
		status.Ratio = *t.UploadRatio
	}

	if t.Error != nil && *t.Error != 0 {
		status.Terminal = true
		status.Success = false
		if t.ErrorString != nil {
			status.Message = *t.ErrorString
		}
		return status, nil
	}

	done := t.PercentDone != nil && *t.PercentDone >= 1.0
	if t.Status != nil {
		switch *t.Status {
		case transmissionrpc.TorrentStatusSeed, transmissionrpc.TorrentStatusSeedWait:
			done = true
		}
	}

	if done {
		status.Terminal = true
		status.Success = true
		if t.DownloadDir != nil && t.Name != nil {
			status.Path = filepath.Join(*t.DownloadDir, *t.Name)
		}
	}

	return status, nil
}

// Cancel removes the torrent from transmission. deleteData also drops whatever
// was downloaded; retention keeps it false while an item still seeds.
func (c *Client) Cancel(ctx context.Context, handle types.Handle, deleteData bool) error {
	id, err := c.torrentID(ctx, string(handle))
	if err != nil {
		return err
	}

	if err := c.client.TorrentRemove(ctx, transmissionrpc.TorrentRemovePayload{
		IDs:             []int64{id},
		DeleteLocalData: deleteData,
	}); err != nil {
		logger.Error().Err(err).Str("name", c.name).Str("hash", string(handle)).Msg("failed to remove torrent")
		return err
	}

	logger.Info().Str("name", c.name).Str("hash", string(handle)).Bool("delete_data", deleteData).Msg("torrent removed")
	return nil
}

func (c *Client) torrentID(ctx context.Context, hash string) (int64, error) {
	torrents, err := c.client.TorrentGetAllForHashes(ctx, []string{hash})
	if err != nil {
		return 0, fmt.Errorf("failed to get torrent %s: %w", hash, err)
	}
	if len(torrents) == 0 || torrents[0].ID == nil {
		return 0, fmt.Errorf("torrent %s not found in transmission", hash)
	}
	return *torrents[0].ID, nil
}
