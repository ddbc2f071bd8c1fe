package helpers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/audiarr-project/audiarr/internal/db"
	"gorm.io/gorm"
)

// FetchTorrentFile downloads a .torrent from the given URL into torrentsDir,
// named after its info-hash, and rejects torrents whose hash is already
// queued. The hash doubles as the queue item id for peer-swarm items.
func FetchTorrentFile(httpClient *http.Client, url string, torrentsDir string, dbClient *gorm.DB) (hash string, path string, err error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return "", "", fmt.Errorf("HTTP GET error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP status error: %d %s", resp.StatusCode, resp.Status)
	}

	var buffer bytes.Buffer
	_, err = io.Copy(&buffer, resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read response body: %w", err)
	}

	m, err := metainfo.Load(bytes.NewReader(buffer.Bytes()))
	if err != nil {
		return "", "", fmt.Errorf("failed to load metainfo: %w", err)
	}

	hash = m.HashInfoBytes().HexString()

	_, err = db.GetQueueItem(dbClient, hash)
	if err == nil {
		return "", "", fmt.Errorf("%w: torrent with hash %s", db.ErrDuplicate, hash)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", fmt.Errorf("database error checking for duplicates: %w", err)
	}

	if err := os.MkdirAll(torrentsDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create torrents dir: %w", err)
	}

	path = filepath.Join(torrentsDir, hash+".torrent")
	out, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, bytes.NewReader(buffer.Bytes())); err != nil {
		return "", "", fmt.Errorf("failed to copy response body to file: %w", err)
	}

	return hash, path, nil
}

// ParseMagnetHash extracts the info-hash from a magnet link.
func ParseMagnetHash(uri string) (string, error) {
	magnet, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse magnet link: %w", err)
	}
	return magnet.InfoHash.HexString(), nil
}
