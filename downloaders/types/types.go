package types

import (
	"context"

	"github.com/audiarr-project/audiarr/internal/db"
)

// Handle identifies one transfer within a driver. Drivers derive it from the
// queue item so it survives process restarts.
type Handle string

// TransferStatus is a point-in-time answer from Driver.PollStatus.
type TransferStatus struct {
	BytesDone  int64
	BytesTotal int64
	// Rate is the current transfer rate in bytes per second.
	Rate int64

	// Terminal is true once the transfer finished, successfully or not.
	Terminal bool
	Success  bool
	// Message carries the back-end failure detail when Success is false.
	Message string

	// Path is where the back-end put the payload, reported once Terminal.
	Path string
	// Sidecar is an auxiliary artifact fetched alongside the payload, such as
	// a decryption voucher. Empty for back-ends that never produce one.
	Sidecar string

	// UploadedBytes and Ratio are only meaningful for peer-swarm transfers
	// and feed the seeding retention sweep.
	UploadedBytes int64
	Ratio         float64
}

// Progress returns completion in x/1000, the unit persisted on queue items.
func (s *TransferStatus) Progress() uint16 {
	if s.BytesTotal <= 0 {
		return 0
	}
	p := s.BytesDone * 1000 / s.BytesTotal
	if p > 1000 {
		p = 1000
	}
	return uint16(p)
}

// Driver is one acquisition back-end. Implementations must make Start
// idempotent: a second Start for the same item without an intervening Cancel
// returns the existing handle instead of a second transfer.
type Driver interface {
	Name() string
	SourceType() db.SourceType

	Start(ctx context.Context, item *db.QueueItem) (Handle, error)
	PollStatus(ctx context.Context, handle Handle) (*TransferStatus, error)
	// Cancel stops the transfer. When deleteData is true the back-end also
	// removes whatever it wrote to disk.
	Cancel(ctx context.Context, handle Handle, deleteData bool) error
}
