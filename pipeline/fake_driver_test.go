package pipeline

import (
	"context"
	"sync"

	"github.com/audiarr-project/audiarr/downloaders"
	"github.com/audiarr-project/audiarr/downloaders/types"
	"github.com/audiarr-project/audiarr/internal/db"
)

type fakeDriver struct {
	mu sync.Mutex

	name       string
	sourceType db.SourceType

	startErr   error
	startCount int

	status  *types.TransferStatus
	pollErr error

	cancelCount   int
	cancelledData bool
}

func (f *fakeDriver) Name() string {
	return f.name
}

func (f *fakeDriver) SourceType() db.SourceType {
	return f.sourceType
}

func (f *fakeDriver) Start(ctx context.Context, item *db.QueueItem) (types.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.startCount++
	return types.Handle(item.ID), nil
}

func (f *fakeDriver) PollStatus(ctx context.Context, handle types.Handle) (*types.TransferStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.status == nil {
		return &types.TransferStatus{}, nil
	}
	cp := *f.status
	return &cp, nil
}

func (f *fakeDriver) Cancel(ctx context.Context, handle types.Handle, deleteData bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCount++
	f.cancelledData = deleteData
	return nil
}

func (f *fakeDriver) setStatus(status *types.TransferStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func driverMap(ds ...*fakeDriver) map[string]downloaders.Driver {
	m := make(map[string]downloaders.Driver, len(ds))
	for _, d := range ds {
		m[d.name] = d
	}
	return m
}
