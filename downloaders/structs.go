package downloaders

import (
	"fmt"

	"github.com/audiarr-project/audiarr/downloaders/sabnzbd"
	"github.com/audiarr-project/audiarr/downloaders/transmission"
	"github.com/audiarr-project/audiarr/downloaders/types"
	"github.com/audiarr-project/audiarr/downloaders/vendor"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
)

// Driver is the common capability surface of all acquisition back-ends.
type Driver = types.Driver

// Handle identifies one transfer within a driver.
type Handle = types.Handle

// TransferStatus is a point-in-time answer from Driver.PollStatus.
type TransferStatus = types.TransferStatus

// New builds the driver named in the config. Exactly one backend section must
// be set per driver, enforced by config validation.
func New(name string, cfg *config.DriverConfig) (Driver, error) {
	switch {
	case cfg.Transmission != nil:
		return transmission.New(name, cfg.Transmission)
	case cfg.Sabnzbd != nil:
		return sabnzbd.New(name, cfg.Sabnzbd)
	case cfg.Vendor != nil:
		return vendor.New(name, cfg.Vendor)
	}
	return nil, fmt.Errorf("unknown backend for driver %s", name)
}

// NewAll builds every configured driver, keyed by name.
func NewAll(cfgs map[string]*config.DriverConfig) (map[string]Driver, error) {
	drivers := make(map[string]Driver, len(cfgs))
	for name, cfg := range cfgs {
		d, err := New(name, cfg)
		if err != nil {
			return nil, err
		}
		drivers[name] = d
	}
	return drivers, nil
}

// ForSourceType filters drivers down to the ones capable of a source type.
func ForSourceType(drivers map[string]Driver, st db.SourceType) []Driver {
	var capable []Driver
	for _, d := range drivers {
		if d.SourceType() == st {
			capable = append(capable, d)
		}
	}
	return capable
}
