package pipeline

import (
	"sync"
	"time"

	"github.com/audiarr-project/audiarr/downloaders"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
)

// Selector picks the acquisition driver for an item: filter by capability,
// prefer the best rolling success ratio, break ties by configured priority.
// Repeated failures open a driver's circuit for a cool-down, after which it is
// probed with a single item before being trusted again.
type Selector struct {
	cfg      *config.SelectorConfig
	drivers  map[string]downloaders.Driver
	priority map[string]int

	mu     sync.Mutex
	states map[string]*driverState

	now func() time.Time
}

type driverState struct {
	// window is a rolling record of recent outcomes, true = success.
	window []bool
	// consecutive counts failures since the last success.
	consecutive int
	openUntil   time.Time
	probing     bool
}

// DriverHealth is the read-only view exposed over the API.
type DriverHealth struct {
	Name         string        `json:"name"`
	SourceType   db.SourceType `json:"source_type"`
	Priority     int           `json:"priority"`
	SuccessRatio float64       `json:"success_ratio"`
	CircuitOpen  bool          `json:"circuit_open"`
}

func NewSelector(drivers map[string]downloaders.Driver, driverCfgs map[string]*config.DriverConfig, cfg *config.SelectorConfig) *Selector {
	priority := make(map[string]int, len(driverCfgs))
	for name, dc := range driverCfgs {
		priority[name] = dc.Priority
	}

	states := make(map[string]*driverState, len(drivers))
	for name := range drivers {
		states[name] = &driverState{}
	}

	return &Selector{
		cfg:      cfg,
		drivers:  drivers,
		priority: priority,
		states:   states,
		now:      time.Now,
	}
}

// SelectDriver returns the driver to use for the item, or ErrNoHealthyDriver.
func (s *Selector) SelectDriver(item *db.QueueItem) (downloaders.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best downloaders.Driver
	var bestScore float64
	var bestPriority int

	for _, d := range downloaders.ForSourceType(s.drivers, item.SourceType) {
		state := s.states[d.Name()]
		if s.now().Before(state.openUntil) {
			continue
		}
		if !state.openUntil.IsZero() && state.probing {
			// Cool-down elapsed but a probe is already in flight.
			continue
		}

		score := state.successRatio()
		prio := s.priority[d.Name()]
		if best == nil || score > bestScore || (score == bestScore && prio < bestPriority) {
			best = d
			bestScore = score
			bestPriority = prio
		}
	}

	if best == nil {
		return nil, ErrNoHealthyDriver
	}

	// Only the driver actually handed out consumes its probe slot; a half-open
	// candidate that lost the selection stays eligible.
	if state := s.states[best.Name()]; !state.openUntil.IsZero() {
		state.probing = true
	}
	return best, nil
}

// ReportSuccess records a successful driver interaction.
func (s *Selector) ReportSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[name]
	if !ok {
		return
	}
	state.push(true, s.cfg.HealthWindow)
	state.consecutive = 0
	state.probing = false
	state.openUntil = time.Time{}
}

// ReportFailure records a failed driver interaction and opens the circuit
// when the failure threshold is reached, or immediately when a probe fails.
func (s *Selector) ReportFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[name]
	if !ok {
		return
	}
	state.push(false, s.cfg.HealthWindow)
	state.consecutive++

	cooldown := time.Duration(s.cfg.CircuitCooldownSeconds) * time.Second
	if state.probing {
		state.probing = false
		state.openUntil = s.now().Add(cooldown)
		return
	}
	if state.consecutive >= s.cfg.CircuitThreshold {
		state.openUntil = s.now().Add(cooldown)
		state.consecutive = 0
	}
}

// PollTimeout is the bound a driver gets to answer a status poll.
func (s *Selector) PollTimeout() time.Duration {
	return time.Duration(s.cfg.PollTimeoutSeconds) * time.Second
}

// Health returns the current per-driver health view.
func (s *Selector) Health() []DriverHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := make([]DriverHealth, 0, len(s.drivers))
	for name, d := range s.drivers {
		state := s.states[name]
		health = append(health, DriverHealth{
			Name:         name,
			SourceType:   d.SourceType(),
			Priority:     s.priority[name],
			SuccessRatio: state.successRatio(),
			CircuitOpen:  s.now().Before(state.openUntil),
		})
	}
	return health
}

func (d *driverState) push(ok bool, window int) {
	d.window = append(d.window, ok)
	if len(d.window) > window {
		d.window = d.window[len(d.window)-window:]
	}
}

// successRatio over the rolling window; an empty window is optimistic so new
// drivers get selected at all.
func (d *driverState) successRatio() float64 {
	if len(d.window) == 0 {
		return 1.0
	}
	var ok int
	for _, s := range d.window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(d.window))
}
