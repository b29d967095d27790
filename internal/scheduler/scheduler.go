// Package scheduler drives the periodic tick that the RTT Engine or
// Variable Sampler run on, exactly the state machine of spec.md §4.G: a
// nominal 100Hz tick, a 5x duty-cycle reduction when sharing the probe, and
// the failure budget (10 consecutive in owned mode, 100 in shared mode,
// spec.md §7 propagation policy) that drives the Idle transition and the
// Disconnected event.
package scheduler

import (
	"context"
	"time"

	"github.com/moment-NEW/rttbridge/internal/events"
	"github.com/moment-NEW/rttbridge/internal/link"
	"github.com/moment-NEW/rttbridge/internal/logging"
	"github.com/moment-NEW/rttbridge/internal/metrics"
	"github.com/moment-NEW/rttbridge/internal/rtt"
	"github.com/moment-NEW/rttbridge/internal/sampler"
)

var log = logging.For("scheduler")

// Mode is the scheduler's current data-source state.
type Mode int

const (
	Idle Mode = iota
	Rtt
	Vars
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "Idle"
	case Rtt:
		return "Rtt"
	case Vars:
		return "Vars"
	default:
		return "Unknown"
	}
}

const (
	tickInterval = 10 * time.Millisecond // nominal 100Hz
	sharedRatio  = 5                     // only every 5th tick touches the probe in shared mode

	ownedFailureBudget  = 10
	sharedFailureBudget = 100
)

// Scheduler owns the periodic tick. Construct with New, configure
// RTT/Variable inputs, then run with Run.
type Scheduler struct {
	Link    link.Link
	Bus     *events.Bus
	Shared  bool
	Metrics *metrics.Registry // optional; nil disables instrumentation

	// UpAddr is the discovered RTT up-channel address, drained every
	// eligible tick in Rtt mode. The mode itself is chosen only by SetRtt or
	// SetVars (spec.md §4.G state machine: Rtt if discovery succeeded, else
	// Vars), not by whether UpAddr is zero.
	UpAddr uint32

	// Variables is the sampled-variable list used in Vars mode.
	Variables []sampler.Variable

	mode      Mode
	ticks     uint64
	failures  int
}

// New constructs a Scheduler in Idle mode. Call SetRtt or SetVars before Run
// to pick a data source; setting UpAddr/Variables directly leaves the mode
// Idle, and an Idle scheduler polls nothing.
func New(l link.Link, bus *events.Bus, shared bool) *Scheduler {
	return &Scheduler{Link: l, Bus: bus, Shared: shared, mode: Idle}
}

// SetRtt switches the scheduler into Rtt mode, draining upAddr each
// eligible tick.
func (s *Scheduler) SetRtt(upAddr uint32) {
	s.UpAddr = upAddr
	s.mode = Rtt
	s.failures = 0
}

// SetVars switches the scheduler into Vars mode, sampling vars each
// eligible tick.
func (s *Scheduler) SetVars(vars []sampler.Variable) {
	s.Variables = vars
	s.mode = Vars
	s.failures = 0
}

// Mode reports the scheduler's current state.
func (s *Scheduler) Mode() Mode {
	return s.mode
}

// Run ticks until ctx is cancelled or the failure budget is exceeded, at
// which point it closes the Link, emits Disconnected, and returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.Bus.EmitConnected()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ticks++
			if s.Shared && s.ticks%sharedRatio != 0 {
				continue
			}
			if s.mode == Idle {
				continue
			}
			if !s.tick() {
				return
			}
		}
	}
}

// tick runs one data-source poll and returns false if the scheduler should
// stop (failure budget exceeded).
func (s *Scheduler) tick() bool {
	start := time.Now()
	var err error
	switch s.mode {
	case Rtt:
		var data []byte
		data, err = rtt.DrainUp(s.Link, s.UpAddr)
		if err == nil && len(data) > 0 {
			s.Bus.EmitUpData(data)
			if s.Metrics != nil {
				s.Metrics.RttBytesUp.Add(float64(len(data)))
			}
		}
	case Vars:
		var frame []byte
		frame, err = sampler.Sample(s.Link, s.Variables)
		if err == nil {
			s.Bus.EmitUpData(frame)
		}
	}
	if s.Metrics != nil {
		s.Metrics.ObserveTick(time.Since(start))
	}

	if err == nil {
		s.failures = 0
		return true
	}

	s.failures++
	budget := ownedFailureBudget
	if s.Shared {
		budget = sharedFailureBudget
	}
	if s.Metrics != nil {
		s.Metrics.TransportFailures.WithLabelValues(s.mode.String()).Inc()
	}
	log.WithField("failures", s.failures).WithField("budget", budget).WithError(err).Warn("poll tick failed")

	if s.failures < budget {
		return true
	}

	log.Warn("failure budget exceeded, disconnecting")
	s.mode = Idle
	if closeErr := s.Link.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("error closing link on disconnect")
	}
	s.Bus.EmitDisconnected(err)
	return false
}
