// The outer cycle loop: owns the scheduler and one compute core per
// platform, advances the clock, and drains completed requests into metrics.

package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Simulator drives the scheduler with a set of polling cores until every
// request completes or the horizon is reached.
type Simulator struct {
	Clock   int64
	Horizon int64 // 0 means unbounded

	sched   *Scheduler
	cores   []*Core
	metrics *Metrics
}

// NewSimulator builds a scheduler from the config and one core per platform.
func NewSimulator(cfg SimConfig, horizon int64) (*Simulator, error) {
	sched, err := NewScheduler(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	s := &Simulator{
		Horizon: horizon,
		sched:   sched,
		metrics: NewMetrics(),
	}
	for i, platform := range sched.Platforms() {
		s.cores = append(s.cores, NewCore(i, platform, sched))
	}
	return s, nil
}

// Scheduler exposes the scheduler for request injection and inspection.
func (s *Simulator) Scheduler() *Scheduler { return s.sched }

// Launch binds the model parameter provider.
func (s *Simulator) Launch(model *Model) { s.sched.Launch(model) }

// AddRequest enqueues a request with the scheduler.
func (s *Simulator) AddRequest(req *InferRequest) { s.sched.AddRequest(req) }

// Run advances cycles until no request is in flight or the horizon is hit,
// then returns the collected metrics.
func (s *Simulator) Run() *Metrics {
	for s.sched.Running() {
		if s.Horizon > 0 && s.Clock >= s.Horizon {
			logrus.Warnf("simulation horizon %d reached with requests in flight", s.Horizon)
			break
		}
		s.Clock++
		s.sched.Cycle()
		for _, core := range s.cores {
			core.Tick()
		}
		for s.sched.HasCompletedRequest() {
			req := s.sched.PopCompletedRequest()
			logrus.Infof("[cycle %07d] completed request %d", s.Clock, req.ID)
			s.metrics.RecordCompletion(req, s.Clock)
		}
	}
	s.metrics.Finalize(s.sched)
	return s.metrics
}
