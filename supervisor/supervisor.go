// Package supervisor is the Supervisor (C8, spec.md §4.8): the top-level
// process that owns the PID lock, starts the node-active loop and the
// notification listener as supervised services, restarts a crashed service
// under a bounded retry policy, and tears every service down together when
// its context is cancelled or Shutdown is called (signal handling itself
// lives in cmd/pg-keeper).
// Grounded on the teacher's process-lifecycle handling in server/server.go
// (signal channel, goroutine-per-subsystem, clean-shutdown ordering),
// generalized from "one HTTP+scheduler process" to "supervise N named
// services with independent restart budgets".
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/retry"
)

// Service is one supervised unit of work. Run must return promptly when ctx
// is cancelled. Any other non-nil return is treated as a crash subject to
// restart; a nil return ends supervision of that service without a restart.
type Service struct {
	Name string
	Run  func(ctx context.Context) error

	// Fatal, if true, means a crash of this service is not survivable
	// (spec.md §4.8: the FSM/monitor-client goroutine dying is fatal to the
	// whole keeper, since it is the only writer of local state). A Fatal
	// service's exhaustion trips shutdown of the whole supervisor instead of
	// just logging and giving up on that one service.
	Fatal bool
}

// Supervisor restarts crashed services under a bounded policy and tears down
// every service together on shutdown (spec.md §4.8).
type Supervisor struct {
	Log      *logrus.Entry
	Services []Service

	// RestartPolicy bounds how many times, and how fast, a crashed service
	// is restarted before being given up on (spec.md §4.4's Interactive
	// shape: bounded attempts, since an unbounded respawn loop hides a real
	// programmer error instead of surfacing it).
	RestartPolicy retry.Policy

	mu       sync.Mutex
	quitOnce sync.Once
	quit     chan struct{}
}

// New builds a Supervisor with a bounded default restart policy (at most 10
// runs of a service, no restart once 5 minutes have passed since it was
// first started, capped backoff) unless the caller overrides it.
func New(log *logrus.Entry, services ...Service) *Supervisor {
	return &Supervisor{
		Log:      log,
		Services: services,
		RestartPolicy: retry.Policy{
			Base:        500 * time.Millisecond,
			Factor:      2,
			Jitter:      0.2,
			Cap:         30 * time.Second,
			MaxAttempts: 10,
			Deadline:    5 * time.Minute,
		},
		quit: make(chan struct{}),
	}
}

// Run starts every service and blocks until ctx is cancelled, Shutdown is
// called, or a Fatal service exhausts its restart budget, then cancels every
// service's context and waits for all services to return.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var fatalErr error
	var fatalOnce sync.Once

	for _, svc := range s.Services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(runCtx, svc, func(err error) {
				fatalOnce.Do(func() {
					fatalErr = err
					s.Log.WithField("service", svc.Name).WithError(err).
						Error("service exhausted its restart budget, shutting down")
					cancel()
				})
			})
		}()
	}

	select {
	case <-runCtx.Done():
	case <-s.quit:
		cancel()
	}
	wg.Wait()
	return fatalErr
}

// Shutdown makes Run cancel every service's context and return once they
// have all returned; safe to call more than once and from any goroutine. It
// has the same effect as cancelling the context passed to Run: services see
// a single cancellation, with no escalation from a graceful to a fast or
// immediate stop. The caller decides how long to wait for Run to return.
func (s *Supervisor) Shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// supervise runs one service, restarting it on crash under RestartPolicy
// until ctx is done or (for a Fatal service) the policy gives up.
func (s *Supervisor) supervise(ctx context.Context, svc Service, onFatalExhausted func(error)) {
	log := s.Log.WithField("service", svc.Name)

	attempt := 0
	start := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		err := svc.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("service returned cleanly, not restarting")
			return
		}

		log.WithError(err).WithField("attempt", attempt).Warn("service crashed")

		if class, ok := kerrors.ClassOf(err); ok && class.Fatal() {
			if svc.Fatal {
				onFatalExhausted(err)
			} else {
				log.WithError(err).Error("non-recoverable error in non-fatal service, giving up on restarts")
			}
			return
		}

		if s.RestartPolicy.MaxAttempts > 0 && attempt >= s.RestartPolicy.MaxAttempts {
			if svc.Fatal {
				onFatalExhausted(err)
			} else {
				log.Error("restart budget exhausted, giving up on this service")
			}
			return
		}
		if s.RestartPolicy.Deadline > 0 && time.Since(start) >= s.RestartPolicy.Deadline {
			if svc.Fatal {
				onFatalExhausted(err)
			} else {
				log.Error("restart deadline exceeded, giving up on this service")
			}
			return
		}

		delay := backoffDelay(s.RestartPolicy, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(p retry.Policy, attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
			break
		}
	}
	return d
}
