package im

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// SustainedConfig configures automatic resubscription.
type SustainedConfig struct {
	// Establish performs one subscription attempt. Implementations pass
	// onLost as the OnCancelled observer so loss restarts the cycle.
	Establish func(ctx context.Context, onLost func()) (*ClientSubscription, error)

	// NewBackOff supplies the retry schedule for one reconnection
	// cycle. Defaults to an exponential schedule capped at one minute
	// that never gives up.
	NewBackOff func() backoff.BackOff

	Log logging.LeveledLogger
}

// SustainedSubscription keeps a subscription alive across publisher
// restarts and network trouble: when the subscription is lost it
// re-establishes it on a bounded backoff schedule instead of surfacing
// the failure to the application.
type SustainedSubscription struct {
	establish  func(ctx context.Context, onLost func()) (*ClientSubscription, error)
	newBackOff func() backoff.BackOff
	log        logging.LeveledLogger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	current *ClientSubscription
	closed  bool
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = time.Minute
	// Zero means the schedule never expires; the subscription outlives
	// any single outage.
	b.MaxElapsedTime = 0
	return b
}

// NewSustainedSubscription starts the maintenance loop. It returns
// immediately; the first establishment happens on the loop.
func NewSustainedSubscription(ctx context.Context, config SustainedConfig) *SustainedSubscription {
	if config.NewBackOff == nil {
		config.NewBackOff = defaultBackOff
	}
	if config.Log == nil {
		config.Log = logging.NewDefaultLoggerFactory().NewLogger("im")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &SustainedSubscription{
		establish:  config.Establish,
		newBackOff: config.NewBackOff,
		log:        config.Log,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Current returns the live subscription handle, or nil while
// re-establishing.
func (s *SustainedSubscription) Current() *ClientSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close stops the maintenance loop and drops the current subscription.
func (s *SustainedSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	current := s.current
	s.current = nil
	s.mu.Unlock()

	s.cancel()
	if current != nil {
		current.Close()
	}
	<-s.done
	return nil
}

func (s *SustainedSubscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		lost := make(chan struct{}, 1)
		onLost := func() {
			select {
			case lost <- struct{}{}:
			default:
			}
		}

		sub, err := s.establishWithRetry(ctx, onLost)
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			sub.Close()
			return
		}
		s.current = sub
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-lost:
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
			s.log.Infof("subscription %d lost, re-establishing", sub.ID())
		}
	}
}

// establishWithRetry attempts establishment until it succeeds or the
// context ends, sleeping the backoff schedule between attempts.
func (s *SustainedSubscription) establishWithRetry(ctx context.Context, onLost func()) (*ClientSubscription, error) {
	schedule := s.newBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sub, err := s.establish(ctx, onLost)
		if err == nil {
			return sub, nil
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			schedule = s.newBackOff()
			wait = schedule.NextBackOff()
		}
		s.log.Debugf("subscription establishment failed, retrying in %s: %v", wait, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
