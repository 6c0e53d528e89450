package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrOpen is returned without contacting the dependency while the breaker is
// open or while the half-open trial slot is taken. Callers can match it to
// apply a fallback instead of burning a retry on a known-down dependency.
var ErrOpen = errors.New("circuit breaker open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before permitting a
	// single trial call.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker guards calls to one external dependency.
type Breaker struct {
	name   string
	config Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

func New(name string, cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		name:   name,
		config: cfg,
		clock:  clock,
		logger: logger.With().Str("breaker", name).Logger(),
	}
}

// Do runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.config.Cooldown {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		// Cooldown elapsed; this caller becomes the trial.
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.logger.Info().Msg("breaker half-open, permitting trial call")
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		if success {
			b.state = StateClosed
			b.failures = 0
			b.logger.Info().Msg("breaker closed after successful trial")
		} else {
			b.state = StateOpen
			b.openedAt = b.clock.Now()
			b.logger.Warn().Msg("breaker reopened after failed trial")
		}
		return
	}

	if success {
		b.failures = 0
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.config.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.clock.Now()
		b.logger.Warn().
			Int("consecutive_failures", b.failures).
			Dur("cooldown", b.config.Cooldown).
			Msg("breaker opened")
	}
}
