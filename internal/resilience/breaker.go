package resilience

import (
	"sort"
	"sync"
	"time"

	"inbox-triage/internal/apperr"
)

// State is a circuit breaker state.
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
	default:
		return "unknown"
	}
}

// BreakerSettings configures trip threshold and cooldown.
type BreakerSettings struct {
	Threshold int
	Cooldown  time.Duration
}

// CircuitState is a point-in-time view of one breaker.
type CircuitState struct {
	Upstream            string    `json:"upstream"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition"`
}

// CircuitBreaker guards a single upstream. All accounts calling the same
// upstream share one instance.
type CircuitBreaker struct {
	name     string
	settings BreakerSettings
	now      func() time.Time
	onChange func(name string, from, to State)

	mu             sync.Mutex
	state          State
	failures       int
	lastTransition time.Time
	probing        bool
	generation     uint64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, settings BreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{
		name:           name,
		settings:       settings,
		now:            time.Now,
		lastTransition: time.Now(),
	}
}

// Allow admits a call or fails with ErrCircuitOpen. The returned generation
// must be passed back to Record.
func (b *CircuitBreaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastTransition) < b.settings.Cooldown {
			return 0, apperr.CircuitOpen(b.name)
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return b.generation, nil
	case StateHalfOpen:
		if b.probing {
			return 0, apperr.CircuitOpen(b.name)
		}
		b.probing = true
		return b.generation, nil
	default:
		return b.generation, nil
	}
}

// Record reports the outcome of a call admitted under generation.
// Outcomes from an earlier generation are ignored.
func (b *CircuitBreaker) Record(generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}

	switch {
	case err == nil:
		b.failures = 0
		b.probing = false
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
	case apperr.CountsAsFailure(err):
		b.failures++
		b.probing = false
		if b.state == StateHalfOpen || b.failures >= b.settings.Threshold {
			b.setState(StateOpen)
		}
	default:
		// the upstream answered or was never reached; only free the probe slot
		b.probing = false
	}
}

// setState must be called with mu held.
func (b *CircuitBreaker) setState(to State) {
	from := b.state
	b.state = to
	b.lastTransition = b.now()
	b.generation++
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state without transitioning.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's state.
func (b *CircuitBreaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		Upstream:            b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		LastTransition:      b.lastTransition,
	}
}

// Breakers is the process-wide breaker registry, one breaker per upstream.
type Breakers struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*CircuitBreaker
	now      func() time.Time
	onChange func(name string, from, to State)
}

// NewBreakers creates an empty registry.
func NewBreakers(settings BreakerSettings) *Breakers {
	return &Breakers{
		settings: settings,
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
}

// OnStateChange registers a hook for every breaker transition.
func (r *Breakers) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.mu.Lock()
		b.onChange = fn
		b.mu.Unlock()
	}
}

// Get returns the breaker for upstream, creating it on first use.
func (r *Breakers) Get(upstream string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[upstream]; ok {
		return b
	}
	b := NewCircuitBreaker(upstream, r.settings)
	b.now = r.now
	b.lastTransition = r.now()
	b.onChange = r.onChange
	r.breakers[upstream] = b
	return b
}

// Snapshots returns every breaker's state sorted by upstream name.
func (r *Breakers) Snapshots() []CircuitState {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]CircuitState, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Upstream < out[j].Upstream })
	return out
}
