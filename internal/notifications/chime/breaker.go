package chime

import (
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// defaultBreakerSettings trips after more than five consecutive failures and
// probes again after 30s with a single request.
func defaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
}

// breakerSet holds one breaker per webhook host so a dead receiver does not
// slow down deliveries to healthy ones. The mutex covers map access only.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	settings func(name string) gobreaker.Settings
}

func newBreakerSet(settings func(name string) gobreaker.Settings) *breakerSet {
	if settings == nil {
		settings = defaultBreakerSettings
	}
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		settings: settings,
	}
}

func (s *breakerSet) get(host string) *gobreaker.CircuitBreaker[*http.Response] {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[*http.Response](s.settings("chime:" + host))
		s.breakers[host] = cb
	}
	return cb
}

// State reports the breaker state for host. Hosts never contacted are closed.
func (s *breakerSet) State(host string) gobreaker.State {
	s.mu.Lock()
	cb, ok := s.breakers[host]
	s.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
