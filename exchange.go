package yblocker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange is one in-flight request/response pair. It is owned by the
// CorrelationTable from request arrival until its response is taken or
// the entry expires.
type Exchange struct {
	// ID is a process-unique identifier assigned by the interceptor.
	ID string

	// URL is the full request URL.
	URL string

	// Header holds the request headers.
	Header http.Header

	// Hostname is the request host without port.
	Hostname string

	// Domain is the registrable domain of Hostname.
	Domain string

	registered time.Time
}

// NewExchangeID returns a new process-unique exchange identifier.
func NewExchangeID() string {
	return uuid.NewString()
}

// DefaultCorrelationTTL is how long an exchange waits for its response.
const DefaultCorrelationTTL = 5 * time.Minute

// CorrelationTable bridges the request and response phases of an exchange.
// Entries whose response never arrives are evicted after TTL.
type CorrelationTable struct {
	mu      sync.Mutex
	entries map[string]*Exchange
	ttl     time.Duration

	// now is overridable for tests.
	now func() time.Time
}

// NewCorrelationTable creates a table whose entries expire after ttl.
// A ttl of zero disables expiry.
func NewCorrelationTable(ttl time.Duration) *CorrelationTable {
	return &CorrelationTable{
		entries: make(map[string]*Exchange),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register stores ex under ex.ID.
func (t *CorrelationTable) Register(ex *Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex.registered = t.now()
	t.entries[ex.ID] = ex
}

// Take removes and returns the exchange for id. Expired entries are
// removed and reported as absent.
func (t *CorrelationTable) Take(id string) (*Exchange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)

	if t.expired(ex, t.now()) {
		return nil, false
	}
	return ex, true
}

// Len returns the number of tracked exchanges.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep removes expired entries and returns how many were evicted.
func (t *CorrelationTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	evicted := 0
	for id, ex := range t.entries {
		if t.expired(ex, now) {
			delete(t.entries, id)
			evicted++
		}
	}
	return evicted
}

func (t *CorrelationTable) expired(ex *Exchange, now time.Time) bool {
	return t.ttl > 0 && now.Sub(ex.registered) > t.ttl
}

// StartJanitor sweeps the table every interval until ctx is cancelled.
// onSweep, if non-nil, receives the number of evicted entries and the
// remaining table size after each sweep.
func (t *CorrelationTable) StartJanitor(ctx context.Context, interval time.Duration, onSweep func(evicted, remaining int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := t.Sweep()
			if onSweep != nil {
				onSweep(evicted, t.Len())
			}
		}
	}
}
