package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"wiremock-proxy/internal/keymanager"
)

type RequestEvent struct {
	Ts       time.Time `json:"ts"`
	Host     string    `json:"host"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Code     int       `json:"code"`
	Ms       int64     `json:"ms"`
	BytesIn  int64     `json:"bytesIn"`
	BytesOut int64     `json:"bytesOut"`

	// Conn identifies the CONNECT tunnel the event belongs to.
	Conn string `json:"conn,omitempty"`
}

type hostStat struct {
	Req      uint64 `json:"req"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

type Snapshot struct {
	UptimeSec     uint64              `json:"uptimeSec"`
	TotalRequests uint64              `json:"totalRequests"`
	Codes         map[int]uint64      `json:"codes"`
	BytesIn       uint64              `json:"bytesIn"`
	BytesOut      uint64              `json:"bytesOut"`
	Hosts         map[string]hostStat `json:"hosts"`

	// Certificates counts certificate selections by outcome.
	Certificates map[keymanager.Outcome]uint64 `json:"certificates"`
}

type Aggregator struct {
	startedAt     time.Time
	totalRequests atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64

	mu      sync.Mutex
	codes   map[int]uint64
	hosts   map[string]hostStat
	buf     []RequestEvent // last bufSize events, replayed to new subscribers
	outcome map[keymanager.Outcome]uint64

	// subscribers receive events; non-blocking broadcast
	subMu sync.Mutex
	subs  map[chan RequestEvent]struct{}
}

const bufSize = 200

// Aggregator also observes certificate selections.
var _ keymanager.Observer = (*Aggregator)(nil)

func NewAggregator() *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		codes:     make(map[int]uint64),
		hosts:     make(map[string]hostStat),
		buf:       make([]RequestEvent, 0, bufSize),
		outcome:   make(map[keymanager.Outcome]uint64),
		subs:      make(map[chan RequestEvent]struct{}),
	}
}

func positive(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func (h hostStat) add(ev RequestEvent) hostStat {
	h.Req++
	h.BytesIn += positive(ev.BytesIn)
	h.BytesOut += positive(ev.BytesOut)
	return h
}

// Add records ev and broadcasts it to subscribers without blocking.
func (a *Aggregator) Add(ev RequestEvent) {
	a.totalRequests.Add(1)
	a.bytesIn.Add(positive(ev.BytesIn))
	a.bytesOut.Add(positive(ev.BytesOut))

	a.mu.Lock()
	a.codes[ev.Code]++
	a.hosts[ev.Host] = a.hosts[ev.Host].add(ev)
	if len(a.buf) == bufSize {
		copy(a.buf, a.buf[1:])
		a.buf = a.buf[:bufSize-1]
	}
	a.buf = append(a.buf, ev)
	a.mu.Unlock()

	a.subMu.Lock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSec:     uint64(time.Since(a.startedAt).Seconds()),
		TotalRequests: a.totalRequests.Load(),
		BytesIn:       a.bytesIn.Load(),
		BytesOut:      a.bytesOut.Load(),
		Codes:         make(map[int]uint64),
		Hosts:         make(map[string]hostStat),
		Certificates:  make(map[keymanager.Outcome]uint64),
	}
	a.mu.Lock()
	for k, v := range a.codes {
		s.Codes[k] = v
	}
	for k, v := range a.hosts {
		s.Hosts[k] = v
	}
	for k, v := range a.outcome {
		s.Certificates[k] = v
	}
	a.mu.Unlock()
	return s
}

// ObserveSelection counts one certificate selection.
func (a *Aggregator) ObserveSelection(o keymanager.Outcome) {
	a.mu.Lock()
	a.outcome[o]++
	a.mu.Unlock()
}

// Subscribe returns a channel of new events, primed with as much of the
// recent backlog as fits. Slow subscribers miss events rather than block Add.
func (a *Aggregator) Subscribe() (chan RequestEvent, func()) {
	ch := make(chan RequestEvent, 64)
	a.subMu.Lock()
	a.mu.Lock()
	backlog := a.buf
	if len(backlog) > cap(ch) {
		backlog = backlog[len(backlog)-cap(ch):]
	}
	for _, ev := range backlog {
		ch <- ev
	}
	a.mu.Unlock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()

	cancel := func() {
		a.subMu.Lock()
		if _, ok := a.subs[ch]; ok {
			delete(a.subs, ch)
			close(ch)
		}
		a.subMu.Unlock()
	}
	return ch, cancel
}
