// Package hostmetrics records per-(service, host) call timings and errors.
//
// A Registry is created once per client and passed explicitly to whatever
// records into it; independent clients never share a registry by accident.
package hostmetrics

import (
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// StatusFamily buckets a status code by its hundreds digit.
type StatusFamily int

const (
	Family1xx StatusFamily = iota
	Family2xx
	Family3xx
	Family4xx
	Family5xx
	FamilyOther

	numFamilies
)

var familyNames = [numFamilies]string{"1xx", "2xx", "3xx", "4xx", "5xx", "other"}

func (f StatusFamily) String() string {
	if f < 0 || f >= numFamilies {
		return "other"
	}
	return familyNames[f]
}

// FamilyOf maps a status code to its family; codes outside 100-599 are "other".
func FamilyOf(statusCode int) StatusFamily {
	if statusCode < 100 || statusCode > 599 {
		return FamilyOther
	}
	return StatusFamily(statusCode/100 - 1)
}

type hostKey struct {
	service string
	host    string
}

// HostMetrics holds the timers and counters for one (service, host).
type HostMetrics struct {
	service string
	host    string

	families [numFamilies]*Timer
	total    *Timer
	ioErrors atomic.Int64

	lastURL    atomic.Value // string
	lastUpdate atomic.Int64 // unix nanos
}

func newHostMetrics(service, host string) *HostMetrics {
	h := &HostMetrics{
		service: service,
		host:    host,
		total:   newTimer(),
	}
	for i := range h.families {
		h.families[i] = newTimer()
	}
	return h
}

// ServiceName returns the service the metrics belong to.
func (h *HostMetrics) ServiceName() string { return h.service }

// Hostname returns the host the metrics belong to.
func (h *HostMetrics) Hostname() string { return h.host }

func (h *HostMetrics) touch(rawURL string) {
	h.lastURL.Store(rawURL)
	h.lastUpdate.Store(time.Now().UnixNano())
}

// Snapshot is a read-only copy of one HostMetrics.
type Snapshot struct {
	ServiceName string                   `json:"service_name"`
	Hostname    string                   `json:"hostname"`
	Families    map[string]TimerSnapshot `json:"families"`
	Total       TimerSnapshot            `json:"total"`
	IOErrors    int64                    `json:"io_errors"`
	LastURL     string                   `json:"last_url,omitempty"`
	LastUpdate  time.Time                `json:"last_update"`
}

// Family returns the snapshot of one status family.
func (s Snapshot) Family(f StatusFamily) TimerSnapshot {
	return s.Families[f.String()]
}

// Snapshot copies the current state.
func (h *HostMetrics) Snapshot() Snapshot {
	s := Snapshot{
		ServiceName: h.service,
		Hostname:    h.host,
		Families:    make(map[string]TimerSnapshot, numFamilies),
		Total:       h.total.Snapshot(),
		IOErrors:    h.ioErrors.Load(),
	}
	for i, t := range h.families {
		s.Families[StatusFamily(i).String()] = t.Snapshot()
	}
	if v, ok := h.lastURL.Load().(string); ok {
		s.LastURL = v
	}
	if ns := h.lastUpdate.Load(); ns > 0 {
		s.LastUpdate = time.Unix(0, ns)
	}
	return s
}

// Registry holds HostMetrics keyed by (service, host). Entries are created
// on first observation and never removed.
type Registry struct {
	hosts sync.Map // hostKey -> *HostMetrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) get(service, host string) *HostMetrics {
	key := hostKey{service: service, host: host}
	if v, ok := r.hosts.Load(key); ok {
		return v.(*HostMetrics)
	}
	v, _ := r.hosts.LoadOrStore(key, newHostMetrics(service, host))
	return v.(*HostMetrics)
}

// Record adds one completed response of duration d.
func (r *Registry) Record(serviceName, hostname, rawURL string, statusCode int, d time.Duration) {
	h := r.get(serviceName, hostOrURL(hostname, rawURL))
	h.families[FamilyOf(statusCode)].Update(d)
	h.total.Update(d)
	h.touch(rawURL)
}

// RecordIOException counts a call that failed before any response arrived.
func (r *Registry) RecordIOException(serviceName, hostname, rawURL string) {
	h := r.get(serviceName, hostOrURL(hostname, rawURL))
	h.ioErrors.Add(1)
	h.touch(rawURL)
}

// Metrics returns snapshots of every HostMetrics created so far, ordered by
// service then host. It is safe to call while records are in progress.
func (r *Registry) Metrics() []Snapshot {
	var out []Snapshot
	r.hosts.Range(func(_, v any) bool {
		out = append(out, v.(*HostMetrics).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out
}

// Lookup returns the snapshot for (service, host) if it exists.
func (r *Registry) Lookup(serviceName, hostname string) (Snapshot, bool) {
	v, ok := r.hosts.Load(hostKey{service: serviceName, host: hostname})
	if !ok {
		return Snapshot{}, false
	}
	return v.(*HostMetrics).Snapshot(), true
}

// hostOrURL falls back to the URL's host when hostname is empty.
func hostOrURL(hostname, rawURL string) string {
	if hostname != "" {
		return hostname
	}
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "unknown"
}
