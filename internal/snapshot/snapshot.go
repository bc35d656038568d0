package snapshot

import (
	"bytes"
	"encoding/json"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/proxy-watch/internal/types"
)

// Version is written into every saved snapshot. Files without a version
// field predate it and load as version 0.
const Version = 1

// Entry is one persisted endpoint
type Entry struct {
	IPPort   string  `json:"ip_port"`
	IP       string  `json:"ip"`
	Port     int     `json:"port"`
	Protocol string  `json:"protocol,omitempty"`
	Country  string  `json:"country,omitempty"`
	Ping     float64 `json:"ping"`
}

// UnmarshalJSON accepts entries as written by older collectors: a bare
// "ip:port" string, or an object whose port and ping are strings or numbers.
// Unusable port or ping values decode as zero.
func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var addr string
		if err := json.Unmarshal(data, &addr); err != nil {
			return err
		}
		*e = Entry{IPPort: strings.TrimSpace(addr)}
		if host, port, err := net.SplitHostPort(e.IPPort); err == nil {
			e.IP = host
			e.Port, _ = strconv.Atoi(port)
		}
		return nil
	}

	var raw struct {
		IPPort   string          `json:"ip_port"`
		IP       string          `json:"ip"`
		Port     json.RawMessage `json:"port"`
		Protocol string          `json:"protocol"`
		Country  string          `json:"country"`
		Ping     json.RawMessage `json:"ping"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Entry{
		IPPort:   raw.IPPort,
		IP:       raw.IP,
		Protocol: raw.Protocol,
		Country:  raw.Country,
	}
	if port, ok := lenientNumber(raw.Port); ok && port == float64(int(port)) && port >= 1 && port <= 65535 {
		e.Port = int(port)
	}
	if ping, ok := lenientNumber(raw.Ping); ok {
		e.Ping = ping
	}
	if e.IPPort == "" && e.IP != "" && e.Port != 0 {
		e.IPPort = net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
	}
	return nil
}

func lenientNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "ms")
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return n, err == nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// EntryFromOutcome converts a successful probe into an Entry
func EntryFromOutcome(o types.ProbeOutcome) Entry {
	ep := o.Endpoint
	return Entry{
		IPPort:   ep.Address(),
		IP:       ep.Host,
		Port:     ep.Port,
		Protocol: string(ep.Protocol),
		Country:  ep.Category,
		Ping:     o.LatencyMs,
	}
}

// Key orders and identifies entries: address, then protocol
func (e Entry) Key() string {
	return strings.ToLower(e.IPPort) + "|" + strings.ToLower(e.Protocol)
}

// Matches reports whether two entries denote the same endpoint. Entries
// written without a protocol match any protocol on the same address.
func (e Entry) Matches(other Entry) bool {
	if !strings.EqualFold(e.IPPort, other.IPPort) {
		return false
	}
	return e.Protocol == "" || other.Protocol == "" || strings.EqualFold(e.Protocol, other.Protocol)
}

// Endpoint rebuilds a probe target from the entry. fallback is used for
// entries stored without a protocol.
func (e Entry) Endpoint(category string, fallback types.Protocol) (types.Endpoint, bool) {
	host, portStr, err := net.SplitHostPort(e.IPPort)
	if err != nil {
		if e.IP == "" || e.Port == 0 {
			return types.Endpoint{}, false
		}
		host, portStr = e.IP, strconv.Itoa(e.Port)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || host == "" {
		return types.Endpoint{}, false
	}

	proto := fallback
	if e.Protocol != "" {
		p, ok := types.ParseProtocol(e.Protocol)
		if !ok {
			return types.Endpoint{}, false
		}
		proto = p
	}

	return types.Endpoint{
		Host:     host,
		Port:     port,
		Protocol: proto,
		Category: category,
	}, true
}

type Stats struct {
	Tested          int     `json:"tested"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Snapshot is the durable cross-run state. Recent holds the endpoints that
// succeeded in the run that wrote it, Stable those that succeeded in that run
// and the one before.
type Snapshot struct {
	Version int                `json:"version"`
	Updated time.Time          `json:"updated"`
	Stats   Stats              `json:"stats"`
	Recent  map[string][]Entry `json:"new"`
	Stable  map[string][]Entry `json:"old"`
}

// New returns an empty snapshot, the state before any run
func New() *Snapshot {
	return &Snapshot{
		Recent: map[string][]Entry{},
		Stable: map[string][]Entry{},
	}
}

// Normalize replaces nil maps left by decoding partial files
func (s *Snapshot) Normalize() *Snapshot {
	if s.Recent == nil {
		s.Recent = map[string][]Entry{}
	}
	if s.Stable == nil {
		s.Stable = map[string][]Entry{}
	}
	return s
}

// Categories returns every category present in either partition, sorted
func (s *Snapshot) Categories() []string {
	seen := make(map[string]struct{})
	for c := range s.Recent {
		seen[c] = struct{}{}
	}
	for c := range s.Stable {
		seen[c] = struct{}{}
	}
	categories := make([]string, 0, len(seen))
	for c := range seen {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// Counts returns the number of entries per category of a partition
func Counts(partition map[string][]Entry) map[string]int {
	counts := make(map[string]int, len(partition))
	for c, entries := range partition {
		counts[c] = len(entries)
	}
	return counts
}

// Next builds the state to persist after a run
func Next(current map[string][]Entry, d Diff, stats Stats, now time.Time) *Snapshot {
	next := New()
	next.Version = Version
	next.Updated = now.UTC()
	next.Stats = stats
	for c, entries := range current {
		if len(entries) > 0 {
			next.Recent[c] = sortedCopy(entries)
		}
	}
	for c, entries := range d.Stable {
		if len(entries) > 0 {
			next.Stable[c] = sortedCopy(entries)
		}
	}
	return next
}

func sortedCopy(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Key() < entries[j].Key()
	})
}
