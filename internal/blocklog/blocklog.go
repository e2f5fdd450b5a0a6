// Package blocklog is the ring-buffer diagnostic logger of the blockfs
// layer: a mounted FileSystem logs through a *blocklog.Hub, so operators
// can snapshot or stream recent activity without grepping a log file.
// The cache and inode packages do not use it; they log through the
// standard library's log package. Grounded on
// TheReallyRealWanderer-WiCOS64-Remote-Storage-Server's internal/server
// logHub/LogEntry (loghub.go), adapted from per-HTTP-request entries to
// per-block-operation entries.
package blocklog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level byte

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one recorded event: a cache eviction, a flush sweep, an inode
// open/close, an allocator exhaustion, and so on.
type Entry struct {
	ID         uint64 `json:"id"`
	TimeUnixMs int64  `json:"time_unix_ms"`
	Level      Level  `json:"level"`
	LevelName  string `json:"level_name"`
	Component  string `json:"component"` // "cache", "inode", "blockfs", ...
	Op         string `json:"op"`        // "acquire", "evict", "flush", "create", ...
	Sector     int64  `json:"sector,omitempty"`
	DurationUs int64  `json:"duration_us,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Hub keeps a bounded ring buffer of recent entries and lets subscribers
// stream new ones as they arrive.
type Hub struct {
	mu      sync.Mutex
	ring    []Entry
	cap     int
	nextPos int
	count   int
	nextID  uint64
	subs    map[chan Entry]struct{}
}

// NewHub returns a Hub holding at most capacity entries (default 1024).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Hub{
		ring: make([]Entry, capacity),
		cap:  capacity,
		subs: make(map[chan Entry]struct{}),
	}
}

// Log records e, stamping its ID and, if unset, its time.
func (h *Hub) Log(e Entry) {
	if e.TimeUnixMs == 0 {
		e.TimeUnixMs = time.Now().UnixMilli()
	}
	e.LevelName = e.Level.String()

	h.mu.Lock()
	h.nextID++
	e.ID = h.nextID

	h.ring[h.nextPos] = e
	h.nextPos = (h.nextPos + 1) % h.cap
	if h.count < h.cap {
		h.count++
	}
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop rather than block the logging caller.
		}
	}
	h.mu.Unlock()
}

// Debugf, Infof, Warnf, and Errorf are convenience wrappers over Log for
// callers that just want a formatted message attributed to a component.
func (h *Hub) Debugf(component, op, format string, args ...any) {
	h.logf(LevelDebug, component, op, format, args...)
}

func (h *Hub) Infof(component, op, format string, args ...any) {
	h.logf(LevelInfo, component, op, format, args...)
}

func (h *Hub) Warnf(component, op, format string, args ...any) {
	h.logf(LevelWarn, component, op, format, args...)
}

func (h *Hub) Errorf(component, op, format string, args ...any) {
	h.logf(LevelError, component, op, format, args...)
}

func (h *Hub) logf(level Level, component, op, format string, args ...any) {
	h.Log(Entry{Level: level, Component: component, Op: op, Message: fmt.Sprintf(format, args...)})
}

// Snapshot returns the most recent limit entries in chronological order
// (0 or negative limit returns everything currently buffered).
func (h *Hub) Snapshot(limit int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	if limit == 0 {
		return nil
	}

	start := h.nextPos - h.count
	if start < 0 {
		start += h.cap
	}
	start = (start + (h.count - limit)) % h.cap

	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, h.ring[(start+i)%h.cap])
	}
	return out
}

// Filter narrows a Snapshot by component, minimum level, and/or a
// case-insensitive substring match against the message.
type Filter struct {
	Component  string
	MinLevel   Level
	MessageSub string
	Limit      int
}

// FilteredSnapshot applies f to the buffered entries, newest-first
// internally but returned in chronological order.
func (h *Hub) FilteredSnapshot(f Filter) []Entry {
	all := h.Snapshot(0)
	if len(all) == 0 {
		return nil
	}
	limit := f.Limit
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	out := make([]Entry, 0, limit)
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if f.Component != "" && e.Component != f.Component {
			continue
		}
		if e.Level < f.MinLevel {
			continue
		}
		if f.MessageSub != "" && !containsFold(e.Message, f.MessageSub) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe returns a channel of newly logged entries and a cancel
// function that unregisters and closes it.
func (h *Hub) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

func containsFold(hay, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(hay), strings.ToLower(needle))
}

// MarshalJSONLine renders e as a single JSON line, for callers writing a
// plain-text log file alongside the in-memory ring.
func (e Entry) MarshalJSONLine() []byte {
	b, _ := json.Marshal(e)
	return b
}
