package events

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Kind separates run progress logs from login status updates so the
// embedding layer can route them to different widgets.
type Kind string

const (
	KindLog    Kind = "log"
	KindStatus Kind = "status"
)

type Entry struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Sink receives progress events from a run. Implementations must not
// block the caller.
type Sink interface {
	Emit(level Level, message string)
}

// Bus is a single-consumer event channel: entries from the engine and
// the embedding layer are serialized in emission order. Publishing
// never blocks; if the consumer falls behind the oldest entry is
// dropped.
type Bus struct {
	mu     sync.Mutex
	ch     chan Entry
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{ch: make(chan Entry, buffer)}
}

// Events returns the consumption side of the bus. There is exactly one
// consumer; fan-out is the consumer's business.
func (b *Bus) Events() <-chan Entry {
	return b.ch
}

func (b *Bus) Emit(level Level, message string) {
	b.publish(Entry{Time: time.Now(), Kind: KindLog, Level: level, Message: message})
}

func (b *Bus) EmitStatus(message string) {
	b.publish(Entry{Time: time.Now(), Kind: KindStatus, Level: LevelInfo, Message: message})
}

func (b *Bus) publish(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- entry:
			return
		default:
		}
		// full: drop the oldest entry to keep emission order for the rest
		select {
		case <-b.ch:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// FormatText renders entries the way the log export feature writes
// them to disk.
func FormatText(entries []Entry) string {
	var builder strings.Builder
	builder.WriteString("quickdoctor logs export\n")
	builder.WriteString(fmt.Sprintf("exported_at: %s\n", time.Now().Format("2006-01-02 15:04:05")))
	builder.WriteString(fmt.Sprintf("total: %d\n\n", len(entries)))
	for _, entry := range entries {
		level := strings.ToUpper(strings.TrimSpace(string(entry.Level)))
		if level == "" {
			level = "INFO"
		}
		builder.WriteString(fmt.Sprintf(
			"[%s] [%s] %s\n",
			entry.Time.Format("15:04:05"),
			level,
			entry.Message,
		))
	}
	return builder.String()
}
