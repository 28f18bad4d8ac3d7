package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a formatted log line to an operator channel such as a
// Telegram chat.
type Sender interface {
	SendLog(ctx context.Context, text string) error
}

const (
	remoteMaxLen   = 3500
	remoteFieldLen = 600
	remoteSendWait = 10 * time.Second
)

type senderRef struct{ s Sender }

// forwarder is a zerolog sink that queues lines at or above minLevel for a Sender.
// Lines over the rate limit, or arriving while the queue is full, are dropped.
type forwarder struct {
	sender atomic.Pointer[senderRef]
	queue  chan string

	mu       sync.Mutex
	minLevel zerolog.Level
	lim      *rate.Limiter

	start  sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newForwarder(size int) *forwarder {
	return &forwarder{queue: make(chan string, size), minLevel: zerolog.WarnLevel}
}

func (f *forwarder) setSender(s Sender) { f.sender.Store(&senderRef{s: s}) }

func (f *forwarder) target() Sender {
	if r := f.sender.Load(); r != nil {
		return r.s
	}
	return nil
}

func (f *forwarder) configure(minLevel zerolog.Level, limit rate.Limit) {
	f.mu.Lock()
	f.minLevel = minLevel
	f.lim = rate.NewLimiter(limit, int(limit))
	f.mu.Unlock()

	f.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		f.mu.Lock()
		f.cancel = cancel
		f.mu.Unlock()
		f.wg.Add(1)
		go f.run(ctx)
	})
}

func (f *forwarder) stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		f.wg.Wait()
	}
}

func (f *forwarder) run(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-f.queue:
			s := f.target()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, remoteSendWait)
			_ = s.SendLog(sctx, line)
			cancel()
		}
	}
}

func (f *forwarder) Write(p []byte) (int, error) { return f.WriteLevel(zerolog.InfoLevel, p) }

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if f.target() == nil {
		return len(p), nil
	}
	f.mu.Lock()
	pass := f.lim != nil && level >= f.minLevel && f.lim.Allow()
	f.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if line := formatRemote(p); line != "" {
		select {
		case f.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// formatRemote renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" row per field, sorted by key.
func formatRemote(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), remoteMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), remoteFieldLen))
	}
	return truncate(b.String(), remoteMaxLen)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
