// Package admin is the operator surface over the cron manager: a status
// listing and a rate-limited "force on next run" action.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cronservice/internal/cron"
	logx "cronservice/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("admin: too many force requests, try again later")

// Manager is the subset of *cron.Manager the admin surface needs.
type Manager interface {
	Status(ctx context.Context) ([]cron.TaskStatus, error)
	ForceNextRun(ctx context.Context, id string) error
	Task(id string) (cron.Task, bool)
}

type Config struct {
	// ForceEvery is the sustained interval between force requests per actor. 0 disables limiting.
	ForceEvery time.Duration
	ForceBurst int
	Location   *time.Location
	TimeFormat string
}

// Row is one task in the listing.
type Row struct {
	cron.TaskStatus
	Statements []string
}

type Service struct {
	mgr Manager
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(mgr Manager, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "2006-01-02 15:04:05 MST"
	}
	if cfg.ForceBurst <= 0 {
		cfg.ForceBurst = 3
	}
	return &Service{mgr: mgr, cfg: cfg, log: log.With(logx.String("comp", "admin")), limiters: map[string]*rate.Limiter{}}
}

// List returns every registered task with human-readable next-run statements.
func (s *Service) List(ctx context.Context) ([]Row, error) {
	st, err := s.mgr.Status(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(st))
	for _, ts := range st {
		rows = append(rows, Row{TaskStatus: ts, Statements: Statements(ts, s.formatTime)})
	}
	return rows, nil
}

func (s *Service) formatTime(t time.Time) string {
	return t.In(s.cfg.Location).Format(s.cfg.TimeFormat)
}

// Statements describes when a task runs next.
func Statements(ts cron.TaskStatus, format func(time.Time) string) []string {
	switch {
	case ts.Forced:
		out := []string{"Forced for the next Cron run"}
		if !ts.ScheduledAt.IsZero() {
			out = append(out, "Was scheduled for "+format(ts.ScheduledAt))
		}
		return out
	case !ts.ScheduledAt.IsZero():
		return []string{"Scheduled for " + format(ts.ScheduledAt)}
	default:
		return []string{"Next Cron run"}
	}
}

// Force arms id for the next tick on behalf of actor.
// Unlike cron.Manager.ForceNextRun, the id must be registered.
func (s *Service) Force(ctx context.Context, id, actor string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return cron.ErrEmptyID
	}
	if _, ok := s.mgr.Task(id); !ok {
		return fmt.Errorf("%w: %s", cron.ErrUnknownTask, id)
	}
	if !s.allow(actor) {
		s.log.Warn("force rate limited", logx.String("task", id), logx.String("actor", actor))
		return ErrRateLimited
	}
	if err := s.mgr.ForceNextRun(ctx, id); err != nil {
		return err
	}
	s.log.Info("force requested", logx.String("task", id), logx.String("actor", actor))
	return nil
}

func (s *Service) allow(actor string) bool {
	if s.cfg.ForceEvery <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.limiters[actor]
	if l == nil {
		l = rate.NewLimiter(rate.Every(s.cfg.ForceEvery), s.cfg.ForceBurst)
		s.limiters[actor] = l
	}
	return l.Allow()
}

// RenderText formats rows for terminals and chat messages.
func RenderText(rows []Row) string {
	if len(rows) == 0 {
		return "No tasks registered."
	}
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r.ID)
		var caps []string
		if r.Scheduled {
			caps = append(caps, "scheduled")
		}
		if r.TimeControlled {
			caps = append(caps, "time-controlled")
		}
		if len(caps) > 0 {
			b.WriteString(" (" + strings.Join(caps, ", ") + ")")
		}
		for _, st := range r.Statements {
			b.WriteString("\n  - " + st)
		}
	}
	return b.String()
}
