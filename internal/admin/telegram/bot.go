// Package telegram exposes the admin surface as a Telegram bot and doubles as
// a sink for remote log lines.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"cronservice/internal/admin"
	"cronservice/internal/cron"
	rtsup "cronservice/internal/runtime/supervisor"
	logx "cronservice/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4096

type Config struct {
	Token       string
	OwnerIDs    []int64
	LogChatID   int64 // 0 sends log lines to the first owner
	PollTimeout time.Duration
}

// Bot serves /tasks and /force <id> to owners.
type Bot struct {
	cfg Config
	log logx.Logger
	svc *admin.Service

	bot  *tele.Bot
	poll poller

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	// polling is set while poll.Start is running or about to run. Stop on an
	// idle poller would block forever.
	pollMu  sync.Mutex
	polling bool
}

// poller is the long-polling half of *tele.Bot.
type poller interface {
	Start()
	Stop()
}

func New(cfg Config, svc *admin.Service, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.OwnerIDs) == 0 {
		return nil, errors.New("telegram owner_ids is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), svc: svc, bot: tb, poll: tb}
	b.registerHandlers()
	return b, nil
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(b.help())
	})
	b.bot.Handle("/tasks", func(c tele.Context) error {
		return b.reply(c, b.tasks(context.Background(), senderID(c)))
	})
	b.bot.Handle("/force", func(c tele.Context) error {
		return b.reply(c, b.force(context.Background(), senderID(c), c.Args()))
	})
}

func senderID(c tele.Context) int64 {
	if s := c.Sender(); s != nil {
		return s.ID
	}
	return 0
}

func (b *Bot) reply(c tele.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := c.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) help() string {
	return "/tasks - list tasks and their next run\n/force <id> - run a task on the next tick"
}

func (b *Bot) isOwner(id int64) bool { return slices.Contains(b.cfg.OwnerIDs, id) }

func (b *Bot) tasks(ctx context.Context, from int64) string {
	if !b.isOwner(from) {
		b.log.Warn("unauthorized command", logx.Int64("user", from), logx.String("cmd", "tasks"))
		return "Not allowed."
	}
	rows, err := b.svc.List(ctx)
	if err != nil {
		b.log.Error("list failed", logx.Err(err))
		return "Listing failed: " + err.Error()
	}
	return admin.RenderText(rows)
}

func (b *Bot) force(ctx context.Context, from int64, args []string) string {
	if !b.isOwner(from) {
		b.log.Warn("unauthorized command", logx.Int64("user", from), logx.String("cmd", "force"))
		return "Not allowed."
	}
	if len(args) != 1 {
		return "Usage: /force <id>"
	}
	id := args[0]
	err := b.svc.Force(ctx, id, "telegram:"+strconv.FormatInt(from, 10))
	switch {
	case err == nil:
		return fmt.Sprintf("Task %s will run on the next Cron run.", id)
	case errors.Is(err, cron.ErrUnknownTask):
		return fmt.Sprintf("Unknown task %q.", id)
	case errors.Is(err, admin.ErrRateLimited):
		return "Too many force requests, try again later."
	default:
		b.log.Error("force failed", logx.String("task", id), logx.Err(err))
		return "Force failed: " + err.Error()
	}
}

// Start begins long polling under a restart loop.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.sup != nil {
		return
	}
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log))
	sup := b.sup

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.pollMu.Lock()
		running := b.polling
		b.pollMu.Unlock()
		if running {
			b.poll.Stop()
		}
	})
	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.pollMu.Lock()
		if c.Err() != nil {
			b.pollMu.Unlock()
			return c.Err()
		}
		b.polling = true
		b.pollMu.Unlock()

		b.log.Info("polling started")
		b.poll.Start()
		b.log.Info("polling stopped")

		b.pollMu.Lock()
		b.polling = false
		b.pollMu.Unlock()
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	b.runMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// SendLog implements logx.Sender.
func (b *Bot) SendLog(ctx context.Context, text string) error {
	chat := b.cfg.LogChatID
	if chat == 0 {
		chat = b.cfg.OwnerIDs[0]
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(tele.ChatID(chat), chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
