// Package daemon implements the courier event loop: long-poll the chat
// transport, validate, assemble context, invoke the reasoning backend,
// and deliver the reply — with every exchange durably recorded.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/courier-bot/courier/internal/backend"
	"github.com/courier-bot/courier/internal/channel/telegram"
	"github.com/courier-bot/courier/internal/security"
	"github.com/courier-bot/courier/pkg/store"
)

const (
	platform = "telegram"
	ackText  = "Got it! Working on your request..."
	// pollBackoff after a transient poll failure.
	pollBackoff = 5 * time.Second
)

// transport is the slice of the Telegram client the daemon drives.
// Narrowed to an interface so tests can substitute a fake.
type transport interface {
	Poll(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Incoming, int64, error)
	Send(ctx context.Context, chatID int64, out telegram.Outgoing) (*telegram.Receipt, error)
	SendTyping(ctx context.Context, chatID int64)
}

// invoker runs one reasoning request.
type invoker interface {
	Invoke(ctx context.Context, prompt string, progress chan<- backend.Progress) (*backend.Result, error)
}

// Memory is the optional semantic memory surface. Nil disables it.
type Memory interface {
	Retrieve(ctx context.Context, chatID, query string, limit int) []string
	Capture(ctx context.Context, chatID, userText, assistantText string)
	Stats(ctx context.Context, chatID string) (int, error)
}

// Daemon is the main courier process.
type Daemon struct {
	cfg       *Config
	store     *store.Store
	transport transport
	validator *security.Validator
	invoker   invoker
	memory    Memory // nil when semantic memory is disabled

	dryRun    bool
	startedAt time.Time

	backendTimeout   time.Duration
	progressInterval time.Duration

	// capture goroutines outstanding; waited on at shutdown
	captures sync.WaitGroup
}

// New wires a daemon from its parts. mem may be nil.
func New(cfg *Config, st *store.Store, tr transport, iv invoker, mem Memory) *Daemon {
	v := security.New(security.Config{
		AllowedUserIDs:   cfg.Security.AllowedUserIDs,
		AllowedUsernames: cfg.Security.AllowedUsernames,
		MaxPerMinute:     cfg.Security.MaxPerMinute,
		MaxPerHour:       cfg.Security.MaxPerHour,
		BlockedPatterns:  cfg.Security.BlockedPatterns,
		ConfirmPatterns:  cfg.Security.ConfirmPatterns,
		ConfirmTTL:       Duration(cfg.Security.ConfirmTTL, 5*time.Minute),
	})
	return &Daemon{
		cfg:              cfg,
		store:            st,
		transport:        tr,
		validator:        v,
		invoker:          iv,
		memory:           mem,
		startedAt:        time.Now(),
		backendTimeout:   Duration(cfg.Backend.Timeout, 10*time.Minute),
		progressInterval: Duration(cfg.Backend.ProgressInterval, 45*time.Second),
	}
}

// SetDryRun makes the daemon a passive observer: messages are
// validated and the prompt is assembled, but nothing is sent, nothing
// is written to the store, and the cursor never advances, so a live
// daemon started afterwards sees the same pending messages.
func (d *Daemon) SetDryRun(v bool) { d.dryRun = v }

// Run is the live event loop. Blocks until ctx is cancelled or a fatal
// error occurs (permanent transport auth failure, store write failure).
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("courier daemon running",
		"name", d.cfg.Name,
		"workers", d.cfg.Workers,
		"memory", d.memory != nil,
		"dry_run", d.dryRun,
	)
	defer d.captures.Wait()

	offset, err := d.store.Cursor(platform)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	slog.Info("resuming from cursor", "offset", offset)

	pollTimeout := time.Duration(d.cfg.Telegram.PollTimeout) * time.Second
	for {
		if ctx.Err() != nil {
			slog.Info("context cancelled, shutting down")
			return nil
		}

		batch, next, err := d.transport.Poll(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("context cancelled, shutting down")
				return nil
			}
			if errors.Is(err, telegram.ErrPermanent) {
				return fmt.Errorf("transport auth: %w", err)
			}
			slog.Warn("poll failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollBackoff):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		if err := d.runBatch(ctx, batch, next); err != nil {
			return err
		}
		offset = next
	}
}

// RunOnce polls a single batch, processes it, and returns. Used by the
// -once CLI mode for cron-style operation.
func (d *Daemon) RunOnce(ctx context.Context) error {
	offset, err := d.store.Cursor(platform)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	batch, next, err := d.transport.Poll(ctx, offset, 2*time.Second)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if len(batch) == 0 {
		slog.Info("no pending messages")
		return nil
	}
	if err := d.runBatch(ctx, batch, next); err != nil {
		return err
	}
	d.captures.Wait()
	return nil
}

// runBatch processes one poll batch and advances the cursor only after
// every message has been handled and recorded. A crash or persistence
// failure mid-batch therefore redelivers; the store's idempotent
// inbound logging keeps redelivery from duplicating exchanges.
//
// Messages are partitioned by chat: each conversation's messages run
// sequentially in arrival order (a confirmation reply must see the
// pending action it confirms), while distinct chats fan out to the
// worker pool.
func (d *Daemon) runBatch(ctx context.Context, batch []telegram.Incoming, next int64) error {
	slog.Debug("processing batch", "size", len(batch), "next_offset", next)

	if d.dryRun {
		for _, in := range batch {
			d.observe(ctx, in)
		}
		return nil
	}

	var chatOrder []int64
	byChat := make(map[int64][]telegram.Incoming)
	for _, in := range batch {
		if _, ok := byChat[in.ChatID]; !ok {
			chatOrder = append(chatOrder, in.ChatID)
		}
		byChat[in.ChatID] = append(byChat[in.ChatID], in)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, chatID := range chatOrder {
		msgs := byChat[chatID]
		g.Go(func() error {
			for _, in := range msgs {
				if err := d.handle(gctx, in); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A message failed to persist: the cursor stays put so the
		// batch redelivers after restart.
		return err
	}

	if err := d.store.SetCursor(platform, next); err != nil {
		// Without a durable cursor the next start would reprocess this
		// batch forever; halt instead.
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

// observe is the dry-run pipeline: validate and assemble, touching
// neither the transport nor the store beyond reads.
func (d *Daemon) observe(ctx context.Context, in telegram.Incoming) {
	chatKey := strconv.FormatInt(in.ChatID, 10)
	dec := d.validator.Check(in.SenderID, in.Username, chatKey, in.Text, time.Now())
	if dec.Verdict != security.Admitted && dec.Verdict != security.ConfirmResumed {
		slog.Info("dry-run verdict",
			"chat", chatKey, "sender", in.SenderID, "verdict", dec.Verdict.String())
		return
	}
	text := in.Text
	if dec.Verdict == security.ConfirmResumed {
		text = dec.Resumed
	}

	var facts []string
	if d.memory != nil {
		facts = d.memory.Retrieve(ctx, chatKey, text, d.cfg.Context.FactLimit)
	}
	history, err := d.store.History(chatKey, d.cfg.Context.HistoryLimit)
	if err != nil {
		slog.Warn("history unavailable", "chat", chatKey, "error", err)
	}
	prompt := assemblePrompt(facts, history, text, d.cfg.Context.CharBudget)
	slog.Info("dry-run prompt assembled",
		"chat", chatKey,
		"verdict", dec.Verdict.String(),
		"chars", len(prompt),
		"facts", len(facts),
		"history", len(history),
	)
}

// handle runs the full pipeline for one inbound message. Same-chat
// messages serialize on the conversation lock; different chats proceed
// in parallel up to the worker limit. A non-nil error means the
// exchange could not be durably recorded and the batch's cursor must
// not advance.
func (d *Daemon) handle(ctx context.Context, in telegram.Incoming) error {
	chatKey := strconv.FormatInt(in.ChatID, 10)
	unlock := d.validator.Serialize(chatKey)
	defer unlock()

	dec := d.validator.Check(in.SenderID, in.Username, chatKey, in.Text, time.Now())
	slog.Info("inbound message",
		"chat", chatKey,
		"sender", in.SenderID,
		"kind", in.Kind,
		"verdict", dec.Verdict.String(),
		"len", len(in.Text),
	)

	switch dec.Verdict {
	case security.Rejected:
		// Unknown senders get silence: no reply, no history row.
		return nil

	case security.RateLimited, security.NeedsConfirmation,
		security.ConfirmDeclined, security.ConfirmExpired:
		d.reply(ctx, in.ChatID, dec.Notice)
		return nil

	case security.Blocked:
		// Blocked messages are recorded for audit, then refused.
		id, _, err := d.store.LogInbound(platform, chatKey,
			strconv.FormatInt(in.SenderID, 10), in.Username,
			in.Text, in.Kind, strconv.FormatInt(in.MessageID, 10))
		if err != nil {
			return fmt.Errorf("log blocked message: %w", err)
		}
		if err := d.store.SetStatus(id, store.StatusRejected); err != nil {
			return fmt.Errorf("mark blocked message: %w", err)
		}
		d.reply(ctx, in.ChatID, dec.Notice)
		return nil

	case security.ConfirmResumed:
		in.Text = dec.Resumed

	case security.Admitted:
		// fall through
	}

	if cmd, ok := d.handleCommand(ctx, in, chatKey); ok {
		d.reply(ctx, in.ChatID, cmd)
		return nil
	}

	return d.process(ctx, in, chatKey)
}

// process is the admitted-message path: record, acknowledge, assemble,
// invoke, deliver, capture. Store write failures are returned so the
// caller holds the cursor back and the message redelivers.
func (d *Daemon) process(ctx context.Context, in telegram.Incoming, chatKey string) error {
	msgID, exchangeID, err := d.store.LogInbound(platform, chatKey,
		strconv.FormatInt(in.SenderID, 10), in.Username,
		in.Text, in.Kind, strconv.FormatInt(in.MessageID, 10))
	if err != nil {
		return fmt.Errorf("log inbound: %w", err)
	}
	if err := d.store.SetStatus(msgID, store.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	d.reply(ctx, in.ChatID, ackText)
	d.transport.SendTyping(ctx, in.ChatID)

	// Memory and history are context quality, not correctness: both
	// degrade to empty rather than failing the exchange.
	var facts []string
	if d.memory != nil {
		facts = d.memory.Retrieve(ctx, chatKey, in.Text, d.cfg.Context.FactLimit)
	}
	history, err := d.store.History(chatKey, d.cfg.Context.HistoryLimit)
	if err != nil {
		slog.Warn("history unavailable", "chat", chatKey, "error", err)
	} else if len(history) > 0 && history[0].ID == msgID {
		// The row just written is the current message, not history.
		history = history[1:]
	}
	prompt := assemblePrompt(facts, history, in.Text, d.cfg.Context.CharBudget)

	start := time.Now()
	progress := make(chan backend.Progress, 16)
	stopNotices := d.progressNotices(ctx, in.ChatID, progress)
	res, err := d.invoker.Invoke(ctx, prompt, progress)
	stopNotices()
	elapsed := time.Since(start)

	if err != nil {
		slog.Error("backend invocation failed",
			"chat", chatKey, "exchange", exchangeID, "elapsed", elapsed.Round(time.Second), "error", err)
		text := fmt.Sprintf("Sorry, your request failed after %s.", humanSeconds(elapsed))
		if errors.Is(err, backend.ErrTimeout) {
			if res != nil && res.Text != "" {
				text = res.Text + "\n\n" + fmt.Sprintf("⚠️ Timed out after %s — partial response above.", humanSeconds(elapsed))
			} else {
				text = fmt.Sprintf("Sorry, your request timed out after %s.", humanSeconds(elapsed))
			}
		}
		d.reply(ctx, in.ChatID, text)
		return d.finishExchange(chatKey, msgID, exchangeID, text, store.StatusFailed)
	}

	text := res.Text + fmt.Sprintf("\n\n⏱ Completed in %s", humanSeconds(elapsed))
	d.reply(ctx, in.ChatID, text)
	if err := d.finishExchange(chatKey, msgID, exchangeID, text, store.StatusProcessed); err != nil {
		return err
	}

	if d.memory != nil {
		// Capture runs off the request path so slow extraction never
		// delays the next message in this conversation.
		d.captures.Add(1)
		userText, reply := in.Text, res.Text
		go func() {
			defer d.captures.Done()
			d.memory.Capture(context.WithoutCancel(ctx), chatKey, userText, reply)
		}()
	}
	return nil
}

// finishExchange records the outbound half and the final status of the
// inbound message. The reply already went out, but a failed write here
// still holds the cursor back: an exchange that is not durably
// recorded must redeliver rather than vanish.
func (d *Daemon) finishExchange(chatKey string, msgID int64, exchangeID, reply, status string) error {
	if reply != "" {
		if _, err := d.store.LogOutbound(platform, chatKey, reply, telegram.KindText, exchangeID); err != nil {
			return fmt.Errorf("log outbound: %w", err)
		}
	}
	if err := d.store.SetStatus(msgID, status); err != nil {
		return fmt.Errorf("set final status %s: %w", status, err)
	}
	return nil
}

// progressNotices drains the backend progress channel and posts a
// still-working notice when an invocation runs long. Returns a stop
// function; the channel keeps being drained until the invocation ends
// so the invoker never blocks.
func (d *Daemon) progressNotices(ctx context.Context, chatID int64, progress <-chan backend.Progress) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d.progressInterval)
		defer ticker.Stop()
		var lastTool string
		for {
			select {
			case <-done:
				return
			case p := <-progress:
				if p.Kind == "tool" {
					lastTool = p.Tool
				}
			case <-ticker.C:
				notice := "⏳ Still working..."
				if lastTool != "" {
					notice = fmt.Sprintf("⏳ Still working... (running %s)", lastTool)
				}
				d.reply(ctx, chatID, notice)
				d.transport.SendTyping(ctx, chatID)
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// reply sends text to a chat, logging delivery failure. The transport
// already retries transient errors internally.
func (d *Daemon) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := d.transport.Send(ctx, chatID, telegram.Outgoing{Kind: telegram.KindText, Text: text}); err != nil {
		slog.Error("send failed", "chat", chatID, "error", err)
	}
}

// handleCommand serves the built-in slash commands. Returns the reply
// text and whether the message was a command.
func (d *Daemon) handleCommand(ctx context.Context, in telegram.Incoming, chatKey string) (string, bool) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(in.Text), " ")
	// Commands may arrive as /status@botname in group chats.
	cmd, _, _ = strings.Cut(cmd, "@")
	switch cmd {
	case "/start":
		return "Hi! I'm " + d.cfg.Name + ". Send me a message and I'll work on it. Use /help for commands.", true
	case "/help":
		return "Commands:\n" +
			"/status — daemon uptime and message counts\n" +
			"/memory — stored facts for this conversation\n" +
			"/help — this message\n\n" +
			"Anything else is sent to the reasoning backend.", true
	case "/status":
		st := d.store.Stats()
		var b strings.Builder
		fmt.Fprintf(&b, "Uptime: %s\n", time.Since(d.startedAt).Round(time.Second))
		fmt.Fprintf(&b, "Messages: %d (%d in / %d out, %d failed)\n",
			st.TotalMessages, st.Inbound, st.Outbound, st.Failed)
		fmt.Fprintf(&b, "Conversations: %d", st.Conversations)
		if recent, err := d.store.FailedSince(time.Now().Add(-24 * time.Hour)); err == nil && len(recent) > 0 {
			fmt.Fprintf(&b, "\nFailed in last 24h: %d", len(recent))
		}
		if convs, err := d.store.RecentConversations(1); err == nil && len(convs) > 0 {
			fmt.Fprintf(&b, "\nLast activity: %s", convs[0].LastMessageAt.Format("2006-01-02 15:04"))
		}
		return b.String(), true
	case "/memory":
		if d.memory == nil {
			return "Semantic memory is disabled.", true
		}
		if query := strings.TrimSpace(rest); query != "" {
			facts := d.memory.Retrieve(ctx, chatKey, query, d.cfg.Context.FactLimit)
			if len(facts) == 0 {
				return "No stored facts match that.", true
			}
			return "- " + strings.Join(facts, "\n- "), true
		}
		n, err := d.memory.Stats(ctx, chatKey)
		if err != nil {
			return "Memory store unavailable right now.", true
		}
		return fmt.Sprintf("I'm holding %d facts about this conversation. Use /memory <query> to search them.", n), true
	}
	return "", false
}

func humanSeconds(d time.Duration) string {
	return fmt.Sprintf("%.0fs", d.Seconds())
}
