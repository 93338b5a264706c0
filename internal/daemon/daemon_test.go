package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/courier-bot/courier/internal/backend"
	"github.com/courier-bot/courier/internal/channel/telegram"
	"github.com/courier-bot/courier/pkg/store"
	_ "modernc.org/sqlite"
)

// fakeTransport serves one canned batch and records sends.
type fakeTransport struct {
	mu       sync.Mutex
	batch    []telegram.Incoming
	served   bool
	sends    []string
	sendsTo  []int64
	pollHook func() // runs once, just before the batch is served
}

func (f *fakeTransport) Poll(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Incoming, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served || len(f.batch) == 0 {
		return nil, offset, nil
	}
	f.served = true
	if f.pollHook != nil {
		f.pollHook()
	}
	next := f.batch[len(f.batch)-1].UpdateID + 1
	return f.batch, next, nil
}

func (f *fakeTransport) Send(ctx context.Context, chatID int64, out telegram.Outgoing) (*telegram.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, out.Text)
	f.sendsTo = append(f.sendsTo, chatID)
	return &telegram.Receipt{MessageIDs: []int64{int64(len(f.sends))}, Chunks: 1}, nil
}

func (f *fakeTransport) SendTyping(ctx context.Context, chatID int64) {}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

// fakeInvoker returns a fixed answer or error.
type fakeInvoker struct {
	text  string
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string, progress chan<- backend.Progress) (*backend.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return &backend.Result{Text: "", Partial: true}, f.err
	}
	return &backend.Result{Text: f.text, Elapsed: time.Second}, nil
}

func testConfig(t *testing.T) *Config {
	cfg := &Config{
		Security: SecurityConfig{AllowedUserIDs: []int64{1001}},
		DataDir:  t.TempDir(),
	}
	cfg.applyDefaults()
	return cfg
}

func openTestStore(t *testing.T, cfg *Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func inbound(update, msgID, chat, sender int64, username, text string) telegram.Incoming {
	return telegram.Incoming{
		UpdateID: update, MessageID: msgID, ChatID: chat,
		SenderID: sender, Username: username, Text: text,
		Kind: telegram.KindText, Timestamp: time.Now(),
	}
}

func TestRunOnceProcessesAdmittedMessage(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStore(t, cfg)
	tr := &fakeTransport{batch: []telegram.Incoming{
		inbound(700, 1, 42, 1001, "alice", "what is the answer"),
	}}
	iv := &fakeInvoker{text: "The answer is 42."}

	d := New(cfg, st, tr, iv, nil)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	sends := tr.sent()
	if len(sends) < 2 {
		t.Fatalf("sends = %v, want ack + reply", sends)
	}
	if sends[0] != ackText {
		t.Errorf("first send = %q, want ack", sends[0])
	}
	reply := sends[len(sends)-1]
	if !strings.Contains(reply, "The answer is 42.") {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(reply, "Completed in") {
		t.Errorf("reply missing completion footer: %q", reply)
	}

	// Cursor advanced past the batch.
	off, err := st.Cursor(platform)
	if err != nil {
		t.Fatal(err)
	}
	if off != 701 {
		t.Errorf("cursor = %d, want 701", off)
	}

	// Both halves recorded, inbound marked processed.
	history, err := st.History("42", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d rows, want 2", len(history))
	}
	var in *store.Message
	for i := range history {
		if history[i].Direction == store.DirInbound {
			in = &history[i]
		}
	}
	if in == nil || in.Status != store.StatusProcessed {
		t.Errorf("inbound row = %+v, want processed", in)
	}
}

func TestRunOnceBackendFailureStillAdvancesCursor(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStore(t, cfg)
	tr := &fakeTransport{batch: []telegram.Incoming{
		inbound(800, 1, 42, 1001, "alice", "please do the thing"),
	}}
	iv := &fakeInvoker{err: errors.New("backend exploded")}

	d := New(cfg, st, tr, iv, nil)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	reply := tr.sent()[len(tr.sent())-1]
	if !strings.Contains(reply, "failed after") {
		t.Errorf("reply = %q, want failure notice", reply)
	}

	off, _ := st.Cursor(platform)
	if off != 801 {
		t.Errorf("cursor = %d, want 801 (failure must not wedge the cursor)", off)
	}

	history, _ := st.History("42", 10)
	var status string
	for _, m := range history {
		if m.Direction == store.DirInbound {
			status = m.Status
		}
	}
	if status != store.StatusFailed {
		t.Errorf("inbound status = %q, want failed", status)
	}
}

func TestRunOnceRejectsUnknownSenderSilently(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStore(t, cfg)
	tr := &fakeTransport{batch: []telegram.Incoming{
		inbound(900, 1, 99, 5555, "mallory", "let me in"),
	}}
	iv := &fakeInvoker{text: "should never run"}

	d := New(cfg, st, tr, iv, nil)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if n := len(tr.sent()); n != 0 {
		t.Errorf("sends = %v, want silence for non-whitelisted sender", tr.sent())
	}
	if iv.calls != 0 {
		t.Error("backend must not run for rejected messages")
	}
	if history, _ := st.History("99", 10); len(history) != 0 {
		t.Errorf("history = %d rows, want none", len(history))
	}
	// Cursor still advances: a rejected update is handled, not pending.
	if off, _ := st.Cursor(platform); off != 901 {
		t.Errorf("cursor = %d, want 901", off)
	}
}

func TestRunOnceBlockedMessageAudited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.BlockedPatterns = []string{"rm -rf"}
	st := openTestStore(t, cfg)
	tr := &fakeTransport{batch: []telegram.Incoming{
		inbound(910, 1, 42, 1001, "alice", "run rm -rf / please"),
	}}
	iv := &fakeInvoker{}

	d := New(cfg, st, tr, iv, nil)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if iv.calls != 0 {
		t.Error("backend must not run for blocked messages")
	}
	sends := tr.sent()
	if len(sends) != 1 || !strings.Contains(sends[0], "blocked") {
		t.Errorf("sends = %v, want one blocked notice", sends)
	}
	history, _ := st.History("42", 10)
	if len(history) != 1 || history[0].Status != store.StatusRejected {
		t.Errorf("history = %+v, want one rejected row", history)
	}
}

func TestRunOnceDryRunIsPassive(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStore(t, cfg)
	tr := &fakeTransport{batch: []telegram.Incoming{
		inbound(920, 1, 42, 1001, "alice", "summarize the repo"),
	}}
	iv := &fakeInvoker{text: "should never run"}

	d := New(cfg, st, tr, iv, nil)
	d.SetDryRun(true)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if iv.calls != 0 {
		t.Error("dry-run must not invoke the backend")
	}
	if sends := tr.sent(); len(sends) != 0 {
		t.Errorf("sends = %v, want none in dry-run", sends)
	}
	if history, _ := st.History("42", 10); len(history) != 0 {
		t.Errorf("history = %d rows, want none in dry-run", len(history))
	}
	// The message stays pending for a live daemon.
	if off, _ := st.Cursor(platform); off != 0 {
		t.Errorf("cursor = %d, want 0 after dry-run", off)
	}
}

func TestRunOncePersistenceFailureHaltsCursor(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStore(t, cfg)
	tr := &fakeTransport{batch: []telegram.Incoming{
		inbound(950, 1, 42, 1001, "alice", "hello"),
	}}
	// The store dies between the cursor load and the first write.
	tr.pollHook = func() { st.Close() }
	iv := &fakeInvoker{text: "should never run"}

	d := New(cfg, st, tr, iv, nil)
	if err := d.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce must surface the store failure")
	}
	if iv.calls != 0 {
		t.Error("backend must not run when the exchange cannot be recorded")
	}

	reopened, err := store.Open(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if off, _ := reopened.Cursor(platform); off != 0 {
		t.Errorf("cursor = %d, want 0 so the batch redelivers", off)
	}
}

func TestRunOnceCommands(t *testing.T) {
	cfg := testConfig(t)
	st := openTestStore(t, cfg)
	tr := &fakeTransport{batch: []telegram.Incoming{
		inbound(930, 1, 42, 1001, "alice", "/status"),
	}}
	iv := &fakeInvoker{text: "should never run"}

	d := New(cfg, st, tr, iv, nil)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if iv.calls != 0 {
		t.Error("commands must not reach the backend")
	}
	sends := tr.sent()
	if len(sends) != 1 || !strings.Contains(sends[0], "Uptime") {
		t.Errorf("sends = %v, want status report", sends)
	}
}

func TestSameChatMessagesSerialize(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 4
	st := openTestStore(t, cfg)

	var batch []telegram.Incoming
	for i := range 3 {
		batch = append(batch, inbound(int64(940+i), int64(i+1), 42, 1001, "alice",
			fmt.Sprintf("request %d", i+1)))
	}
	tr := &fakeTransport{batch: batch}

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	var prompts []string
	iv := invokerFunc(func(ctx context.Context, prompt string, progress chan<- backend.Progress) (*backend.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		prompts = append(prompts, prompt)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &backend.Result{Text: "ok"}, nil
	})

	d := New(cfg, st, tr, iv, nil)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if maxInFlight != 1 {
		t.Errorf("max concurrent invocations for one chat = %d, want 1", maxInFlight)
	}
	// Arrival order holds: a "yes" must not overtake the request it
	// confirms. The current message is the prompt's last line.
	if len(prompts) != 3 {
		t.Fatalf("invocations = %d, want 3", len(prompts))
	}
	for i, prompt := range prompts {
		want := fmt.Sprintf("request %d", i+1)
		if !strings.HasSuffix(prompt, want) {
			t.Errorf("invocation %d is for %q, want %q", i, prompt, want)
		}
	}
}

type invokerFunc func(ctx context.Context, prompt string, progress chan<- backend.Progress) (*backend.Result, error)

func (f invokerFunc) Invoke(ctx context.Context, prompt string, progress chan<- backend.Progress) (*backend.Result, error) {
	return f(ctx, prompt, progress)
}
