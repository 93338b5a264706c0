// Package telegram implements the transport gateway against the
// Telegram Bot API: long-poll reads via getUpdates and chunked,
// retried sends. It is the only place transport wire details live;
// the daemon sees Incoming values and a Send contract.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/courier-bot/courier/pkg/retry"
)

// ErrPermanent marks auth/config failures from the Bot API (401/403).
// The daemon treats these as fatal rather than retrying forever.
var ErrPermanent = errors.New("telegram: permanent transport error")

const (
	defaultAPIBase = "https://api.telegram.org"
	// maxMessageLen is Telegram's hard text limit minus headroom for
	// chunk prefixes.
	maxMessageLen = 4000
	// chunkPause between sequential chunks respects per-chat send limits.
	chunkPause = 500 * time.Millisecond
)

// Outgoing content kinds.
const (
	KindText     = "text"
	KindDocument = "document"
	KindPhoto    = "photo"
)

// Incoming is one inbound message, immutable once built.
type Incoming struct {
	UpdateID  int64 // transport sequence cursor
	MessageID int64
	ChatID    int64
	SenderID  int64
	Username  string
	Text      string
	Kind      string // text, document, photo
	Timestamp time.Time
}

// Outgoing is a tagged content variant for Send.
type Outgoing struct {
	Kind string // text, document, photo
	Text string // message text or caption
	Path string // local file path for document/photo
}

// Receipt reports a completed delivery.
type Receipt struct {
	MessageIDs []int64
	Chunks     int
}

// Client talks to the Telegram Bot API.
type Client struct {
	token   string
	apiBase string
	http    *http.Client
	policy  retry.Policy
}

// New creates a Bot API client. apiBase overrides the production
// endpoint for tests; empty means api.telegram.org.
func New(token, apiBase string) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Client{
		token:   token,
		apiBase: apiBase,
		// Long polls hold the connection open for the poll timeout;
		// the client timeout needs headroom beyond it.
		http:   &http.Client{Timeout: 90 * time.Second},
		policy: retry.DefaultPolicy(),
	}
}

// call posts a JSON payload to a Bot API method and returns the result
// envelope. Auth failures come back wrapped in ErrPermanent.
func (c *Client) call(ctx context.Context, method string, payload any) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s response: %w", method, err)
	}

	parsed := gjson.ParseBytes(raw)
	if !parsed.Get("ok").Bool() {
		code := parsed.Get("error_code").Int()
		desc := parsed.Get("description").String()
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return gjson.Result{}, fmt.Errorf("%w: %s %d: %s", ErrPermanent, method, code, desc)
		}
		return gjson.Result{}, fmt.Errorf("%s: API error %d: %s", method, code, desc)
	}
	return parsed.Get("result"), nil
}

// callRetry wraps call in the shared backoff policy. Permanent errors
// abort immediately.
func (c *Client) callRetry(ctx context.Context, method string, payload any) (gjson.Result, error) {
	var result gjson.Result
	err := c.policy.Do(ctx, func() error {
		r, err := c.call(ctx, method, payload)
		if err != nil {
			if errors.Is(err, ErrPermanent) {
				return retry.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// --- Poll path ---

// Poll long-polls getUpdates starting after offset. It returns the
// ordered batch (possibly empty on timeout) and the next offset to
// poll from. Polling is restartable from any previously returned offset.
func (c *Client) Poll(ctx context.Context, offset int64, timeout time.Duration) ([]Incoming, int64, error) {
	payload := map[string]any{
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}

	result, err := c.callRetry(ctx, "getUpdates", payload)
	if err != nil {
		return nil, offset, err
	}

	var batch []Incoming
	next := offset
	result.ForEach(func(_, update gjson.Result) bool {
		updateID := update.Get("update_id").Int()
		if updateID+1 > next {
			next = updateID + 1
		}
		msg := update.Get("message")
		if !msg.Exists() {
			return true
		}
		in := Incoming{
			UpdateID:  updateID,
			MessageID: msg.Get("message_id").Int(),
			ChatID:    msg.Get("chat.id").Int(),
			SenderID:  msg.Get("from.id").Int(),
			Username:  msg.Get("from.username").String(),
			Text:      msg.Get("text").String(),
			Kind:      KindText,
			Timestamp: time.Unix(msg.Get("date").Int(), 0).UTC(),
		}
		switch {
		case msg.Get("document").Exists():
			in.Kind = KindDocument
			in.Text = msg.Get("caption").String()
		case msg.Get("photo").Exists():
			in.Kind = KindPhoto
			in.Text = msg.Get("caption").String()
		}
		if in.Text == "" {
			// Voice, stickers, locations and caption-less uploads carry
			// nothing the backend can work with. The offset still moves
			// past them.
			slog.Debug("skipping update with no usable text",
				"update_id", updateID, "chat", in.ChatID)
			return true
		}
		batch = append(batch, in)
		return true
	})

	if len(batch) > 0 {
		slog.Debug("poll batch", "updates", len(batch), "next_offset", next)
	}
	return batch, next, nil
}

// --- Send path ---

// Send delivers an Outgoing to a chat. Text longer than the transport
// limit is split into ordered [i/n]-prefixed chunks with a short pause
// between them. Exhausted retries surface as an error, never a silent
// drop.
func (c *Client) Send(ctx context.Context, chatID int64, out Outgoing) (*Receipt, error) {
	switch out.Kind {
	case "", KindText:
		return c.sendText(ctx, chatID, out.Text)
	case KindDocument:
		id, err := c.upload(ctx, "sendDocument", "document", chatID, out.Path, out.Text)
		if err != nil {
			return nil, err
		}
		return &Receipt{MessageIDs: []int64{id}, Chunks: 1}, nil
	case KindPhoto:
		id, err := c.upload(ctx, "sendPhoto", "photo", chatID, out.Path, out.Text)
		if err != nil {
			return nil, err
		}
		return &Receipt{MessageIDs: []int64{id}, Chunks: 1}, nil
	}
	return nil, fmt.Errorf("send: unknown content kind %q", out.Kind)
}

func (c *Client) sendText(ctx context.Context, chatID int64, text string) (*Receipt, error) {
	chunks := splitMessage(text, maxMessageLen)
	receipt := &Receipt{Chunks: len(chunks)}

	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		result, err := c.callRetry(ctx, "sendMessage", map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		})
		if err != nil {
			return receipt, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		receipt.MessageIDs = append(receipt.MessageIDs, result.Get("message_id").Int())

		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return receipt, ctx.Err()
			case <-time.After(chunkPause):
			}
		}
	}

	slog.Info("message sent", "chat", chatID, "chunks", len(chunks), "len", len(text))
	return receipt, nil
}

// upload sends a local file via multipart form data.
func (c *Client) upload(ctx context.Context, method, field string, chatID int64, path, caption string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("chat_id", fmt.Sprint(chatID))
	if caption != "" {
		w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return 0, fmt.Errorf("%s form: %w", method, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return 0, fmt.Errorf("%s copy: %w", method, err)
	}
	w.Close()

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read %s response: %w", method, err)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.Get("ok").Bool() {
		return 0, fmt.Errorf("%s: API error %d: %s",
			method, parsed.Get("error_code").Int(), parsed.Get("description").String())
	}

	slog.Info("file sent", "chat", chatID, "method", method, "file", filepath.Base(path))
	return parsed.Get("result.message_id").Int(), nil
}

// SendTyping shows the "typing..." indicator while a request is being
// processed. Failures are ignored; it's cosmetic.
func (c *Client) SendTyping(ctx context.Context, chatID int64) {
	_, err := c.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	if err != nil {
		slog.Debug("typing action failed", "chat", chatID, "error", err)
	}
}

// SetCommands registers the bot's command menu.
func (c *Client) SetCommands(ctx context.Context) error {
	commands := []map[string]string{
		{"command": "start", "description": "Start the bot"},
		{"command": "help", "description": "Show help message"},
		{"command": "status", "description": "Check daemon status"},
		{"command": "memory", "description": "Search persistent memory"},
	}
	_, err := c.callRetry(ctx, "setMyCommands", map[string]any{"commands": commands})
	return err
}

// Me returns the bot's username, verifying the token works.
func (c *Client) Me(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "getMe", map[string]any{})
	if err != nil {
		return "", err
	}
	return result.Get("username").String(), nil
}

// splitMessage cuts text into chunks of at most maxLen bytes, breaking
// at the last newline in range when one is close enough to the cut.
func splitMessage(s string, maxLen int) []string {
	if len(s) <= maxLen {
		return []string{s}
	}
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		if nl := strings.LastIndex(s[:maxLen], "\n"); nl > maxLen-500 {
			cut = nl
		}
		chunks = append(chunks, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
