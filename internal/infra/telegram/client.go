package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

const defaultBaseURL = "https://api.telegram.org"

// Client sends quiz polls and text messages through the Bot API.
type Client struct {
	bot *tgbotapi.BotAPI
}

var (
	_ app.PollSender    = (*Client)(nil)
	_ app.MessageSender = (*Client)(nil)
)

type options struct {
	baseURL string
	http    tgbotapi.HTTPClient
}

type Option func(*options)

// WithBaseURL points the client at another API host, e.g. a local bot API server.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

func WithHTTPClient(h tgbotapi.HTTPClient) Option {
	return func(o *options) { o.http = h }
}

// NewClient builds a client without calling getMe, so a bad token shows up on the
// first send rather than at startup.
func NewClient(token string, opts ...Option) *Client {
	o := options{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(&o)
	}
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: o.http,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(strings.TrimRight(o.baseURL, "/") + "/bot%s/%s")
	return &Client{bot: bot}
}

// SendPoll sends a non-anonymous quiz poll and returns the poll id answers will carry.
func (c *Client) SendPoll(ctx context.Context, chatID string, poll app.Poll) (string, error) {
	params := tgbotapi.Params{
		"chat_id":      chatID,
		"question":     poll.Question,
		"type":         "quiz",
		"is_anonymous": "false",
		// always sent: option 0 is a valid answer
		"correct_option_id": strconv.Itoa(poll.CorrectIndex),
	}
	params.AddNonEmpty("explanation", poll.Explanation)
	if err := params.AddInterface("options", poll.Options); err != nil {
		return "", fmt.Errorf("encode poll options: %w", err)
	}
	msg, err := c.call(ctx, "sendPoll", params)
	if err != nil {
		return "", err
	}
	if msg.Poll == nil || msg.Poll.ID == "" {
		return "", fmt.Errorf("%w: sendPoll returned no poll id", domain.ErrDeliveryFailure)
	}
	return msg.Poll.ID, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	params := tgbotapi.Params{"chat_id": chatID, "text": text}
	msg, err := c.call(ctx, "sendMessage", params)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.MessageID), nil
}

type callResult struct {
	resp *tgbotapi.APIResponse
	err  error
}

// call runs method and decodes the resulting message. The library call is not
// cancellable, so a cancelled ctx abandons it and the HTTP client timeout ends it.
func (c *Client) call(ctx context.Context, method string, params tgbotapi.Params) (tgbotapi.Message, error) {
	done := make(chan callResult, 1)
	go func() {
		resp, err := c.bot.MakeRequest(method, params)
		done <- callResult{resp: resp, err: err}
	}()

	var res callResult
	select {
	case <-ctx.Done():
		return tgbotapi.Message{}, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return tgbotapi.Message{}, classify(method, res.err)
	}
	var msg tgbotapi.Message
	if err := json.Unmarshal(res.resp.Result, &msg); err != nil {
		return tgbotapi.Message{}, fmt.Errorf("%w: decode %s result: %v", domain.ErrDeliveryFailure, method, err)
	}
	return msg, nil
}

// Descriptions of 400 responses that reject the payload itself.
var malformedMarkers = []string{
	"poll", "option", "question",
	"message text is empty", "text must be non-empty", "message is too long",
	"can't parse entities",
}

// Descriptions of responses about a chat that cannot receive messages.
var recipientMarkers = []string{
	"chat not found", "user not found", "bot was blocked", "bot was kicked",
	"user is deactivated", "not enough rights", "have no rights", "bot is not a member",
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classify maps a Bot API failure onto the delivery taxonomy:
//   - 429 → ThrottledError carrying retry_after
//   - 403 or an unreachable chat → ErrRecipientUnavailable
//   - 400 about the poll or text itself → ErrUnsendable
//   - anything else, 401 included → ErrDeliveryFailure
func classify(method string, err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %v", domain.ErrDeliveryFailure, method, err)
	}
	desc := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &domain.ThrottledError{
			Wait: time.Duration(apiErr.RetryAfter) * time.Second,
			Err:  fmt.Errorf("%s: %s", method, apiErr.Message),
		}
	case apiErr.Code == http.StatusForbidden, containsAny(desc, recipientMarkers):
		return fmt.Errorf("%w: %s (%d): %s", domain.ErrRecipientUnavailable, method, apiErr.Code, apiErr.Message)
	case apiErr.Code == http.StatusBadRequest && containsAny(desc, malformedMarkers):
		return fmt.Errorf("%w: %s (%d): %s", domain.ErrUnsendable, method, apiErr.Code, apiErr.Message)
	default:
		return fmt.Errorf("%w: %s failed (%d): %s", domain.ErrDeliveryFailure, method, apiErr.Code, apiErr.Message)
	}
}
