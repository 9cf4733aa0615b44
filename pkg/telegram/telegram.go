package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const defaultBaseURL = "https://api.telegram.org"

// Client is a thin Telegram Bot API client covering what the platform
// needs: token validation, long-polling and plain message sends.
type Client struct {
	client *resty.Client
	token  string
}

// NewClient builds a client for one bot token. baseURL is overridable
// for tests; pass "" for api.telegram.org.
func NewClient(token string, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	// resty picks up HTTP(S)_PROXY from the environment on its own.
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(90 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &Client{client: client, token: token}
}

// User is the Bot API User object (getMe result).
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat identifies the conversation an update belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is the subset of the Bot API Message object we consume.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from"`
	Text      string `json:"text"`
}

// Update is one long-polling update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

func (c *Client) method(name string) string {
	return fmt.Sprintf("/bot%s/%s", c.token, name)
}

// req is the base request: Bot API responses are JSON whether or not
// the server says so in the Content-Type header.
func (c *Client) req(ctx context.Context) *resty.Request {
	return c.client.R().
		SetContext(ctx).
		ForceContentType("application/json")
}

// GetMe validates the token and returns the bot identity.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var out apiResponse[User]
	resp, err := c.req(ctx).
		SetResult(&out).
		Get(c.method("getMe"))
	if err != nil {
		return nil, errors.Wrap(err, "getMe request")
	}
	if !out.OK {
		return nil, errors.Errorf("getMe failed: %d %s (http %d)", out.ErrorCode, out.Description, resp.StatusCode())
	}
	return &out.Result, nil
}

// GetUpdates long-polls for updates after offset. timeout is the Bot API
// server-side hold, in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	var out apiResponse[[]Update]
	resp, err := c.req(ctx).
		SetQueryParams(map[string]string{
			"offset":  fmt.Sprintf("%d", offset),
			"timeout": fmt.Sprintf("%d", timeout),
		}).
		SetResult(&out).
		Get(c.method("getUpdates"))
	if err != nil {
		return nil, errors.Wrap(err, "getUpdates request")
	}
	if !out.OK {
		return nil, errors.Errorf("getUpdates failed: %d %s (http %d)", out.ErrorCode, out.Description, resp.StatusCode())
	}
	return out.Result, nil
}

// SendMessage sends plain text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	var out apiResponse[Message]
	resp, err := c.req(ctx).
		SetBody(map[string]any{
			"chat_id": chatID,
			"text":    text,
		}).
		SetResult(&out).
		Post(c.method("sendMessage"))
	if err != nil {
		return nil, errors.Wrap(err, "sendMessage request")
	}
	if !out.OK {
		return nil, errors.Errorf("sendMessage failed: %d %s (http %d)", out.ErrorCode, out.Description, resp.StatusCode())
	}
	return &out.Result, nil
}

// ValidToken does a cheap shape check before hitting the network:
// Bot API tokens look like "<numeric id>:<secret>".
func ValidToken(token string) bool {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
