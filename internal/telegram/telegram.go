// Package telegram is a minimal Telegram Bot API client covering the sticker
// set methods stickersync needs.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/schaermu/stickersync/internal/retry"
)

// DefaultBaseURL is the public Bot API endpoint
const DefaultBaseURL = "https://api.telegram.org"

// ShareURLPrefix is the public link prefix for sticker sets
const ShareURLPrefix = "https://t.me/addstickers/"

// User is the subset of the Bot API User object used here
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Sticker is the subset of the Bot API Sticker object used here
type Sticker struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Emoji        string `json:"emoji"`
}

// StickerSet is a remote sticker pack
type StickerSet struct {
	Name     string    `json:"name"`
	Title    string    `json:"title"`
	Stickers []Sticker `json:"stickers"`
}

// Upload is a local sticker file to send with its emoji
type Upload struct {
	Path  string
	Emoji string
}

// apiResponse is the envelope every Bot API method returns
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// inputSticker is the Bot API InputSticker object
type inputSticker struct {
	Sticker   string   `json:"sticker"`
	Format    string   `json:"format"`
	EmojiList []string `json:"emoji_list"`
}

// Client calls the Bot API over HTTPS
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	retry   retry.Policy
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL points the client at a different API server
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry sets the policy for rate-limited requests
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a client for the bot identified by token
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		retry:   retry.Policy{Attempts: 3, Delay: time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMe returns the bot's own user
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateStickerSet creates a new static sticker set owned by userID with
// sticker as its first item
func (c *Client) CreateStickerSet(ctx context.Context, userID int64, name, title string, sticker Upload) error {
	stickers, err := json.Marshal([]inputSticker{newInputSticker(sticker)})
	if err != nil {
		return err
	}

	fields := url.Values{}
	fields.Set("user_id", strconv.FormatInt(userID, 10))
	fields.Set("name", name)
	fields.Set("title", title)
	fields.Set("sticker_type", "regular")
	fields.Set("stickers", string(stickers))

	return c.call(ctx, "createNewStickerSet", fields, &sticker, nil)
}

// AddStickerToSet appends sticker to an existing set
func (c *Client) AddStickerToSet(ctx context.Context, userID int64, name string, sticker Upload) error {
	input, err := json.Marshal(newInputSticker(sticker))
	if err != nil {
		return err
	}

	fields := url.Values{}
	fields.Set("user_id", strconv.FormatInt(userID, 10))
	fields.Set("name", name)
	fields.Set("sticker", string(input))

	return c.call(ctx, "addStickerToSet", fields, &sticker, nil)
}

// GetStickerSet returns the named set. A missing set yields an error matching
// ErrPackNotFound.
func (c *Client) GetStickerSet(ctx context.Context, name string) (*StickerSet, error) {
	fields := url.Values{}
	fields.Set("name", name)

	var set StickerSet
	if err := c.call(ctx, "getStickerSet", fields, nil, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// DeleteStickerSet deletes the named set
func (c *Client) DeleteStickerSet(ctx context.Context, name string) (bool, error) {
	fields := url.Values{}
	fields.Set("name", name)

	var ok bool
	if err := c.call(ctx, "deleteStickerSet", fields, nil, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// RandomEmoji returns a random emoticon from U+1F600..U+1F64F
func RandomEmoji() string {
	const first, last = 0x1F600, 0x1F64F
	return string(rune(first + rand.IntN(last-first+1)))
}

func newInputSticker(u Upload) inputSticker {
	emoji := u.Emoji
	if emoji == "" {
		emoji = RandomEmoji()
	}
	return inputSticker{
		Sticker:   "attach://" + attachName,
		Format:    "static",
		EmojiList: []string{emoji},
	}
}

// call performs method, retrying while the API reports a rate limit, and
// decodes the result into out when out is non-nil
func (c *Client) call(ctx context.Context, method string, fields url.Values, upload *Upload, out any) error {
	var resp *apiResponse
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		resp, err = c.do(ctx, method, fields, upload)
		return err
	}, isRateLimited)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// do sends a single request
func (c *Client) do(ctx context.Context, method string, fields url.Values, upload *Upload) (*apiResponse, error) {
	body, contentType, err := encodeRequest(fields, upload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	res, err := c.http.Do(req)
	if err != nil {
		// Never leak the token embedded in the URL
		if uerr, ok := err.(*url.Error); ok {
			err = uerr.Err
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s: unexpected response (HTTP %d): %w", method, res.StatusCode, err)
	}
	if !resp.OK {
		return nil, &APIError{
			Method:        method,
			Code:          resp.ErrorCode,
			Description:   resp.Description,
			RetryAfterSec: resp.Parameters.RetryAfter,
		}
	}
	return &resp, nil
}

// attachName is the multipart part carrying the sticker file
const attachName = "sticker_file"

// encodeRequest builds a urlencoded body, or a multipart body when a file is
// attached under attachName
func encodeRequest(fields url.Values, upload *Upload) (io.Reader, string, error) {
	if upload == nil {
		return strings.NewReader(fields.Encode()), "application/x-www-form-urlencoded", nil
	}

	mtype, err := mimetype.DetectFile(upload.Path)
	if err != nil {
		return nil, "", fmt.Errorf("detect type of %s: %w", filepath.Base(upload.Path), err)
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, "", fmt.Errorf("%s is not an image (%s)", filepath.Base(upload.Path), mtype.String())
	}

	f, err := os.Open(upload.Path)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = f.Close()
	}()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, values := range fields {
		for _, v := range values {
			if err := w.WriteField(key, v); err != nil {
				return nil, "", err
			}
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, attachName, filepath.Base(upload.Path)))
	h.Set("Content-Type", mtype.String())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}
