// Package device speaks the printer's HTTP transfer API: connect, poll for
// touchscreen authorization, stream the upload, disconnect. The wire shapes
// here are firmware-defined and fixed.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/redact"
)

// Errors the session layer maps onto its terminal reasons.
var (
	// ErrTokenExpired means the device rejected a saved token (HTTP 403 on
	// connect); retry once with an empty token to request fresh approval.
	ErrTokenExpired = errors.New("device: token expired")
	// ErrDenied means the operator (or the device itself) refused us.
	ErrDenied = errors.New("device: authorization denied")
)

// AuthState is the outcome of one authorization poll.
type AuthState int

const (
	// AuthPending means the operator has not decided yet; poll again.
	AuthPending AuthState = iota
	// AuthAuthorized means the token is accepted and uploads may start.
	AuthAuthorized
	// AuthDenied means the operator refused on the touchscreen.
	AuthDenied
)

// StatusReply is the result of a status poll.
type StatusReply struct {
	Auth AuthState
	// Status is the device's self-reported state when authorized, e.g. IDLE.
	Status string
}

// uploadChunkSize is the write granularity during upload, which is also how
// often progress is reported.
const uploadChunkSize = 32 * 1024

// Client talks to one printer's transfer API.
type Client struct {
	base  string
	httpc *http.Client
	log   zerolog.Logger
}

// NewClient creates a client for the printer at addr (host:port).
func NewClient(addr string, log zerolog.Logger) *Client {
	return &Client{
		base: fmt.Sprintf("http://%s/api/v1", addr),
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		log: log,
	}
}

// Connect requests a connection, offering a saved token when there is one.
// It returns the token to use from now on, which the device may rotate.
// A 403 means the saved token expired; the caller retries with "".
func (c *Client) Connect(ctx context.Context, token string) (string, error) {
	body, contentType, err := encodeForm(map[string]string{
		"token": token,
		"_":     timestamp(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/connect", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var reply struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return "", fmt.Errorf("connect: decode reply: %w", err)
		}
		c.log.Debug().Str("token", redact.Token(reply.Token)).Msg("connected")
		return reply.Token, nil
	case http.StatusForbidden:
		return "", ErrTokenExpired
	default:
		return "", fmt.Errorf("connect: unexpected status %d", resp.StatusCode)
	}
}

// Status polls the authorization state once.
func (c *Client) Status(ctx context.Context, token string) (StatusReply, error) {
	url := fmt.Sprintf("%s/status?token=%s&_=%s", c.base, token, timestamp())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusReply{}, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return StatusReply{}, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		reply := StatusReply{Auth: AuthAuthorized}
		var payload struct {
			Status string `json:"status"`
		}
		// Some firmwares answer 200 with an empty body; that still means
		// authorized.
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			reply.Status = payload.Status
		}
		return reply, nil
	case http.StatusNoContent:
		return StatusReply{Auth: AuthPending}, nil
	case http.StatusUnauthorized:
		return StatusReply{Auth: AuthDenied}, nil
	default:
		return StatusReply{}, fmt.Errorf("status: unexpected status %d", resp.StatusCode)
	}
}

// Upload streams the payload as the device's multipart upload. progress, when
// non-nil, is called with (sent, total) after every chunk; sent only grows.
// A 200 reply is the device's receipt acknowledgement.
func (c *Client) Upload(ctx context.Context, token, filename string, payload []byte, progress func(sent, total int64)) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()

		if err = mw.WriteField("token", token); err != nil {
			return
		}
		if err = mw.WriteField("_", timestamp()); err != nil {
			return
		}
		var part io.Writer
		if part, err = mw.CreateFormFile("file", filename); err != nil {
			return
		}
		if err = writeChunks(ctx, part, payload, progress); err != nil {
			return
		}
		err = mw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/upload", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrDenied
	default:
		return fmt.Errorf("upload: unexpected status %d", resp.StatusCode)
	}
}

// Disconnect tells the device we are done. Best effort on every exit path.
func (c *Client) Disconnect(ctx context.Context, token string) error {
	body, contentType, err := encodeForm(map[string]string{"token": token})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/disconnect", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	resp.Body.Close()
	return nil
}

// writeChunks copies payload to w in fixed chunks, reporting progress and
// honoring cancellation between chunks.
func writeChunks(ctx context.Context, w io.Writer, payload []byte, progress func(sent, total int64)) error {
	total := int64(len(payload))
	var sent int64
	for sent < total {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := sent + uploadChunkSize
		if end > total {
			end = total
		}
		n, err := w.Write(payload[sent:end])
		sent += int64(n)
		if err != nil {
			return err
		}
		if progress != nil {
			progress(sent, total)
		}
	}
	if total == 0 && progress != nil {
		progress(0, 0)
	}
	return nil
}

// encodeForm builds a small in-memory multipart form.
func encodeForm(fields map[string]string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func timestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
