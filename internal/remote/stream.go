package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
)

const (
	eventProgress     = "progress"
	eventNotes        = "notes"
	maxEventDataBytes = 8 << 20
)

// SubscribeProgress opens the progress stream. The first delivery is the
// current document; the stream reconnects with backoff until cancelled.
func (c *Client) SubscribeProgress(ctx context.Context, userID identity.UserID, onSnapshot func(progress.Snapshot)) (func(), error) {
	return c.subscribe(ctx, userID, "/v1/progress/stream", eventProgress, func(data []byte) error {
		snapshot, err := progress.DecodeSnapshot(data)
		if err != nil {
			return err
		}
		onSnapshot(snapshot)
		return nil
	})
}

// SubscribeNotes opens the notes stream with the same delivery rules as
// SubscribeProgress.
func (c *Client) SubscribeNotes(ctx context.Context, userID identity.UserID, onNotes func([]notes.Note)) (func(), error) {
	return c.subscribe(ctx, userID, "/v1/notes/stream", eventNotes, func(data []byte) error {
		var payload notesPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return err
		}
		onNotes(payload.Notes)
		return nil
	})
}

func (c *Client) subscribe(ctx context.Context, userID identity.UserID, path, event string, deliver func([]byte) error) (func(), error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	body, err := c.openStream(subCtx, path)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		attempt := 0
		for {
			delivered := c.readStream(subCtx, body, event, deliver)
			_ = body.Close()
			if subCtx.Err() != nil {
				return
			}
			if delivered {
				attempt = 0
			}
			c.logger.Warn("remote stream disconnected", zap.String("path", path))
			for {
				attempt++
				if !sleepContext(subCtx, c.backoff(attempt)) {
					return
				}
				body, err = c.openStream(subCtx, path)
				if err == nil {
					break
				}
				if subCtx.Err() != nil {
					return
				}
				c.logger.Warn("remote stream reconnect failed",
					zap.String("path", path),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
		}
	}()

	return cancel, nil
}

func (c *Client) openStream(ctx context.Context, path string) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), http.NoBody)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "text/event-stream")
	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remote: open %s: %w", path, err)
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, decodeStatusError(response)
	}
	return response.Body, nil
}

// readStream dispatches events named event until the stream ends and
// reports whether anything was delivered.
func (c *Client) readStream(ctx context.Context, body io.Reader, event string, deliver func([]byte) error) bool {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventDataBytes)

	delivered := false
	name := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name == event && len(data) > 0 && ctx.Err() == nil {
				if err := deliver([]byte(strings.Join(data, "\n"))); err != nil {
					c.logger.Warn("remote stream event rejected", zap.String("event", name), zap.Error(err))
				} else {
					delivered = true
				}
			}
			name = ""
			data = data[:0]
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Debug("remote stream read ended", zap.Error(err))
	}
	return delivered
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.reconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxReconnectDelay {
			return c.maxReconnectDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
