// Package remote talks to the lamrim document store over HTTP and
// implements the progress and notes remotes used by the sync engine.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/progress"
)

const (
	defaultRequestTimeout    = 15 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = time.Minute
	maxErrorBodyBytes        = 64 << 10
	// stays below the 4 MiB request cap of the document store
	maxBatchBodyBytes = 3 << 20
)

var (
	ErrMissingBaseURL = errors.New("remote: base url required")
	ErrMissingToken   = errors.New("remote: access token required")
	ErrUserMismatch   = errors.New("remote: access token belongs to another user")
)

// StatusError reports a non-success response from the document store.
type StatusError struct {
	StatusCode int
	Reason     string
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %d %s (%s)", e.StatusCode, e.Reason, e.Code)
	}
	return fmt.Sprintf("remote: %d %s", e.StatusCode, e.Reason)
}

// Config configures a Client. Token is a device token issued by the
// document store.
type Config struct {
	BaseURL           string
	Token             string
	HTTPClient        *http.Client
	RequestTimeout    time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            *zap.Logger
}

// Client implements syncer.ProgressRemote and syncer.NotesRemote.
type Client struct {
	baseURL           *url.URL
	token             string
	subject           identity.UserID
	http              *http.Client
	requestTimeout    time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	logger            *zap.Logger
}

type notesPayload struct {
	Notes []notes.Note `json:"notes"`
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func NewClient(cfg Config) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, ErrMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", rawURL)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, ErrMissingToken
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	maxReconnectDelay := cfg.MaxReconnectDelay
	if maxReconnectDelay < reconnectDelay {
		maxReconnectDelay = defaultMaxReconnectDelay
		if maxReconnectDelay < reconnectDelay {
			maxReconnectDelay = reconnectDelay
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:           baseURL,
		token:             token,
		subject:           tokenSubject(token),
		http:              httpClient,
		requestTimeout:    requestTimeout,
		reconnectDelay:    reconnectDelay,
		maxReconnectDelay: maxReconnectDelay,
		logger:            logger,
	}, nil
}

// tokenSubject reads the subject of the token without verifying it. The
// server verifies; the client only uses it to refuse cross-user calls.
func tokenSubject(token string) identity.UserID {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	subject, err := identity.NewUserID(claims.Subject)
	if err != nil {
		return ""
	}
	return subject
}

// Subject returns the user the access token was issued for, if readable.
func (c *Client) Subject() identity.UserID {
	return c.subject
}

func (c *Client) checkUser(userID identity.UserID) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", identity.ErrInvalidUserID)
	}
	if c.subject != "" && c.subject != userID {
		return ErrUserMismatch
	}
	return nil
}

func (c *Client) FetchProgress(ctx context.Context, userID identity.UserID) (progress.Snapshot, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, "/v1/progress", nil)
	if err != nil {
		return nil, err
	}
	return progress.DecodeSnapshot(body)
}

func (c *Client) WriteProgress(ctx context.Context, userID identity.UserID, snapshot progress.Snapshot) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}
	payload, err := progress.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/v1/progress", payload)
	return err
}

// ListNotes returns the stored notes of the user, newest first.
func (c *Client) ListNotes(ctx context.Context, userID identity.UserID) ([]notes.Note, error) {
	if err := c.checkUser(userID); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, "/v1/notes", nil)
	if err != nil {
		return nil, err
	}
	var payload notesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("remote: decode notes: %w", err)
	}
	return payload.Notes, nil
}

func (c *Client) WriteNote(ctx context.Context, userID identity.UserID, note notes.Note) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/v1/notes/"+url.PathEscape(note.ID.String()), payload)
	return err
}

func (c *Client) DeleteNote(ctx context.Context, userID identity.UserID, noteID notes.NoteID) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}
	_, err := c.do(ctx, http.MethodDelete, "/v1/notes/"+url.PathEscape(noteID.String()), nil)
	return err
}

func (c *Client) BatchWriteNotes(ctx context.Context, userID identity.UserID, batch []notes.Note) error {
	if err := c.checkUser(userID); err != nil {
		return err
	}
	chunks, err := splitBatch(batch, notes.MaxBatchSize, maxBatchBodyBytes)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		payload, err := json.Marshal(notesPayload{Notes: chunk})
		if err != nil {
			return err
		}
		if _, err := c.do(ctx, http.MethodPost, "/v1/notes/batch", payload); err != nil {
			return err
		}
	}
	return nil
}

// splitBatch cuts a batch into requests the document store accepts. A note
// larger than maxBytes on its own still travels alone.
func splitBatch(batch []notes.Note, maxNotes, maxBytes int) ([][]notes.Note, error) {
	var chunks [][]notes.Note
	var current []notes.Note
	size := 0
	for _, note := range batch {
		encoded, err := json.Marshal(note)
		if err != nil {
			return nil, err
		}
		noteSize := len(encoded) + 1
		if len(current) > 0 && (len(current) >= maxNotes || size+noteSize > maxBytes) {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, note)
		size += noteSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, decodeStatusError(response)
	}
	return io.ReadAll(response.Body)
}

func decodeStatusError(response *http.Response) error {
	statusErr := &StatusError{StatusCode: response.StatusCode, Reason: http.StatusText(response.StatusCode)}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err != nil || len(data) == 0 {
		return statusErr
	}
	var payload errorPayload
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			statusErr.Reason = payload.Error
		}
		statusErr.Code = payload.Code
	}
	return statusErr
}
