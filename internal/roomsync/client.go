package roomsync

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

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/roomstate/internal/workspace"
)

var ErrConflict = errors.New("revision conflict")

type ConflictError struct {
	Scope            string
	ExpectedRevision int64
	CurrentRevision  int64
}

func (e *ConflictError) Error() string {
	if e.Scope == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s: expected %d, current %d", e.Scope, e.ExpectedRevision, e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// PushRequest is the body of a state write.
type PushRequest struct {
	Workspace     workspace.WorkspaceState `json:"workspace"`
	Readings      []workspace.Reading      `json:"readings"`
	KnownRevision *int64                   `json:"knownRevision,omitempty"`
}

// RemoteClient is the reconciler's view of the authoritative store.
type RemoteClient interface {
	FetchState(ctx context.Context, scope string) (workspace.Snapshot, error)
	PushState(ctx context.Context, scope string, req PushRequest) (workspace.Snapshot, error)
}

// HTTPClient talks to the roomstate HTTP API. Every call is a single
// attempt; the reconciler's next poll is the retry.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPClient) FetchState(ctx context.Context, scope string) (workspace.Snapshot, error) {
	var snapshot workspace.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, statePath(scope), nil, &snapshot); err != nil {
		return workspace.Snapshot{}, err
	}
	return snapshot, nil
}

func (c *HTTPClient) PushState(ctx context.Context, scope string, req PushRequest) (workspace.Snapshot, error) {
	var snapshot workspace.Snapshot
	if err := c.doJSON(ctx, http.MethodPut, statePath(scope), req, &snapshot); err != nil {
		return workspace.Snapshot{}, err
	}
	return snapshot, nil
}

// WatchRevisions streams revision hints for scope to fn until ctx is done
// or the connection drops. The first hint is the current revision.
func (c *HTTPClient) WatchRevisions(ctx context.Context, scope string, fn func(revision int64)) error {
	wsURL, err := c.watchURL(scope)
	if err != nil {
		return err
	}
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("dial watch %s: %w", scope, err)
	}
	defer conn.CloseNow()

	for {
		var frame struct {
			Scope    string `json:"scope"`
			Revision int64  `json:"revision"`
		}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read watch frame: %w", err)
		}
		fn(frame.Revision)
	}
}

func (c *HTTPClient) watchURL(scope string) (string, error) {
	parsed, err := url.Parse(c.baseURL + statePath(scope) + "/watch")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	return parsed.String(), nil
}

func statePath(scope string) string {
	return "/v1/scopes/" + url.PathEscape(scope) + "/state"
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code             string `json:"code"`
		Message          string `json:"message"`
		ExpectedRevision int64  `json:"expectedRevision"`
		CurrentRevision  int64  `json:"currentRevision"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{
			Scope:            scopeFromPath(requestPath),
			ExpectedRevision: errPayload.ExpectedRevision,
			CurrentRevision:  errPayload.CurrentRevision,
		}
	}
	message := errPayload.Message
	if message == "" {
		message = strings.TrimSpace(string(payloadBytes))
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    message,
	}
}

func scopeFromPath(requestPath string) string {
	trimmed := strings.TrimPrefix(requestPath, "/v1/scopes/")
	scope, _, _ := strings.Cut(trimmed, "/")
	if unescaped, err := url.PathUnescape(scope); err == nil {
		return unescaped
	}
	return scope
}

func correlationID() string {
	return "sync_" + uuid.NewString()
}
