// Package syncapi is the stateless request layer against the first-party
// sync server. Every method returns a typed result or a *APIError carrying
// an HTTP-status-derived kind.
package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qazuor/markview/internal/domain/models"
)

// Client issues document, folder and session requests. It carries the device
// ID on every request so the server can stamp broadcasts with the
// originating device.
type Client struct {
	baseURL    string
	token      string
	deviceID   string
	httpClient *http.Client
}

// New creates a client. A nil httpClient gets a 15 second timeout default.
func New(baseURL, token, deviceID string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		deviceID:   deviceID,
		httpClient: httpClient,
	}
}

// DocumentList is the GET /documents response.
type DocumentList struct {
	Documents []*models.Document `json:"documents"`
	SyncedAt  time.Time          `json:"syncedAt"`
}

// FolderList is the GET /folders response.
type FolderList struct {
	Folders  []*models.Folder `json:"folders"`
	SyncedAt time.Time        `json:"syncedAt"`
}

// Status is the GET /sync/status response.
type Status struct {
	Documents int `json:"documents"`
	Folders   int `json:"folders"`
}

// FetchDocuments lists documents. With a non-nil since, the listing is
// incremental and includes tombstones deleted after the cutoff.
func (c *Client) FetchDocuments(ctx context.Context, since *time.Time) (*DocumentList, error) {
	path := "/documents"
	if since != nil {
		path += "?since=" + since.UTC().Format(time.RFC3339)
	}
	var out DocumentList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchDocument fetches one full document by ID.
func (c *Client) FetchDocument(ctx context.Context, id string) (*models.Document, error) {
	var out struct {
		Document *models.Document `json:"document"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/documents/"+id, nil, &out); err != nil {
		return nil, err
	}
	if out.Document == nil {
		return nil, &APIError{Kind: KindUnknown, Message: "response missing document record"}
	}
	return out.Document, nil
}

// PutDocument pushes a document. The returned document carries the
// server-assigned syncVersion; created reports whether the server saw the ID
// for the first time. A stale syncVersion yields a KindConflict error with
// the server's record attached.
func (c *Client) PutDocument(ctx context.Context, req *models.UpsertDocumentRequest) (doc *models.Document, created bool, err error) {
	var out struct {
		Document *models.Document `json:"document"`
	}
	status, err := c.do(ctx, http.MethodPut, "/documents/"+req.ID, req, &out)
	if err != nil {
		return nil, false, err
	}
	if out.Document == nil {
		return nil, false, &APIError{Kind: KindUnknown, Status: status, Message: "response missing document record"}
	}
	return out.Document, status == http.StatusCreated, nil
}

// DeleteDocument soft-deletes a document server-side.
func (c *Client) DeleteDocument(ctx context.Context, id string) (*models.Document, error) {
	var out struct {
		Success  bool             `json:"success"`
		Document *models.Document `json:"document"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/documents/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.Document, nil
}

// FetchFolders lists folders, incrementally when since is non-nil.
func (c *Client) FetchFolders(ctx context.Context, since *time.Time) (*FolderList, error) {
	path := "/folders"
	if since != nil {
		path += "?since=" + since.UTC().Format(time.RFC3339)
	}
	var out FolderList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchFolder fetches one folder by ID.
func (c *Client) FetchFolder(ctx context.Context, id string) (*models.Folder, error) {
	var out struct {
		Folder *models.Folder `json:"folder"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/folders/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.Folder, nil
}

// PutFolder pushes a folder (last write wins, no version branch).
func (c *Client) PutFolder(ctx context.Context, req *models.UpsertFolderRequest) (*models.Folder, error) {
	var out struct {
		Folder *models.Folder `json:"folder"`
	}
	if _, err := c.do(ctx, http.MethodPut, "/folders/"+req.ID, req, &out); err != nil {
		return nil, err
	}
	return out.Folder, nil
}

// DeleteFolder soft-deletes a folder server-side.
func (c *Client) DeleteFolder(ctx context.Context, id string) (*models.Folder, error) {
	var out struct {
		Success bool           `json:"success"`
		Folder  *models.Folder `json:"folder"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/folders/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out.Folder, nil
}

// FetchSession reads the server-persisted session state.
func (c *Client) FetchSession(ctx context.Context) (*models.SessionState, error) {
	var out models.SessionState
	if err := c.doJSON(ctx, http.MethodGet, "/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSession replaces the server-persisted session state.
func (c *Client) UpdateSession(ctx context.Context, state *models.SessionState) error {
	return c.doJSON(ctx, http.MethodPut, "/session", state, nil)
}

// SyncStatus returns counts of live documents and folders.
func (c *Client) SyncStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, http.MethodGet, "/sync/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	_, err := c.do(ctx, method, path, body, out)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, &APIError{Kind: KindValidation, Message: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, &APIError{Kind: KindUnknown, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &APIError{Kind: KindUnknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, &APIError{Kind: KindUnknown, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, &APIError{Kind: KindUnknown, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
			}
		}
		return resp.StatusCode, nil
	}

	return resp.StatusCode, c.errorFromResponse(resp, data)
}

// errorFromResponse builds the typed error, decoding conflict payloads and
// Retry-After hints where present.
func (c *Client) errorFromResponse(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{
		Kind:   kindFromStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}

	var body struct {
		Error          string           `json:"error"`
		Detail         string           `json:"detail"`
		ServerVersion  int64            `json:"serverVersion"`
		ServerDocument *models.Document `json:"serverDocument"`
	}
	if len(data) > 0 && json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Detail
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
		apiErr.ServerVersion = body.ServerVersion
		apiErr.ServerDocument = body.ServerDocument
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if apiErr.Kind == KindRateLimited {
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return apiErr
}
