// Package gdrive implements the drivesync provider contract against the
// Google Drive v3 REST API.
package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/biograph/drivesync/internal/drivesync"
)

// TokenProvider returns a bearer token for the next request.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken adapts a fixed OAuth token to a TokenProvider.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

type Options struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	PageSize      int
}

type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	pageSize      int
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.googleapis.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		pageSize:      pageSize,
	}
}

// Drive serializes int64 fields as JSON strings.
type wireFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MD5Checksum string `json:"md5Checksum"`
	Size        string `json:"size"`
	Trashed     bool   `json:"trashed"`
	MimeType    string `json:"mimeType"`
}

func (f wireFile) toFile() drivesync.File {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	return drivesync.File{
		ID:       f.ID,
		Name:     f.Name,
		Hash:     f.MD5Checksum,
		Size:     size,
		Trashed:  f.Trashed,
		MimeType: f.MimeType,
	}
}

type wireFileList struct {
	NextPageToken string     `json:"nextPageToken"`
	Files         []wireFile `json:"files"`
}

type wireChange struct {
	FileID  string    `json:"fileId"`
	Removed bool      `json:"removed"`
	File    *wireFile `json:"file"`
}

type wireChangeList struct {
	NewStartPageToken string       `json:"newStartPageToken"`
	NextPageToken     string       `json:"nextPageToken"`
	Changes           []wireChange `json:"changes"`
}

type wireStartPageToken struct {
	StartPageToken string `json:"startPageToken"`
}

type wireChannel struct {
	ID          string `json:"id"`
	ResourceID  string `json:"resourceId"`
	ResourceURI string `json:"resourceUri"`
	Expiration  string `json:"expiration"`
}

func (c *Client) ListFiles(ctx context.Context, query drivesync.ListQuery) ([]drivesync.File, error) {
	var files []drivesync.File
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("q", query.Query)
		params.Set("fields", "nextPageToken, "+query.Fields)
		params.Set("pageSize", strconv.Itoa(c.pageSize))
		if query.OrderBy != "" {
			params.Set("orderBy", query.OrderBy)
		}
		if query.DriveID != "" {
			params.Set("driveId", query.DriveID)
			params.Set("corpora", query.Corpora)
		}
		if query.AllDrives {
			params.Set("includeItemsFromAllDrives", "true")
			params.Set("supportsAllDrives", "true")
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		var page wireFileList
		if err := c.getJSON(ctx, "/drive/v3/files", params, &page); err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			files = append(files, f.toFile())
		}
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) Changes(ctx context.Context, cursor string, query drivesync.ChangeQuery) (drivesync.ChangePage, error) {
	if strings.TrimSpace(cursor) == "" {
		return drivesync.ChangePage{}, fmt.Errorf("%w: empty page token", drivesync.ErrInvalidCursor)
	}
	params := url.Values{}
	params.Set("pageToken", cursor)
	params.Set("fields", query.Fields)
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	params.Set("includeRemoved", strconv.FormatBool(query.IncludeRemoved))
	if query.Spaces != "" {
		params.Set("spaces", query.Spaces)
	}
	if query.RestrictToMyDrive {
		params.Set("restrictToMyDrive", "true")
	}
	if query.DriveID != "" {
		params.Set("driveId", query.DriveID)
	}
	if query.AllDrives {
		params.Set("includeItemsFromAllDrives", "true")
		params.Set("supportsAllDrives", "true")
	}
	var page wireChangeList
	if err := c.getJSON(ctx, "/drive/v3/changes", params, &page); err != nil {
		return drivesync.ChangePage{}, err
	}
	out := drivesync.ChangePage{NewCursor: page.NewStartPageToken}
	if page.NextPageToken != "" {
		out.NewCursor = page.NextPageToken
	}
	for _, change := range page.Changes {
		entry := drivesync.Change{FileID: change.FileID, Removed: change.Removed}
		if change.File != nil {
			file := change.File.toFile()
			entry.File = &file
		}
		out.Changes = append(out.Changes, entry)
	}
	return out, nil
}

func (c *Client) GetStartCursor(ctx context.Context, p drivesync.StartCursorParams) (string, error) {
	params := url.Values{}
	if p.DriveID != "" {
		params.Set("driveId", p.DriveID)
	}
	if p.AllDrives {
		params.Set("supportsAllDrives", "true")
	}
	var token wireStartPageToken
	if err := c.getJSON(ctx, "/drive/v3/changes/startPageToken", params, &token); err != nil {
		return "", err
	}
	if token.StartPageToken == "" {
		return "", fmt.Errorf("drive returned empty start page token")
	}
	return token.StartPageToken, nil
}

func (c *Client) Watch(ctx context.Context, req drivesync.WatchRequest) (drivesync.Channel, error) {
	pageToken := req.PageToken
	if pageToken == "" {
		token, err := c.GetStartCursor(ctx, drivesync.StartCursorParams{DriveID: req.DriveID, AllDrives: req.AllDrives})
		if err != nil {
			return drivesync.Channel{}, err
		}
		pageToken = token
	}
	params := url.Values{}
	params.Set("pageToken", pageToken)
	if req.DriveID != "" {
		params.Set("driveId", req.DriveID)
	}
	if req.AllDrives {
		params.Set("includeItemsFromAllDrives", "true")
		params.Set("supportsAllDrives", "true")
	}
	body := map[string]any{
		"id":      req.ChannelID,
		"type":    "web_hook",
		"address": req.Address,
	}
	if !req.Expiration.IsZero() {
		body["expiration"] = strconv.FormatInt(req.Expiration.UnixMilli(), 10)
	}
	var created wireChannel
	if err := c.postJSON(ctx, "/drive/v3/changes/watch", params, body, &created); err != nil {
		return drivesync.Channel{}, err
	}
	channel := drivesync.Channel{
		ID:          created.ID,
		ResourceID:  created.ResourceID,
		ResourceURI: created.ResourceURI,
	}
	if ms, err := strconv.ParseInt(created.Expiration, 10, 64); err == nil {
		channel.Expiration = time.UnixMilli(ms).UTC()
	}
	return channel, nil
}

func (c *Client) StopWatch(ctx context.Context, channelID, resourceID string) error {
	body := map[string]any{"id": channelID, "resourceId": resourceID}
	return c.postJSON(ctx, "/drive/v3/channels/stop", nil, body, nil)
}

func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	params := url.Values{}
	params.Set("alt", "media")
	params.Set("supportsAllDrives", "true")
	return c.do(ctx, http.MethodGet, "/drive/v3/files/"+url.PathEscape(fileID), params, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, params url.Values, payload, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := c.do(ctx, http.MethodPost, path, params, encoded)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	if c.tokenProvider == nil {
		return nil, fmt.Errorf("drive token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("drive token is empty")
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = strings.NewReader(string(payload))
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return nil, driveError(resp.StatusCode, respBody)
	}
}

// driveError maps stale page tokens (HTTP 410, or 400 with reason
// invalidPageToken) onto ErrInvalidCursor so the sync core can re-baseline.
func driveError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	reason := ""
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		if len(parsed.Error.Errors) > 0 {
			reason = parsed.Error.Errors[0].Reason
		}
	}
	if status == http.StatusGone || reason == "invalidPageToken" {
		return fmt.Errorf("%w: status=%d message=%s", drivesync.ErrInvalidCursor, status, message)
	}
	if reason != "" {
		return fmt.Errorf("drive request failed: status=%d reason=%s message=%s", status, reason, message)
	}
	return fmt.Errorf("drive request failed: status=%d message=%s", status, message)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
