// Package vod talks to the Polyv VOD platform: it opens upload sessions,
// refreshes expired storage credentials and builds the tasks that move file
// content into the platform's object storage. The upload engine never
// imports this package; tasks built here are handed over through
// upload.TaskFactory.
package vod

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

	"github.com/rs/zerolog/log"

	"github.com/recative/polyv/upload"
)

const (
	// DefaultBaseURL is the production API host.
	DefaultBaseURL = "https://api.polyv.net"

	initUploadPath  = "/v2/uploadvideo/init"
	refreshTokenPath = "/v2/uploadvideo/refresh"

	defaultHTTPTimeout = 30 * time.Second
)

// Client is a thin, signed HTTP client for the VOD platform API.
type Client struct {
	baseURL    string
	userID     string
	secretKey  string
	writeToken string
	httpClient *http.Client
	cfg        *upload.Config
}

// ClientOption adjusts a Client during construction.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API host, usually a test
// server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds a platform client. The shared config may be nil; when
// present, credential fields merged into it override the locally derived
// signature, so an embedding application can push server-issued signatures
// through upload.Config.UpdateUserData.
func NewClient(userID, secretKey, writeToken string, cfg *upload.Config, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		userID:     userID,
		secretKey:  secretKey,
		writeToken: writeToken,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadSession is what the platform hands back for one video: the vid it
// assigned plus scoped object-storage credentials for the chunk transfer.
type UploadSession struct {
	VID          string `json:"vid"`
	Bucket       string `json:"bucketName"`
	Endpoint     string `json:"endpoint"`
	Domain       string `json:"domain"`
	Dir          string `json:"dir"`
	AccessID     string `json:"accessId"`
	AccessKey    string `json:"accessKey"`
	Token        string `json:"token"`
	ValidityTime int64  `json:"validityTime"` // seconds the credentials stay usable
	Callback     string `json:"callback"`

	issuedAt time.Time
}

// Expired reports whether the session's storage credentials are past their
// validity window. A small safety margin avoids racing the hard cutoff.
func (s *UploadSession) Expired() bool {
	if s.ValidityTime <= 0 {
		return false
	}
	margin := time.Duration(s.ValidityTime) * time.Second / 10
	return time.Since(s.issuedAt) > time.Duration(s.ValidityTime)*time.Second-margin
}

type apiResponse struct {
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitUploadRequest carries everything the init endpoint wants to know about
// a file.
type InitUploadRequest struct {
	FileName string
	FileSize int64
	Data     upload.FileData
}

// InitUpload asks the platform to open an upload session for the described
// file. Platform refusals come back as *vod.Error carrying the engine status
// the condition maps onto.
func (c *Client) InitUpload(ctx context.Context, req InitUploadRequest) (*UploadSession, error) {
	ud := c.credentials()
	form := url.Values{
		"userid":     {ud.UserID},
		"ptime":      {strconv.FormatInt(ud.PTime, 10)},
		"sign":       {ud.Sign},
		"hash":       {ud.Hash},
		"title":      {req.Data.Title},
		"describ":    {req.Data.Desc},
		"cataid":     {strconv.FormatInt(req.Data.CataID, 10)},
		"tag":        {req.Data.Tag},
		"luping":     {strconv.Itoa(req.Data.Luping)},
		"keepsource": {strconv.Itoa(req.Data.KeepSource)},
		"filename":   {req.FileName},
		"filesize":   {strconv.FormatInt(req.FileSize, 10)},
		"autoid":     {"1"},
	}

	var sess UploadSession
	if err := c.postForm(ctx, initUploadPath, form, &sess); err != nil {
		return nil, fmt.Errorf("init upload for %s: %w", req.FileName, err)
	}
	sess.issuedAt = time.Now()
	log.Info().
		Str("vid", sess.VID).
		Str("file", req.FileName).
		Int64("size", req.FileSize).
		Msg("upload session opened")
	return &sess, nil
}

// RefreshUpload re-issues storage credentials for a session whose token
// expired mid-transfer. The vid identifies the session; everything else
// comes back fresh.
func (c *Client) RefreshUpload(ctx context.Context, vid string) (*UploadSession, error) {
	ud := c.credentials()
	form := url.Values{
		"userid": {ud.UserID},
		"ptime":  {strconv.FormatInt(ud.PTime, 10)},
		"sign":   {ud.Sign},
		"hash":   {ud.Hash},
		"vid":    {vid},
	}

	var sess UploadSession
	if err := c.postForm(ctx, refreshTokenPath, form, &sess); err != nil {
		return nil, fmt.Errorf("refresh upload %s: %w", vid, err)
	}
	if sess.VID == "" {
		sess.VID = vid
	}
	sess.issuedAt = time.Now()
	log.Info().Str("vid", vid).Msg("upload credentials refreshed")
	return &sess, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{
			Status:  upload.StatusInitFailed,
			Message: fmt.Sprintf("platform returned HTTP %d", resp.StatusCode),
		}
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode platform response: %w", err)
	}
	if envelope.Code != http.StatusOK {
		return refusalError(envelope)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode platform payload: %w", err)
		}
	}
	return nil
}

// credentials returns the freshest signature triplet: values merged into the
// shared config win over the locally derived ones, so an application
// refreshing signatures server-side needs nothing beyond UpdateUserData.
func (c *Client) credentials() upload.UserData {
	ud := c.deriveUserData(time.Now())
	if c.cfg == nil {
		return ud
	}
	over := c.cfg.UserData()
	if over.UserID != "" {
		ud.UserID = over.UserID
	}
	if over.PTime != 0 {
		ud.PTime = over.PTime
	}
	if over.Sign != "" {
		ud.Sign = over.Sign
	}
	if over.Hash != "" {
		ud.Hash = over.Hash
	}
	return ud
}
