// Package polyv uploads video files to the Polyv VOD platform. It wires the
// concurrency-bounded upload engine (package upload) to the platform client
// (package vod) behind a single constructor: applications that want queue
// control work with Client.Manager directly, the rest call UploadFile.
package polyv

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/recative/polyv/upload"
	"github.com/recative/polyv/vod"
)

// Options configure New. The three credential fields come from the platform
// console and are all required.
type Options struct {
	UserID     string
	SecretKey  string
	WriteToken string

	// Limit caps concurrently running uploads. Values outside the
	// platform's allowed range fall back to the default.
	Limit int

	// Accept filters submitted files. Nil admits any video content.
	Accept func(upload.FileSpec) bool

	// BaseURL overrides the production API host, usually for tests.
	BaseURL string

	// HTTPClient overrides the platform API transport.
	HTTPClient *http.Client
}

// Client bundles the shared config, the platform client and the upload
// engine. All three reference the same Config, so credential updates pushed
// through any of them are observed everywhere.
type Client struct {
	Config  *upload.Config
	VOD     *vod.Client
	Manager *upload.Manager
}

// New builds a ready-to-use client from the platform credentials.
func New(opts Options) (*Client, error) {
	if opts.UserID == "" || opts.SecretKey == "" || opts.WriteToken == "" {
		return nil, errors.New("polyv: userid, secretkey and writetoken are all required")
	}

	accept := opts.Accept
	if accept == nil {
		accept = vod.AcceptVideo
	}
	cfg := upload.NewConfig(opts.Limit, accept, upload.UserData{UserID: opts.UserID})

	var clientOpts []vod.ClientOption
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, vod.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, vod.WithHTTPClient(opts.HTTPClient))
	}
	vc := vod.NewClient(opts.UserID, opts.SecretKey, opts.WriteToken, cfg, clientOpts...)

	return &Client{
		Config:  cfg,
		VOD:     vc,
		Manager: upload.NewManager(cfg, vc.TaskFactory()),
	}, nil
}

// UploadResult reports what a finished one-call upload produced.
type UploadResult struct {
	TaskID string
	VID    string
}

// UploadFile uploads one local file as its own batch and blocks until the
// upload settles. Credential refreshes and transient transport failures are
// retried by the engine; conditions that need outside help (a refused
// session, an exhausted quota) come back as *upload.Error with the matching
// code. Cancelling the context stops the upload; a later UploadFile for the
// same file resumes from the last confirmed chunk only within the same
// Client, since the chunk ledger lives on the task.
func (c *Client) UploadFile(ctx context.Context, path string, data *upload.FileData) (UploadResult, error) {
	spec, err := vod.FileSpecFromPath(path)
	if err != nil {
		return UploadResult{}, err
	}
	task, err := c.Manager.AddFile(spec, upload.FileEvents{}, data)
	if err != nil {
		return UploadResult{}, err
	}
	id := task.ID()
	res := UploadResult{TaskID: id}

	// A hard failure rejects instead of concluding, keeping its pool slot
	// and the uploading status. Catch it through the event stream and free
	// the slot here.
	failed := make(chan *upload.Error, 1)
	off := c.Manager.On(upload.EventFileFailed, func(ev upload.Event) {
		if ev.TaskID == id {
			select {
			case failed <- ev.Err:
			default:
			}
		}
	})
	defer off()

	c.Manager.StartAll()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Manager.StopFile(id)
			return res, ctx.Err()
		case uerr := <-failed:
			c.Manager.RemoveFile(id)
			if uerr == nil {
				uerr = &upload.Error{Message: "upload failed"}
			}
			return res, uerr
		case <-tick.C:
		}

		info, ok := c.Manager.File(id)
		if !ok {
			return res, errors.New("polyv: upload no longer tracked")
		}
		if info.StatusCode == upload.StatusSucceed {
			if v, ok := task.(interface{ VID() string }); ok {
				res.VID = v.VID()
			}
			return res, nil
		}
		settled := info.StatusCode != upload.StatusNotStarted && info.StatusCode != upload.StatusUploading
		if settled && c.Manager.Mode() == upload.ModeNotStarted {
			return res, concludedError(info)
		}
	}
}

func concludedError(info upload.FileInfo) *upload.Error {
	msg := "upload did not finish"
	switch info.StatusCode {
	case upload.StatusInitFailed:
		msg = "upload session could not be opened"
	case upload.StatusQuotaExceeded:
		msg = "remote storage quota exhausted"
	case upload.StatusStopped:
		msg = "upload stopped"
	case upload.StatusSessionExpired:
		msg = "upload session expired"
	}
	return &upload.Error{Code: info.StatusCode, Message: msg, Data: info.FileData}
}
