package vod

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/recative/polyv/upload"
)

// FileSpecFromPath stats the file, sniffs its MIME type from content and
// returns a spec whose Open re-opens the path for every run.
func FileSpecFromPath(path string) (upload.FileSpec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return upload.FileSpec{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return upload.FileSpec{}, err
	}

	mime := ""
	if mtype, err := mimetype.DetectFile(abs); err == nil {
		mime = mtype.String()
	}

	return upload.FileSpec{
		Name:    filepath.Base(abs),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		MIME:    mime,
		Open: func() (io.ReadSeekCloser, error) {
			return os.Open(abs)
		},
	}, nil
}

// FileSpecFromBytes wraps in-memory content, mostly for embedding
// applications and tests.
func FileSpecFromBytes(name string, modTime time.Time, content []byte) upload.FileSpec {
	return upload.FileSpec{
		Name:    name,
		Size:    int64(len(content)),
		ModTime: modTime,
		MIME:    mimetype.Detect(content).String(),
		Open: func() (io.ReadSeekCloser, error) {
			return nopCloser{bytes.NewReader(content)}, nil
		},
	}
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

// videoExtensions covers the containers the platform transcodes. Used as a
// fallback when content sniffing is inconclusive.
var videoExtensions = map[string]bool{
	".mp4": true, ".flv": true, ".avi": true, ".mov": true, ".wmv": true,
	".3gp": true, ".mkv": true, ".rmvb": true, ".mpg": true, ".mpeg": true,
	".ts": true, ".webm": true, ".m4v": true,
}

// AcceptVideo is the default type predicate: the platform only takes video
// content.
func AcceptVideo(f upload.FileSpec) bool {
	if strings.HasPrefix(f.MIME, "video/") {
		return true
	}
	return videoExtensions[strings.ToLower(filepath.Ext(f.Name))]
}

// AcceptExtensions builds a predicate admitting exactly the given
// extensions, dot-prefixed or not.
func AcceptExtensions(exts []string) func(upload.FileSpec) bool {
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[e] = true
	}
	return func(f upload.FileSpec) bool {
		return allowed[strings.ToLower(filepath.Ext(f.Name))]
	}
}
