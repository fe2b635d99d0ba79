package vod

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/recative/polyv/upload"
)

func testFile(name string, content []byte) upload.FileSpec {
	return FileSpecFromBytes(name, time.Unix(1700000000, 0), content)
}

// fakePlatform is an httptest stand-in for the VOD API.
type fakePlatform struct {
	srv *httptest.Server

	mu           sync.Mutex
	initCalls    int
	refreshCalls int
	lastInitForm url.Values
	refusal      *apiResponse
	session      map[string]any
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{
		session: map[string]any{
			"vid":          "vid-123",
			"bucketName":   "vod-bucket",
			"endpoint":     "oss-cn-hangzhou.example.com",
			"dir":          "vod/2026/08/",
			"accessId":     "sts-id",
			"accessKey":    "sts-key",
			"token":        "sts-token",
			"validityTime": 3600,
			"callback":     "cb-payload",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(initUploadPath, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.initCalls++
		p.lastInitForm = r.PostForm
		refusal := p.refusal
		p.mu.Unlock()
		if refusal != nil {
			writePlatformJSON(w, *refusal)
			return
		}
		p.mu.Lock()
		sess := p.session
		p.mu.Unlock()
		writePlatformOK(w, sess)
	})
	mux.HandleFunc(refreshTokenPath, func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.refreshCalls++
		refusal := p.refusal
		sess := p.session
		p.mu.Unlock()
		if refusal != nil {
			writePlatformJSON(w, *refusal)
			return
		}
		fresh := make(map[string]any, len(sess))
		for k, v := range sess {
			fresh[k] = v
		}
		fresh["token"] = "sts-token-2"
		writePlatformOK(w, fresh)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlatform) refuse(code int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refusal = &apiResponse{Code: code, Status: "error", Message: message}
}

func (p *fakePlatform) counts() (inits, refreshes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initCalls, p.refreshCalls
}

func (p *fakePlatform) initForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastInitForm
}

func writePlatformOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	writePlatformJSON(w, apiResponse{Code: http.StatusOK, Status: "success", Data: raw})
}

func writePlatformJSON(w http.ResponseWriter, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// fakeStore is an in-memory blockStore with injectable failures.
type fakeStore struct {
	mu        sync.Mutex
	key       string
	uploadID  string
	parts     map[int][]byte
	partErrs  map[int]error
	completed bool
	callback  string
	aborted   bool

	gate  chan struct{} // when non-nil, each UploadPart waits for one tick
	began chan int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		parts:    make(map[int][]byte),
		partErrs: make(map[int]error),
		began:    make(chan int, 16),
	}
}

func (s *fakeStore) InitParts(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.uploadID = "upload-1"
	return s.uploadID, nil
}

func (s *fakeStore) UploadPart(key, uploadID string, partNumber int, r io.Reader, size int64) (oss.UploadPart, error) {
	select {
	case s.began <- partNumber:
	default:
	}
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	err := s.partErrs[partNumber]
	delete(s.partErrs, partNumber)
	s.mu.Unlock()
	if err != nil {
		return oss.UploadPart{}, err
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return oss.UploadPart{}, err
	}
	if int64(len(buf)) != size {
		return oss.UploadPart{}, fmt.Errorf("part %d: read %d bytes, want %d", partNumber, len(buf), size)
	}

	s.mu.Lock()
	s.parts[partNumber] = buf
	s.mu.Unlock()
	return oss.UploadPart{PartNumber: partNumber, ETag: fmt.Sprintf("etag-%d", partNumber)}, nil
}

func (s *fakeStore) Complete(key, uploadID string, parts []oss.UploadPart, callback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	s.callback = callback
	return nil
}

func (s *fakeStore) Abort(key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *fakeStore) failPart(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partErrs[n] = err
}

func (s *fakeStore) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *fakeStore) partCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parts)
}

func (s *fakeStore) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	nums := make([]int, 0, len(s.parts))
	for n := range s.parts {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	var out []byte
	for _, n := range nums {
		out = append(out, s.parts[n]...)
	}
	return out
}

func (s *fakeStore) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *fakeStore) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// recordingNotifier counts per-file callbacks the way the engine would
// receive them.
type recordingNotifier struct {
	mu       sync.Mutex
	started  int
	stopped  int
	succeed  int
	failed   int
	progress []float64
	lastErr  *upload.Error
}

func (n *recordingNotifier) FileStarted(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started++
}

func (n *recordingNotifier) FileStopped(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped++
}

func (n *recordingNotifier) FileProgress(_ string, p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) FileSucceed(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeed++
}

func (n *recordingNotifier) FileFailed(_ string, uerr *upload.Error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
	n.lastErr = uerr
}

func (n *recordingNotifier) snapshot() (started, stopped, succeed, failed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started, n.stopped, n.succeed, n.failed
}

func (n *recordingNotifier) progressValues() []float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]float64, len(n.progress))
	copy(out, n.progress)
	return out
}

// newTestTask wires a task against the fake platform and fake store with a
// tiny chunk size.
func newTestTask(t *testing.T, p *fakePlatform, content []byte, chunk int64) (*uploadTask, *fakeStore, *recordingNotifier) {
	t.Helper()
	client := NewClient("u1", "sk", "wt", nil, WithBaseURL(p.srv.URL))
	store := newFakeStore()
	notify := &recordingNotifier{}
	data := &upload.FileData{Title: "clip"}

	task := newUploadTask(client, testFile("clip.mp4", content), data, notify)
	task.newStore = func(*UploadSession) (blockStore, error) { return store, nil }
	task.chunk = chunk
	return task, store, notify
}

func awaitConclusion(t *testing.T, codes <-chan int, want int) {
	t.Helper()
	select {
	case got := <-codes:
		if got != want {
			t.Fatalf("conclusion code = %d, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not conclude in time (want %d)", want)
	}
}
