package api

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recative/polyv/internal/spool"
	"github.com/recative/polyv/upload"
)

// apiTask stands in for a real upload run. In auto mode a run concludes with
// success on its own; in manual mode it keeps running until stopped.
type apiTask struct {
	mu        sync.Mutex
	id        string
	status    int
	concluded bool
	auto      bool
	data      *upload.FileData
	notify    upload.Notifier
	onResolve func(int)
	onReject  func(error)
}

func (t *apiTask) ID() string { return t.id }

func (t *apiTask) StatusCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *apiTask) Start() {
	t.mu.Lock()
	t.status = upload.StatusUploading
	t.concluded = false
	t.mu.Unlock()

	if !t.auto {
		return
	}
	go func() {
		t.notify.FileStarted(t.id)
		t.mu.Lock()
		if t.concluded {
			t.mu.Unlock()
			return
		}
		t.concluded = true
		t.status = upload.StatusSucceed
		fn := t.onResolve
		t.mu.Unlock()

		t.notify.FileSucceed(t.id)
		if fn != nil {
			fn(upload.StatusSucceed)
		}
	}()
}

func (t *apiTask) Stop() {
	t.mu.Lock()
	if t.concluded {
		t.mu.Unlock()
		return
	}
	t.concluded = true
	if t.status != upload.StatusNotStarted {
		t.status = upload.StatusStopped
	}
	fn := t.onResolve
	t.mu.Unlock()

	t.notify.FileStopped(t.id)
	if fn != nil {
		fn(upload.StatusStopped)
	}
}

func (t *apiTask) UpdateFileData(patch upload.FileData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data != nil {
		t.data.Merge(patch)
	}
}

func (t *apiTask) OnResolve(fn func(int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResolve = fn
}

func (t *apiTask) OnReject(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReject = fn
}

// apiFactory derives task ids from the file name alone, so posting the same
// file twice collides the way the content fingerprint does in production.
func apiFactory(auto bool) upload.TaskFactory {
	return func(file upload.FileSpec, data *upload.FileData, notify upload.Notifier) (upload.Task, error) {
		return &apiTask{id: "task-" + file.Name, auto: auto, data: data, notify: notify}, nil
	}
}

type testEnv struct {
	router  *gin.Engine
	manager *upload.Manager
	spool   *spool.Spool
}

func setupEnv(t *testing.T, auto bool, accepts func(upload.FileSpec) bool) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sp, err := spool.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	manager := upload.NewManager(upload.NewConfig(2, accepts, upload.UserData{}), apiFactory(auto))
	router := gin.New()
	handler := NewAPI(manager, sp)
	handler.RegisterRoutes(router)
	return testEnv{router: router, manager: manager, spool: sp}
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func postUpload(t *testing.T, env testEnv, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ctype := multipartBody(t, filename, content, fields)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func doJSON(t *testing.T, env testEnv, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeInfo(t *testing.T, w *httptest.ResponseRecorder) upload.FileInfo {
	t.Helper()
	var info upload.FileInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return info
}

// spoolFiles counts staged files on disk, ignoring the per-upload
// directories around them.
func spoolFiles(t *testing.T, sp *spool.Spool) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(sp.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk spool: %v", err)
	}
	return n
}

func pollUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateUploadStagesAndParks(t *testing.T) {
	env := setupEnv(t, false, nil)

	w := postUpload(t, env, "clip.mp4", "payload", map[string]string{"title": "Launch talk", "cataid": "7"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	info := decodeInfo(t, w)
	if info.TaskID != "task-clip.mp4" {
		t.Fatalf("unexpected task id %q", info.TaskID)
	}
	if info.StatusCode != upload.StatusNotStarted {
		t.Fatalf("expected pristine status, got %d", info.StatusCode)
	}
	if !info.Waiting {
		t.Fatalf("expected upload parked in the wait queue")
	}
	if info.FileData.Title != "Launch talk" || info.FileData.CataID != 7 {
		t.Fatalf("form metadata not applied: %+v", info.FileData)
	}
	if n := spoolFiles(t, env.spool); n != 1 {
		t.Fatalf("expected 1 staged file, found %d", n)
	}
}

func TestCreateUploadRequiresFilePart(t *testing.T) {
	env := setupEnv(t, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateUploadDuplicateConflicts(t *testing.T) {
	env := setupEnv(t, false, nil)

	if w := postUpload(t, env, "clip.mp4", "payload", nil); w.Code != http.StatusCreated {
		t.Fatalf("first post: expected 201, got %d", w.Code)
	}
	w := postUpload(t, env, "clip.mp4", "payload", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second post: expected 409, got %d", w.Code)
	}
	// the rejected copy must not linger in the spool
	if n := spoolFiles(t, env.spool); n != 1 {
		t.Fatalf("expected 1 staged file after duplicate, found %d", n)
	}
}

func TestCreateUploadRejectsUnacceptedType(t *testing.T) {
	mp4Only := func(f upload.FileSpec) bool { return strings.HasSuffix(f.Name, ".mp4") }
	env := setupEnv(t, false, mp4Only)

	w := postUpload(t, env, "notes.txt", "plain text", nil)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}
	if n := spoolFiles(t, env.spool); n != 0 {
		t.Fatalf("expected empty spool after rejection, found %d files", n)
	}
}

func TestCreateUploadWhileUploadingJoinsPool(t *testing.T) {
	env := setupEnv(t, false, nil)

	if w := postUpload(t, env, "a.mp4", "aaa", nil); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w := doJSON(t, env, http.MethodPost, "/api/v1/batch/start", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	// a file submitted mid-batch goes straight into the pool
	w := postUpload(t, env, "b.mp4", "bbb", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	info := decodeInfo(t, w)
	if info.Waiting {
		t.Fatalf("expected immediate submission, file is parked")
	}
	if info.StatusCode != upload.StatusUploading {
		t.Fatalf("expected uploading status, got %d", info.StatusCode)
	}
}

func TestListUploadsKeepsSubmissionOrder(t *testing.T) {
	env := setupEnv(t, false, nil)
	postUpload(t, env, "a.mp4", "aaa", nil)
	postUpload(t, env, "b.mp4", "bbb", nil)

	w := doJSON(t, env, http.MethodGet, "/api/v1/uploads", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp uploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Mode != "notStarted" {
		t.Fatalf("expected mode notStarted, got %q", resp.Mode)
	}
	if len(resp.Uploads) != 2 || resp.Uploads[0].TaskID != "task-a.mp4" || resp.Uploads[1].TaskID != "task-b.mp4" {
		t.Fatalf("unexpected listing: %+v", resp.Uploads)
	}
}

func TestUnknownUploadReturnsNotFound(t *testing.T) {
	env := setupEnv(t, false, nil)

	checks := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/v1/uploads/ghost", ""},
		{http.MethodPatch, "/api/v1/uploads/ghost", `{"title":"x"}`},
		{http.MethodDelete, "/api/v1/uploads/ghost", ""},
		{http.MethodPost, "/api/v1/uploads/ghost/stop", ""},
		{http.MethodPost, "/api/v1/uploads/ghost/resume", ""},
	}
	for _, c := range checks {
		w := doJSON(t, env, c.method, c.path, c.body)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", c.method, c.path, w.Code)
		}
	}
}

func TestUpdateUploadMergesMetadata(t *testing.T) {
	env := setupEnv(t, false, nil)
	postUpload(t, env, "clip.mp4", "payload", map[string]string{"title": "First cut"})

	w := doJSON(t, env, http.MethodPatch, "/api/v1/uploads/task-clip.mp4", `{"tag":"keynote"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	info := decodeInfo(t, w)
	if info.FileData.Title != "First cut" {
		t.Fatalf("patch clobbered title: %+v", info.FileData)
	}
	if info.FileData.Tag != "keynote" {
		t.Fatalf("tag not merged: %+v", info.FileData)
	}
}

func TestUpdateUploadLockedWhileUploading(t *testing.T) {
	env := setupEnv(t, false, nil)
	postUpload(t, env, "clip.mp4", "payload", nil)
	doJSON(t, env, http.MethodPost, "/api/v1/batch/start", "")

	w := doJSON(t, env, http.MethodPatch, "/api/v1/uploads/task-clip.mp4", `{"title":"Too late"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestStopAndResumeUpload(t *testing.T) {
	env := setupEnv(t, false, nil)
	postUpload(t, env, "clip.mp4", "payload", nil)
	doJSON(t, env, http.MethodPost, "/api/v1/batch/start", "")

	w := doJSON(t, env, http.MethodPost, "/api/v1/uploads/task-clip.mp4/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", w.Code)
	}
	info := decodeInfo(t, w)
	if info.StatusCode != upload.StatusStopped {
		t.Fatalf("expected stopped status, got %d", info.StatusCode)
	}
	if !info.Waiting {
		t.Fatalf("expected stopped upload parked in the wait queue")
	}

	w = doJSON(t, env, http.MethodPost, "/api/v1/uploads/task-clip.mp4/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", w.Code)
	}
	info = decodeInfo(t, w)
	if info.StatusCode != upload.StatusUploading {
		t.Fatalf("expected uploading after resume, got %d", info.StatusCode)
	}
	if info.Waiting {
		t.Fatalf("resumed upload still parked")
	}
}

func TestBatchStartRunsQueueToCompletion(t *testing.T) {
	env := setupEnv(t, true, nil)
	postUpload(t, env, "a.mp4", "aaa", nil)
	postUpload(t, env, "b.mp4", "bbb", nil)
	postUpload(t, env, "c.mp4", "ccc", nil)

	done := make(chan struct{}, 1)
	env.manager.On(upload.EventUploadComplete, func(upload.Event) { done <- struct{}{} })

	w := doJSON(t, env, http.MethodPost, "/api/v1/batch/start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the batch to drain")
	}

	w = doJSON(t, env, http.MethodGet, "/api/v1/uploads", "")
	var resp uploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Mode != "notStarted" {
		t.Fatalf("expected mode notStarted after drain, got %q", resp.Mode)
	}
	if len(resp.Uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(resp.Uploads))
	}
	for _, info := range resp.Uploads {
		if info.StatusCode != upload.StatusSucceed {
			t.Fatalf("%s: expected succeed, got %d", info.TaskID, info.StatusCode)
		}
	}
	// staged content is released as each file succeeds
	if n := spoolFiles(t, env.spool); n != 0 {
		t.Fatalf("expected empty spool after batch, found %d files", n)
	}
}

func TestStopAllParksRunningUploads(t *testing.T) {
	env := setupEnv(t, false, nil)
	postUpload(t, env, "a.mp4", "aaa", nil)
	postUpload(t, env, "b.mp4", "bbb", nil)
	doJSON(t, env, http.MethodPost, "/api/v1/batch/start", "")

	w := doJSON(t, env, http.MethodPost, "/api/v1/batch/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	pollUntil(t, "both uploads parked as stopped", func() bool {
		files := env.manager.Files()
		if len(files) != 2 {
			return false
		}
		for _, info := range files {
			if info.StatusCode != upload.StatusStopped || !info.Waiting {
				return false
			}
		}
		return true
	})
	if mode := env.manager.Mode().String(); mode != "notStarted" {
		t.Fatalf("expected mode notStarted after stop, got %q", mode)
	}
}

func TestRemoveUploadReleasesStagedContent(t *testing.T) {
	env := setupEnv(t, false, nil)
	postUpload(t, env, "clip.mp4", "payload", nil)

	w := doJSON(t, env, http.MethodDelete, "/api/v1/uploads/task-clip.mp4", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := doJSON(t, env, http.MethodGet, "/api/v1/uploads/task-clip.mp4", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d", w.Code)
	}
	if n := spoolFiles(t, env.spool); n != 0 {
		t.Fatalf("expected empty spool after removal, found %d files", n)
	}
}

func TestClearAllDropsEverything(t *testing.T) {
	env := setupEnv(t, false, nil)
	postUpload(t, env, "a.mp4", "aaa", nil)
	postUpload(t, env, "b.mp4", "bbb", nil)

	w := doJSON(t, env, http.MethodPost, "/api/v1/batch/clear", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = doJSON(t, env, http.MethodGet, "/api/v1/uploads", "")
	var resp uploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Uploads) != 0 {
		t.Fatalf("expected empty queue, got %+v", resp.Uploads)
	}
	if n := spoolFiles(t, env.spool); n != 0 {
		t.Fatalf("expected empty spool after clear, found %d files", n)
	}
}

func TestUpdateCredentials(t *testing.T) {
	env := setupEnv(t, false, nil)

	body := `{"userid":"u1","ptime":1724212800000,"sign":"sig-1","hash":"hash-1"}`
	w := doJSON(t, env, http.MethodPut, "/api/v1/credentials", body)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	user := env.manager.Config().UserData()
	if user.UserID != "u1" || user.PTime != 1724212800000 || user.Sign != "sig-1" || user.Hash != "hash-1" {
		t.Fatalf("credentials not merged: %+v", user)
	}

	if w := doJSON(t, env, http.MethodPut, "/api/v1/credentials", `{"ptime":"not a number"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed body, got %d", w.Code)
	}
}
