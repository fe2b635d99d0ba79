package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/recative/polyv/internal/spool"
	"github.com/recative/polyv/upload"
	"github.com/recative/polyv/vod"
)

type uploadResponse struct {
	Mode    string            `json:"mode"`
	Uploads []upload.FileInfo `json:"uploads"`
}

type updateUploadRequest struct {
	Title      string `json:"title"`
	Desc       string `json:"desc"`
	CataID     int64  `json:"cataid"`
	Tag        string `json:"tag"`
	Luping     int    `json:"luping"`
	KeepSource int    `json:"keepsource"`
}

// API exposes the upload engine over REST. Incoming content is staged in
// the spool, because a task re-reads its source on every run and the
// multipart body is gone once the request ends.
type API struct {
	manager *upload.Manager
	spool   *spool.Spool

	mu     sync.Mutex
	staged map[string]string // task id -> spooled path
}

func NewAPI(manager *upload.Manager, sp *spool.Spool) *API {
	return &API{manager: manager, spool: sp, staged: make(map[string]string)}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/uploads", a.CreateUpload)
		api.GET("/uploads", a.ListUploads)
		api.GET("/uploads/:id", a.GetUpload)
		api.PATCH("/uploads/:id", a.UpdateUpload)
		api.DELETE("/uploads/:id", a.RemoveUpload)
		api.POST("/uploads/:id/stop", a.StopUpload)
		api.POST("/uploads/:id/resume", a.ResumeUpload)
		api.POST("/batch/start", a.StartAll)
		api.POST("/batch/stop", a.StopAll)
		api.POST("/batch/clear", a.ClearAll)
		api.PUT("/credentials", a.UpdateCredentials)
	}
}

// CreateUpload stages the multipart body and submits it to the engine.
// Metadata rides along as ordinary form fields.
func (a *API) CreateUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		log.Warn().Err(err).Msg("upload request without file part")
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file part"})
		return
	}

	src, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file part"})
		return
	}
	path, err := a.spool.Save(fh.Filename, src)
	_ = src.Close()
	if err != nil {
		log.Error().Err(err).Str("file", fh.Filename).Msg("staging upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "staging failed"})
		return
	}

	spec, err := vod.FileSpecFromPath(path)
	if err != nil {
		_ = a.spool.Remove(path)
		log.Error().Err(err).Str("path", path).Msg("staged file unreadable")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "staging failed"})
		return
	}

	data := fileDataFromForm(c)
	task, err := a.manager.AddFile(spec, upload.FileEvents{
		OnSucceed: func(ev upload.Event) { a.release(ev.TaskID) },
	}, &data)
	if err != nil {
		_ = a.spool.Remove(path)
		switch {
		case upload.IsDuplicateFile(err):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case upload.IsUnacceptableType(err):
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	a.track(task.ID(), path)
	info, _ := a.manager.File(task.ID())
	log.Info().Str("task_id", task.ID()).Str("file", fh.Filename).Int64("size", spec.Size).Msg("upload accepted")
	c.JSON(http.StatusCreated, info)
}

// ListUploads returns every tracked upload plus the engine mode.
func (a *API) ListUploads(c *gin.Context) {
	c.JSON(http.StatusOK, uploadResponse{
		Mode:    a.manager.Mode().String(),
		Uploads: a.manager.Files(),
	})
}

// GetUpload returns one tracked upload
func (a *API) GetUpload(c *gin.Context) {
	id := c.Param("id")
	if info, ok := a.manager.File(id); ok {
		c.JSON(http.StatusOK, info)
		return
	}
	log.Warn().Str("task_id", id).Msg("upload not found on get")
	c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
}

// UpdateUpload merges metadata into a file that has not begun uploading
func (a *API) UpdateUpload(c *gin.Context) {
	id := c.Param("id")
	var req updateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("invalid update request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if _, ok := a.manager.File(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	patch := upload.FileData{
		Title: req.Title, Desc: req.Desc, CataID: req.CataID,
		Tag: req.Tag, Luping: req.Luping, KeepSource: req.KeepSource,
	}
	if err := a.manager.UpdateFileData(id, patch); err != nil {
		if upload.IsFileLocked(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, _ := a.manager.File(id)
	c.JSON(http.StatusOK, info)
}

// RemoveUpload untracks the file and drops its staged content
func (a *API) RemoveUpload(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.manager.File(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	a.manager.RemoveFile(id)
	a.release(id)
	c.Status(http.StatusNoContent)
}

// StopUpload pauses a running upload
func (a *API) StopUpload(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.manager.File(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	a.manager.StopFile(id)
	info, _ := a.manager.File(id)
	c.JSON(http.StatusOK, info)
}

// ResumeUpload puts a parked upload back into rotation
func (a *API) ResumeUpload(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.manager.File(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	a.manager.ResumeFile(id)
	info, _ := a.manager.File(id)
	c.JSON(http.StatusOK, info)
}

// StartAll drains the wait queue into the pool and starts the batch
func (a *API) StartAll(c *gin.Context) {
	a.manager.StartAll()
	c.JSON(http.StatusAccepted, gin.H{"mode": a.manager.Mode().String()})
}

// StopAll pauses the whole batch
func (a *API) StopAll(c *gin.Context) {
	a.manager.StopAll()
	c.JSON(http.StatusOK, gin.H{"mode": a.manager.Mode().String()})
}

// ClearAll stops everything, forgets all files and drops their staged
// content
func (a *API) ClearAll(c *gin.Context) {
	a.manager.ClearAll()
	a.releaseAll()
	c.Status(http.StatusNoContent)
}

// UpdateCredentials merges a fresh signature triplet into the shared config
func (a *API) UpdateCredentials(c *gin.Context) {
	var patch upload.UserData
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a.manager.UpdateUserData(patch)
	c.Status(http.StatusNoContent)
}

func fileDataFromForm(c *gin.Context) upload.FileData {
	cataid, _ := strconv.ParseInt(c.PostForm("cataid"), 10, 64)
	luping, _ := strconv.Atoi(c.PostForm("luping"))
	keepsource, _ := strconv.Atoi(c.PostForm("keepsource"))
	return upload.FileData{
		Title:      c.PostForm("title"),
		Desc:       c.PostForm("desc"),
		CataID:     cataid,
		Tag:        c.PostForm("tag"),
		Luping:     luping,
		KeepSource: keepsource,
	}
}

func (a *API) track(id, path string) {
	a.mu.Lock()
	a.staged[id] = path
	a.mu.Unlock()
}

// release drops the staged content for a finished or discarded upload.
func (a *API) release(id string) {
	a.mu.Lock()
	path, ok := a.staged[id]
	delete(a.staged, id)
	a.mu.Unlock()
	if !ok {
		return
	}
	if err := a.spool.Remove(path); err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("drop staged file failed")
	}
}

func (a *API) releaseAll() {
	a.mu.Lock()
	paths := a.staged
	a.staged = make(map[string]string)
	a.mu.Unlock()
	for id, path := range paths {
		if err := a.spool.Remove(path); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("drop staged file failed")
		}
	}
}
