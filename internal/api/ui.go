package api

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/recative/polyv/upload"
	"github.com/recative/polyv/vod"
)

var uiTemplates = template.Must(template.New("layout").Parse(`{{define "layout"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>Polyv Uploader</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444}
    .btn.small{padding:5px 9px;font-size:12px}
    input[type=text]{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    table{width:100%;border-collapse:collapse}
    th,td{text-align:left;padding:8px 6px;border-bottom:1px solid #eee;vertical-align:middle}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
  </head>
<body>
  <header>
    <h1>Polyv Uploader</h1>
    <div class="muted">Minimal no-JS helper for API · mode: <span class="status">{{.Mode}}</span></div>
  </header>
  {{template "content" .}}
  <footer>
    <div>API base: <span class="mono">/api/v1</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "home"}}
  {{template "layout" .}}
{{end}}

{{define "content"}}
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
  <div class="card">
    <h2>Add file</h2>
    <form method="post" action="/ui/uploads" enctype="multipart/form-data">
      <div class="row">
        <input type="file" name="file" required />
        <input type="text" name="title" placeholder="Title (optional)" />
        <input type="text" name="tag" placeholder="Tag (optional)" />
        <button class="btn" type="submit">Add</button>
      </div>
    </form>
    <div class="muted">POST /api/v1/uploads</div>
  </div>

  <div class="card">
    <h2>Queue</h2>
    {{if .Uploads}}
      <table>
        <tr><th>Task</th><th>Title</th><th>Status</th><th></th></tr>
        {{range .Uploads}}
        <tr>
          <td><span class="mono">{{.ID}}</span></td>
          <td>{{.Title}}</td>
          <td><span class="status">{{.Status}}</span>{{if .Waiting}} <span class="muted">waiting</span>{{end}}</td>
          <td>
            <form method="post" action="/ui/uploads/{{.ID}}/stop" style="display:inline"><button class="btn small secondary" type="submit">Stop</button></form>
            <form method="post" action="/ui/uploads/{{.ID}}/resume" style="display:inline"><button class="btn small" type="submit">Resume</button></form>
            <form method="post" action="/ui/uploads/{{.ID}}/remove" style="display:inline"><button class="btn small secondary" type="submit">Remove</button></form>
          </td>
        </tr>
        {{end}}
      </table>
    {{else}}
      <div class="muted">No uploads yet</div>
    {{end}}
    <div class="row" style="margin-top:12px">
      <form method="post" action="/ui/batch/start"><button class="btn" type="submit">Start all</button></form>
      <form method="post" action="/ui/batch/stop"><button class="btn secondary" type="submit">Stop all</button></form>
      <form method="post" action="/ui/batch/clear"><button class="btn secondary" type="submit">Clear</button></form>
    </div>
    <div class="muted" style="margin-top:8px">POST /api/v1/batch/{start,stop,clear}</div>
  </div>
{{end}}
`))

type uploadRow struct {
	ID      string
	Title   string
	Status  string
	Waiting bool
}

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.POST("/ui/uploads", a.UIAddUpload)
	router.POST("/ui/uploads/:id/stop", a.UIStopUpload)
	router.POST("/ui/uploads/:id/resume", a.UIResumeUpload)
	router.POST("/ui/uploads/:id/remove", a.UIRemoveUpload)
	router.POST("/ui/batch/start", a.UIStartAll)
	router.POST("/ui/batch/stop", a.UIStopAll)
	router.POST("/ui/batch/clear", a.UIClearAll)
}

// UIHome renders the queue page
func (a *API) UIHome(c *gin.Context) {
	a.renderHome(c, http.StatusOK, "")
}

// UIAddUpload stages the form file and submits it, rendering the queue page
// with an error banner when the engine rejects it
func (a *API) UIAddUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		a.renderHome(c, http.StatusBadRequest, "missing file part")
		return
	}
	src, err := fh.Open()
	if err != nil {
		a.renderHome(c, http.StatusBadRequest, "unreadable file part")
		return
	}
	path, err := a.spool.Save(fh.Filename, src)
	_ = src.Close()
	if err != nil {
		log.Error().Err(err).Str("file", fh.Filename).Msg("staging upload failed")
		a.renderHome(c, http.StatusInternalServerError, "staging failed")
		return
	}
	spec, err := vod.FileSpecFromPath(path)
	if err != nil {
		_ = a.spool.Remove(path)
		a.renderHome(c, http.StatusInternalServerError, "staging failed")
		return
	}
	data := fileDataFromForm(c)
	task, err := a.manager.AddFile(spec, upload.FileEvents{
		OnSucceed: func(ev upload.Event) { a.release(ev.TaskID) },
	}, &data)
	if err != nil {
		_ = a.spool.Remove(path)
		a.renderHome(c, http.StatusBadRequest, err.Error())
		return
	}
	a.track(task.ID(), path)
	c.Redirect(http.StatusFound, "/")
}

// UIStopUpload pauses one upload and returns to the queue page
func (a *API) UIStopUpload(c *gin.Context) {
	a.manager.StopFile(c.Param("id"))
	c.Redirect(http.StatusFound, "/")
}

// UIResumeUpload resumes one upload and returns to the queue page
func (a *API) UIResumeUpload(c *gin.Context) {
	a.manager.ResumeFile(c.Param("id"))
	c.Redirect(http.StatusFound, "/")
}

// UIRemoveUpload removes one upload and returns to the queue page
func (a *API) UIRemoveUpload(c *gin.Context) {
	id := c.Param("id")
	a.manager.RemoveFile(id)
	a.release(id)
	c.Redirect(http.StatusFound, "/")
}

// UIStartAll starts the batch and returns to the queue page
func (a *API) UIStartAll(c *gin.Context) {
	a.manager.StartAll()
	c.Redirect(http.StatusFound, "/")
}

// UIStopAll pauses the batch and returns to the queue page
func (a *API) UIStopAll(c *gin.Context) {
	a.manager.StopAll()
	c.Redirect(http.StatusFound, "/")
}

// UIClearAll clears the queue and returns to the queue page
func (a *API) UIClearAll(c *gin.Context) {
	a.manager.ClearAll()
	a.releaseAll()
	c.Redirect(http.StatusFound, "/")
}

func (a *API) renderHome(c *gin.Context, status int, errText string) {
	files := a.manager.Files()
	rows := make([]uploadRow, 0, len(files))
	for _, f := range files {
		rows = append(rows, uploadRow{
			ID:      f.TaskID,
			Title:   f.FileData.Title,
			Status:  statusText(f.StatusCode),
			Waiting: f.Waiting,
		})
	}
	c.HTML(status, "home", gin.H{
		"Mode":    a.manager.Mode().String(),
		"Uploads": rows,
		"Error":   errText,
	})
}

// statusText renders an engine status code for humans.
func statusText(code int) string {
	switch code {
	case upload.StatusNotStarted:
		return "not started"
	case upload.StatusUploading:
		return "uploading"
	case upload.StatusSucceed:
		return "succeed"
	case upload.StatusInitFailed:
		return "init failed"
	case upload.StatusQuotaExceeded:
		return "quota exceeded"
	case upload.StatusStopped:
		return "stopped"
	case upload.StatusSessionExpired:
		return "session expired"
	case upload.StatusTokenExpired:
		return "token expired"
	case upload.StatusRetryable:
		return "retrying"
	}
	return fmt.Sprintf("code %d", code)
}
