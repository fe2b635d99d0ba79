package cli

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tm "github.com/buger/goterm"
	"github.com/fatih/color"

	"github.com/recative/polyv/upload"
)

// rowFailed marks a hard failure, which has no engine status code of its
// own: a rejected task keeps the uploading marker.
const rowFailed = -1

// board aggregates per-file activity into one throttled progress line and a
// final summary table.
type board struct {
	mu    sync.Mutex
	rows  map[string]*boardRow
	order []string
	total int64
	start time.Time
}

type boardRow struct {
	name    string
	size    int64
	done    int64
	status  int
	message string
}

func newBoard() *board {
	return &board{rows: make(map[string]*boardRow), start: time.Now()}
}

func (b *board) add(id, name string, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[id] = &boardRow{name: name, size: size}
	b.order = append(b.order, id)
	b.total += size
}

// watch subscribes to the engine's per-file events. The returned function
// unsubscribes everything. A hard failure also removes the file, because a
// rejected task occupies its pool slot until someone takes it out.
func (b *board) watch(m *upload.Manager) func() {
	offs := []func(){
		m.On(upload.EventFileProgress, func(ev upload.Event) {
			b.mu.Lock()
			if r := b.rows[ev.TaskID]; r != nil {
				r.done = int64(ev.Progress * float64(r.size))
			}
			b.mu.Unlock()
		}),
		m.On(upload.EventFileFailed, func(ev upload.Event) {
			b.mu.Lock()
			if r := b.rows[ev.TaskID]; r != nil {
				r.status = rowFailed
				if ev.Err != nil {
					r.message = ev.Err.Message
				}
			}
			b.mu.Unlock()
			m.RemoveFile(ev.TaskID)
		}),
		m.On(upload.EventError, func(ev upload.Event) {
			b.mu.Lock()
			if r := b.rows[ev.TaskID]; r != nil && ev.Err != nil && r.message == "" {
				r.message = ev.Err.Message
			}
			b.mu.Unlock()
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// sync pulls current status codes out of the engine. Conclusions that park a
// file (a refused session, a stop) have no event of their own, so polling is
// the reliable source for them.
func (b *board) sync(files []upload.FileInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range files {
		r := b.rows[f.TaskID]
		if r == nil || r.status == rowFailed {
			continue
		}
		r.status = f.StatusCode
		if f.StatusCode == upload.StatusSucceed {
			r.done = r.size
		}
	}
}

// settled reports whether every file reached an outcome the engine will not
// retry on its own. Expired credentials and transient transport failures
// resubmit automatically, so they still count as in flight.
func (b *board) settled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		switch b.rows[id].status {
		case upload.StatusNotStarted, upload.StatusUploading,
			upload.StatusTokenExpired, upload.StatusRetryable:
			return false
		}
	}
	return true
}

func (b *board) render() {
	b.mu.Lock()
	var transferred int64
	for _, id := range b.order {
		transferred += b.rows[id].done
	}
	total := b.total
	elapsed := time.Since(b.start)
	b.mu.Unlock()

	percent := 0.0
	if total > 0 {
		percent = float64(transferred) * 100 / float64(total)
	}
	fmt.Printf("\rUploading: %s / %s (%.1f%%) - %s elapsed",
		formatBytes(transferred), formatBytes(total), percent, formatDuration(elapsed))
}

// summary clears the progress line, prints the per-file table and reports
// whether every upload succeeded.
func (b *board) summary(vidOf func(id string) string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	fmt.Print("\r" + strings.Repeat(" ", 100) + "\r")

	table := tm.NewTable(0, 4, 2, ' ', 0)
	fmt.Fprint(table, "FILE\tSIZE\tSTATUS\tNOTE\n")
	allOK := true
	var transferred int64
	for _, id := range b.order {
		r := b.rows[id]
		transferred += r.done

		status := color.GreenString("[DONE]")
		note := vidOf(id)
		switch r.status {
		case upload.StatusSucceed:
		case rowFailed:
			status = color.RedString("[FAIL]")
			note = r.message
			allOK = false
		case upload.StatusStopped:
			status = color.YellowString("[STOPPED]")
			allOK = false
		default:
			status = color.RedString("[" + statusLabel(r.status) + "]")
			if r.message != "" {
				note = r.message
			}
			allOK = false
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\n", r.name, formatBytes(r.size), status, note)
	}
	tm.Println(table)
	tm.Flush()

	elapsed := time.Since(b.start)
	fmt.Printf("Duration: %s\n", formatDuration(elapsed))
	if elapsed > time.Second && transferred > 0 {
		fmt.Printf("Average speed: %s/s\n", formatBytes(int64(float64(transferred)/elapsed.Seconds())))
	}
	return allOK
}

func statusLabel(code int) string {
	switch code {
	case upload.StatusNotStarted:
		return "QUEUED"
	case upload.StatusUploading:
		return "UPLOADING"
	case upload.StatusInitFailed:
		return "INIT FAILED"
	case upload.StatusQuotaExceeded:
		return "QUOTA"
	case upload.StatusSessionExpired:
		return "EXPIRED"
	}
	return fmt.Sprintf("CODE %d", code)
}
