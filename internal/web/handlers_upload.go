package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/progress"
)

// streamPollInterval is used for progress stores that cannot push.
const streamPollInterval = 500 * time.Millisecond

var errNoFile = errors.New("no file provided")

// uploadResponse is returned by the upload endpoint.
type uploadResponse struct {
	TaskID string `json:"task_id"`
}

// handleUpload streams the multipart "file" part to the receiver without
// buffering the whole form.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)

	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.respondError(w, r, errNoFile, http.StatusBadRequest, "")
			return
		}
		if err != nil {
			s.respondError(w, r, err, statusFor(err), "")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		taskID, err := s.deps.Receiver.Receive(r.Context(), part.FileName(), part)
		part.Close()
		if err != nil {
			s.respondError(w, r, err, statusFor(err), "")
			return
		}
		writeJSON(w, http.StatusAccepted, uploadResponse{TaskID: taskID})
		return
	}
}

// handleProgress returns the latest progress for one import job.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Progress.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondError(w, r, err, statusFor(err), "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleProgressStream streams progress via Server-Sent Events until the job
// is terminal. The event id is the percent, so a reconnecting client sending
// Last-Event-ID skips updates it has already seen.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ctx := r.Context()

	lastEventID := -1
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			lastEventID = n
		}
	}

	var updates <-chan progress.Progress
	if watcher, ok := s.deps.Progress.(progress.Watcher); ok {
		ch, cancel := watcher.Subscribe(taskID)
		defer cancel()
		updates = ch
	}

	current, err := s.deps.Progress.Get(ctx, taskID)
	if err != nil {
		s.respondError(w, r, err, statusFor(err), "")
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logging.FromContext(ctx).Error("progress stream: flush unsupported", "error", err)
		return
	}

	var last progress.Progress
	send := func(p progress.Progress) {
		if p == last || (p.Percent <= lastEventID && !p.State.Terminal()) {
			return
		}
		last = p
		lastEventID = p.Percent
		data, _ := json.Marshal(p)
		fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", p.Percent, data)
		rc.Flush()
	}
	complete := func() {
		fmt.Fprint(w, "event: complete\ndata: {}\n\n")
		rc.Flush()
	}

	send(current)
	if current.State.Terminal() {
		complete()
		return
	}

	var tick <-chan time.Time
	if updates == nil {
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case p, ok := <-updates:
			if !ok {
				// Closed on a terminal state. Updates may have been dropped
				// on a full buffer, so re-read the final record.
				if final, err := s.deps.Progress.Get(ctx, taskID); err == nil {
					send(final)
				}
				complete()
				return
			}
			send(p)

		case <-tick:
			p, err := s.deps.Progress.Get(ctx, taskID)
			if err != nil {
				complete()
				return
			}
			send(p)
			if p.State.Terminal() {
				complete()
				return
			}
		}
	}
}
