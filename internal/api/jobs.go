package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"facemoji/internal/emoji"
	"facemoji/internal/gateway"
	"facemoji/internal/logger"
	"facemoji/internal/models"
	"facemoji/internal/telemetry"
)

// multipartOverhead bounds the non-file parts of a multipart upload.
const multipartOverhead = 1 << 20

type submitResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Emoji      string `json:"emoji"`
	StatusURL  string `json:"status_url"`
	ResultURL  string `json:"result_url"`
	Idempotent bool   `json:"idempotent"`
}

type listResponse struct {
	Jobs       []models.StatusView `json:"jobs"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}

	req, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.gw.Submit(r.Context(), req)
	if err != nil {
		if res.Job.ID != "" {
			// Recorded but not yet enqueued; the reconciler picks it up.
			setRetryAfter(w, unavailableRetryAfter)
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{
				Error:  "job accepted but not yet queued",
				Detail: err.Error(),
				JobID:  res.Job.ID,
			})
			return
		}
		s.writeError(w, r, err)
		return
	}

	job := res.Job
	status := http.StatusAccepted
	if res.Existing {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, status, submitResponse{
		JobID:      job.ID,
		Status:     job.Status,
		Emoji:      job.Emoji,
		StatusURL:  "/jobs/" + job.ID,
		ResultURL:  "/jobs/" + job.ID + "/result",
		Idempotent: res.Existing,
	})
}

// admit applies the per-client rate limit. It writes the response and
// returns false when the request must stop.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), clientIP(r))
	if err != nil {
		s.logger.Error("rate limit check", logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "rate limit error"})
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		setRetryAfter(w, d.RetryAfter)
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
		return false
	}
	return true
}

// readUpload accepts either a multipart form with an "image" file part or a
// raw image body. The emoji comes from the "emoji" form field or query
// parameter.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (gateway.SubmitRequest, error) {
	limit := s.cfg.MaxImageBytes
	req := gateway.SubmitRequest{
		Emoji:          r.URL.Query().Get("emoji"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
		if err := r.ParseMultipartForm(multipartOverhead); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return req, fmt.Errorf("%w: upload exceeds %d bytes", gateway.ErrImageTooLarge, limit)
			}
			return req, fmt.Errorf("%w: malformed multipart body: %v", models.ErrInvalidInput, err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile("image")
		if err != nil {
			return req, fmt.Errorf("%w: missing image file part", models.ErrInvalidInput)
		}
		defer file.Close()
		data, err := readLimited(file, limit)
		if err != nil {
			return req, err
		}
		req.Image = data
		req.ContentType = header.Header.Get("Content-Type")
		if v := r.FormValue("emoji"); v != "" {
			req.Emoji = v
		}
		if v := r.FormValue("idempotency_key"); v != "" && req.IdempotencyKey == "" {
			req.IdempotencyKey = v
		}
		return req, nil
	}

	data, err := readLimited(r.Body, limit)
	if err != nil {
		return req, err
	}
	req.Image = data
	req.ContentType = mediaType
	return req, nil
}

// readLimited reads at most limit+1 bytes so oversize uploads are detected
// without buffering them whole.
func readLimited(rd io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", models.ErrInvalidInput, err)
	}
	return data, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", models.ErrInvalidInput))
			return
		}
		limit = n
	}
	page, err := s.gw.ListJobs(r.Context(), strings.ToLower(q.Get("status")), limit, q.Get("cursor"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := listResponse{Jobs: make([]models.StatusView, 0, len(page.Jobs))}
	for _, j := range page.Jobs {
		resp.Jobs = append(resp.Jobs, j.View())
	}
	if page.Next != nil {
		resp.NextCursor = page.Next.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.gw.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.gw.GetResult(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, resultFilename(id, res.Ref)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func resultFilename(id, ref string) string {
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		return id + ref[i:]
	}
	return id
}

func (s *Server) handleEmojis(w http.ResponseWriter, r *http.Request) {
	if expr := r.URL.Query().Get("expression"); expr != "" {
		writeJSON(w, http.StatusOK, map[string]any{"emojis": emoji.ByExpression(strings.ToLower(expr))})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emojis": emoji.All()})
}

// handleRecommend ranks the catalog for an expression. confidence defaults
// to 1.
func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	confidence := 1.0
	if v := r.URL.Query().Get("confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 || c > 1 {
			s.writeError(w, r, fmt.Errorf("%w: confidence must be between 0 and 1", models.ErrInvalidInput))
			return
		}
		confidence = c
	}
	writeJSON(w, http.StatusOK, emoji.Recommend(strings.ToLower(chi.URLParam(r, "expression")), confidence))
}
