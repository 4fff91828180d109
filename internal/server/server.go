// Package server exposes the HTTP surface: media uploads, record polling,
// transcript/summary retrieval, and summarization triggers. The heavy work
// happens on the worker; handlers only persist state and enqueue tasks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbalakrishnan/echoscribe/internal/config"
	"github.com/mbalakrishnan/echoscribe/internal/model"
	"github.com/mbalakrishnan/echoscribe/internal/queue"
	"github.com/mbalakrishnan/echoscribe/internal/repository"
	"github.com/mbalakrishnan/echoscribe/internal/signing"
)

// supportedExtensions mirrors what the transcription pipeline can decode.
var supportedExtensions = map[string]bool{
	".wav": true,
	".mp3": true,
	".m4a": true,
	".mp4": true,
	".mkv": true,
}

// RecordStore is the slice of the repository the HTTP layer needs.
type RecordStore interface {
	Create(ctx context.Context, rec *model.TranscriptRecord) error
	Get(ctx context.Context, id string) (*model.TranscriptRecord, error)
	List(ctx context.Context, ownerID *string) ([]*model.TranscriptRecord, error)
	BeginSummary(ctx context.Context, id, mode string) (bool, error)
	MarkSummaryFailed(ctx context.Context, id, msg string) error
}

// ObjectStore receives uploaded media and hands out direct links to it.
type ObjectStore interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	PresignRawURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Server hosts the HTTP handlers.
type Server struct {
	cfg    *config.Config
	repo   RecordStore
	store  ObjectStore
	queue  queue.Enqueuer
	signer *signing.Signer
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo RecordStore, store ObjectStore, enqueuer queue.Enqueuer, signer *signing.Signer) *Server {
	return &Server{
		cfg:    cfg,
		repo:   repo,
		store:  store,
		queue:  enqueuer,
		signer: signer,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(loggingMiddleware(s.Routes())),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the handler mux; exported so tests can drive it directly.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/transcripts", s.handleTranscripts)
	mux.HandleFunc("/transcripts/", s.handleTranscriptRoute)
	mux.HandleFunc("/download", s.handleSignedDownload)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTranscriptRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/transcripts/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleRecord(w, r, id)
		return
	}
	switch parts[1] {
	case "status":
		s.handleStatus(w, r, id)
	case "text":
		s.handleText(w, r, id)
	case "summarize":
		s.handleSummarize(w, r, id)
	case "summary":
		s.handleSummary(w, r, id)
	case "signed-url":
		s.handleSignedURL(w, r, id)
	case "media-url":
		s.handleMediaURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// fetchVisible loads a record and applies the ownership check: records with
// an owner are invisible to requests presenting a different or missing
// X-User-ID; anonymous records are open.
func (s *Server) fetchVisible(w http.ResponseWriter, r *http.Request) (*model.TranscriptRecord, string, bool) {
	path := strings.TrimPrefix(r.URL.Path, "/transcripts/")
	id := strings.Split(path, "/")[0]
	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "record not found", http.StatusNotFound)
		} else {
			http.Error(w, "failed to load record", http.StatusInternalServerError)
		}
		return nil, id, false
	}
	if rec.OwnerID != nil && *rec.OwnerID != r.Header.Get("X-User-ID") {
		http.Error(w, "record not found", http.StatusNotFound)
		return nil, id, false
	}
	return rec, id, true
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, _, ok := s.fetchVisible(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, _, ok := s.fetchVisible(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]model.Status{"status": rec.Status})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, _, ok := s.fetchVisible(w, r)
	if !ok {
		return
	}
	if rec.Status != model.StatusCompleted && rec.Status != model.StatusFailed {
		http.Error(w, "transcript not ready", http.StatusAccepted)
		return
	}
	serveText(w, rec.FileName+".txt", rec.Transcript)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, _, ok := s.fetchVisible(w, r)
	if !ok {
		return
	}
	if rec.SummaryStatus != model.StatusCompleted && rec.SummaryStatus != model.StatusFailed {
		http.Error(w, "summary not ready", http.StatusAccepted)
		return
	}
	serveText(w, rec.FileName+".summary.txt", rec.Summary)
}

type summarizeRequest struct {
	Mode string `json:"mode"`
}

// handleSummarize accepts a summarization request. The repository guard is
// atomic: it refuses unless transcription is completed and no summarization
// is already running. A refused request enqueues nothing and simply reports
// the record's current summary status.
func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, _, ok := s.fetchVisible(w, r)
	if !ok {
		return
	}
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = "basic_summary"
	}
	accepted, err := s.repo.BeginSummary(r.Context(), id, req.Mode)
	if err != nil {
		http.Error(w, "failed to accept summarization", http.StatusInternalServerError)
		return
	}
	if !accepted {
		respondJSON(w, http.StatusAccepted, map[string]any{
			"id":            id,
			"summaryStatus": rec.SummaryStatus,
		})
		return
	}
	if err := s.queue.EnqueueSummarize(r.Context(), queue.SummarizePayload{RecordID: id, Mode: req.Mode}); err != nil {
		log.Printf("enqueue summarize for %s: %v", id, err)
		_ = s.repo.MarkSummaryFailed(r.Context(), id, "failed to queue summarization")
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"id":            id,
		"summaryStatus": model.StatusProcessing,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var owner *string
	if v := r.Header.Get("X-User-ID"); v != "" {
		owner = &v
	}
	records, err := s.repo.List(r.Context(), owner)
	if err != nil {
		http.Error(w, "failed to list records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*model.TranscriptRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer part.Close()
	tmp, err := s.persistTemp(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if !supportedExtensions[strings.ToLower(filepath.Ext(tmp.filename))] {
		http.Error(w, "unsupported media format", http.StatusBadRequest)
		return
	}
	recordID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", recordID, filepath.Base(tmp.filename))
	if _, err := tmp.f.Seek(0, 0); err != nil {
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if err := s.store.UploadRaw(ctx, objectKey, tmp.f, tmp.size, tmp.contentType); err != nil {
		log.Printf("upload to storage failed: %v", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	rec := &model.TranscriptRecord{
		ID:        recordID,
		FileName:  tmp.filename,
		ObjectKey: objectKey,
	}
	if owner := r.Header.Get("X-User-ID"); owner != "" {
		rec.OwnerID = &owner
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	payload := queue.TranscribePayload{
		RecordID:  recordID,
		ObjectKey: objectKey,
		FileName:  tmp.filename,
	}
	if err := s.queue.EnqueueTranscribe(ctx, payload); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     recordID,
		"status": string(model.StatusPending),
	})
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, _, ok := s.fetchVisible(w, r); !ok {
		return
	}
	expiry := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	signature := s.signer.Sign(id, expiry)
	url := fmt.Sprintf("/download?record=%s&expires=%d&signature=%s", id, expiry, signature)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":     url,
		"expires": strconv.FormatInt(expiry, 10),
	})
}

// handleMediaURL returns a presigned storage URL for the original media so
// clients can fetch large recordings without proxying through the API.
func (s *Server) handleMediaURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, _, ok := s.fetchVisible(w, r)
	if !ok {
		return
	}
	url, err := s.store.PresignRawURL(r.Context(), rec.ObjectKey, s.cfg.SignedURLTTL)
	if err != nil {
		log.Printf("presign media for %s: %v", id, err)
		http.Error(w, "failed to sign media url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleSignedDownload serves the transcript through an expiring HMAC link,
// bypassing the ownership header so links can be shared.
func (s *Server) handleSignedDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("record")
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if id == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	if !s.signer.Validate(id, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if rec.Status != model.StatusCompleted {
		http.Error(w, "transcript not ready", http.StatusAccepted)
		return
	}
	serveText(w, rec.FileName+".txt", rec.Transcript)
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "echoscribe-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				cleanup()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				cleanup()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			cleanup()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		cleanup()
		return nil, errors.New("empty file")
	}
	contentType := http.DetectContentType(sniff)
	if _, err := tmpFile.Seek(0, 0); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	filename := filepath.Base(part.FileName())
	if filename == "" || filename == "." {
		filename = "upload.wav"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: contentType,
		filename:    filename,
	}, nil
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func serveText(w http.ResponseWriter, filename, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
