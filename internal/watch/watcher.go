// Package watch ingests media dropped into a local directory. New files are
// uploaded to object storage, registered as transcript records, and queued
// for transcription, same as an HTTP upload but without an owner.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/mbalakrishnan/echoscribe/internal/model"
	"github.com/mbalakrishnan/echoscribe/internal/queue"
)

// settleDelay is how long a file must stay quiet before it is considered
// fully written. Recorders and copy tools write in bursts.
const settleDelay = 2 * time.Second

var supportedExtensions = map[string]bool{
	".wav": true,
	".mp3": true,
	".m4a": true,
	".mp4": true,
	".mkv": true,
}

// RecordStore creates records for watched files.
type RecordStore interface {
	Create(ctx context.Context, rec *model.TranscriptRecord) error
}

// ObjectStore receives the media bytes.
type ObjectStore interface {
	UploadRawFile(ctx context.Context, objectKey, path string) error
}

// Watcher monitors a directory and feeds new media into the pipeline.
type Watcher struct {
	dir     string
	repo    RecordStore
	store   ObjectStore
	queue   queue.Enqueuer
	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New constructs a Watcher for dir.
func New(dir string, repo RecordStore, store ObjectStore, enqueuer queue.Enqueuer) *Watcher {
	return &Watcher{
		dir:     dir,
		repo:    repo,
		store:   store,
		queue:   enqueuer,
		pending: make(map[string]*time.Timer),
	}
}

// Run watches the directory until the context is cancelled. Files already
// present at startup are ingested first.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	log.Printf("watching %s for media files", w.dir)

	w.ingestExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !supportedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		}
	}
}

func (w *Watcher) ingestExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("scan %s: %v", w.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !supportedExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		w.ingest(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

// schedule resets the settle timer for a path; the file is ingested once no
// new writes arrive for settleDelay.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return
	}
	fileName := filepath.Base(path)
	recordID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", recordID, fileName)
	if err := w.store.UploadRawFile(ctx, objectKey, path); err != nil {
		log.Printf("upload %s: %v", fileName, err)
		return
	}
	rec := &model.TranscriptRecord{
		ID:        recordID,
		FileName:  fileName,
		ObjectKey: objectKey,
	}
	if err := w.repo.Create(ctx, rec); err != nil {
		log.Printf("register %s: %v", fileName, err)
		return
	}
	payload := queue.TranscribePayload{
		RecordID:  recordID,
		ObjectKey: objectKey,
		FileName:  fileName,
	}
	if err := w.queue.EnqueueTranscribe(ctx, payload); err != nil {
		log.Printf("enqueue %s: %v", fileName, err)
		return
	}
	if err := os.Remove(path); err != nil {
		log.Printf("remove ingested file %s: %v", path, err)
	}
	log.Printf("ingested %s as record %s", fileName, recordID)
}
