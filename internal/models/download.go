package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/observe"
)

// Download fetches id into the models directory, verifies it, and unpacks it
// when it is an archive. It blocks until done; run it in a goroutine to keep
// serving. Cancelling ctx or calling [Manager.CancelDownload] removes every
// partial artifact.
func (m *Manager) Download(ctx context.Context, id string) error {
	m.mu.Lock()
	d, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if _, busy := m.downloads[id]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDownloadInProgress, id)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.downloads[id] = cancel
	m.phase[id] = StatusDownloading
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.downloads, id)
		delete(m.phase, id)
		m.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "models.download", observe.AttrModel.String(id))
	err = m.download(ctx, d)
	observe.EndSpan(span, err)
	return err
}

func (m *Manager) download(ctx context.Context, d Descriptor) error {
	log := observe.Logger(ctx)

	partial := filepath.Join(m.dir, d.Filename+".partial")
	if err := m.fetch(ctx, d, partial); err != nil {
		_ = os.Remove(partial)
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Info("models: download cancelled")
			return ctxErr
		}
		log.Error("models: download failed", "err", err)
		return err
	}

	if d.Archive {
		if err := m.extract(ctx, d, partial); err != nil {
			_ = os.Remove(partial)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		_ = os.Remove(partial)
	} else if err := os.Rename(partial, d.Path); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("%w: move into place: %w", ErrDownloadFailed, err)
	}

	m.emit(events.ModelDownloadComplete, events.ModelRef{ModelID: d.ID})
	log.Info("models: download complete", "path", d.Path)
	return nil
}

// CancelDownload stops a running download of id. It reports whether one was running.
func (m *Manager) CancelDownload(id string) bool {
	m.mu.Lock()
	cancel, ok := m.downloads[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAllDownloads stops every running download.
func (m *Manager) CancelAllDownloads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.downloads {
		cancel()
	}
}

// fetch streams d.URL into partial and verifies the result. Progress is
// reported by a sibling goroutine so the copy loop never waits on it.
func (m *Manager) fetch(ctx context.Context, d Descriptor, partial string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s", ErrDownloadFailed, resp.Status)
	}

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer out.Close()

	total := resp.ContentLength
	var received atomic.Int64
	hash := sha256.New()
	done := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		w := io.MultiWriter(out, hash, countingWriter{n: &received, m: m, ctx: gctx})
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
		}
		return out.Sync()
	})
	g.Go(func() error {
		ticker := time.NewTicker(m.progress)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.emitProgress(d.ID, received.Load(), total)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	n := received.Load()
	if d.SHA256 != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(got, d.SHA256) {
			return fmt.Errorf("%w: sha256 %s, want %s", ErrVerificationFailed, got, d.SHA256)
		}
	} else if total > 0 && n != total {
		return fmt.Errorf("%w: received %d of %d bytes", ErrVerificationFailed, n, total)
	}
	m.emitProgress(d.ID, n, max(total, n))
	return nil
}

func (m *Manager) emitProgress(id string, n, total int64) {
	var pct float64
	if total > 0 {
		pct = float64(n) / float64(total) * 100
	}
	m.emit(events.ModelDownloadProgress, events.DownloadProgress{
		ModelID:    id,
		Downloaded: n,
		Total:      total,
		Percentage: pct,
	})
}

// extract unpacks partial into <dir>/<id>.extracting and renames it into place.
func (m *Manager) extract(ctx context.Context, d Descriptor, partial string) error {
	m.mu.Lock()
	m.phase[d.ID] = StatusExtracting
	m.mu.Unlock()
	m.emit(events.ModelExtractionStarted, events.ModelRef{ModelID: d.ID})

	staging := filepath.Join(m.dir, d.ID+".extracting")
	_ = os.RemoveAll(staging)

	fail := func(err error) error {
		_ = os.RemoveAll(staging)
		m.emit(events.ModelExtractionFailed, events.ModelRef{ModelID: d.ID, Error: err.Error()})
		slog.Error("models: extraction failed", "model", d.ID, "err", err)
		return fmt.Errorf("%w: extract: %w", ErrDownloadFailed, err)
	}

	if err := extractArchive(ctx, partial, d.Filename, staging); err != nil {
		return fail(err)
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return fail(err)
	}
	if err := os.Rename(staging, d.Path); err != nil {
		return fail(err)
	}
	m.emit(events.ModelExtractionCompleted, events.ModelRef{ModelID: d.ID})
	return nil
}

// countingWriter tallies bytes for progress and metrics.
type countingWriter struct {
	n   *atomic.Int64
	m   *Manager
	ctx context.Context
}

func (w countingWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, errors.Join(errors.New("download interrupted"), err)
	}
	w.n.Add(int64(len(p)))
	w.m.metrics.DownloadBytes.Add(w.ctx, int64(len(p)))
	return len(p), nil
}
