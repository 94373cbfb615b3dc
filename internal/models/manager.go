// Package models manages speech model lifecycle: the catalog, downloads with
// verification and extraction, loading a single resident model, and evicting
// it when idle.
//
// The Manager is the only owner of the loaded [stt.Model]. Callers borrow it
// through [Manager.Acquire] for the duration of one inference.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

var (
	// ErrModelNotReady is returned when no model is selected or it cannot be loaded.
	ErrModelNotReady = errors.New("models: model not ready")

	// ErrDownloadFailed is returned when fetching or unpacking a model fails.
	ErrDownloadFailed = errors.New("models: download failed")

	// ErrVerificationFailed is returned when a download does not match its
	// checksum or advertised length.
	ErrVerificationFailed = errors.New("models: verification failed")

	// ErrModelActive is returned when deleting the selected model.
	ErrModelActive = errors.New("models: model is active")

	// ErrUnknownModel is returned for IDs not in the catalog.
	ErrUnknownModel = errors.New("models: unknown model")

	// ErrDownloadInProgress is returned when a download of the same model is
	// already running.
	ErrDownloadInProgress = errors.New("models: download already in progress")
)

// Status is the lifecycle stage of the active model.
type Status string

const (
	StatusNone        Status = "none"
	StatusLoading     Status = "loading"
	StatusReady       Status = "ready"
	StatusUnloaded    Status = "unloaded"
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusError       Status = "error"
)

// State is the single active-model record.
type State struct {
	ModelID  string    `json:"modelId"`
	Status   Status    `json:"status"`
	LastUsed time.Time `json:"lastUsed,omitzero"`
	Error    string    `json:"error,omitempty"`
}

// Manager owns the model catalog and the resident model. Create one with
// [New]; all methods are safe for concurrent use.
type Manager struct {
	dir      string
	loader   stt.Loader
	pub      events.Publisher
	client   *http.Client
	metrics  *observe.Metrics
	progress time.Duration

	// loadMu serialises load and unload so two models are never resident.
	loadMu sync.Mutex

	mu        sync.Mutex
	catalog   []Descriptor
	state     State
	model     stt.Model
	inUse     int
	timeout   config.UnloadTimeout
	downloads map[string]context.CancelFunc
	phase     map[string]Status
	kick      chan struct{}
	closed    bool

	preloadCancel context.CancelFunc
	preloads      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithHTTPClient overrides the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithCatalog replaces the catalog, typically with [MergeCatalog] output.
func WithCatalog(c []Descriptor) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithUnloadTimeout sets the initial idle policy.
func WithUnloadTimeout(t config.UnloadTimeout) Option {
	return func(m *Manager) { m.timeout = t }
}

// WithProgressInterval sets the minimum gap between download progress events.
func WithProgressInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.progress = d
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// New returns a Manager storing models under dir and loading them with loader.
func New(dir string, loader stt.Loader, opts ...Option) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("models: directory must not be empty")
	}
	if loader == nil {
		return nil, errors.New("models: loader must not be nil")
	}
	m := &Manager{
		dir:       dir,
		loader:    loader,
		pub:       nopPublisher{},
		client:    &http.Client{},
		progress:  100 * time.Millisecond,
		catalog:   BuiltinCatalog(),
		state:     State{Status: StatusNone},
		timeout:   config.UnloadNever,
		downloads: make(map[string]context.CancelFunc),
		phase:     make(map[string]Status),
		kick:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("models: create %q: %w", dir, err)
	}
	return m, nil
}

// Restore rebuilds the active state at startup from the last selected model.
// The model is not loaded; the first Acquire loads it.
func (m *Manager) Restore(id string) {
	if id == "" {
		return
	}
	d, err := m.Descriptor(id)
	if err != nil {
		slog.Warn("models: configured model is not in the catalog", "model", id)
		return
	}
	if !d.IsDownloaded {
		slog.Warn("models: configured model is not downloaded", "model", id, "path", d.Path)
		return
	}
	m.mu.Lock()
	m.state = State{ModelID: id, Status: StatusUnloaded}
	m.mu.Unlock()
	slog.Info("models: restored selection", "model", id)
}

// path returns where d lives on disk once downloaded.
func (m *Manager) path(d Descriptor) string {
	if d.Archive {
		return filepath.Join(m.dir, d.ID)
	}
	return filepath.Join(m.dir, d.Filename)
}

// refresh fills the disk-derived fields of d. Callers hold m.mu.
func (m *Manager) refresh(d Descriptor) Descriptor {
	d.Path = m.path(d)
	info, err := os.Stat(d.Path)
	d.IsDownloaded = err == nil && info.IsDir() == d.Archive
	_, d.IsDownloading = m.downloads[d.ID]
	return d
}

// Models returns the catalog with download state refreshed from disk.
func (m *Manager) Models() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, len(m.catalog))
	for i, d := range m.catalog {
		out[i] = m.refresh(d)
	}
	return out
}

// Descriptor returns the catalog entry for id.
func (m *Manager) Descriptor(id string) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

func (m *Manager) lookup(id string) (Descriptor, error) {
	for _, d := range m.catalog {
		if d.ID == id {
			return m.refresh(d), nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
}

// Current returns the selected model ID, or "" when none is selected.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ModelID
}

// Status returns the active model state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	if p, ok := m.phase[s.ModelID]; ok && s.Status != StatusReady {
		s.Status = p
	}
	return s
}

// Capabilities returns what the selected model supports.
func (m *Manager) Capabilities() stt.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		return m.model.Capabilities()
	}
	if d, err := m.lookup(m.state.ModelID); err == nil {
		return d.Capabilities
	}
	return stt.Capabilities{}
}

// Select makes id the active model: the current one is unloaded first, then
// id is loaded. On failure the error wraps [ErrModelNotReady] and the
// previous model stays selected in StatusUnloaded, so the next Acquire loads
// it again. Without a previous model the state is StatusError.
func (m *Manager) Select(ctx context.Context, id string) error {
	d, err := m.Descriptor(id)
	if err != nil {
		return err
	}
	if !d.IsDownloaded {
		return fmt.Errorf("%w: %q is not downloaded", ErrModelNotReady, id)
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.unloadLocked("select")

	m.mu.Lock()
	prev := m.state.ModelID
	m.state = State{ModelID: id, Status: StatusUnloaded}
	m.mu.Unlock()

	if err := m.loadLocked(ctx, d); err != nil {
		if prev != "" && prev != id {
			m.mu.Lock()
			m.state = State{ModelID: prev, Status: StatusUnloaded, Error: m.state.Error}
			m.mu.Unlock()
			observe.Logger(ctx).Warn("models: kept previous selection", "model", prev, "failed", id)
		}
		return err
	}
	return nil
}

// loadLocked loads d. The caller holds loadMu and has unloaded any previous model.
func (m *Manager) loadLocked(ctx context.Context, d Descriptor) error {
	m.mu.Lock()
	m.state.Status = StatusLoading
	m.state.Error = ""
	m.mu.Unlock()
	m.emit(events.ModelStateChanged, events.ModelState{EventType: events.LoadingStarted, ModelID: d.ID, ModelName: d.Name})

	ctx, span := observe.StartSpan(ctx, "models.load", observe.AttrModel.String(d.ID))
	start := time.Now()
	model, err := m.loader.Load(ctx, d.Path)
	m.metrics.ModelLoadDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	if err != nil {
		m.mu.Lock()
		m.state.Status = StatusError
		m.state.Error = err.Error()
		m.mu.Unlock()
		m.emit(events.ModelStateChanged, events.ModelState{EventType: events.LoadingFailed, ModelID: d.ID, ModelName: d.Name, Error: err.Error()})
		observe.Logger(ctx).Error("models: load failed", "err", err)
		return fmt.Errorf("%w: load %q: %w", ErrModelNotReady, d.ID, err)
	}

	m.mu.Lock()
	m.model = model
	m.state.Status = StatusReady
	m.state.LastUsed = time.Now()
	m.mu.Unlock()
	m.emit(events.ModelStateChanged, events.ModelState{EventType: events.LoadingCompleted, ModelID: d.ID, ModelName: d.Name})
	observe.Logger(ctx).Info("models: loaded", "took", time.Since(start))
	return nil
}

// unloadLocked closes the resident model, if any. The caller holds loadMu.
func (m *Manager) unloadLocked(reason string) bool {
	m.mu.Lock()
	model := m.model
	id := m.state.ModelID
	m.model = nil
	if model != nil {
		m.state.Status = StatusUnloaded
	}
	m.mu.Unlock()
	if model == nil {
		return false
	}
	// Close waits for an in-flight inference to finish.
	if err := model.Close(); err != nil {
		slog.Warn("models: close failed", "model", id, "err", err)
	}
	m.emit(events.ModelStateChanged, events.ModelState{EventType: events.Unloaded, ModelID: id})
	slog.Info("models: unloaded", "model", id, "reason", reason)
	return true
}

// Unload evicts the resident model but keeps it selected.
func (m *Manager) Unload() bool {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.unloadLocked("manual")
}

// Acquire borrows the resident model, loading it first when it was unloaded.
// release must be called exactly once when the inference is done; extra calls
// are ignored.
func (m *Manager) Acquire(ctx context.Context) (stt.Model, func(), error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if err := m.ensureLoadedLocked(ctx); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	model := m.model
	m.inUse++
	m.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(m.release) }
	return model, release, nil
}

// ensureLoadedLocked loads the selected model unless it is resident. The
// caller holds loadMu.
func (m *Manager) ensureLoadedLocked(ctx context.Context) error {
	m.mu.Lock()
	id, model := m.state.ModelID, m.model
	m.mu.Unlock()

	if id == "" {
		return fmt.Errorf("%w: no model selected", ErrModelNotReady)
	}
	if model != nil {
		return nil
	}
	d, err := m.Descriptor(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelNotReady, err)
	}
	if !d.IsDownloaded {
		return fmt.Errorf("%w: %q is not downloaded", ErrModelNotReady, id)
	}
	return m.loadLocked(ctx, d)
}

// Preload starts loading the selected model in the background, so a
// recording that just started does not wait for the load once it stops. It
// reports whether a load was started: nothing happens without a selection,
// with the model already resident, or while a preload runs. A failed
// preload is reported through model-state events and retried by the next
// Acquire.
func (m *Manager) Preload(ctx context.Context) bool {
	m.mu.Lock()
	if m.closed || m.preloadCancel != nil || m.model != nil || m.state.ModelID == "" {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.preloadCancel = cancel
	m.preloads.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.preloads.Done()
		m.loadMu.Lock()
		err := m.ensureLoadedLocked(ctx)
		m.loadMu.Unlock()

		m.mu.Lock()
		m.preloadCancel = nil
		m.mu.Unlock()
		cancel()
		if err != nil && ctx.Err() == nil {
			observe.Logger(ctx).Warn("models: preload failed", "err", err)
		}
	}()
	return true
}

func (m *Manager) release() {
	m.mu.Lock()
	m.inUse--
	m.state.LastUsed = time.Now()
	immediate := m.timeout == config.UnloadImmediately && m.inUse == 0
	m.mu.Unlock()

	if immediate {
		m.loadMu.Lock()
		m.mu.Lock()
		idle := m.inUse == 0
		m.mu.Unlock()
		if idle {
			m.unloadLocked("immediately")
		}
		m.loadMu.Unlock()
	}
}

// SetUnloadTimeout changes the idle policy and wakes the watcher.
func (m *Manager) SetUnloadTimeout(t config.UnloadTimeout) error {
	if !t.IsValid() {
		return fmt.Errorf("models: invalid unload timeout %q", t)
	}
	m.mu.Lock()
	m.timeout = t
	m.mu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
	slog.Info("models: unload timeout changed", "timeout", t)
	return nil
}

// UnloadTimeout returns the idle policy.
func (m *Manager) UnloadTimeout() config.UnloadTimeout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// pollInterval is how often the idle watcher checks under policy t.
func pollInterval(t config.UnloadTimeout) time.Duration {
	if t == config.UnloadSec5 {
		return time.Second
	}
	return 10 * time.Second
}

// RunIdleWatcher evicts the model once it has been idle for the configured
// timeout. It returns nil when ctx is cancelled.
func (m *Manager) RunIdleWatcher(ctx context.Context) error {
	timer := time.NewTimer(pollInterval(m.UnloadTimeout()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.kick:
		case now := <-timer.C:
			m.checkIdle(now)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(pollInterval(m.UnloadTimeout()))
	}
}

// checkIdle unloads the model when it has been unused for longer than the timeout.
func (m *Manager) checkIdle(now time.Time) bool {
	m.mu.Lock()
	d := m.timeout.Duration()
	idle := m.model != nil && m.inUse == 0 && d > 0 && now.Sub(m.state.LastUsed) >= d
	m.mu.Unlock()
	if !idle {
		return false
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	m.mu.Lock()
	stillIdle := m.model != nil && m.inUse == 0
	m.mu.Unlock()
	if !stillIdle {
		return false
	}
	return m.unloadLocked("idle " + string(m.UnloadTimeout()))
}

// Delete removes a downloaded model from disk.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	d, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.state.ModelID == id {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrModelActive, id)
	}
	if d.IsDownloading {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDownloadInProgress, id)
	}
	m.mu.Unlock()

	if !d.IsDownloaded {
		return nil
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("models: delete %q: %w", id, err)
	}
	slog.Info("models: deleted", "model", id, "path", d.Path)
	return nil
}

// Close unloads the resident model and cancels running downloads and
// preloads.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.downloads {
		cancel()
	}
	if m.preloadCancel != nil {
		m.preloadCancel()
	}
	m.mu.Unlock()
	m.preloads.Wait()
	m.Unload()
	return nil
}

func (m *Manager) emit(name events.Name, payload any) {
	m.pub.Publish(events.Event{Name: name, Payload: payload, Time: time.Now()})
}
