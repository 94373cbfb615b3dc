// Package command is the UI-facing command surface. [Service] exposes one
// method per command and [Service.Dispatch] maps wire names onto them.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/models"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/postprocess"
	"github.com/MrWong99/murmur/internal/session"
	"github.com/MrWong99/murmur/internal/transcribe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// File transcription stages reported through file-transcription-progress.
const (
	StageDecoding     = "decoding"
	StageTranscribing = "transcribing"
	StageSaving       = "saving"
	StageComplete     = "complete"
)

// ModelManager is the subset of [models.Manager] the commands use.
type ModelManager interface {
	Models() []models.Descriptor
	Download(ctx context.Context, id string) error
	CancelDownload(id string) bool
	CancelAllDownloads()
	Delete(id string) error
	Select(ctx context.Context, id string) error
	Current() string
	Status() models.State
	Unload() bool
	SetUnloadTimeout(t config.UnloadTimeout) error
}

// HistoryStore is the subset of [history.Store] the commands use.
type HistoryStore interface {
	List(ctx context.Context) ([]history.Entry, error)
	Get(ctx context.Context, id int64) (history.Entry, error)
	ToggleSaved(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
	Retranscribe(ctx context.Context, id int64, tr history.Transcriber, opts transcribe.Options) (history.Entry, error)
	UpdatePostProcessed(ctx context.Context, id int64, text, prompt string) error
	AudioPath(ctx context.Context, id int64) (string, error)
	Save(ctx context.Context, samples []float32, res transcribe.Result, title string) (history.Entry, error)
	Retention() (config.RetentionPolicy, int)
	SetRetention(policy config.RetentionPolicy, limit int)
	Sweep(ctx context.Context, policy config.RetentionPolicy, limit int) (int, error)
}

// Recorder is the subset of [session.Session] the commands use.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cancel() error
	State() session.State
}

// PostProcessor is the subset of [postprocess.Service] the commands use.
type PostProcessor interface {
	PostProcess(ctx context.Context, transcript string) postprocess.Outcome
	Reprocess(ctx context.Context, transcript string, provider llm.Provider) postprocess.Outcome
}

// Settings persists configuration changes made through commands.
type Settings interface {
	Update(fn func(*config.Config)) error
}

// Deps are the collaborators of a [Service]. Every field is required except
// Settings and Publisher.
type Deps struct {
	Models      ModelManager
	History     HistoryStore
	Recorder    Recorder
	Transcriber history.Transcriber
	PostProcess PostProcessor
	Prompts     *postprocess.Prompts
	Devices     audio.Capture
	Settings    Settings
	Publisher   events.Publisher

	// Options returns the current transcription settings.
	Options func() transcribe.Options
}

// Service implements every UI command.
type Service struct {
	deps     Deps
	router   *Router
	selected *Optimistic[string]

	mu      sync.Mutex
	nextOp  uint64
	fileOps map[uint64]context.CancelFunc
}

// New returns a Service with all commands registered.
func New(deps Deps) *Service {
	if deps.Options == nil {
		deps.Options = func() transcribe.Options { return transcribe.Options{} }
	}
	s := &Service{
		deps:     deps,
		router:   NewRouter(),
		selected: NewOptimistic(deps.Models.Current()),
		fileOps:  make(map[uint64]context.CancelFunc),
	}
	s.register()
	return s
}

type (
	modelArgs struct {
		ModelID string `json:"modelId"`
	}
	timeoutArgs struct {
		Timeout config.UnloadTimeout `json:"timeout"`
	}
	pathArgs struct {
		Path string `json:"path"`
	}
	idArgs struct {
		ID int64 `json:"id"`
	}
	limitArgs struct {
		Limit int `json:"limit"`
	}
	periodArgs struct {
		Period config.RetentionPolicy `json:"period"`
	}
	promptArgs struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Prompt string `json:"prompt"`
	}
	none struct{}
)

func (s *Service) register() {
	r := s.router

	r.Register("get_available_models", handle("get_available_models", func(ctx context.Context, _ none) ([]models.Descriptor, error) {
		return s.GetAvailableModels(ctx)
	}))
	r.Register("download_model", handleErr("download_model", func(ctx context.Context, a modelArgs) error {
		return s.DownloadModel(ctx, a.ModelID)
	}))
	r.Register("cancel_download", handle("cancel_download", func(ctx context.Context, a modelArgs) (bool, error) {
		return s.CancelDownload(ctx, a.ModelID)
	}))
	r.Register("delete_model", handleErr("delete_model", func(ctx context.Context, a modelArgs) error {
		return s.DeleteModel(ctx, a.ModelID)
	}))
	r.Register("set_active_model", handleErr("set_active_model", func(ctx context.Context, a modelArgs) error {
		return s.SetActiveModel(ctx, a.ModelID)
	}))
	r.Register("get_current_model", handle("get_current_model", func(ctx context.Context, _ none) (string, error) {
		return s.GetCurrentModel(ctx)
	}))
	r.Register("get_transcription_model_status", handle("get_transcription_model_status", func(ctx context.Context, _ none) (models.State, error) {
		return s.GetTranscriptionModelStatus(ctx)
	}))
	r.Register("unload_model", handle("unload_model", func(ctx context.Context, _ none) (bool, error) {
		return s.UnloadModel(ctx)
	}))
	r.Register("set_model_unload_timeout", handleErr("set_model_unload_timeout", func(ctx context.Context, a timeoutArgs) error {
		return s.SetModelUnloadTimeout(ctx, a.Timeout)
	}))

	r.Register("transcribe_audio_file", handle("transcribe_audio_file", func(ctx context.Context, a pathArgs) (events.Transcription, error) {
		return s.TranscribeAudioFile(ctx, a.Path)
	}))

	r.Register("get_history_entries", handle("get_history_entries", func(ctx context.Context, _ none) ([]history.Entry, error) {
		return s.GetHistoryEntries(ctx)
	}))
	r.Register("toggle_history_entry_saved", handle("toggle_history_entry_saved", func(ctx context.Context, a idArgs) (bool, error) {
		return s.ToggleHistoryEntrySaved(ctx, a.ID)
	}))
	r.Register("delete_history_entry", handleErr("delete_history_entry", func(ctx context.Context, a idArgs) error {
		return s.DeleteHistoryEntry(ctx, a.ID)
	}))
	r.Register("retranscribe_history_entry", handle("retranscribe_history_entry", func(ctx context.Context, a idArgs) (history.Entry, error) {
		return s.RetranscribeHistoryEntry(ctx, a.ID)
	}))
	r.Register("reprocess_history_entry", handle("reprocess_history_entry", func(ctx context.Context, a idArgs) (history.Entry, error) {
		return s.ReprocessHistoryEntry(ctx, a.ID)
	}))
	r.Register("get_audio_file_path", handle("get_audio_file_path", func(ctx context.Context, a idArgs) (string, error) {
		return s.GetAudioFilePath(ctx, a.ID)
	}))

	r.Register("update_history_limit", handleErr("update_history_limit", func(ctx context.Context, a limitArgs) error {
		return s.UpdateHistoryLimit(ctx, a.Limit)
	}))
	r.Register("update_recording_retention_period", handleErr("update_recording_retention_period", func(ctx context.Context, a periodArgs) error {
		return s.UpdateRecordingRetentionPeriod(ctx, a.Period)
	}))

	r.Register("get_available_microphones", handle("get_available_microphones", func(ctx context.Context, _ none) ([]audio.Device, error) {
		return s.GetAvailableMicrophones(ctx)
	}))
	r.Register("get_available_output_devices", handle("get_available_output_devices", func(ctx context.Context, _ none) ([]audio.Device, error) {
		return s.GetAvailableOutputDevices(ctx)
	}))

	r.Register("start_recording", handleErr("start_recording", func(ctx context.Context, _ none) error {
		return s.StartRecording(ctx)
	}))
	r.Register("stop_recording", handleErr("stop_recording", func(ctx context.Context, _ none) error {
		return s.StopRecording(ctx)
	}))
	r.Register("get_recording_state", handle("get_recording_state", func(ctx context.Context, _ none) (string, error) {
		return s.GetRecordingState(ctx)
	}))
	r.Register("cancel_operation", handleErr("cancel_operation", func(ctx context.Context, _ none) error {
		return s.CancelOperation(ctx)
	}))

	r.Register("get_post_process_prompts", handle("get_post_process_prompts", func(ctx context.Context, _ none) ([]postprocess.Prompt, error) {
		return s.GetPostProcessPrompts(ctx)
	}))
	r.Register("add_post_process_prompt", handle("add_post_process_prompt", func(ctx context.Context, a promptArgs) (postprocess.Prompt, error) {
		return s.AddPostProcessPrompt(ctx, a.Name, a.Prompt)
	}))
	r.Register("update_post_process_prompt", handle("update_post_process_prompt", func(ctx context.Context, a promptArgs) (postprocess.Prompt, error) {
		return s.UpdatePostProcessPrompt(ctx, a.ID, a.Name, a.Prompt)
	}))
	r.Register("delete_post_process_prompt", handleErr("delete_post_process_prompt", func(ctx context.Context, a promptArgs) error {
		return s.DeletePostProcessPrompt(ctx, a.ID)
	}))
}

// Dispatch runs the command registered under name.
func (s *Service) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	ctx, span := observe.StartSpan(ctx, "command."+name, observe.AttrCommand.String(name))
	res, err := s.router.Dispatch(ctx, name, args)
	observe.EndSpan(span, err)
	return res, err
}

// Names returns every command name.
func (s *Service) Names() []string { return s.router.Names() }

// --- models ---

// GetAvailableModels lists the catalog with download state refreshed.
func (s *Service) GetAvailableModels(context.Context) ([]models.Descriptor, error) {
	return s.deps.Models.Models(), nil
}

// DownloadModel downloads id and blocks until it is done. The download keeps
// running if the caller goes away; only cancel_download and
// cancel_operation stop it.
func (s *Service) DownloadModel(ctx context.Context, id string) error {
	return s.deps.Models.Download(context.WithoutCancel(ctx), id)
}

// CancelDownload stops an in-flight download of id. It reports whether one
// was running.
func (s *Service) CancelDownload(_ context.Context, id string) (bool, error) {
	return s.deps.Models.CancelDownload(id), nil
}

// DeleteModel removes a downloaded model.
func (s *Service) DeleteModel(_ context.Context, id string) error {
	return s.deps.Models.Delete(id)
}

// SetActiveModel selects and loads id. The selection is visible through
// get_current_model immediately and rolled back if loading fails.
func (s *Service) SetActiveModel(ctx context.Context, id string) error {
	return s.selected.Apply(id, func() error {
		if err := s.deps.Models.Select(ctx, id); err != nil {
			return err
		}
		s.persist(ctx, func(c *config.Config) { c.Models.Selected = id })
		return nil
	})
}

// GetCurrentModel returns the selected model ID.
func (s *Service) GetCurrentModel(context.Context) (string, error) {
	return s.selected.Get(), nil
}

// GetTranscriptionModelStatus returns the active model state.
func (s *Service) GetTranscriptionModelStatus(context.Context) (models.State, error) {
	return s.deps.Models.Status(), nil
}

// UnloadModel evicts the resident model. It reports whether one was loaded.
func (s *Service) UnloadModel(context.Context) (bool, error) {
	return s.deps.Models.Unload(), nil
}

// SetModelUnloadTimeout changes the idle eviction policy.
func (s *Service) SetModelUnloadTimeout(ctx context.Context, t config.UnloadTimeout) error {
	if err := s.deps.Models.SetUnloadTimeout(t); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	s.persist(ctx, func(c *config.Config) { c.Models.UnloadTimeout = t })
	return nil
}

// --- file transcription ---

// TranscribeAudioFile transcribes a WAV file, post-processes the text and
// stores it in history titled after the file.
func (s *Service) TranscribeAudioFile(ctx context.Context, path string) (events.Transcription, error) {
	if path == "" {
		return events.Transcription{}, fmt.Errorf("%w: path must not be empty", ErrInvalidArgs)
	}
	ctx, done := s.trackFileOp(ctx)
	defer done()
	log := observe.Logger(ctx).With("path", path)

	s.progress(path, StageDecoding, 0)
	samples, err := decodeFile(path)
	if err != nil {
		return events.Transcription{}, err
	}

	s.progress(path, StageTranscribing, 0.5)
	opts := s.deps.Options()
	opts.Source = transcribe.SourceFile
	res, err := s.deps.Transcriber.Transcribe(ctx, samples, opts)
	if err != nil {
		return events.Transcription{}, err
	}
	if res.Text != "" && s.deps.PostProcess != nil {
		if out := s.deps.PostProcess.PostProcess(ctx, res.Text); !out.Skipped && !out.FellBack {
			res.PostProcessedText, res.PostProcessPrompt = out.Text, out.Prompt
		}
	}

	s.progress(path, StageSaving, 0.9)
	entry, saveErr := s.deps.History.Save(ctx, samples, res, history.FileTitle(path))
	if saveErr != nil {
		log.Error("command: save file transcription", "err", saveErr)
	}

	out := events.Transcription{Text: res.Text, FileName: filepath.Base(path), HistoryID: entry.ID}
	if res.PostProcessedText != "" {
		out.Text = res.PostProcessedText
	}
	s.progress(path, StageComplete, 1)
	s.publish(events.TranscriptionComplete, out)
	return out, saveErr
}

// decodeFile reads a WAV file as 16 kHz mono samples.
func decodeFile(path string) ([]float32, error) {
	pcm, format, err := audio.ReadWAV(path)
	if err != nil {
		return nil, fmt.Errorf("command: decode %q: %w", filepath.Base(path), err)
	}
	pcm = audio.Downmix(pcm, format.Channels)
	if format.SampleRate != stt.SampleRate {
		pcm = audio.ResampleMono16(pcm, format.SampleRate, stt.SampleRate)
	}
	return audio.PCMToFloat32(pcm), nil
}

func (s *Service) trackFileOp(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.nextOp++
	id := s.nextOp
	s.fileOps[id] = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		delete(s.fileOps, id)
		s.mu.Unlock()
		cancel()
	}
}

func (s *Service) progress(path, stage string, p float64) {
	s.publish(events.FileTranscriptionProgress, events.FileProgress{Path: path, Stage: stage, Progress: p})
}

// --- history ---

// GetHistoryEntries lists history newest first.
func (s *Service) GetHistoryEntries(ctx context.Context) ([]history.Entry, error) {
	return s.deps.History.List(ctx)
}

// ToggleHistoryEntrySaved flips the saved flag and returns the new value.
func (s *Service) ToggleHistoryEntrySaved(ctx context.Context, id int64) (bool, error) {
	return s.deps.History.ToggleSaved(ctx, id)
}

// DeleteHistoryEntry removes an entry and its audio.
func (s *Service) DeleteHistoryEntry(ctx context.Context, id int64) error {
	return s.deps.History.Delete(ctx, id)
}

// RetranscribeHistoryEntry runs the current model over the stored audio.
func (s *Service) RetranscribeHistoryEntry(ctx context.Context, id int64) (history.Entry, error) {
	return s.deps.History.Retranscribe(ctx, id, s.deps.Transcriber, s.deps.Options())
}

// ReprocessHistoryEntry applies the selected prompt to the stored raw text,
// whether or not automatic post-processing is enabled. Unlike recordings, a
// provider failure is reported to the caller.
func (s *Service) ReprocessHistoryEntry(ctx context.Context, id int64) (history.Entry, error) {
	entry, err := s.deps.History.Get(ctx, id)
	if err != nil {
		return history.Entry{}, err
	}
	out := s.deps.PostProcess.Reprocess(ctx, entry.TranscriptionText, nil)
	switch {
	case out.Skipped:
		return history.Entry{}, fmt.Errorf("command: reprocess entry %d: %w", id, postprocess.ErrPromptNotFound)
	case out.FellBack:
		return history.Entry{}, fmt.Errorf("command: reprocess entry %d: %w", id, out.Err)
	}
	if err := s.deps.History.UpdatePostProcessed(ctx, id, out.Text, out.Prompt); err != nil {
		return history.Entry{}, err
	}
	return s.deps.History.Get(ctx, id)
}

// GetAudioFilePath returns the absolute path of an entry's recording.
func (s *Service) GetAudioFilePath(ctx context.Context, id int64) (string, error) {
	return s.deps.History.AudioPath(ctx, id)
}

// UpdateHistoryLimit changes how many unsaved entries the preserve_limit
// policy keeps and sweeps history under the new limit.
func (s *Service) UpdateHistoryLimit(ctx context.Context, limit int) error {
	if limit < 0 {
		return fmt.Errorf("%w: history limit %d is negative", ErrInvalidArgs, limit)
	}
	policy, _ := s.deps.History.Retention()
	return s.applyRetention(ctx, policy, limit)
}

// UpdateRecordingRetentionPeriod switches the retention policy and sweeps
// history under it.
func (s *Service) UpdateRecordingRetentionPeriod(ctx context.Context, period config.RetentionPolicy) error {
	if !period.IsValid() {
		return fmt.Errorf("%w: retention period %q; valid values: never, preserve_limit, days3, weeks2, months3", ErrInvalidArgs, period)
	}
	_, limit := s.deps.History.Retention()
	return s.applyRetention(ctx, period, limit)
}

func (s *Service) applyRetention(ctx context.Context, policy config.RetentionPolicy, limit int) error {
	s.deps.History.SetRetention(policy, limit)
	s.persist(ctx, func(c *config.Config) {
		c.History.Retention, c.History.Limit = policy, limit
	})
	n, err := s.deps.History.Sweep(ctx, policy, limit)
	if err != nil {
		return err
	}
	observe.Logger(ctx).Info("command: retention updated", "policy", string(policy), "limit", limit, "deleted", n)
	return nil
}

// --- devices ---

// GetAvailableMicrophones lists capture devices.
func (s *Service) GetAvailableMicrophones(ctx context.Context) ([]audio.Device, error) {
	devs, err := s.deps.Devices.InputDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("command: list microphones: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return devs, nil
}

// GetAvailableOutputDevices lists playback devices.
func (s *Service) GetAvailableOutputDevices(ctx context.Context) ([]audio.Device, error) {
	devs, err := s.deps.Devices.OutputDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("command: list output devices: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return devs, nil
}

// --- recording ---

// StartRecording starts a recording.
func (s *Service) StartRecording(ctx context.Context) error { return s.deps.Recorder.Start(ctx) }

// StopRecording stops the recording and transcribes it in the background.
func (s *Service) StopRecording(ctx context.Context) error { return s.deps.Recorder.Stop(ctx) }

// GetRecordingState returns the recording state name.
func (s *Service) GetRecordingState(context.Context) (string, error) {
	return s.deps.Recorder.State().String(), nil
}

// CancelOperation cancels the recording session, every download and every
// file transcription in flight.
func (s *Service) CancelOperation(ctx context.Context) error {
	if err := s.deps.Recorder.Cancel(); err != nil && !errors.Is(err, session.ErrInvalidState) {
		return err
	}
	s.deps.Models.CancelAllDownloads()

	s.mu.Lock()
	n := len(s.fileOps)
	for _, cancel := range s.fileOps {
		cancel()
	}
	s.mu.Unlock()
	observe.Logger(ctx).Info("command: operations cancelled", "file_transcriptions", n)
	return nil
}

// --- prompts ---

// GetPostProcessPrompts lists the prompts.
func (s *Service) GetPostProcessPrompts(context.Context) ([]postprocess.Prompt, error) {
	return s.deps.Prompts.List(), nil
}

// AddPostProcessPrompt creates a prompt.
func (s *Service) AddPostProcessPrompt(_ context.Context, name, template string) (postprocess.Prompt, error) {
	return s.deps.Prompts.Add(name, template)
}

// UpdatePostProcessPrompt changes a prompt's name and template.
func (s *Service) UpdatePostProcessPrompt(_ context.Context, id, name, template string) (postprocess.Prompt, error) {
	return s.deps.Prompts.Update(id, name, template)
}

// DeletePostProcessPrompt removes a prompt. The last prompt cannot be
// deleted.
func (s *Service) DeletePostProcessPrompt(_ context.Context, id string) error {
	return s.deps.Prompts.Delete(id)
}

func (s *Service) persist(ctx context.Context, fn func(*config.Config)) {
	if s.deps.Settings == nil {
		return
	}
	if err := s.deps.Settings.Update(fn); err != nil {
		observe.Logger(ctx).Warn("command: persist settings", "err", err)
	}
}

func (s *Service) publish(name events.Name, payload any) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(events.Event{Name: name, Payload: payload})
	}
}
