// Package history persists finished transcriptions: one row per entry in a
// SQLite database and the utterance audio as a 16 kHz mono WAV file next to
// it. The store exclusively owns its recordings directory.
//
// Unsaved entries are subject to a retention policy; entries the user marked
// as saved are never swept.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/events"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/transcribe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

var (
	// ErrStorage is returned when the database or the audio file cannot be
	// written.
	ErrStorage = errors.New("history: storage failure")

	// ErrNotFound is returned for unknown entry IDs.
	ErrNotFound = errors.New("history: entry not found")
)

// History change actions published with [events.HistoryUpdated].
const (
	ActionAdded   = "added"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

const (
	dbFile       = "history.db"
	recordingDir = "recordings"
)

// Entry is one stored transcription.
type Entry struct {
	ID                int64     `json:"id"`
	FileName          string    `json:"fileName"`
	Timestamp         time.Time `json:"timestamp"`
	Saved             bool      `json:"saved"`
	Title             string    `json:"title"`
	TranscriptionText string    `json:"transcriptionText"`
	PostProcessedText string    `json:"postProcessedText,omitempty"`
	PostProcessPrompt string    `json:"postProcessPrompt,omitempty"`
}

// Transcriber re-runs recognition for [Store.Retranscribe].
// [transcribe.Engine] implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, opts transcribe.Options) (transcribe.Result, error)
}

// Store is the SQLite-backed history. It is safe for concurrent use.
type Store struct {
	db       *sql.DB
	audioDir string
	pub      events.Publisher
	now      func() time.Time

	mu        sync.Mutex
	retention config.RetentionPolicy
	limit     int
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets where history-updated events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.pub = p }
}

// WithRetention sets the policy applied after every Save.
func WithRetention(policy config.RetentionPolicy, limit int) Option {
	return func(s *Store) { s.retention, s.limit = policy, limit }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the history under dir: the database at
// dir/history.db and the audio files in dir/recordings.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	audioDir := filepath.Join(dir, recordingDir)
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create recordings dir: %w", ErrStorage, err)
	}

	dsn := "file:" + filepath.Join(dir, dbFile) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStorage, err)
	}
	// A single connection serialises writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", ErrStorage, err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		audioDir:  audioDir,
		now:       time.Now,
		retention: config.RetainNever,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AudioDir returns the directory holding the recordings.
func (s *Store) AudioDir() string { return s.audioDir }

// SetRetention replaces the policy applied after every Save.
func (s *Store) SetRetention(policy config.RetentionPolicy, limit int) {
	s.mu.Lock()
	s.retention, s.limit = policy, limit
	s.mu.Unlock()
}

// Retention returns the policy applied after every Save.
func (s *Store) Retention() (config.RetentionPolicy, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retention, s.limit
}

// RecordingTitle returns the default title for a recording made at t.
func RecordingTitle(t time.Time) string {
	return "Recording " + t.Local().Format("2006-01-02 15:04:05")
}

// FileTitle returns the title for a transcription of the file at path.
func FileTitle(path string) string {
	base := filepath.Base(path)
	return "File: " + strings.TrimSuffix(base, filepath.Ext(base))
}

// Save writes samples (16 kHz mono) as a WAV file and inserts a row for res.
// If the insert fails the file is removed. An empty title selects
// [RecordingTitle]. The retention policy runs after a successful insert;
// sweep failures are logged, not returned.
func (s *Store) Save(ctx context.Context, samples []float32, res transcribe.Result, title string) (Entry, error) {
	ts := res.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	if title == "" {
		title = RecordingTitle(ts)
	}

	fileName, err := s.writeAudio(ts, samples)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		FileName:          fileName,
		Timestamp:         time.Unix(ts.Unix(), 0),
		Title:             title,
		TranscriptionText: res.Text,
		PostProcessedText: res.PostProcessedText,
		PostProcessPrompt: res.PostProcessPrompt,
	}
	r, err := s.db.ExecContext(ctx, `
		INSERT INTO transcription_history
		    (file_name, timestamp, saved, title, transcription_text, post_processed_text, post_process_prompt)
		VALUES (?, ?, 0, ?, ?, ?, ?)`,
		e.FileName, e.Timestamp.Unix(), e.Title, e.TranscriptionText,
		nullString(e.PostProcessedText), nullString(e.PostProcessPrompt))
	if err == nil {
		e.ID, err = r.LastInsertId()
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.audioDir, fileName))
		return Entry{}, fmt.Errorf("%w: insert entry: %w", ErrStorage, err)
	}

	s.publish(ActionAdded, e.ID)
	observe.Logger(ctx).Debug("history: entry saved", "id", e.ID, "file", fileName)

	s.mu.Lock()
	policy, limit := s.retention, s.limit
	s.mu.Unlock()
	if _, err := s.Sweep(ctx, policy, limit); err != nil {
		observe.Logger(ctx).Warn("history: retention sweep after save failed", "error", err)
	}
	return e, nil
}

// writeAudio stores samples as murmur-<unix>.wav, adding a counter suffix
// when several utterances finish within the same second. Names are claimed
// with O_EXCL so concurrent saves never share a file.
func (s *Store) writeAudio(ts time.Time, samples []float32) (name string, err error) {
	base := fmt.Sprintf("murmur-%d", ts.Unix())
	var f *os.File
	for i := 0; ; i++ {
		name = base + ".wav"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.wav", base, i)
		}
		f, err = os.OpenFile(filepath.Join(s.audioDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: create audio: %w", ErrStorage, err)
		}
	}
	path := f.Name()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close audio: %w", ErrStorage, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
			name = ""
		}
	}()

	pcm := audio.Float32ToPCM(samples)
	if err := audio.EncodeWAV(f, pcm, audio.Format{SampleRate: stt.SampleRate, Channels: 1}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return name, nil
}

const selectColumns = `id, file_name, timestamp, saved, title, transcription_text, post_processed_text, post_process_prompt`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e        Entry
		ts       int64
		post     sql.NullString
		postProm sql.NullString
	)
	if err := row.Scan(&e.ID, &e.FileName, &ts, &e.Saved, &e.Title, &e.TranscriptionText, &post, &postProm); err != nil {
		return Entry{}, err
	}
	e.Timestamp = time.Unix(ts, 0)
	e.PostProcessedText = post.String
	e.PostProcessPrompt = postProm.String
	return e, nil
}

// List returns all entries, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM transcription_history ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %w", ErrStorage, err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %w", ErrStorage, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %w", ErrStorage, err)
	}
	return entries, nil
}

// Get returns the entry with id.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM transcription_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%w: get entry %d: %w", ErrStorage, id, err)
	}
	return e, nil
}

// AudioPath returns the path of the entry's WAV file.
func (s *Store) AudioPath(ctx context.Context, id int64) (string, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.audioDir, e.FileName), nil
}

// ToggleSaved flips the saved flag and returns the new value.
func (s *Store) ToggleSaved(ctx context.Context, id int64) (bool, error) {
	var saved bool
	err := s.db.QueryRowContext(ctx,
		`UPDATE transcription_history SET saved = NOT saved WHERE id = ? RETURNING saved`, id).Scan(&saved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("%w: toggle saved %d: %w", ErrStorage, id, err)
	}
	s.publish(ActionUpdated, id)
	return saved, nil
}

// Delete removes the row and its audio file. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	var fileName string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM transcription_history WHERE id = ? RETURNING file_name`, id).Scan(&fileName)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: delete entry %d: %w", ErrStorage, id, err)
	}
	s.removeAudio(ctx, fileName)
	s.publish(ActionDeleted, id)
	return nil
}

// Retranscribe runs tr over the entry's stored audio and replaces the
// transcription text. The post-processing output is cleared because it no
// longer matches; the ID, file and saved flag are unchanged.
func (s *Store) Retranscribe(ctx context.Context, id int64, tr Transcriber, opts transcribe.Options) (Entry, error) {
	path, err := s.AudioPath(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	pcm, format, err := audio.ReadWAV(path)
	if err != nil {
		return Entry{}, fmt.Errorf("history: read audio of entry %d: %w", id, err)
	}
	if format.Channels != 1 || format.SampleRate != stt.SampleRate {
		pcm = audio.ResampleMono16(audio.Downmix(pcm, format.Channels), format.SampleRate, stt.SampleRate)
	}

	opts.Source = transcribe.SourceRetranscribe
	res, err := tr.Transcribe(ctx, audio.PCMToFloat32(pcm), opts)
	if err != nil {
		return Entry{}, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE transcription_history
		SET transcription_text = ?, post_processed_text = NULL, post_process_prompt = NULL
		WHERE id = ?`, res.Text, id); err != nil {
		return Entry{}, fmt.Errorf("%w: update entry %d: %w", ErrStorage, id, err)
	}
	s.publish(ActionUpdated, id)
	return s.Get(ctx, id)
}

// UpdatePostProcessed stores post-processing output for an entry.
func (s *Store) UpdatePostProcessed(ctx context.Context, id int64, text, prompt string) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE transcription_history
		SET post_processed_text = ?, post_process_prompt = ?
		WHERE id = ?`, nullString(text), nullString(prompt), id)
	if err != nil {
		return fmt.Errorf("%w: update entry %d: %w", ErrStorage, id, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	s.publish(ActionUpdated, id)
	return nil
}

// Sweep deletes unsaved entries that violate policy and returns how many were
// removed. Saved entries are always kept.
func (s *Store) Sweep(ctx context.Context, policy config.RetentionPolicy, limit int) (int, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch policy {
	case config.RetainPreserveLimit:
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, file_name FROM transcription_history
			WHERE saved = 0
			ORDER BY timestamp DESC, id DESC
			LIMIT -1 OFFSET ?`, max(limit, 0))
	case config.RetainDays3, config.RetainWeeks2, config.RetainMonths3:
		cutoff := s.now().Add(-policy.MaxAge()).Unix()
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, file_name FROM transcription_history
			WHERE saved = 0 AND timestamp < ?`, cutoff)
	default:
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: sweep query: %w", ErrStorage, err)
	}

	type victim struct {
		id   int64
		file string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.file); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: sweep scan: %w", ErrStorage, err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: sweep iterate: %w", ErrStorage, err)
	}

	deleted := 0
	for _, v := range victims {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM transcription_history WHERE id = ? AND saved = 0`, v.id); err != nil {
			return deleted, fmt.Errorf("%w: sweep delete %d: %w", ErrStorage, v.id, err)
		}
		s.removeAudio(ctx, v.file)
		s.publish(ActionDeleted, v.id)
		deleted++
	}
	if deleted > 0 {
		observe.Logger(ctx).Info("history: retention sweep", "policy", string(policy), "deleted", deleted)
	}
	return deleted, nil
}

// RunSweeper applies the current retention policy every interval until ctx
// is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.mu.Lock()
			policy, limit := s.retention, s.limit
			s.mu.Unlock()
			if _, err := s.Sweep(ctx, policy, limit); err != nil {
				observe.Logger(ctx).Warn("history: periodic sweep failed", "error", err)
			}
		}
	}
}

func (s *Store) removeAudio(ctx context.Context, fileName string) {
	err := os.Remove(filepath.Join(s.audioDir, fileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		observe.Logger(ctx).Warn("history: remove audio file", "file", fileName, "error", err)
	}
}

func (s *Store) publish(action string, id int64) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(events.Event{
		Name:    events.HistoryUpdated,
		Payload: events.HistoryChange{Action: action, ID: id},
		Time:    s.now(),
	})
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
