// Package bookmark persists the last known room attachment so a restarted
// client can resume its session. It records intent only: callers must
// re-validate against the room store before reconnecting.
package bookmark

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Record is the resumable triple. GameType is a hint that lets the resume
// path skip one lookup; it may be empty.
type Record struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	GameType string `json:"game_type,omitempty"`
}

// Valid reports whether the record is complete enough to act on. A partial
// write (room id without user id, or vice versa) is invalid as a whole.
func (r Record) Valid() bool {
	return r.RoomID != "" && r.UserID != ""
}

// Medium is where the record lives. Implementations may fail at any time
// (storage disabled, disk gone); Bookmark absorbs those failures.
type Medium interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Remove() error
}

// ErrNotFound is returned by Medium.Read when nothing has been saved.
var ErrNotFound = errors.New("bookmark: not found")

// Bookmark wraps a Medium and never lets a storage failure escape: Save,
// Load and Clear degrade to logging, so a client without working storage
// simply loses resume-on-restart.
type Bookmark struct {
	medium Medium
	log    *zap.Logger
}

func New(medium Medium, log *zap.Logger) *Bookmark {
	return &Bookmark{medium: medium, log: log}
}

func (b *Bookmark) Save(roomID, userID, gameType string) {
	data, err := json.Marshal(Record{RoomID: roomID, UserID: userID, GameType: gameType})
	if err != nil {
		b.log.Warn("bookmark save failed", zap.Error(err))
		return
	}
	if err := b.medium.Write(data); err != nil {
		b.log.Warn("bookmark save failed", zap.Error(err))
	}
}

// Load returns the saved record, or a zero Record when nothing usable is
// stored. A corrupt or partial record is discarded entirely.
func (b *Bookmark) Load() Record {
	data, err := b.medium.Read()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.log.Warn("bookmark load failed", zap.Error(err))
		}
		return Record{}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || !rec.Valid() {
		b.log.Warn("discarding partial bookmark")
		b.Clear()
		return Record{}
	}
	return rec
}

func (b *Bookmark) Clear() {
	if err := b.medium.Remove(); err != nil {
		b.log.Warn("bookmark clear failed", zap.Error(err))
	}
}

// FileMedium keeps the record in a single JSON file, written atomically via
// a temp file and rename so readers never observe a half-written triple.
type FileMedium struct {
	path string
}

func NewFileMedium(path string) *FileMedium {
	return &FileMedium{path: path}
}

func (m *FileMedium) Read() ([]byte, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (m *FileMedium) Write(data []byte) error {
	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".bookmark-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}

func (m *FileMedium) Remove() error {
	err := os.Remove(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryMedium is an in-process Medium for tests and ephemeral clients.
type MemoryMedium struct {
	mu   sync.Mutex
	data []byte
	set  bool

	// FailWrites simulates disabled storage.
	FailWrites bool
}

func (m *MemoryMedium) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return nil, ErrNotFound
	}
	return m.data, nil
}

func (m *MemoryMedium) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return errors.New("storage unavailable")
	}
	m.data = append([]byte(nil), data...)
	m.set = true
	return nil
}

func (m *MemoryMedium) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.set = false
	return nil
}
