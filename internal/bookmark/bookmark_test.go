package bookmark

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSaveLoadClear_Roundtrip(t *testing.T) {
	b := New(&MemoryMedium{}, zap.NewNop())

	b.Save("R1", "alice", "ludo")
	rec := b.Load()
	require.Equal(t, Record{RoomID: "R1", UserID: "alice", GameType: "ludo"}, rec)

	b.Clear()
	require.Equal(t, Record{}, b.Load())
}

func TestLoad_PartialRecordDiscardsAllThree(t *testing.T) {
	m := &MemoryMedium{}
	require.NoError(t, m.Write([]byte(`{"room_id":"R1"}`))) // no user_id

	b := New(m, zap.NewNop())
	require.Equal(t, Record{}, b.Load())

	// the invalid record was cleared, not left behind
	_, err := m.Read()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_CorruptRecordDiscarded(t *testing.T) {
	m := &MemoryMedium{}
	require.NoError(t, m.Write([]byte(`{not json`)))

	b := New(m, zap.NewNop())
	require.Equal(t, Record{}, b.Load())
}

func TestSave_StorageUnavailableDegradesSilently(t *testing.T) {
	m := &MemoryMedium{FailWrites: true}
	b := New(m, zap.NewNop())

	// must not panic or error out
	b.Save("R1", "alice", "")
	require.Equal(t, Record{}, b.Load())
	b.Clear()
}

func TestFileMedium_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookmark.json")
	b := New(NewFileMedium(path), zap.NewNop())

	require.Equal(t, Record{}, b.Load()) // nothing saved yet

	b.Save("R9", "bob", "duo_bet")
	require.Equal(t, Record{RoomID: "R9", UserID: "bob", GameType: "duo_bet"}, b.Load())

	b.Clear()
	require.Equal(t, Record{}, b.Load())
	b.Clear() // idempotent
}
