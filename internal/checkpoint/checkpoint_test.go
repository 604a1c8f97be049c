package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/mctally/internal/domain"
)

func TestLoad_MissingFileIsEmptyState(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "ckpt.json"))

	st, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, st.Counts)
	require.Empty(t, st.Processed)
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "ckpt.json"))

	st := NewState()
	st.Counts["minecraft:stone"] = 13
	st.Counts["minecraft:dirt"] = 5
	st.Processed["r.0.0.mca"] = true
	st.Processed["r.1.0.mca"] = true
	require.NoError(t, store.Persist(st))

	got, err := store.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(st.Counts, got.Counts); diff != "" {
		t.Fatalf("counts 不一致 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(st.Processed, got.Processed); diff != "" {
		t.Fatalf("processed 不一致 (-want +got):\n%s", diff)
	}
}

func TestPersist_FileIsSortedAndVersioned(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "ckpt.json"))

	st := NewState()
	st.Processed["b.mca"] = true
	st.Processed["a.mca"] = true
	require.NoError(t, store.Persist(st))

	b, err := os.ReadFile(store.Path)
	require.NoError(t, err)

	var fs fileState
	require.NoError(t, json.Unmarshal(b, &fs))
	require.Equal(t, Version, fs.Version)
	require.Equal(t, []string{"a.mca", "b.mca"}, fs.ProcessedUnits)
}

func TestPersist_Overwrites(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "ckpt.json"))

	st := NewState()
	st.Processed["a.mca"] = true
	require.NoError(t, store.Persist(st))

	st.Processed["b.mca"] = true
	st.Counts["minecraft:stone"] = 1
	require.NoError(t, store.Persist(st))

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.Processed, 2)
	require.Equal(t, uint64(1), got.Counts["minecraft:stone"])
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	_, err := NewStore(path).Load()
	require.Error(t, err)
	require.True(t, IsInvalid(err), "期望 checkpoint_invalid，实际 %v", err)
}

func TestLoad_UnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"counts":{},"processed_units":[]}`), 0o644))

	_, err := NewStore(path).Load()
	require.Error(t, err)
	require.True(t, IsInvalid(err), "期望 checkpoint_invalid，实际 %v", err)
}

func TestLoad_NilCountsTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"processed_units":["a.mca"]}`), 0o644))

	st, err := NewStore(path).Load()
	require.NoError(t, err)
	require.NotNil(t, st.Counts)
	require.True(t, st.Processed["a.mca"])

	// 空 counts 也必须可直接 Merge。
	domain.Merge(st.Counts, domain.Tally{"minecraft:stone": 1})
	require.Equal(t, uint64(1), st.Counts["minecraft:stone"])
}
