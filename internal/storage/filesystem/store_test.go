package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestNewStore(t *testing.T) {
	t.Run("create store with valid path", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "attachments")
		store, err := NewStore(dir)
		require.NoError(t, err)
		assert.DirExists(t, store.BasePath())
	})

	t.Run("reject traversal", func(t *testing.T) {
		_, err := NewStore("../../etc")
		assert.Error(t, err)
	})
}

func TestSaveFile_CollisionSuffix(t *testing.T) {
	store := setupTestStore(t)

	name1, rel1, err := store.SaveFile("user-1", "Mapfre_Poliza_20240304.pdf", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "Mapfre_Poliza_20240304.pdf", name1)
	assert.Equal(t, "user-1/Mapfre_Poliza_20240304.pdf", rel1)

	name2, rel2, err := store.SaveFile("user-1", "Mapfre_Poliza_20240304.pdf", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "Mapfre_Poliza_20240304_1.pdf", name2)

	name3, _, err := store.SaveFile("user-1", "Mapfre_Poliza_20240304.pdf", []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, "Mapfre_Poliza_20240304_2.pdf", name3)

	content, err := store.ReadFile(rel1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), content)
	content, err = store.ReadFile(rel2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), content)
}

func TestSaveFile_Concurrent(t *testing.T) {
	store := setupTestStore(t)

	var wg sync.WaitGroup
	names := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, _, err := store.SaveFile("owner", "same.pdf", []byte("x"))
			assert.NoError(t, err)
			names <- name
		}()
	}
	wg.Wait()
	close(names)

	seen := map[string]bool{}
	for n := range names {
		assert.False(t, seen[n], "duplicate name %s", n)
		seen[n] = true
	}
	entries, err := os.ReadDir(filepath.Join(store.BasePath(), "owner"))
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestSaveFile_RejectsTraversal(t *testing.T) {
	store := setupTestStore(t)
	_, _, err := store.SaveFile("../escape", "a.pdf", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	name, _, err := store.SaveFile("owner", "../../a.pdf", []byte("x"))
	require.NoError(t, err)
	assert.NotContains(t, name, "/")
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"invalid chars", `Juan <j@x.com>_a:b"c|d?e*.pdf`, "Juan _j@x.com__a_b_c_d_e_.pdf"},
		{"slashes", `a/b\c.pdf`, "a_b_c.pdf"},
		{"control chars", "a\x00b\tc.pdf", "abc.pdf"},
		{"empty", "  ..  ", "unnamed"},
		{"nfc", "Po\u0301liza.pdf", "P\u00f3liza.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}

	t.Run("length keeps extension", func(t *testing.T) {
		long := strings.Repeat("ñ", 150) + ".pdf"
		got := SanitizeFilename(long)
		assert.Equal(t, MaxFilenameLength, utf8.RuneCountInString(got))
		assert.True(t, strings.HasSuffix(got, ".pdf"))
	})
}
