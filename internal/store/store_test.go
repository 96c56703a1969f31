package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrail/keyrail/internal/cipher"
)

const testKey = "12345678901234567890123456789012"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	c, err := cipher.New(testKey)
	require.NoError(t, err)

	s, err := New(filepath.Join(t.TempDir(), "credentials.db"), c)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Put(ctx, "T1", "vllm", map[string]string{
		"api_key":  "abc12345",
		"endpoint": "http://v:8000",
	})
	require.NoError(t, err)

	rec, found, err := s.Get(ctx, "T1", "vllm")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "vllm", rec.Provider)
	assert.Equal(t, "http://v:8000", rec.Fields["endpoint"])
	// Sensitive field stays encrypted at the store boundary.
	assert.True(t, cipher.IsEncrypted(rec.Fields["api_key"]))
	assert.NotContains(t, rec.Fields["api_key"], "abc12345")
	assert.False(t, rec.SetAt.IsZero())
}

func TestStore_GetAbsent(t *testing.T) {
	s := newTestStore(t)

	rec, found, err := s.Get(context.Background(), "nobody", "openai")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, rec)
}

func TestStore_PutValidation_ReportsAllProblems(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), "T1", "vllm", map[string]string{"api_key": "short"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Problems, 2)
	assert.Contains(t, verr.Error(), "api_key too short")
	assert.Contains(t, verr.Error(), "endpoint is missing")

	// Nothing persisted on validation failure.
	_, found, err := s.Get(context.Background(), "T1", "vllm")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PutUnknownProvider(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), "T1", "watsonx", map[string]string{"api_key": "abc12345"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStore_PutCanonicalizesProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "T1", "OpenAI", map[string]string{"api_key": "sk-test-12345"}))

	_, found, err := s.Get(ctx, "T1", "openai")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStore_PutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "T1", "openai", map[string]string{"api_key": "sk-first-1111"}))
	require.NoError(t, s.Put(ctx, "T1", "openai", map[string]string{"api_key": "sk-second-2222"}))

	list, err := s.List(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "...2222", list[0].MaskedKey)
}

func TestStore_List_Masking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	secret := "abc12345"
	require.NoError(t, s.Put(ctx, "T1", "vllm", map[string]string{
		"api_key":  secret,
		"endpoint": "http://v:8000",
	}))

	list, err := s.List(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	entry := list[0]
	assert.Equal(t, "vllm", entry.Provider)
	assert.Equal(t, "...2345", entry.MaskedKey)
	assert.Equal(t, "encrypted", entry.EncryptionStatus)
	assert.ElementsMatch(t, []string{"api_key", "endpoint"}, entry.FieldsSet)
	assert.NotEqual(t, secret, entry.MaskedKey)
	assert.LessOrEqual(t, len(strings.TrimPrefix(entry.MaskedKey, "...")), 4)
}

func TestStore_List_ScopedToTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "T1", "openai", map[string]string{"api_key": "sk-t1-key-111"}))
	require.NoError(t, s.Put(ctx, "T2", "openai", map[string]string{"api_key": "sk-t2-key-222"}))

	list, err := s.List(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "...-111", list[0].MaskedKey)
}

func TestStore_List_NoSensitiveFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "T1", "ollama", map[string]string{"endpoint": "http://gpu:11434"}))

	list, err := s.List(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].MaskedKey)
	assert.Equal(t, "plaintext", list[0].EncryptionStatus)
}

func TestStore_Delete_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "T1", "vllm", map[string]string{
		"api_key":  "abc12345",
		"endpoint": "http://v:8000",
	}))

	removed, err := s.Delete(ctx, "T1", "vllm")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "T1", "vllm")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_ConcurrentWritesSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Put(ctx, "T1", "openai", map[string]string{"api_key": "sk-race-12345"})
		}()
	}
	wg.Wait()

	rec, found, err := s.Get(ctx, "T1", "openai")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cipher.IsEncrypted(rec.Fields["api_key"]))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "...2345", MaskSecret("abc12345"))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****", MaskSecret(""))
}
