package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/models"
	"licensegate/internal/store"
)

type fakeLicenseSource struct {
	plaintext map[string]map[string]*models.License // column -> value -> license
	digests   map[string]map[string]*models.License
	calls     []string
	failOn    string
}

func (f *fakeLicenseSource) FindByKeyColumn(_ context.Context, column, value string) (*models.License, error) {
	f.calls = append(f.calls, column)
	if column == f.failOn {
		return nil, assert.AnError
	}
	if lic, ok := f.plaintext[column][value]; ok {
		return lic, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeLicenseSource) FindByDigestColumn(_ context.Context, column, digest string) (*models.License, error) {
	f.calls = append(f.calls, column)
	if column == f.failOn {
		return nil, assert.AnError
	}
	if lic, ok := f.digests[column][digest]; ok {
		return lic, nil
	}
	return nil, store.ErrNotFound
}

func TestExtractKey(t *testing.T) {
	headers := map[string]string{}
	get := func(name string) string { return headers[name] }

	t.Run("body wins", func(t *testing.T) {
		headers["X-PPA-Key"] = "HEADER-KEY-123"
		defer delete(headers, "X-PPA-Key")
		assert.Equal(t, "BODY-KEY-123", ExtractKey("  BODY-KEY-123 ", get))
	})

	t.Run("header order", func(t *testing.T) {
		headers["X-PostPress-Key"] = "SECOND-KEY-123"
		headers["X-Connection-Key"] = "THIRD-KEY-123"
		defer func() {
			delete(headers, "X-PostPress-Key")
			delete(headers, "X-Connection-Key")
		}()
		assert.Equal(t, "SECOND-KEY-123", ExtractKey("", get))
	})

	t.Run("bearer fallback", func(t *testing.T) {
		headers["Authorization"] = "bearer TOKEN-KEY-123"
		defer delete(headers, "Authorization")
		assert.Equal(t, "TOKEN-KEY-123", ExtractKey("", get))
	})

	t.Run("license scheme", func(t *testing.T) {
		headers["Authorization"] = "License PPA-AAAAA-BBBBB-CCCCC-DDDDD"
		defer delete(headers, "Authorization")
		assert.Equal(t, "PPA-AAAAA-BBBBB-CCCCC-DDDDD", ExtractKey("", get))
	})

	t.Run("license scheme case insensitive", func(t *testing.T) {
		headers["Authorization"] = "license TOKEN-KEY-123"
		defer delete(headers, "Authorization")
		assert.Equal(t, "TOKEN-KEY-123", ExtractKey("", get))
	})

	t.Run("unknown scheme", func(t *testing.T) {
		headers["Authorization"] = "Basic dXNlcjpwYXNz"
		defer delete(headers, "Authorization")
		assert.Equal(t, "", ExtractKey("", get))
	})

	t.Run("nothing", func(t *testing.T) {
		assert.Equal(t, "", ExtractKey("", get))
	})
}

func TestResolveCanonicalColumn(t *testing.T) {
	lic := &models.License{ID: 1, Key: "PPA-AAAAA-BBBBB-CCCCC-DDDDD"}
	src := &fakeLicenseSource{
		plaintext: map[string]map[string]*models.License{
			"key": {lic.Key: lic},
		},
	}

	got, err := New(src).Resolve(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, []string{"key"}, src.calls)
}

func TestResolveFallsBackToLegacyColumns(t *testing.T) {
	lic := &models.License{ID: 7, Key: "PPA-AAAAA-BBBBB-CCCCC-DDDDD"}
	src := &fakeLicenseSource{
		plaintext: map[string]map[string]*models.License{
			"connection_key": {lic.Key: lic},
		},
	}

	got, err := New(src).Resolve(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, []string{"key", "license_key", "connection_key"}, src.calls)
}

func TestResolveByDigest(t *testing.T) {
	key := "PPA-AAAAA-BBBBB-CCCCC-DDDDD"
	sum := sha256.Sum256([]byte(key))
	lic := &models.License{ID: 9}
	src := &fakeLicenseSource{
		digests: map[string]map[string]*models.License{
			"key_sha256": {hex.EncodeToString(sum[:]): lic},
		},
	}

	got, err := New(src).Resolve(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.ID)
}

func TestResolveMiss(t *testing.T) {
	src := &fakeLicenseSource{}
	_, err := New(src).Resolve(context.Background(), "PPA-AAAAA-BBBBB-CCCCC-DDDDD")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, src.calls, 7)
}

func TestResolveBadFormatSkipsStore(t *testing.T) {
	src := &fakeLicenseSource{}
	_, err := New(src).Resolve(context.Background(), "short")
	assert.ErrorIs(t, err, ErrBadKeyFormat)
	assert.Empty(t, src.calls)

	_, err = New(src).Resolve(context.Background(), "has spaces in it 12345")
	assert.ErrorIs(t, err, ErrBadKeyFormat)
}

func TestResolveStopsOnHardError(t *testing.T) {
	src := &fakeLicenseSource{failOn: "license_key"}
	_, err := New(src).Resolve(context.Background(), "PPA-AAAAA-BBBBB-CCCCC-DDDDD")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"key", "license_key"}, src.calls)
}
