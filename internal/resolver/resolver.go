// Package resolver turns a raw license key from a request into a stored
// license. Deployed databases differ in where the key lives, so resolution
// walks an ordered list of strategies: the canonical key column, historical
// plaintext columns, then hex digest columns.
package resolver

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"licensegate/internal/keys"
	"licensegate/internal/logger"
	"licensegate/internal/models"
	"licensegate/internal/store"
)

// ErrBadKeyFormat means the raw value cannot be a license key at all, so no
// lookup was attempted.
var ErrBadKeyFormat = errors.New("malformed license key")

// LicenseSource is the store surface the resolver needs.
type LicenseSource interface {
	FindByKeyColumn(ctx context.Context, column, value string) (*models.License, error)
	FindByDigestColumn(ctx context.Context, column, digest string) (*models.License, error)
}

// Header order for key extraction. The first non-empty wins.
var keyHeaders = []string{"X-PPA-Key", "X-PostPress-Key", "X-Connection-Key"}

// Authorization schemes that may carry a license key.
var authSchemes = []string{"Bearer ", "License "}

// ExtractKey picks the license key out of a request: an explicit body field
// first, then the dedicated headers, then an Authorization value under the
// Bearer or License scheme. Returns "" when nothing usable is present.
func ExtractKey(bodyKey string, header func(name string) string) string {
	if k := strings.TrimSpace(bodyKey); k != "" {
		return k
	}
	for _, h := range keyHeaders {
		if k := strings.TrimSpace(header(h)); k != "" {
			return k
		}
	}
	auth := strings.TrimSpace(header("Authorization"))
	for _, scheme := range authSchemes {
		if len(auth) > len(scheme) && strings.EqualFold(auth[:len(scheme)], scheme) {
			return strings.TrimSpace(auth[len(scheme):])
		}
	}
	return ""
}

// Resolver resolves raw keys to licenses.
type Resolver struct {
	licenses LicenseSource
	log      *zap.Logger
}

// New creates a Resolver.
func New(licenses LicenseSource) *Resolver {
	return &Resolver{
		licenses: licenses,
		log:      logger.With(zap.String("component", "resolver")),
	}
}

type strategy struct {
	column string
	value  func(key string) string
	digest bool
}

var strategies = []strategy{
	{column: "key", value: func(k string) string { return k }},
	{column: "license_key", value: func(k string) string { return k }},
	{column: "connection_key", value: func(k string) string { return k }},
	{column: "api_key", value: func(k string) string { return k }},
	{column: "key_sha256", value: sha256Hex, digest: true},
	{column: "key_hash", value: sha256Hex, digest: true},
	{column: "key_sha1", value: sha1Hex, digest: true},
}

func sha256Hex(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func sha1Hex(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Resolve finds the license for a raw key. Returns ErrBadKeyFormat without
// touching the store when the value cannot be a key, store.ErrNotFound when
// every strategy misses, and the first hard store error otherwise.
func (r *Resolver) Resolve(ctx context.Context, rawKey string) (*models.License, error) {
	rawKey = strings.TrimSpace(rawKey)
	if !keys.ValidFormat(rawKey) {
		return nil, ErrBadKeyFormat
	}

	for _, st := range strategies {
		var (
			lic *models.License
			err error
		)
		if st.digest {
			lic, err = r.licenses.FindByDigestColumn(ctx, st.column, st.value(rawKey))
		} else {
			lic, err = r.licenses.FindByKeyColumn(ctx, st.column, st.value(rawKey))
		}
		if err == nil {
			r.log.Debug("license resolved",
				zap.String("column", st.column),
				zap.String("key", models.MaskKey(rawKey)))
			return lic, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		return nil, err
	}
	return nil, store.ErrNotFound
}
