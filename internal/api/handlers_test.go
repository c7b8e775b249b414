package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/auth"
	"licensegate/internal/config"
	"licensegate/internal/envelope"
	"licensegate/internal/metrics"
	"licensegate/internal/models"
	"licensegate/internal/ratelimit"
	"licensegate/internal/store"
)

var testMetrics = metrics.New()

const (
	testSecret = "test-shared-secret"
	testKey    = "PPA-AAAAA-BBBBB-CCCCC-DDDDD"
)

// fakeStorage mirrors the store's contract in memory.
type fakeStorage struct {
	mu          sync.Mutex
	licenses    map[string]*models.License
	activations []*models.Activation
	nextID      int64
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{licenses: make(map[string]*models.License), nextID: 1}
}

func (f *fakeStorage) addLicense(lic *models.License) *models.License {
	f.mu.Lock()
	defer f.mu.Unlock()
	lic.ID = f.nextID
	f.nextID++
	f.licenses[lic.Key] = lic
	return lic
}

func (f *fakeStorage) FindByKeyColumn(_ context.Context, column, value string) (*models.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if column != "key" {
		return nil, store.ErrNotFound
	}
	if lic, ok := f.licenses[value]; ok {
		return lic, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStorage) FindByDigestColumn(context.Context, string, string) (*models.License, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStorage) KeyExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.licenses[key]
	return ok, nil
}

func (f *fakeStorage) CreateLicense(_ context.Context, lic *models.License, _ string) error {
	f.addLicense(lic)
	return nil
}

func (f *fakeStorage) FindExact(_ context.Context, licenseID int64, siteURLs []string) (*models.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, act := range f.activations {
		if act.LicenseID != licenseID {
			continue
		}
		for _, u := range siteURLs {
			if act.SiteURL == u {
				cp := *act
				return &cp, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStorage) ListActivations(_ context.Context, licenseID int64) ([]models.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Activation
	for _, act := range f.activations {
		if act.LicenseID == licenseID {
			out = append(out, *act)
		}
	}
	return out, nil
}

func (f *fakeStorage) CountActivations(_ context.Context, licenseID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, act := range f.activations {
		if act.LicenseID == licenseID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStorage) CreateActivation(_ context.Context, act *models.Activation, maxSites int64, unlimited bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var used int64
	for _, a := range f.activations {
		if a.LicenseID == act.LicenseID {
			if a.SiteURL == act.SiteURL {
				return store.ErrDuplicateActivation
			}
			used++
		}
	}
	if !unlimited && used >= maxSites {
		return store.ErrSeatLimit
	}
	act.ID = f.nextID
	f.nextID++
	act.ActivatedAt = time.Now().UTC()
	f.activations = append(f.activations, act)
	return nil
}

func (f *fakeStorage) Touch(_ context.Context, activationID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, act := range f.activations {
		if act.ID == activationID {
			act.LastVerifiedAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStorage) DeleteActivation(_ context.Context, activationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, act := range f.activations {
		if act.ID == activationID {
			f.activations = append(f.activations[:i], f.activations[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStorage) FindBySite(_ context.Context, siteURLs []string) (*models.Activation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, act := range f.activations {
		for _, u := range siteURLs {
			if act.SiteURL == u {
				cp := *act
				return &cp, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

type fakeLimiter struct {
	err error
}

func (f *fakeLimiter) Allow(context.Context, string, string, string) error { return f.err }

// fakeAuth accepts the test secret or any seeded decision.
type fakeAuth struct {
	storage *fakeStorage
}

func (f *fakeAuth) CheckSecret(provided string) bool { return provided == testSecret }

func (f *fakeAuth) Authorize(ctx context.Context, providedSecret, rawKey, rawSiteURL string) (*auth.Decision, error) {
	if f.CheckSecret(providedSecret) {
		return &auth.Decision{Allowed: true, Path: auth.PathSharedSecret}, nil
	}
	if rawKey == "" {
		return nil, auth.ErrUnauthorized
	}
	lic, err := f.storage.FindByKeyColumn(ctx, "key", rawKey)
	if err != nil || !lic.IsActive() {
		return nil, auth.ErrUnauthorized
	}
	act, err := f.storage.FindExact(ctx, lic.ID, []string{rawSiteURL})
	if err != nil {
		return nil, auth.ErrUnauthorized
	}
	return &auth.Decision{
		Allowed:      true,
		LicenseID:    lic.ID,
		ActivationID: act.ID,
		PlanSlug:     lic.PlanSlug,
		Path:         auth.PathLicense,
	}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []*models.UsageEvent
}

func (f *fakeRecorder) Record(_ context.Context, ev *models.UsageEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fakeDelegate struct {
	outcome *envelope.Outcome
	lastReq struct {
		target  string
		payload any
	}
}

func (f *fakeDelegate) Push(_ context.Context, target string, payload any) (*envelope.Outcome, error) {
	f.lastReq.target = target
	f.lastReq.payload = payload
	if f.outcome != nil {
		return f.outcome, nil
	}
	return &envelope.Outcome{OK: true, Stored: true, Mode: envelope.ModeCreated, TargetUsed: target, Version: envelope.Version}, nil
}

type fixture struct {
	server   *Server
	storage  *fakeStorage
	limiter  *fakeLimiter
	recorder *fakeRecorder
	delegate *fakeDelegate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := newFakeStorage()
	limiter := &fakeLimiter{}
	recorder := &fakeRecorder{}
	delegate := &fakeDelegate{}

	cfg := &config.Config{}
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 5 * time.Second

	srv := New(cfg, storage, limiter, &fakeAuth{storage: storage}, recorder, delegate, testMetrics)
	return &fixture{server: srv, storage: storage, limiter: limiter, recorder: recorder, delegate: delegate}
}

func (fx *fixture) seedLicense(mutate func(*models.License)) *models.License {
	maxSites := int64(3)
	tokens := int64(500_000)
	lic := &models.License{
		Key:               testKey,
		PlanSlug:          models.PlanCreator,
		Status:            models.LicenseStatusActive,
		MaxSites:          &maxSites,
		AIIncluded:        true,
		MonthlyTokenLimit: &tokens,
	}
	if mutate != nil {
		mutate(lic)
	}
	return fx.storage.addLicense(lic)
}

func (fx *fixture) request(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if raw, ok := body.([]byte); ok {
		rdr = bytes.NewReader(raw)
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := fx.server.App().Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &parsed), string(raw))
	}
	return resp, parsed
}

func withSecret() map[string]string {
	return map[string]string{"X-PPA-Key": testSecret}
}

func licenseBody(siteURL string) map[string]any {
	return map[string]any{"license_key": testKey, "site_url": siteURL}
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

func TestActivateTwiceIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	resp, body := fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	act := data["activation"].(map[string]any)
	assert.False(t, act["already_active"].(bool))
	assert.Equal(t, "license.v1", body["ver"])

	// Second activation of the same site, different surface form.
	resp, body = fx.request(t, "POST", "/license/activate", licenseBody("http://www.example.com/"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	act = body["data"].(map[string]any)["activation"].(map[string]any)
	assert.True(t, act["already_active"].(bool))

	n, _ := fx.storage.CountActivations(context.Background(), 1)
	assert.Equal(t, int64(1), n, "no second row may be created")
}

func TestActivateSeatLimit(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(func(l *models.License) {
		two := int64(2)
		l.MaxSites = &two
	})

	for i := 1; i <= 2; i++ {
		resp, _ := fx.request(t, "POST", "/license/activate",
			licenseBody(fmt.Sprintf("https://site%d.com", i)), withSecret())
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := fx.request(t, "POST", "/license/activate", licenseBody("https://site3.com"), withSecret())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "site_limit_reached", errorCode(body))
	assert.False(t, body["ok"].(bool))
}

func TestActivateUnlimitedIgnoresMaxSites(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(func(l *models.License) {
		one := int64(1)
		l.MaxSites = &one
		l.UnlimitedSites = true
	})

	for i := 1; i <= 5; i++ {
		resp, _ := fx.request(t, "POST", "/license/activate",
			licenseBody(fmt.Sprintf("https://site%d.com", i)), withSecret())
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestActivateInactiveLicense(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(func(l *models.License) { l.Status = models.LicenseStatusPaused })

	resp, body := fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "license_inactive", errorCode(body))
}

func TestActivateUnknownKey(t *testing.T) {
	fx := newFixture(t)

	resp, body := fx.request(t, "POST", "/license/activate",
		map[string]any{"license_key": "PPA-ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ", "site_url": "https://example.com"},
		withSecret())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "license not found", body["error"].(map[string]any)["message"])
}

func TestActivateInvalidSiteURL(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	resp, body := fx.request(t, "POST", "/license/activate", licenseBody("not a url at all %%%"), withSecret())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_site_url", errorCode(body))
}

func TestActivateBadKeyFormat(t *testing.T) {
	fx := newFixture(t)

	resp, body := fx.request(t, "POST", "/license/activate",
		map[string]any{"license_key": "x", "site_url": "https://example.com"}, withSecret())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_license_key", errorCode(body))
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	resp, body := fx.request(t, "POST", "/license/activate", []byte("{not json"), withSecret())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_body", errorCode(body))
}

func TestLifecycleRequiresSecret(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	for _, path := range []string{"/license/activate", "/license/verify", "/license/deactivate", "/license/issue"} {
		resp, body := fx.request(t, "POST", path, licenseBody("https://example.com"), nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "unauthorized", errorCode(body), path)
	}
}

func TestRateLimitResponses(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	fx.limiter.err = ratelimit.ErrIPLimit
	resp, body := fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited_ip", errorCode(body))

	fx.limiter.err = ratelimit.ErrKeyLimit
	resp, body = fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited_license_key", errorCode(body))

	fx.limiter.err = ratelimit.ErrUnavailable
	resp, body = fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "rate_limit_unavailable", errorCode(body))
}

func TestVerifyRequiresActivation(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	resp, body := fx.request(t, "POST", "/license/verify", licenseBody("https://example.com"), withSecret())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_activated", errorCode(body))
}

func TestVerifyAfterActivate(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	resp, _ := fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := fx.request(t, "POST", "/license/verify", licenseBody("https://example.com"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "private, max-age=300", resp.Header.Get("Cache-Control"))

	data := body["data"].(map[string]any)
	sites := data["sites"].(map[string]any)
	assert.Equal(t, float64(1), sites["used"])
	assert.Equal(t, float64(3), sites["max"])

	tokens := data["tokens"].(map[string]any)
	assert.Equal(t, float64(500_000), tokens["monthly_limit"])
	assert.Equal(t, float64(500_000), tokens["monthly_remaining"])

	lic := data["license"].(map[string]any)
	assert.Equal(t, "PPA-…DDDD", lic["key"], "keys must be masked in responses")
}

func TestDeactivateOnCanceledLicense(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	resp, _ := fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fx.storage.licenses[testKey].Status = models.LicenseStatusCanceled

	resp, body := fx.request(t, "POST", "/license/deactivate", licenseBody("https://example.com"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["data"].(map[string]any)["removed"])

	n, _ := fx.storage.CountActivations(context.Background(), 1)
	assert.Zero(t, n)
}

func TestDeactivateIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)

	resp, body := fx.request(t, "POST", "/license/deactivate", licenseBody("https://example.com"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["data"].(map[string]any)["removed"])
}

func TestIssueLicense(t *testing.T) {
	fx := newFixture(t)

	resp, body := fx.request(t, "POST", "/license/issue",
		map[string]any{"plan_slug": models.PlanStudio}, withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]any)
	key := data["license_key"].(string)
	assert.Regexp(t, `^PPA(-[23456789A-HJ-NP-Z]{5}){4}$`, key)

	lic := data["license"].(map[string]any)
	assert.Equal(t, float64(10), lic["max_sites"], "studio plan defaults")
	assert.Equal(t, "active", lic["status"])

	// The issued key resolves.
	resp, _ = fx.request(t, "POST", "/license/activate",
		map[string]any{"license_key": key, "site_url": "https://example.com"}, withSecret())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoreRequiresAuthorization(t *testing.T) {
	fx := newFixture(t)

	resp, body := fx.request(t, "POST", "/store",
		map[string]any{"target": "articles", "payload": map[string]any{}}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(body))
}

func TestStoreDelegatesAndReturnsOutcome(t *testing.T) {
	fx := newFixture(t)
	fx.delegate.outcome = &envelope.Outcome{
		OK: true, Stored: true, ID: 101, Mode: envelope.ModeCreated,
		TargetUsed: "articles", Status: 201, Version: envelope.Version,
	}

	resp, body := fx.request(t, "POST", "/store",
		map[string]any{"target": "articles", "payload": map[string]any{"title": "hi"}}, withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["stored"])
	assert.Equal(t, "created", body["mode"])
	assert.Equal(t, float64(201), body["status"])
	assert.Equal(t, "articles", fx.delegate.lastReq.target)
}

func TestStoreMissingTarget(t *testing.T) {
	fx := newFixture(t)

	resp, body := fx.request(t, "POST", "/store", map[string]any{"payload": map[string]any{}}, withSecret())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_target", errorCode(body))
}

func TestUsageReportWithSecretAndSite(t *testing.T) {
	fx := newFixture(t)
	fx.seedLicense(nil)
	resp, _ := fx.request(t, "POST", "/license/activate", licenseBody("https://example.com"), withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := fx.request(t, "POST", "/usage/report", map[string]any{
		"site_url":          "https://example.com",
		"view":              "generate",
		"provider":          "openai",
		"prompt_tokens":     100,
		"completion_tokens": 50,
	}, withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["data"].(map[string]any)["recorded"])

	require.Len(t, fx.recorder.events, 1)
	ev := fx.recorder.events[0]
	assert.Equal(t, int64(1), ev.LicenseID, "usage derives the license from the site activation")
	assert.Equal(t, int64(150), ev.TotalTokens)
}

func TestUsageReportUnattributable(t *testing.T) {
	fx := newFixture(t)

	resp, body := fx.request(t, "POST", "/usage/report", map[string]any{
		"site_url":      "https://unknown-site.com",
		"view":          "generate",
		"prompt_tokens": 10,
	}, withSecret())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].(map[string]any)
	assert.Equal(t, false, data["recorded"])
	assert.Empty(t, fx.recorder.events)
}

func TestUsageReportUnauthorized(t *testing.T) {
	fx := newFixture(t)

	resp, _ := fx.request(t, "POST", "/usage/report", map[string]any{"view": "generate"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	resp, body := fx.request(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
