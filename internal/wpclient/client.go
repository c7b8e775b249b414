// Package wpclient pushes normalized content payloads to the downstream
// WordPress ingest endpoint and folds whatever comes back through the
// envelope normalizer.
package wpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"licensegate/internal/config"
	"licensegate/internal/envelope"
	"licensegate/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to one configured delegate endpoint.
type Client struct {
	http     *http.Client
	endpoint string
	maxBody  int64
	log      *zap.Logger
}

// New creates a Client from delegate settings.
func New(cfg *config.DelegateConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBody := int64(cfg.MaxBodyBytes)
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		endpoint: cfg.TargetURL,
		maxBody:  maxBody,
		log:      logger.With(zap.String("component", "wpclient")),
	}
}

// request is the wire shape the delegate accepts.
type request struct {
	Target  string `json:"target"`
	Payload any    `json:"payload"`
}

// Push sends a payload for the given logical target and returns the
// normalized outcome. Transport failures normalize to a failed outcome
// instead of erroring; only an unmarshalable payload is a caller bug worth
// surfacing.
func (c *Client) Push(ctx context.Context, target string, payload any) (*envelope.Outcome, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := json.NewEncoder(buf)
	if err := enc.Encode(request{Target: target, Payload: payload}); err != nil {
		return nil, errors.Wrap(err, "encode delegate payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf.B))
	if err != nil {
		return nil, errors.Wrap(err, "build delegate request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("delegate unreachable",
			zap.String("target", target),
			zap.Error(err))
		return envelope.NormalizeMap(target, nil), nil
	}
	defer resp.Body.Close()

	body := bytebufferpool.Get()
	defer bytebufferpool.Put(body)
	if _, err := io.Copy(body, io.LimitReader(resp.Body, c.maxBody)); err != nil {
		c.log.Warn("delegate body read failed",
			zap.String("target", target),
			zap.Error(err))
		return envelope.NormalizeMap(target, nil), nil
	}

	return envelope.NormalizeHTTP(target, resp.StatusCode, body.B), nil
}
