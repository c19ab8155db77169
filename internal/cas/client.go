package cas

import (
	"context"
	"errors"
	"fmt"

	"clausebase/pkg/logger"

	"go.uber.org/zap"
)

var (
	ErrRetrievalUnsupported = errors.New("cas: backend does not support retrieval")
	ErrNotFound             = errors.New("cas: content not found")
	ErrIntegrity            = errors.New("cas: retrieved content does not match identifier")
)

// Backend persists content under its identifier. Put reports whether the
// bytes were written (false when the object was already present).
type Backend interface {
	Put(ctx context.Context, cid string, content []byte) (bool, error)
	Get(ctx context.Context, cid string) ([]byte, error)
}

// Pinner is implemented by backends that can pin content against eviction.
type Pinner interface {
	Pin(ctx context.Context, cid string) error
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client uploads document content and returns its identifier. A nil backend
// computes identifiers without storing anything.
type Client struct {
	backend Backend
	name    string
	log     *zap.Logger
}

func NewClient(name string, backend Backend, opts ...Option) *Client {
	c := &Client{backend: backend, name: name, log: logger.Named("cas")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Backend() string {
	return c.name
}

// Upload stores content and returns its identifier. Re-uploading identical
// bytes returns the same identifier and skips the write where the backend
// can detect it.
func (c *Client) Upload(ctx context.Context, content []byte) (string, error) {
	cid := ComputeCID(content)
	if c.backend == nil {
		return cid, nil
	}
	stored, err := c.backend.Put(ctx, cid, content)
	if err != nil {
		return "", fmt.Errorf("cas upload %s: %w", cid, err)
	}
	c.log.Debug("content uploaded",
		zap.String("cid", cid),
		zap.String("backend", c.name),
		zap.Bool("stored", stored),
		zap.Int("bytes", len(content)))
	return cid, nil
}

// Retrieve is best effort: callers keep the local copy as the source of
// truth and use this only for verification.
func (c *Client) Retrieve(ctx context.Context, cid string) ([]byte, error) {
	if c.backend == nil {
		return nil, ErrRetrievalUnsupported
	}
	if _, err := multihash(cid); err != nil {
		return nil, err
	}
	data, err := c.backend.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	if !Verify(cid, data) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, cid)
	}
	return data, nil
}

// Pin asks the backend to pin cid. Failures are logged, not returned.
func (c *Client) Pin(ctx context.Context, cid string) {
	p, ok := c.backend.(Pinner)
	if !ok {
		return
	}
	if err := p.Pin(ctx, cid); err != nil {
		c.log.Warn("pin failed", zap.String("cid", cid), zap.Error(err))
	}
}
