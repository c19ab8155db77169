package cas

import (
	"context"
	"fmt"

	"clausebase/config"
)

// New builds a client for the configured backend. "local" with an empty
// directory computes identifiers only.
func New(ctx context.Context, cfg config.CASConfig, opts ...Option) (*Client, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return NewClient("none", nil, opts...), nil
		}
		b, err := NewLocalBackend(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		return NewClient("local", b, opts...), nil
	case "kubo":
		return NewClient("kubo", NewKuboBackend(cfg.IPFSAPIURL, nil), opts...), nil
	case "s3":
		b, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return NewClient("s3", b, opts...), nil
	default:
		return nil, fmt.Errorf("unknown CAS backend %q", cfg.Backend)
	}
}
