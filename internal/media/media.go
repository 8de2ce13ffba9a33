// Package media persists alert frames locally and publishes them to a
// publicly fetchable URL.
//
// Publishing tries the primary object store (GCS) first and falls back to
// the public image host (Imgur). The attempts are sequential: the primary
// is preferred and only its failure path pays the fallback's latency. When
// both fail the alert degrades to text-only.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"flareguard/pkg/logx"
)

// Provider identifies which backend produced a public URL.
type Provider string

const (
	ProviderNone        Provider = "none"
	ProviderObjectStore Provider = "object-store"
	ProviderImageHost   Provider = "image-host"
)

// Reference is the published form of an alert image. A zero URL with
// ProviderNone means attach-by-URL failed and the message degrades to
// text-only.
type Reference struct {
	URL      string
	Provider Provider
}

// Attached reports whether a public URL is available.
func (r Reference) Attached() bool { return r.Provider != ProviderNone && r.URL != "" }

type Config struct {
	// Dir is the local directory for persisted alert frames.
	Dir string

	GCS   GCSConfig
	Imgur ImgurConfig
}

type GCSConfig struct {
	CredentialsFile string
	Bucket          string
}

type ImgurConfig struct {
	ClientID string
}

var ErrNoFrame = errors.New("media: empty frame")

// uploader is one publish backend. Both concrete backends satisfy it;
// tests substitute failing fakes.
type uploader interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

type Pipeline struct {
	cfg Config
	log logx.Logger

	store uploader
	host  uploader
}

// New builds the pipeline. Upload backends are optional: each one is only
// constructed when its configuration is complete, and a missing backend is
// skipped during Publish.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Pipeline, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./detected"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}

	p := &Pipeline{cfg: cfg, log: log}

	if cfg.GCS.Bucket != "" && cfg.GCS.CredentialsFile != "" {
		up, err := newGCSUploader(ctx, cfg.GCS)
		if err != nil {
			// The fallback host still works without the primary store.
			log.Warn("object store disabled", logx.Err(err))
		} else {
			p.store = up
			log.Info("object store initialized", logx.String("bucket", cfg.GCS.Bucket))
		}
	}
	if cfg.Imgur.ClientID != "" {
		p.host = newImgurUploader(cfg.Imgur)
	}
	return p, nil
}

func (p *Pipeline) Close() error {
	if c, ok := p.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Persist writes the raw frame to local storage under a timestamp-derived,
// collision-resistant name. Failure here aborts the alert: there is no
// image left to send.
func (p *Pipeline) Persist(frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", ErrNoFrame
	}
	name := fmt.Sprintf("alert_%s_%s.jpg",
		time.Now().Format("20060102-150405.000000"), shortID())
	path := filepath.Join(p.cfg.Dir, name)
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return "", fmt.Errorf("media: persist frame: %w", err)
	}
	return path, nil
}

// Publish uploads the persisted frame and returns a public reference.
// Both upload failures are absorbed: the zero-provider reference signals
// text-only degradation, never an error to the caller.
func (p *Pipeline) Publish(ctx context.Context, path string) Reference {
	data, err := os.ReadFile(path)
	if err != nil {
		p.log.Error("alert image unreadable", logx.String("path", path), logx.Err(err))
		return Reference{Provider: ProviderNone}
	}

	if p.store != nil {
		url, err := p.store.Upload(ctx, data)
		if err == nil {
			p.log.Info("image uploaded", logx.String("provider", string(ProviderObjectStore)), logx.String("url", url))
			return Reference{URL: url, Provider: ProviderObjectStore}
		}
		p.log.Warn("object store upload failed; falling back", logx.Err(err))
	}

	if p.host != nil {
		url, err := p.host.Upload(ctx, data)
		if err == nil {
			p.log.Info("image uploaded", logx.String("provider", string(ProviderImageHost)), logx.String("url", url))
			return Reference{URL: url, Provider: ProviderImageHost}
		}
		p.log.Warn("image host upload failed", logx.Err(err))
	}

	return Reference{Provider: ProviderNone}
}

func shortID() string {
	return uuid.NewString()[:8]
}
