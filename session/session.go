// Package session turns a queued transfer into an engine.Executor: it loads
// the transfer's account, connects the providers on both sides and moves
// single items between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/franksops/gridxfer/account"
	"github.com/franksops/gridxfer/engine"
	"github.com/franksops/gridxfer/provider"
	"github.com/franksops/gridxfer/store"
)

var (
	ErrTargetExists       = errors.New("target already exists")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrUnknownAccountKind = errors.New("unknown account kind")
	ErrSameResource       = errors.New("source and target resource are the same")
	ErrNoResource         = errors.New("no resource given and account has no default")
)

// AccountSource returns an account with its secret.
type AccountSource interface {
	Get(idOrName string) (*account.Account, error)
}

// remoteFunc connects to one resource of a grid account.
type remoteFunc func(ctx context.Context, a *account.Account, resource string) (provider.Provider, error)

// Factory implements engine.Session.
type Factory struct {
	accounts  AccountSource
	local     provider.Provider
	remote    remoteFunc
	buffers   *engine.BufferPool
	checksums *engine.ChecksumPool
	log       logrus.FieldLogger
}

var _ engine.Session = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithBufferSize sets the copy buffer size; <= 0 keeps the default.
func WithBufferSize(n int) Option {
	return func(f *Factory) {
		f.buffers = engine.NewBufferPool(n)
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(f *Factory) {
		f.log = log
	}
}

// WithLocal replaces the provider used for the local side of PUT, GET and
// SYNCH.
func WithLocal(p provider.Provider) Option {
	return func(f *Factory) {
		f.local = p
	}
}

func NewFactory(accounts AccountSource, opts ...Option) *Factory {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	f := &Factory{
		accounts:  accounts,
		local:     provider.NewLocalProvider(""),
		remote:    Remote,
		buffers:   engine.NewBufferPool(engine.DefaultBufferSize),
		checksums: engine.NewChecksumPool(),
		log:       discard,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Remote connects to resource on the grid described by a. The account zone
// becomes the key prefix (or sub-directory for local grids).
func Remote(ctx context.Context, a *account.Account, resource string) (provider.Provider, error) {
	if resource == "" {
		return nil, ErrNoResource
	}
	opts := provider.S3Options{
		Endpoint:  a.Endpoint,
		Region:    a.Region,
		AccessKey: a.AccessKey,
		Secret:    a.Secret,
	}
	switch a.Kind {
	case account.KindS3:
		return provider.NewS3Provider(ctx, resource, a.Zone, opts)
	case account.KindMinio:
		return provider.NewMinioProvider(resource, a.Zone, opts)
	case account.KindLocal:
		if a.Endpoint == "" {
			return nil, fmt.Errorf("local account %s has no root directory", a.Name)
		}
		return provider.NewLocalProvider(filepath.Join(a.Endpoint, resource, a.Zone)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccountKind, a.Kind)
	}
}

// Open resolves t's account and returns the executor for its kind.
func (f *Factory) Open(ctx context.Context, t *store.Transfer, opts engine.Options) (engine.Executor, error) {
	a, err := f.accounts.Get(t.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", t.AccountID, err)
	}
	resource := t.Resource
	if resource == "" {
		resource = a.DefaultResource
	}

	e := &executor{
		buffers:   f.buffers,
		checksums: f.checksums,
		force:     opts.Force,
		verify:    opts.VerifyChecksum,
		log: f.log.WithFields(logrus.Fields{
			"transfer_id": t.ID,
			"account":     a.Name,
			"resource":    resource,
		}),
	}

	switch t.Kind {
	case store.KindPut, store.KindSynch:
		e.src = f.local
		if e.dst, err = f.remote(ctx, a, resource); err != nil {
			return nil, err
		}
		e.root = path.Join(t.TargetPath, filepath.Base(t.SourcePath))
		if t.Kind == store.KindSynch {
			e.root = t.TargetPath
			e.synch = true
		}
	case store.KindGet:
		if e.src, err = f.remote(ctx, a, resource); err != nil {
			return nil, err
		}
		e.dst = f.local
		e.root = filepath.Join(t.TargetPath, path.Base(t.SourcePath))
	case store.KindCopy:
		if e.src, err = f.remote(ctx, a, a.DefaultResource); err != nil {
			return nil, err
		}
		if e.dst, err = f.remote(ctx, a, resource); err != nil {
			return nil, err
		}
		e.root = path.Join(t.TargetPath, path.Base(t.SourcePath))
	case store.KindReplicate:
		if t.Resource == "" || t.Resource == a.DefaultResource {
			return nil, fmt.Errorf("%w: %q", ErrSameResource, t.Resource)
		}
		if e.src, err = f.remote(ctx, a, a.DefaultResource); err != nil {
			return nil, err
		}
		if e.dst, err = f.remote(ctx, a, t.Resource); err != nil {
			return nil, err
		}
		e.root = t.SourcePath
	default:
		return nil, fmt.Errorf("unsupported transfer kind %q", t.Kind)
	}

	e.log.WithFields(logrus.Fields{"kind": t.Kind, "root": e.root}).Debug("session opened")
	return e, nil
}
