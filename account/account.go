// Package account keeps the grid accounts used by transfers. Secrets are
// sealed at rest with a key derived from a pass phrase that must be
// validated once before any account can be read or written.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

var (
	// ErrAccountNotFound is returned when no account matches an id or name.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPassPhraseInvalid is returned when a pass phrase does not match the key store.
	ErrPassPhraseInvalid = errors.New("pass phrase invalid")

	// ErrPassPhraseRequired is returned when the key store has not been unlocked.
	ErrPassPhraseRequired = errors.New("pass phrase required")
)

var (
	accountsBucket = []byte("accounts")
	keystoreBucket = []byte("keystore")
	verifierKey    = []byte("verifier")
)

// Kind selects the storage backend behind an account.
type Kind string

const (
	KindS3    Kind = "s3"
	KindMinio Kind = "minio"
	KindLocal Kind = "local"
)

// Account describes how to reach a grid. Secret is only populated on
// accounts returned by Get.
type Account struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Kind            Kind      `json:"kind"`
	Endpoint        string    `json:"endpoint,omitempty"`
	Region          string    `json:"region,omitempty"`
	AccessKey       string    `json:"access_key,omitempty"`
	Secret          string    `json:"-"`
	Zone            string    `json:"zone,omitempty"`
	DefaultResource string    `json:"default_resource,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (a *Account) String() string {
	return fmt.Sprintf("%s (%s %s)", a.Name, a.Kind, a.Endpoint)
}

type record struct {
	Account
	Sealed []byte `json:"sealed,omitempty"`
}

// Service is the bbolt-backed account store.
type Service struct {
	db     *bbolt.DB
	sealer sealer
	log    logrus.FieldLogger

	mu         sync.RWMutex
	passPhrase string
}

// Option configures a Service.
type Option func(*Service)

// WithScryptCost overrides the scrypt cost parameter. Tests use a low value.
func WithScryptCost(n int) Option {
	return func(s *Service) {
		s.sealer.n = n
	}
}

// WithLogger sets the logger used by the service.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// NewService creates the account buckets in db if needed.
func NewService(db *bbolt.DB, opts ...Option) (*Service, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Service{
		db:     db,
		sealer: sealer{n: DefaultScryptN},
		log:    discard,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, keystoreBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account buckets: %w", err)
	}
	return s, nil
}

// ValidatePassPhrase checks passPhrase against the key store. The first pass
// phrase ever validated becomes the stored one. On success it is cached for
// sealing and opening secrets.
func (s *Service) ValidatePassPhrase(passPhrase string) error {
	if passPhrase == "" {
		return ErrPassPhraseRequired
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(keystoreBucket)
		data := b.Get(verifierKey)
		if data == nil {
			s.log.Info("no pass phrase stored, storing the given one")
			return s.putVerifier(b, passPhrase)
		}

		var v verifier
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to unmarshal key store: %w", err)
		}
		ok, err := v.matches(passPhrase)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPassPhraseInvalid
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.passPhrase = passPhrase
	s.mu.Unlock()
	return nil
}

func (s *Service) putVerifier(b *bbolt.Bucket, passPhrase string) error {
	v, err := s.sealer.newVerifier(passPhrase)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(verifierKey, data)
}

// CachedPassPhrase returns the validated pass phrase, or "" if none.
func (s *Service) CachedPassPhrase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.passPhrase
}

func (s *Service) unlocked() (string, error) {
	pp := s.CachedPassPhrase()
	if pp == "" {
		return "", ErrPassPhraseRequired
	}
	return pp, nil
}

// StorePassPhrase replaces the pass phrase, re-sealing every stored secret.
// The current pass phrase must already be validated.
func (s *Service) StorePassPhrase(newPassPhrase string) error {
	if newPassPhrase == "" {
		return ErrPassPhraseRequired
	}
	old, err := s.unlocked()
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		resealed := map[string][]byte{}
		err := b.ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if len(r.Sealed) > 0 {
				plain, err := s.sealer.open(r.Sealed, old)
				if err != nil {
					return fmt.Errorf("failed to open secret of %s: %w", r.Name, err)
				}
				if r.Sealed, err = s.sealer.seal(plain, newPassPhrase); err != nil {
					return err
				}
			}
			data, err := json.Marshal(&r)
			if err != nil {
				return err
			}
			resealed[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}
		for k, data := range resealed {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return s.putVerifier(tx.Bucket(keystoreBucket), newPassPhrase)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.passPhrase = newPassPhrase
	s.mu.Unlock()
	s.log.Info("pass phrase replaced")
	return nil
}

func findRecord(b *bbolt.Bucket, idOrName string) (*record, error) {
	if data := b.Get([]byte(idOrName)); data != nil {
		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account: %w", err)
		}
		return &r, nil
	}

	var found *record
	err := b.ForEach(func(_, v []byte) error {
		var r record
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		if r.Name == idOrName {
			found = &r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrAccountNotFound
	}
	return found, nil
}

// AddOrUpdate stores a. An account with the same name is updated in place,
// keeping its id. The returned account carries the assigned id.
func (s *Service) AddOrUpdate(a Account) (*Account, error) {
	if a.Name == "" {
		return nil, errors.New("account name is empty")
	}
	switch a.Kind {
	case KindS3, KindMinio, KindLocal:
	default:
		return nil, fmt.Errorf("unknown account kind %q", a.Kind)
	}
	pp, err := s.unlocked()
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		now := time.Now()

		existing, err := findRecord(b, a.Name)
		switch {
		case err == nil:
			a.ID = existing.ID
			a.CreatedAt = existing.CreatedAt
		case errors.Is(err, ErrAccountNotFound):
			a.ID = uuid.New().String()
			a.CreatedAt = now
		default:
			return err
		}
		a.UpdatedAt = now

		r := record{Account: a}
		if a.Secret != "" {
			if r.Sealed, err = s.sealer.seal([]byte(a.Secret), pp); err != nil {
				return err
			}
		}
		data, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return b.Put([]byte(a.ID), data)
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("account", a.Name).Info("account stored")
	return &a, nil
}

// Get returns the account with the given id or name, secret included.
func (s *Service) Get(idOrName string) (*Account, error) {
	pp, err := s.unlocked()
	if err != nil {
		return nil, err
	}

	var r *record
	err = s.db.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = findRecord(tx.Bucket(accountsBucket), idOrName)
		return err
	})
	if err != nil {
		return nil, err
	}

	a := r.Account
	if len(r.Sealed) > 0 {
		plain, err := s.sealer.open(r.Sealed, pp)
		if err != nil {
			return nil, fmt.Errorf("failed to open secret of %s: %w", a.Name, err)
		}
		a.Secret = string(plain)
	}
	return &a, nil
}

// Exists reports whether an account with the given id or name is stored.
func (s *Service) Exists(idOrName string) (bool, error) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, err := findRecord(tx.Bucket(accountsBucket), idOrName)
		return err
	})
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns every account, ordered by name, without secrets.
func (s *Service) List() ([]*Account, error) {
	var out []*Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(_, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal account: %w", err)
			}
			a := r.Account
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes the account with the given id or name.
func (s *Service) Remove(idOrName string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(accountsBucket)
		r, err := findRecord(b, idOrName)
		if err != nil {
			return err
		}
		return b.Delete([]byte(r.ID))
	})
}
