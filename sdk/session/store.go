package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound       = errors.New("storage item not found")
	ErrMissingBackend = errors.New("storage key configured without a backend")
)

// CookieSlot is the host cookie jar the plain JSON user details are written to.
type CookieSlot interface {
	SetCookie(name string, value string, expires time.Time) error
	GetCookie(name string) (string, error)
	DeleteCookie(name string) error
}

// DurableStore is a string key/value store shared by every instance running
// for the same user agent, e.g. localStorage.
type DurableStore interface {
	GetItem(key string) (string, error)
	SetItem(key string, value string) error
	RemoveItem(key string) error
	Keys() ([]string, error)
}

// StorageEvent reports a mutation made by another instance. NewValue is nil
// when the key was removed.
type StorageEvent struct {
	Key      string  `json:"key"`
	NewValue *string `json:"newValue"`
}

type Watcher interface {
	Watch(fn func(StorageEvent)) (stop func(), err error)
}

type StoreOptions struct {
	Cookies    CookieSlot
	CookieKey  string
	Durable    DurableStore
	DurableKey string
	Expiration time.Duration
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// Store encodes user details into the cookie and durable slots. It holds no
// user state itself.
type Store struct {
	cookies    CookieSlot
	cookieKey  string
	durable    DurableStore
	durableKey string
	expiration time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

func NewStore(opts StoreOptions) (*Store, error) {
	if err := CheckStorageKey(opts.CookieKey); err != nil {
		return nil, fmt.Errorf("cookie key: %w", err)
	}
	if err := CheckStorageKey(opts.DurableKey); err != nil {
		return nil, fmt.Errorf("local storage key: %w", err)
	}
	if opts.CookieKey != "" && opts.Cookies == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingBackend, opts.CookieKey)
	}
	if opts.DurableKey != "" && opts.Durable == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingBackend, opts.DurableKey)
	}
	s := &Store{
		cookies:    opts.Cookies,
		cookieKey:  opts.CookieKey,
		durable:    opts.Durable,
		durableKey: opts.DurableKey,
		expiration: opts.Expiration,
		log:        logger.OrNop(opts.Logger),
		now:        opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) CookieKey() string {
	return s.cookieKey
}

func (s *Store) DurableKey() string {
	return s.durableKey
}

// Persist writes details to both slots, or clears them when details is nil.
func (s *Store) Persist(details *UserDetails) error {
	if details == nil {
		return s.Clear()
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	expiredBy := now.Add(s.expiration)
	if s.cookieKey != "" {
		if err := s.cookies.SetCookie(s.cookieKey, url.QueryEscape(string(raw)), expiredBy); err != nil {
			return fmt.Errorf("persist cookie: %w", err)
		}
	}
	if s.durableKey != "" {
		stored, err := json.Marshal(&StoredUserDetails{
			UserDetails: details,
			CreatedAt:   now.Format(http.TimeFormat),
			ExpiredBy:   expiredBy.Format(http.TimeFormat),
		})
		if err != nil {
			return err
		}
		if err := s.durable.SetItem(s.durableKey, string(stored)); err != nil {
			return fmt.Errorf("persist local storage: %w", err)
		}
	}
	return nil
}

// Clear removes the cookie and every durable entry in the reserved
// namespace, including leftovers from previous runs.
func (s *Store) Clear() error {
	var errs []error
	if s.cookieKey != "" {
		if _, err := s.cookies.GetCookie(s.cookieKey); err == nil {
			if err := s.cookies.DeleteCookie(s.cookieKey); err != nil {
				errs = append(errs, fmt.Errorf("delete cookie: %w", err))
			}
		}
	}
	if s.durableKey != "" {
		keys, err := s.durable.Keys()
		if err != nil {
			errs = append(errs, fmt.Errorf("list local storage: %w", err))
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, StoragePrefix) {
				continue
			}
			if err := s.durable.RemoveItem(key); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Restore loads the durable snapshot. Snapshots that are unreadable or past
// their expiredBy date are purged and nil is returned.
func (s *Store) Restore() (*UserDetails, error) {
	if s.durableKey == "" {
		return nil, nil
	}
	raw, err := s.durable.GetItem(s.durableKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored StoredUserDetails
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		s.log.Warn().Err(err).Str("key", s.durableKey).Msg("discarding unreadable stored user details")
		return nil, s.Clear()
	}
	expiredBy, err := http.ParseTime(stored.ExpiredBy)
	if err != nil || !expiredBy.After(s.now()) || stored.UserDetails == nil {
		s.log.Debug().Str("key", s.durableKey).Str("expiredBy", stored.ExpiredBy).Msg("stored user details expired")
		return nil, s.Clear()
	}
	return stored.UserDetails, nil
}

// Watch subscribes to mutations of the durable key made by other instances.
func (s *Store) Watch(fn func(StorageEvent)) (func(), error) {
	if s.durableKey == "" {
		return func() {}, nil
	}
	w, ok := s.durable.(Watcher)
	if !ok {
		return nil, errors.New("local storage backend does not support watching")
	}
	return w.Watch(func(e StorageEvent) {
		if e.Key != s.durableKey {
			return
		}
		fn(e)
	})
}

// ReadCookie decodes the cookie slot, mostly useful to hosts that forward
// the cookie to a server.
func (s *Store) ReadCookie() (*UserDetails, error) {
	if s.cookieKey == "" {
		return nil, nil
	}
	value, err := s.cookies.GetCookie(s.cookieKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeCookie(value)
}

func DecodeCookie(value string) (*UserDetails, error) {
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return nil, err
	}
	var details UserDetails
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil, err
	}
	return &details, nil
}
