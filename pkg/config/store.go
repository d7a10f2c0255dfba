// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	reloadRetries  = 5
	reloadInterval = 100 * time.Millisecond
	debounce       = 100 * time.Millisecond
)

// ErrNoPolicy is returned when the policy file does not exist.
var ErrNoPolicy = errors.New("policy file not found")

// Store holds the current snapshot of one policy file.
type Store struct {
	path    string
	format  string
	logger  *slog.Logger
	now     func() time.Time
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	mu   sync.Mutex
	subs []func(*Snapshot)

	// OnReload observes the outcome of every reload after retries.
	OnReload func(err error)
}

// NewStore loads path. A missing or invalid file is an error.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:   abs,
		format: FormatOf(abs),
		logger: logger,
		now:    time.Now,
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	snap.Version = s.version.Add(1)
	s.current.Store(snap)
	s.warnKeys(snap)
	return s, nil
}

// Path returns the absolute path of the policy file.
func (s *Store) Path() string {
	return s.path
}

// Current returns the snapshot in effect. It is never nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Subscribe registers fn to run after every successful swap.
func (s *Store) Subscribe(fn func(*Snapshot)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) load() (*Snapshot, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoPolicy, s.path)
		}
		return nil, err
	}
	p, err := Parse(b, s.format)
	if err != nil {
		return nil, err
	}
	return Compile(p, 0, s.now())
}

// Reload reads the file again, retrying with exponential backoff. On failure
// the previous snapshot stays in effect.
func (s *Store) Reload(ctx context.Context) error {
	var snap *Snapshot
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reloadInterval
	// A missing file is retried too: editors replace files by rename.
	err := backoff.Retry(func() error {
		var err error
		snap, err = s.load()
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, reloadRetries), ctx))

	if s.OnReload != nil {
		s.OnReload(err)
	}
	if err != nil {
		s.logger.Error("failed to reload policy, keeping previous version",
			slog.String("path", s.path),
			slog.Uint64("version", s.Current().Version),
			slog.String("error", err.Error()))
		return err
	}

	s.swap(snap)
	s.logger.Info("policy reloaded",
		slog.String("path", s.path),
		slog.Uint64("version", snap.Version),
		slog.Int("users", len(snap.Policy.Users)),
		slog.Int("keys", len(snap.Keys)))
	return nil
}

func (s *Store) swap(snap *Snapshot) {
	snap.Version = s.version.Add(1)
	s.current.Store(snap)
	s.warnKeys(snap)
	s.mu.Lock()
	subs := append([]func(*Snapshot){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) warnKeys(snap *Snapshot) {
	for _, k := range snap.Keys {
		if err := k.Validate(); err != nil {
			s.logger.Warn("encryption key will never decrypt",
				slog.String("key", "..."+k.Hint), slog.String("error", err.Error()))
		}
	}
}

// Watch reloads the policy whenever the file is written or recreated, until
// ctx is done. The parent directory is watched so atomic replacements are seen.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	s.logger.Info("watching policy file", slog.String("path", s.path))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			_ = s.Reload(ctx)
		}
	}
}

// SaveBanlist writes ids as the banlist of the policy file, keeping the rest
// of the file, and swaps in a snapshot carrying it. The file is replaced
// atomically.
func (s *Store) SaveBanlist(ids []string) error {
	ids = append([]string{}, ids...)
	sort.Strings(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var out []byte
	if s.format == "json" {
		out, err = setJSONBanlist(b, ids)
	} else {
		out, err = setYAMLBanlist(b, ids)
	}
	if err != nil {
		return fmt.Errorf("update banlist: %w", err)
	}
	if err := writeAtomic(s.path, out); err != nil {
		return err
	}

	cur := s.Current()
	p := *cur.Policy
	p.Banlist = ids
	snap, err := Compile(&p, s.version.Add(1), s.now())
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}

func setJSONBanlist(b []byte, ids []string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	doc["banlist"] = raw
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func setYAMLBanlist(b []byte, ids []string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("policy is not a mapping")
	}
	root := doc.Content[0]

	list := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, id := range ids {
		list.Content = append(list.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: id, Style: yaml.DoubleQuotedStyle})
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "banlist" {
			root.Content[i+1] = list
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "banlist"}, list)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAtomic(path string, b []byte) error {
	mode := os.FileMode(0o600)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
