// Package memory implements an in-process blob Store.
package memory

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // ETag only
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"exportcore/internal/blob/core"
)

type blobEntry struct {
	info core.Info
	data []byte
}

// Store implements core.Store backed by process memory.
type Store struct {
	mu    sync.RWMutex
	objs  map[string]blobEntry
	nowFn func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{objs: make(map[string]blobEntry), nowFn: func() time.Time { return time.Now().UTC() }}
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Put implements core.Store.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if strings.TrimSpace(key) == "" {
		return core.Info{}, errors.New("blob key is required")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, errors.Wrapf(err, "read blob %s", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[key]; exists {
		return core.Info{}, errors.Wrap(core.ErrExists, key)
	}
	sum := md5.Sum(b) //nolint:gosec
	info := core.Info{
		Key:          key,
		Size:         int64(len(b)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		Metadata:     cloneMetadata(opts.Metadata),
		LastModified: s.nowFn(),
	}
	s.objs[key] = blobEntry{info: info, data: b}
	return cloneInfo(info), nil
}

// Get implements core.Store.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return core.Info{}, nil, errors.Wrap(core.ErrNotFound, key)
	}
	data := append([]byte(nil), obj.data...)
	return cloneInfo(obj.info), io.NopCloser(bytes.NewReader(data)), nil
}

// Head implements core.Store.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return core.Info{}, errors.Wrap(core.ErrNotFound, key)
	}
	return cloneInfo(obj.info), nil
}

// Delete implements core.Store.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[key]
	delete(s.objs, key)
	return ok, nil
}

// List implements core.Store.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Info, 0, len(s.objs))
	for k, v := range s.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloneInfo(v.info))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneInfo(in core.Info) core.Info {
	in.Metadata = cloneMetadata(in.Metadata)
	return in
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
