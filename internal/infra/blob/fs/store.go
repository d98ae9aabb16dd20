// Package fs implements a blob Store on a local directory. Each blob is a
// file under the root with a JSON sidecar (name + ".meta") holding its
// content type, metadata and checksum.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"exportcore/internal/blob/core"
)

const (
	defaultRoot = "./blobdata"
	metaSuffix  = ".meta"
)

// Store implements core.Store using the local filesystem.
type Store struct {
	root string
}

// New returns a store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = defaultRoot
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrap(err, "create blob root")
	}
	return &Store{root: root}, nil
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// sanitizeKey rejects keys that are empty, absolute or escape the root.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty blob key")
	}
	if strings.HasPrefix(key, "/") {
		return "", errors.Errorf("invalid absolute blob key %q", key)
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(key, "..") {
		return "", errors.Errorf("invalid blob key %q", key)
	}
	if strings.HasSuffix(clean, metaSuffix) {
		return "", errors.Errorf("blob key %q uses reserved suffix", key)
	}
	return clean, nil
}

func (s *Store) pathFor(key string) (dataPath, metaPath string, err error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(k))
	return dataPath, dataPath + metaSuffix, nil
}

type metaFile struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (m metaFile) info(key string) core.Info {
	return core.Info{
		Key:          key,
		Size:         m.Size,
		ContentType:  m.ContentType,
		ETag:         m.ETag,
		Metadata:     cloneMetadata(m.Metadata),
		LastModified: m.CreatedAt,
	}
}

// Put implements core.Store. Content is streamed to a temp file in the target
// directory and renamed into place; the sidecar is written last so a blob is
// only listed once complete.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return core.Info{}, errors.Wrap(core.ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o750); err != nil {
		return core.Info{}, errors.Wrapf(err, "create directory for %s", key)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return core.Info{}, errors.Wrapf(err, "create temp file for %s", key)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return core.Info{}, errors.Wrapf(err, "write blob %s", key)
	}
	if err := os.Link(tmp.Name(), dataPath); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return core.Info{}, errors.Wrap(core.ErrExists, key)
		}
		return core.Info{}, errors.Wrapf(err, "commit blob %s", key)
	}

	mf := metaFile{
		ContentType: opts.ContentType,
		Metadata:    cloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return core.Info{}, errors.Wrap(err, "encode blob metadata")
	}
	if err := os.WriteFile(metaPath, raw, 0o640); err != nil {
		return core.Info{}, errors.Wrapf(err, "write metadata for %s", key)
	}
	return mf.info(key), nil
}

// Get implements core.Store.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	mf, err := readMeta(metaPath, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	file, err := os.Open(dataPath) //nolint:gosec // path is sanitised
	if err != nil {
		return core.Info{}, nil, notFound(err, key)
	}
	return mf.info(key), file, nil
}

// Head implements core.Store.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	_, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	mf, err := readMeta(metaPath, key)
	if err != nil {
		return core.Info{}, err
	}
	return mf.info(key), nil
}

// Delete implements core.Store.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "delete blob %s", key)
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// List implements core.Store by walking sidecar files.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, metaSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		mf, err := readMeta(path, key)
		if err != nil {
			return err
		}
		infos = append(infos, mf.info(key))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list blobs")
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func readMeta(path, key string) (metaFile, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path is sanitised
	if err != nil {
		return metaFile{}, notFound(err, key)
	}
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return metaFile{}, errors.Wrapf(err, "decode metadata for %s", key)
	}
	return mf, nil
}

func notFound(err error, key string) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return errors.Wrap(core.ErrNotFound, key)
	}
	return errors.Wrapf(err, "read blob %s", key)
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
