package coldstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/tierstore/internal/errors"
)

const tempPrefix = ".tmp-"

// FSStore keeps each object as a file in a single directory. Writes go to a
// temporary file, are fsynced, then hard-linked into place, which fails if
// the name already exists.
type FSStore struct {
	root   string
	logger *zap.Logger
}

// NewFSStore creates the root directory if needed
func NewFSStore(root string, logger *zap.Logger) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FSStore{root: root, logger: logger}, nil
}

func (s *FSStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, tempPrefix) {
		return "", errors.InvalidArgument(fmt.Sprintf("invalid object name %q", name), nil)
	}
	return filepath.Join(s.root, name), nil
}

func (s *FSStore) PutOnce(ctx context.Context, name string, data []byte) error {
	final, err := s.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, tempPrefix+"*")
	if err != nil {
		return errors.Unavailable("failed to create temp object", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Unavailable("failed to write temp object", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Unavailable("failed to sync temp object", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Unavailable("failed to close temp object", err)
	}

	if err := os.Link(tmpName, final); err != nil {
		if stderrors.Is(err, fs.ErrExist) {
			return errors.ObjectExists(name)
		}
		return errors.Unavailable("failed to publish object", err)
	}

	if err := s.syncDir(); err != nil {
		// The link is in place; only its durability across power loss is in doubt
		s.logger.Warn("Failed to sync archive directory",
			zap.String("object", name),
			zap.Error(err))
	}
	return nil
}

func (s *FSStore) syncDir() error {
	dir, err := os.Open(s.root)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func (s *FSStore) Get(ctx context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.ObjectNotFound(name)
	}
	if err != nil {
		return nil, errors.Unavailable(fmt.Sprintf("failed to read object %s", name), err)
	}
	return data, nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Unavailable("failed to list archive directory", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return errors.Unavailable("archive directory unavailable", err)
	}
	if !info.IsDir() {
		return errors.Unavailable(fmt.Sprintf("%s is not a directory", s.root), nil)
	}
	return nil
}
