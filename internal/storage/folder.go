package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/catalyst-network/catalyst/internal/fs"
)

const contentFilePerm = 0640

// FolderStorage keeps each content file in a folder, named after its hash.
type FolderStorage struct {
	root string
}

// NewFolderStorage creates the root folder if needed.
func NewFolderStorage(root string) (*FolderStorage, error) {
	if err := fs.CreateSecureFolder(root); err != nil {
		return nil, fmt.Errorf("creating storage folder: %w", err)
	}
	return &FolderStorage{root: root}, nil
}

func (f *FolderStorage) path(hash string) (string, error) {
	if hash == "" || strings.ContainsAny(hash, `/\`) || hash == "." || hash == ".." {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	return filepath.Join(f.root, hash), nil
}

func (f *FolderStorage) Store(ctx context.Context, hash string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(hash)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomically(p, content, contentFilePerm)
}

func (f *FolderStorage) Retrieve(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FolderStorage) Delete(ctx context.Context, hashes []string) error {
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := f.path(h)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (f *FolderStorage) Exist(ctx context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := f.path(h)
		if err != nil {
			out[h] = false
			continue
		}
		exists, err := fs.Exists(p)
		if err != nil {
			return nil, err
		}
		out[h] = exists
	}
	return out, nil
}
