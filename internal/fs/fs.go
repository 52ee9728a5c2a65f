// Package fs holds some utilities for manipulating the file system
package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeFolder returns the home folder of the current user, or the working
// directory when it has none.
func HomeFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// DirectoryPermission is applied to the folders created by the node.
const DirectoryPermission = 0740

// CreateSecureFolder creates the folder if it is missing. An existing folder
// is kept as is, even with different permissions.
func CreateSecureFolder(folder string) error {
	exists, err := Exists(folder)
	if err != nil {
		return err
	}
	if exists {
		info, err := os.Stat(folder)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a folder", folder)
		}
		return nil
	}
	return os.MkdirAll(folder, DirectoryPermission)
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

// WriteFileAtomically writes data to a temporary file next to path and
// renames it into place, so readers never see a partial file.
func WriteFileAtomically(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
