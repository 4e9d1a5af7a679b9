// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with model and shader files.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ReplaceTilde replaces a leading "~" or "~user" in p by the corresponding home directory.
// Paths not starting with "~" are returned unchanged.
func ReplaceTilde(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	userName, rest, _ := strings.Cut(p[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to find the home directory for %q", p)
	}
	return path.Join(usr.HomeDir, rest), nil
}

// WriteFiles writes each file of contents, keyed by file name, into dir, creating dir if needed.
func WriteFiles(dir string, contents map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating directory %q", dir)
	}
	for name, content := range contents {
		if err := os.WriteFile(path.Join(dir, name), []byte(content), 0o644); err != nil {
			return errors.Wrapf(err, "writing %q", name)
		}
	}
	return nil
}
