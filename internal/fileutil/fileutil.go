// Package fileutil holds the file transfer primitives used to stage task
// data in and out of execution sandboxes.
package fileutil

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyFile streams src to dst, keeping the source permission bits so staged
// executables stay runnable. Parent directories of dst are created.
func CopyFile(src, dst string) error {
	_, err := copyFile(src, dst, false)
	return err
}

// CopyFileVerified is CopyFile plus a size and SHA-256 comparison of what was
// read against what was written. dst is removed on mismatch.
func CopyFileVerified(src, dst string) error {
	_, err := copyFile(src, dst, true)
	return err
}

func copyFile(src, dst string, verify bool) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("copy %s: is a directory", src)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var reader io.Reader = in
	var writer io.Writer = out
	read, wrote := sha256.New(), sha256.New()
	if verify {
		reader = io.TeeReader(in, read)
		writer = io.MultiWriter(out, wrote)
	}
	n, err := io.Copy(writer, reader)
	if err != nil {
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	if !verify {
		return n, nil
	}
	switch {
	case n != info.Size():
		_ = os.Remove(dst)
		return n, fmt.Errorf("copy %s: wrote %d of %d bytes", src, n, info.Size())
	case !bytes.Equal(read.Sum(nil), wrote.Sum(nil)):
		_ = os.Remove(dst)
		return n, fmt.Errorf("copy %s: checksum mismatch", src)
	}
	return n, nil
}

// CopyTree copies src to dst. Directories are copied recursively; symlinks
// inside the tree are recreated rather than followed. When verify is set
// every regular file goes through CopyFileVerified. It returns the number of
// regular files written.
func CopyTree(src, dst string, verify bool) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	copyOne := CopyFile
	if verify {
		copyOne = CopyFileVerified
	}
	if !info.IsDir() {
		return 1, copyOne(src, dst)
	}

	count := 0
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		default:
			count++
			return copyOne(path, target)
		}
	})
	return count, err
}

// Link creates a symlink at dst pointing to the absolute form of src,
// replacing an existing link.
func Link(src, dst string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if existing, err := os.Lstat(dst); err == nil && existing.Mode()&fs.ModeSymlink != 0 {
		_ = os.Remove(dst)
	}
	return os.Symlink(abs, dst)
}
