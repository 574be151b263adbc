// Package profile persists a Chrome user data directory as a tar.gz archive so
// a logged-in chat session survives container restarts.
package profile

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Chrome holds these while running; they are meaningless in an archive
var skipped = map[string]bool{
	"SingletonLock":   true,
	"SingletonSocket": true,
	"SingletonCookie": true,
}

// Store saves and restores one profile archive
type Store struct {
	archivePath string
	mu          sync.Mutex
}

// NewStore creates a store backed by archivePath
func NewStore(archivePath string) *Store {
	return &Store{archivePath: archivePath}
}

// Path returns the archive location
func (s *Store) Path() string {
	return s.archivePath
}

// Restore unpacks the archive into dir. It reports false when there is no
// archive yet, leaving dir empty for a fresh profile.
func (s *Store) Restore(dir string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create profile directory: %w", err)
	}

	file, err := os.Open(s.archivePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open profile archive: %w", err)
	}
	defer file.Close()

	if err := extract(file, dir); err != nil {
		return false, fmt.Errorf("failed to extract profile: %w", err)
	}
	log.Printf("📦 Restored profile from %s", s.archivePath)
	return true, nil
}

// Save packs dir into the archive, replacing the previous one atomically
func (s *Store) Save(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.archivePath), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp := s.archivePath + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create profile archive: %w", err)
	}

	if err := compress(dir, file); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to compress profile: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.archivePath); err != nil {
		return fmt.Errorf("failed to replace profile archive: %w", err)
	}
	log.Printf("💾 Saved profile to %s", s.archivePath)
	return nil
}

func compress(source string, w io.Writer) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	err := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if skipped[info.Name()] || !(info.IsDir() || info.Mode().IsRegular()) {
			return nil
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tarWriter, file)
		return err
	})
	if err != nil {
		return err
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func extract(r io.Reader, target string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(targetPath, filepath.Clean(target)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes profile directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		}
	}
}
