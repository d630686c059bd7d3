package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const checksumFileName = "CHECKSUM"

// Checksum hashes every regular file in dir (except the checksum file) in
// name order. File names are part of the hash.
func Checksum(dir string) (uint64, error) {
	names, err := dataFiles(dir)
	if err != nil {
		return 0, err
	}

	digest := xxhash.New()
	for _, name := range names {
		if _, err := digest.WriteString(name); err != nil {
			return 0, err
		}
		if err := hashFile(digest, filepath.Join(dir, name)); err != nil {
			return 0, err
		}
	}
	return digest.Sum64(), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	return nil
}

func dataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == checksumFileName {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

func writeChecksumFile(dir string, sum uint64) error {
	path := filepath.Join(dir, checksumFileName)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.FormatUint(sum, 16)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readChecksumFile(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, checksumFileName))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 16, 64)
}

// syncDir fsyncs every file in dir and then dir itself.
func syncDir(dir string) error {
	names, err := dataFiles(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := syncPath(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return syncPath(dir)
}

func syncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
