package replication

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/unijord/partition/pkg/snapshot"
)

type snapshotFile struct {
	name string
	size int64
}

func chunkCount(size int64, chunkSize int) uint32 {
	if size == 0 {
		return 1
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// ForEachChunk splits every file of p into chunks of at most chunkSize
// bytes. Files are mapped read-only; chunk data is only valid during fn.
func ForEachChunk(p *snapshot.Persisted, transferID string, chunkSize int, fn func(Chunk) error) error {
	names, err := p.Files()
	if err != nil {
		return fmt.Errorf("list snapshot files: %w", err)
	}

	files := make([]snapshotFile, 0, len(names))
	var total uint32
	for _, name := range names {
		info, err := os.Stat(filepath.Join(p.Path(), name))
		if err != nil {
			return err
		}
		files = append(files, snapshotFile{name: name, size: info.Size()})
		total += chunkCount(info.Size(), chunkSize)
	}

	base := Chunk{
		SnapshotID:       p.ID().String(),
		TransferID:       transferID,
		TotalCount:       total,
		SnapshotChecksum: p.Checksum(),
	}

	var seq uint32
	for _, file := range files {
		err := chunkFile(filepath.Join(p.Path(), file.name), file.size, chunkSize, func(offset uint64, data []byte) error {
			c := base
			c.FileName = file.name
			c.Sequence = seq
			c.FileOffset = offset
			c.Data = data
			seq++
			return fn(c)
		})
		if err != nil {
			return fmt.Errorf("chunk %s: %w", file.name, err)
		}
	}
	return nil
}

func chunkFile(path string, size int64, chunkSize int, fn func(offset uint64, data []byte) error) error {
	if size == 0 {
		return fn(0, nil)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	defer m.Unmap()

	for offset := 0; offset < len(m); offset += chunkSize {
		end := min(offset+chunkSize, len(m))
		if err := fn(uint64(offset), m[offset:end]); err != nil {
			return err
		}
	}
	return nil
}
