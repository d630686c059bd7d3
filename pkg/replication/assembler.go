package replication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/unijord/partition/pkg/snapshot"
)

// ErrSkipped is returned by Add for chunks of a snapshot that is not newer
// than the latest one in the store.
var ErrSkipped = errors.New("snapshot transfer skipped")

// Assembler writes the chunks of one transfer, in sequence order, into a
// received transient snapshot.
type Assembler struct {
	store     *snapshot.Store
	transient *snapshot.Transient
	next      uint32
	total     uint32
	files     map[string]*os.File
}

// NewAssembler creates an assembler writing into store.
func NewAssembler(store *snapshot.Store) *Assembler {
	return &Assembler{store: store, files: make(map[string]*os.File)}
}

// Add writes c. It returns the persisted snapshot once the last chunk was
// written. On error other than ErrSkipped the transfer is aborted.
func (a *Assembler) Add(c Chunk) (*snapshot.Persisted, error) {
	if a.transient == nil {
		if err := a.begin(c); err != nil {
			return nil, err
		}
	}

	if err := a.write(c); err != nil {
		a.Abort()
		return nil, err
	}
	if a.next < a.total {
		return nil, nil
	}

	if err := a.closeFiles(); err != nil {
		a.Abort()
		return nil, fmt.Errorf("close received files: %w", err)
	}
	persisted, err := a.transient.Persist()
	a.transient = nil
	if err != nil {
		return nil, fmt.Errorf("persist received snapshot: %w", err)
	}
	return persisted, nil
}

func (a *Assembler) begin(c Chunk) error {
	if c.Sequence != 0 {
		return fmt.Errorf("%w: transfer starts at chunk %d", ErrInvalidChunk, c.Sequence)
	}
	id, err := snapshot.ParseID(c.SnapshotID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChunk, err)
	}

	transient, err := a.store.NewReceived(id, c.SnapshotChecksum)
	if errors.Is(err, snapshot.ErrSnapshotExists) {
		return fmt.Errorf("%w: %w", ErrSkipped, err)
	}
	if err != nil {
		return err
	}
	a.transient = transient
	a.total = c.TotalCount
	return nil
}

func (a *Assembler) write(c Chunk) error {
	if c.Sequence != a.next {
		return fmt.Errorf("expected chunk %d, got %d", a.next, c.Sequence)
	}
	if c.TotalCount != a.total {
		return fmt.Errorf("chunk count changed from %d to %d", a.total, c.TotalCount)
	}

	f, err := a.file(c.FileName)
	if err != nil {
		return err
	}
	if len(c.Data) > 0 {
		if _, err := f.WriteAt(c.Data, int64(c.FileOffset)); err != nil {
			return fmt.Errorf("write %s: %w", c.FileName, err)
		}
	}
	a.next++
	return nil
}

func (a *Assembler) file(name string) (*os.File, error) {
	if f, ok := a.files[name]; ok {
		return f, nil
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: file name %q", ErrInvalidChunk, name)
	}
	f, err := os.OpenFile(filepath.Join(a.transient.Path(), name), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	a.files[name] = f
	return f, nil
}

func (a *Assembler) closeFiles() error {
	var errs []error
	for name, f := range a.files {
		errs = append(errs, f.Close())
		delete(a.files, name)
	}
	return errors.Join(errs...)
}

// Abort discards the transfer.
func (a *Assembler) Abort() {
	_ = a.closeFiles()
	if a.transient != nil {
		_ = a.transient.Abort()
		a.transient = nil
	}
}
