package snapshot

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidID is returned when a directory name is not a snapshot id.
	ErrInvalidID = errors.New("invalid snapshot id")
)

// ID identifies a snapshot by the log entry it is bound to and the positions
// it covers. Its string form names the snapshot directory:
//
//	<index>-<term>-<processedPosition>-<exportedPosition>
type ID struct {
	Index             uint64
	Term              uint64
	ProcessedPosition int64
	ExportedPosition  int64
}

func (id ID) String() string {
	return fmt.Sprintf("%d-%d-%d-%d", id.Index, id.Term, id.ProcessedPosition, id.ExportedPosition)
}

// Compare orders ids by index, then term, then processed and exported position.
func (id ID) Compare(other ID) int {
	if c := cmp.Compare(id.Index, other.Index); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Term, other.Term); c != 0 {
		return c
	}
	if c := cmp.Compare(id.ProcessedPosition, other.ProcessedPosition); c != 0 {
		return c
	}
	return cmp.Compare(id.ExportedPosition, other.ExportedPosition)
}

// ParseID parses the string form of an id. Positions are never negative.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}

	index, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: index: %v", ErrInvalidID, err)
	}
	term, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: term: %v", ErrInvalidID, err)
	}
	processed, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: processed position: %v", ErrInvalidID, err)
	}
	exported, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: exported position: %v", ErrInvalidID, err)
	}

	return ID{
		Index:             index,
		Term:              term,
		ProcessedPosition: processed,
		ExportedPosition:  exported,
	}, nil
}
