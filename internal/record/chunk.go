package record

import (
	"fmt"

	"github.com/alfredjeanlab/gridbase/internal/model"
)

// DefaultChunkSize is the number of records written per transaction.
const DefaultChunkSize = 1000

// ChunkError reports a bulk operation that failed part way. Chunks before
// Index were committed and stay committed; chunks after it were never
// attempted.
type ChunkError struct {
	Index int
	// Committed holds the records of the committed chunks. For deletes only
	// the ids are set.
	Committed []*model.Record
	Err       error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d committed records: %v", e.Index, len(e.Committed), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// chunks splits n items into [start, end) ranges of at most size items.
func chunks(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// chunkOp derives the operation context of one chunk. Single-chunk
// operations keep the caller's id.
func chunkOp(op model.OperationContext, index, total int) model.OperationContext {
	op = op.EnsureID()
	if total > 1 {
		op.OperationID = fmt.Sprintf("%s-%d", op.OperationID, index)
	}
	return op
}
