package scanner

import "fmt"

// Range represents an inclusive block range.
type Range struct {
	Start uint64
	End   uint64
}

// String returns the range in "start-end" format.
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size returns the number of blocks in the range.
func (r Range) Size() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Split splits the range into chunks of at most maxSize blocks.
// maxSize 0 leaves the range whole.
func (r Range) Split(maxSize uint64) []Range {
	if r.Size() == 0 {
		return nil
	}
	if maxSize == 0 || r.Size() <= maxSize {
		return []Range{r}
	}

	var chunks []Range
	current := r.Start

	for current <= r.End {
		chunkEnd := min(current+maxSize-1, r.End)
		chunks = append(chunks, Range{Start: current, End: chunkEnd})
		if chunkEnd == r.End {
			break
		}
		current = chunkEnd + 1
	}

	return chunks
}

// ParseRange parses a "start-end" string into a Range.
func ParseRange(s string) (Range, error) {
	var start, end uint64
	_, err := fmt.Sscanf(s, "%d-%d", &start, &end)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range format: %s", s)
	}
	if start > end {
		return Range{}, fmt.Errorf("start > end: %d > %d", start, end)
	}
	return Range{Start: start, End: end}, nil
}
