package evidence

import "fmt"

// Split divides content into ordered parts of at most partSize bytes.
// Returns nil when content fits in a single part, so callers can use the
// nil result as the "not partitioned" signal.
func Split(content []byte, partSize int) [][]byte {
	if partSize <= 0 || len(content) <= partSize {
		return nil
	}
	parts := make([][]byte, 0, (len(content)+partSize-1)/partSize)
	for off := 0; off < len(content); off += partSize {
		end := off + partSize
		if end > len(content) {
			end = len(content)
		}
		parts = append(parts, content[off:end])
	}
	return parts
}

// Join reassembles partitioned content by concatenating parts in ascending
// index order. It is the inverse of Split.
func Join(parts [][]byte) []byte {
	var size int
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// PartName returns the sibling file name carrying the given partition
// index. Indexes are zero-padded so lexical order matches numeric order.
func PartName(name string, index int) string {
	return fmt.Sprintf("%s.part%04d", name, index)
}
