package multipart

import (
	"fmt"
)

// planParts splits a payload of known total size into part sizes. The
// returned slice is ordered; its length never exceeds MaxPartCount and every
// part except possibly the last meets the minimum part size. When the
// requested part size would leave a trailing fragment below the minimum, the
// parts are rebalanced to near-equal sizes instead.
func planParts(totalSize, partSize int64) ([]int64, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("multipart: negative payload size %d", totalSize)
	}
	if totalSize == 0 {
		return []int64{0}, nil
	}

	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	if partSize > MaxPartSize {
		partSize = MaxPartSize
	}

	count := ceilDiv(totalSize, partSize)
	if count > MaxPartCount {
		partSize = ceilDiv(totalSize, MaxPartCount)
		if partSize > MaxPartSize {
			return nil, fmt.Errorf("multipart: payload of %d bytes exceeds the %d x %d byte upload limit",
				totalSize, MaxPartCount, int64(MaxPartSize))
		}
		count = ceilDiv(totalSize, partSize)
	}

	last := totalSize - (count-1)*partSize
	if count > 1 && last < MinPartSize {
		// Shrink the part count first if equal-sized parts would still fall
		// below the minimum.
		if totalSize/count < MinPartSize {
			count = totalSize / MinPartSize
		}
		if count <= 1 {
			return []int64{totalSize}, nil
		}
		return equalizeParts(totalSize, count), nil
	}

	sizes := make([]int64, count)
	for i := range sizes {
		sizes[i] = partSize
	}
	sizes[count-1] = last
	return sizes, nil
}

// equalizeParts spreads the payload across the same number of parts with
// sizes differing by at most one byte, avoiding an undersized final part.
func equalizeParts(totalSize, count int64) []int64 {
	base := totalSize / count
	extra := totalSize % count

	sizes := make([]int64, count)
	for i := range sizes {
		sizes[i] = base
		if int64(i) < extra {
			sizes[i]++
		}
	}
	return sizes
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
