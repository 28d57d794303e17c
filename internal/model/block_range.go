package model

import (
	"fmt"
	"strconv"
	"strings"
)

// BlockRange is an inclusive range of block numbers.
type BlockRange struct {
	Start uint64
	End   uint64
}

// ParseBlockRange parses a "start-end" range. Each side may independently be
// decimal or 0x-prefixed hexadecimal. The end block is included.
func ParseBlockRange(input string) (BlockRange, error) {
	parts := strings.SplitN(input, "-", 2)
	if len(parts) != 2 {
		return BlockRange{}, fmt.Errorf("invalid block range format: %q, expected {start}-{inclusiveEnd}", input)
	}

	start, err := parseBlockNumber(parts[0])
	if err != nil {
		return BlockRange{}, fmt.Errorf("invalid block range format: %q: %w", input, err)
	}
	end, err := parseBlockNumber(parts[1])
	if err != nil {
		return BlockRange{}, fmt.Errorf("invalid block range format: %q: %w", input, err)
	}

	if start > end {
		return BlockRange{}, fmt.Errorf("invalid block range: start may not be higher than end")
	}
	return BlockRange{Start: start, End: end}, nil
}

func parseBlockNumber(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// Blocks returns every block number in the range, in ascending order.
func (r BlockRange) Blocks() []uint64 {
	blocks := make([]uint64, 0, r.End-r.Start+1)
	for b := r.Start; b <= r.End; b++ {
		blocks = append(blocks, b)
	}
	return blocks
}

func (r BlockRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}
