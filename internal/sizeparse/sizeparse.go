// Package sizeparse converts human-readable size strings like "500M" or
// "1G" into byte counts. Only binary multipliers are accepted, matching
// what the partitioning tools expect.
package sizeparse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

type InvalidSizeFormatError struct {
	Input string
}

func (e *InvalidSizeFormatError) Error() string {
	return fmt.Sprintf("invalid size format %q (expected digits with an optional K, M, G or T suffix)", e.Input)
}

var sizeRe = regexp.MustCompile(`^([0-9]+)([KMGT])?$`)

var multipliers = map[string]uint64{
	"":  1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
}

// Parse converts a size string to a byte count. The accepted grammar is
// strict: one or more digits followed by at most one of the uppercase
// suffixes K, M, G, T (binary multipliers, no suffix means bytes).
func Parse(s string) (uint64, error) {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, &InvalidSizeFormatError{Input: s}
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		// only reachable via overflow, the regexp guarantees digits
		return 0, &InvalidSizeFormatError{Input: s}
	}
	mult := multipliers[m[2]]
	if mult > 1 && n > math.MaxUint64/mult {
		return 0, &InvalidSizeFormatError{Input: s}
	}
	return n * mult, nil
}

// CeilMiB returns the number of whole MiB covering n bytes.
func CeilMiB(n uint64) uint64 {
	return (n + (1 << 20) - 1) >> 20
}
