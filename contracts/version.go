package contracts

import (
	"strconv"
	"strings"
)

// FirstVersion is assigned to entities that have no version yet
const FirstVersion = "v1"

// NextVersion derives the version following current.
//
//	""   -> "v1"
//	"vN" -> "v(N+1)"
//
// Anything else yields a *VersionError.
func NextVersion(current string) (string, error) {
	if current == "" {
		return FirstVersion, nil
	}
	n, err := ParseVersion(current)
	if err != nil {
		return "", err
	}
	return FormatVersion(n + 1), nil
}

// ParseVersion extracts N from "vN". N must be a positive integer written
// in plain decimal digits without leading zeros.
func ParseVersion(v string) (uint64, error) {
	digits, ok := strings.CutPrefix(v, "v")
	if !ok || digits == "" || digits[0] == '0' {
		return 0, &VersionError{Version: v}
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, &VersionError{Version: v}
		}
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n == 0 || n == ^uint64(0) {
		return 0, &VersionError{Version: v}
	}
	return n, nil
}

// FormatVersion renders n as "vN"
func FormatVersion(n uint64) string {
	return "v" + strconv.FormatUint(n, 10)
}
