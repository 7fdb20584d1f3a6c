package queue

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// nameLayout sorts lexicographically in chronological order.
const nameLayout = "20060102_150405.000000"

const suffixLen = 8

// NewName returns a collision-free artifact name for an item captured at t, e.g.
// 20240621_121500.000123_9f86d081.jpg. The timestamp is written in UTC.
func NewName(t time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return fmt.Sprintf("%s_%s.%s", t.UTC().Format(nameLayout), suffix, ext)
}

// parseName recovers the capture time encoded in an artifact name.
func parseName(name string) (time.Time, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndexByte(stem, '_')
	if i < 0 || len(stem)-i-1 != suffixLen || !isHex(stem[i+1:]) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(nameLayout, stem[:i], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
