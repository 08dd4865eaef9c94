package fragment

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Deriver turns a line of text into a short key. The returned key must not
// already be bound to different content in existing.
type Deriver interface {
	DeriveKey(content string, existing map[string]string) string
}

// HashDeriver derives keys from the xxhash64 of the line, base-36 encoded.
// On a collision with different content it probes with an increasing salt.
type HashDeriver struct{}

// DeriveKey implements Deriver.
func (HashDeriver) DeriveKey(content string, existing map[string]string) string {
	for salt := uint64(0); ; salt++ {
		key := hashKey(content, salt)

		if line, taken := existing[key]; !taken || line == content {
			return key
		}
	}
}

func hashKey(content string, salt uint64) string {
	d := xxhash.New()
	_, _ = d.WriteString(content)

	if salt > 0 {
		_, _ = d.WriteString(strconv.FormatUint(salt, 36))
	}

	return strconv.FormatUint(d.Sum64(), 36)
}

// DeriverFunc adapts a function to Deriver.
type DeriverFunc func(content string, existing map[string]string) string

// DeriveKey implements Deriver.
func (f DeriverFunc) DeriveKey(content string, existing map[string]string) string {
	return f(content, existing)
}
