package models

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLicenseKey(t *testing.T) {
	format := regexp.MustCompile(`^[A-Z0-9]{8}-[A-Z0-9]{8}-[A-Z0-9]{8}$`)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := GenerateLicenseKey()
		assert.Regexp(t, format, key)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func TestHashHwid(t *testing.T) {
	h := HashHwid("machine-1")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashHwid("machine-1"))
	assert.NotEqual(t, h, HashHwid("machine-2"))
}

func TestLicense_Expired(t *testing.T) {
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&License{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&License{ExpiresAt: &future}).Expired(now))
	assert.False(t, (&License{}).Expired(now), "lifetime license never expires")
}
