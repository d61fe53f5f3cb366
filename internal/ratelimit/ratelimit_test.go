package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_EnforcesLimit(t *testing.T) {
	l := New(time.Minute, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("login:alice@example.com"), "hit %d should be allowed", i+1)
	}
	assert.False(t, l.Allow("login:alice@example.com"))
	assert.False(t, l.Allow("login:alice@example.com"))
}

func TestAllow_WindowSlides(t *testing.T) {
	l := New(30*time.Millisecond, 1)

	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, l.Allow("k"), "budget should recover once the window passes")
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(time.Minute, 1)

	assert.True(t, l.Allow("login:alice@example.com"))
	assert.False(t, l.Allow("login:alice@example.com"))
	assert.True(t, l.Allow("login:bob@example.com"))
	assert.True(t, l.Allow("login-ip:10.0.0.1"))
}

func TestReset(t *testing.T) {
	l := New(time.Minute, 1)

	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	l.Reset("k")
	assert.True(t, l.Allow("k"))
}

func TestRejectedHitsDoNotExtendTheWindow(t *testing.T) {
	l := New(40*time.Millisecond, 1)

	assert.True(t, l.Allow("k"))
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow("k"))
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Allow("k"), "rejected attempts must not keep the key throttled")
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "login:alice@example.com", LoginKey("Alice@Example.com"))
	assert.Equal(t, "login-ip:10.0.0.1", LoginIPKey("10.0.0.1"))
	assert.Equal(t, "resend:bob@example.com", ResendKey("BOB@example.com"))
	assert.Equal(t, "reset:carol@example.com", ResetKey("carol@example.com"))
}
