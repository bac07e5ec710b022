package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNonceStoreAcceptsThenRejectsReplay(t *testing.T) {
	ns := NewNonceStore(time.Minute, 100)
	now := time.Now()

	assert.Equal(t, nonceAccepted, ns.CheckAndInsert("n1", now))
	assert.Equal(t, nonceReplay, ns.CheckAndInsert("n1", now))
}

func TestNonceStoreExpiresAfterTTL(t *testing.T) {
	ns := NewNonceStore(time.Second, 100)
	now := time.Now()

	assert.Equal(t, nonceAccepted, ns.CheckAndInsert("n1", now))
	assert.Equal(t, nonceAccepted, ns.CheckAndInsert("n1", now.Add(2*time.Second)))
}

func TestNonceStoreEvictsOldestPastMaxSize(t *testing.T) {
	ns := NewNonceStore(time.Hour, 2)
	now := time.Now()

	assert.Equal(t, nonceAccepted, ns.CheckAndInsert("n1", now))
	assert.Equal(t, nonceAccepted, ns.CheckAndInsert("n2", now))
	assert.Equal(t, nonceAccepted, ns.CheckAndInsert("n3", now))
	assert.Equal(t, 2, ns.Size())

	// n1 should have been evicted to make room, so it's accepted again.
	assert.Equal(t, nonceAccepted, ns.CheckAndInsert("n1", now))
}
