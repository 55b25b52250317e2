package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "picopass/internal/errors"
	"picopass/internal/vault"
)

func TestBroadcasterLatestWins(t *testing.T) {
	b := NewBroadcaster(quiet)
	b.Publish(Snapshot{Version: 1})

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()
	assert.Equal(t, uint64(1), (<-ch).Version, "new subscribers start from the latest snapshot")

	for v := uint64(2); v <= 5; v++ {
		b.Publish(Snapshot{Version: v})
	}
	assert.Equal(t, uint64(5), (<-ch).Version, "a slow reader skips to the newest version")

	select {
	case s := <-ch:
		t.Fatalf("unexpected snapshot %d", s.Version)
	default:
	}

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(5), latest.Version)
}

func TestBroadcasterUnsubscribeAndClose(t *testing.T) {
	b := NewBroadcaster(quiet)
	_, ok := b.Latest()
	assert.False(t, ok)

	first, unsubscribe := b.Subscribe()
	second, _ := b.Subscribe()

	unsubscribe()
	unsubscribe()
	_, open := <-first
	assert.False(t, open)

	b.Close()
	_, open = <-second
	assert.False(t, open)

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")

	b.Publish(Snapshot{Version: 9})
}

func TestSnapshotHidesEntriesWhileLocked(t *testing.T) {
	m := unlocked(t)
	s := snapshotOf(m, 3, epoch)
	require.Len(t, s.Entries, 1)
	assert.Equal(t, "Device: PicoPass Hardware (Registered)", s.DeviceStatus)

	m.Entries[0].Service = "changed"
	assert.Equal(t, "github.com", s.Entries[0].Service, "snapshots share no memory with the model")

	m.State = AwaitingUnlock
	s = snapshotOf(m, 4, epoch)
	assert.Empty(t, s.Entries)
	assert.NotNil(t, s.Entries, "entries render as an empty list")
}

func TestSnapshotErrors(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	m.LastErr = &apperrors.LockoutError{RetryAfterSeconds: 12}
	m.LockedUntil = epoch.Add(12 * time.Second)
	m.LicenseErr = errors.Join(errors.New("dial tcp: refused"), apperrors.ErrAuthorityUnreachable)

	s := snapshotOf(m, 1, epoch)
	require.NotNil(t, s.LastError)
	assert.Equal(t, "policy", s.LastError.Kind)
	assert.Equal(t, 12, s.LastError.RetryAfterSeconds)
	require.NotNil(t, s.LicenseError)
	assert.Equal(t, "transient", s.LicenseError.Kind)
	require.NotNil(t, s.LockedUntil)

	s = snapshotOf(m, 2, epoch.Add(time.Minute))
	assert.Nil(t, s.LockedUntil, "an expired lockout is not shown")
}

func TestSameViewIgnoresBookkeeping(t *testing.T) {
	m := awaitingUnlock(t, Policy{})
	a := snapshotOf(m, 1, epoch)

	d := m.Device.Clone()
	d.LastSeen = epoch.Add(time.Second)
	m.Device = &d
	b := snapshotOf(m, 2, epoch.Add(time.Second))
	assert.True(t, sameView(a, b))

	m.State = Fatal
	c := snapshotOf(m, 3, epoch)
	assert.False(t, sameView(a, c))
}

func TestSnapshotJSON(t *testing.T) {
	m := unlocked(t)
	m.Entries = []vault.PasswordEntry{{ID: "01J0000000000000000000000A", Service: "github.com", Username: "octocat"}}

	raw, err := json.Marshal(snapshotOf(m, 7, epoch))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "unlocked", doc["state"])
	assert.Equal(t, float64(7), doc["version"])
	assert.Contains(t, doc, "device")
	assert.Contains(t, doc, "license")
	assert.NotContains(t, string(raw), "secret")
}
