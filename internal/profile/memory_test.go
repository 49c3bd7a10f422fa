package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMergeIsAdditive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, "u1", Patch{PhoneVerified: Bool(true), Phone: String("+18015551234")}))
	require.NoError(t, store.Merge(ctx, "u1", Patch{DisplayName: String("Ana")}))

	snap, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	require.True(t, snap.Profile.PhoneVerified)
	require.Equal(t, "Ana", snap.Profile.DisplayName)
	require.Equal(t, "+18015551234", snap.Profile.Phone)
}

func TestMemoryStoreMissingDocument(t *testing.T) {
	store := NewMemoryStore()
	snap, err := store.Get(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, snap.Exists)
	require.Equal(t, "ghost", snap.Profile.UID)

	_, err = store.Get(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingUID)
}

func TestMemoryStoreSubscribeDeliversInitialAndChanges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var got []Snapshot
	sub, err := store.Subscribe(ctx, "u1", Listener{OnSnapshot: func(s Snapshot) { got = append(got, s) }})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].Exists)

	require.NoError(t, store.Merge(ctx, "u1", Patch{PhoneVerified: Bool(true)}))
	require.Len(t, got, 2)
	require.True(t, got[1].Profile.PhoneVerified)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, 0, store.Subscribers("u1"))

	require.NoError(t, store.Merge(ctx, "u1", Patch{SelfieVerified: Bool(true)}))
	require.Len(t, got, 2, "no delivery after unsubscribe")
}

func TestMemoryStoreUnsubscribeFromCallback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var (
		sub   Subscription
		calls int
	)
	sub, err := store.Subscribe(ctx, "u1", Listener{OnSnapshot: func(Snapshot) {
		calls++
		if sub != nil {
			sub.Unsubscribe()
		}
	}})
	require.NoError(t, err)
	require.NoError(t, store.Merge(ctx, "u1", Patch{DisplayName: String("a")}))
	require.NoError(t, store.Merge(ctx, "u1", Patch{DisplayName: String("b")}))
	require.Equal(t, 2, calls)
}
