package referral_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bsk-engine/ledger"
	"github.com/warp/bsk-engine/logger"
	"github.com/warp/bsk-engine/referral"
	"github.com/warp/bsk-engine/store/sqlite"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestBuilder(t *testing.T) (*referral.Builder, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b, err := referral.NewBuilder(referral.BuilderConfig{
		Store:  store,
		Clock:  clockwork.NewFakeClockAt(t0),
		Logger: logger.NewTest(),
	})
	require.NoError(t, err)
	return b, store
}

// lockChain locks users[i] under users[i-1], top-down.
func lockChain(t *testing.T, b *referral.Builder, users ...ledger.UserID) {
	t.Helper()
	for i := 1; i < len(users); i++ {
		_, err := b.LockSponsor(context.Background(), users[i], users[i-1], t0)
		require.NoError(t, err)
	}
}

func TestLockSponsor_ChainBuildsTransitiveEdges(t *testing.T) {
	// GIVEN: A sponsors B, B sponsors C, C sponsors D
	b, store := newTestBuilder(t)
	ctx := context.Background()
	lockChain(t, b, "A", "B", "C", "D")

	// THEN: D has A at level 3, with C as its direct sponsor on every edge
	edges, err := store.Ancestors(ctx, "D", referral.MaxDepth)
	require.NoError(t, err)
	require.Len(t, edges, 3)
	assert.Equal(t, referral.Edge{UserID: "D", AncestorID: "C", Level: 1, DirectSponsorID: "C"}, edges[0])
	assert.Equal(t, referral.Edge{UserID: "D", AncestorID: "B", Level: 2, DirectSponsorID: "C"}, edges[1])
	assert.Equal(t, referral.Edge{UserID: "D", AncestorID: "A", Level: 3, DirectSponsorID: "C"}, edges[2])
}

func TestChain_UnlockedLinkContributesNoEdges(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()

	require.NoError(t, b.SetSponsor(ctx, "B", "A"))
	n, err := b.Rebuild(ctx, "B")
	require.NoError(t, err)
	assert.Zero(t, n)

	// An unlocked link in the middle stops the walk.
	_, err = b.LockSponsor(ctx, "C", "B", t0)
	require.NoError(t, err)
	edges, err := store.Ancestors(ctx, "C", referral.MaxDepth)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, ledger.UserID("B"), edges[0].AncestorID)
}

func TestChain_CappedAtMaxDepth(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()

	users := make([]ledger.UserID, 60)
	for i := range users {
		users[i] = ledger.UserID(fmt.Sprintf("u%02d", i))
	}
	lockChain(t, b, users...)

	edges, err := store.Ancestors(ctx, users[59], 100)
	require.NoError(t, err)
	require.Len(t, edges, referral.MaxDepth)
	assert.Equal(t, users[58], edges[0].AncestorID)
	assert.Equal(t, users[9], edges[49].AncestorID)
	assert.Equal(t, 50, edges[49].Level)
}

func TestLockSponsor_Rejections(t *testing.T) {
	b, _ := newTestBuilder(t)
	ctx := context.Background()
	lockChain(t, b, "A", "B", "C")

	_, err := b.LockSponsor(ctx, "A", "A", t0)
	assert.ErrorIs(t, err, referral.ErrSelfSponsor)

	_, err = b.LockSponsor(ctx, "A", "C", t0)
	assert.ErrorIs(t, err, referral.ErrSponsorCycle, "C is below A")

	_, err = b.LockSponsor(ctx, "C", "A", t0)
	assert.ErrorIs(t, err, referral.ErrSponsorLocked)

	_, err = b.LockSponsor(ctx, "X", "", t0)
	assert.ErrorIs(t, err, referral.ErrSponsorMissing)

	err = b.SetSponsor(ctx, "C", "A")
	assert.ErrorIs(t, err, referral.ErrSponsorLocked)
}

func TestLockSponsor_SameSponsorIsNoop(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	lockChain(t, b, "A", "B")

	res, err := b.LockSponsor(ctx, "B", "A", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.AlreadySet)
	assert.Equal(t, 1, res.Edges)

	link, ok, err := store.SponsorLink(ctx, "B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, link.LockedAt.Equal(t0), "lock time is not moved")
}

func TestLockSponsor_RebuildsDescendantsLockedEarlier(t *testing.T) {
	// GIVEN: D locked under C and C under B before B joined A's tree
	b, store := newTestBuilder(t)
	ctx := context.Background()
	lockChain(t, b, "B", "C", "D")

	edges, err := store.Ancestors(ctx, "D", referral.MaxDepth)
	require.NoError(t, err)
	require.Len(t, edges, 2)

	// WHEN: B locks under A
	res, err := b.LockSponsor(ctx, "B", "A", t0)
	require.NoError(t, err)

	// THEN: C and D now reach A
	assert.ElementsMatch(t, []ledger.UserID{"C", "D"}, res.Descendants.Rebuilt)
	edges, err = store.Ancestors(ctx, "D", referral.MaxDepth)
	require.NoError(t, err)
	require.Len(t, edges, 3)
	assert.Equal(t, ledger.UserID("A"), edges[2].AncestorID)
	assert.Equal(t, ledger.UserID("C"), edges[2].DirectSponsorID)
}

func TestRebuild_OnlyTouchesOneUser(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	lockChain(t, b, "A", "B", "C")

	require.NoError(t, store.DeleteEdge(ctx, "C", 2))
	require.NoError(t, store.DeleteEdge(ctx, "B", 1))

	_, err := b.Rebuild(ctx, "C")
	require.NoError(t, err)

	edges, err := store.Ancestors(ctx, "C", referral.MaxDepth)
	require.NoError(t, err)
	assert.Len(t, edges, 2)
	edges, err = store.Ancestors(ctx, "B", referral.MaxDepth)
	require.NoError(t, err)
	assert.Empty(t, edges, "B was not part of the rebuild")
}

func TestRebuildMany_IsIdempotent(t *testing.T) {
	b, store := newTestBuilder(t)
	ctx := context.Background()
	lockChain(t, b, "A", "B", "C", "D")

	users := []ledger.UserID{"B", "C", "D", "C", "A"}
	for i := 0; i < 2; i++ {
		summary, err := b.RebuildMany(ctx, users)
		require.NoError(t, err)
		assert.Equal(t, []ledger.UserID{"A", "B", "C", "D"}, summary.Rebuilt)
		assert.Equal(t, 6, summary.Edges)
		assert.Empty(t, summary.Failed)
	}

	edges, err := store.LevelOneEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 3)
}

func TestRebuildMany_CancelledContext(t *testing.T) {
	b, _ := newTestBuilder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.RebuildMany(ctx, []ledger.UserID{"A", "B"})
	assert.ErrorIs(t, err, context.Canceled)
}
