package authz_test

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/aegis/pkg/authz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustWrite(t *testing.T, b *authz.MemoryBackend, tuples ...authz.Tuple) {
	t.Helper()
	require.NoError(t, b.Write(context.Background(), tuples, nil))
}

func TestMemoryBackendDirectRelation(t *testing.T) {
	b := authz.NewMemoryBackend()
	ctx := context.Background()

	// alice is viewer of doc:readme
	mustWrite(t, b, authz.Tuple{Object: "doc:readme", Relation: "viewer", User: "user:alice"})

	allowed, err := b.Check(ctx, "user:alice", "viewer", "doc:readme")
	require.NoError(t, err)
	assert.True(t, allowed, "alice should be viewer")

	allowed, err = b.Check(ctx, "user:alice", "editor", "doc:readme")
	require.NoError(t, err)
	assert.False(t, allowed, "alice should NOT be editor")
}

func TestMemoryBackendUsersetMembership(t *testing.T) {
	b := authz.NewMemoryBackend()
	ctx := context.Background()

	// bob is member of group:devs, and members of group:devs are editors
	// of doc:code.
	mustWrite(t, b,
		authz.Tuple{Object: "group:devs", Relation: "member", User: "user:bob"},
		authz.Tuple{Object: "doc:code", Relation: "editor", User: "group:devs#member"},
	)

	allowed, err := b.Check(ctx, "user:bob", "editor", "doc:code")
	require.NoError(t, err)
	assert.True(t, allowed, "bob should be editor via group:devs")

	allowed, err = b.Check(ctx, "user:carol", "editor", "doc:code")
	require.NoError(t, err)
	assert.False(t, allowed, "carol is not in group:devs")
}

func TestMemoryBackendNestedUsersets(t *testing.T) {
	b := authz.NewMemoryBackend()
	ctx := context.Background()

	// leads are members of devs, devs are editors of doc:code.
	mustWrite(t, b,
		authz.Tuple{Object: "doc:code", Relation: "editor", User: "group:devs#member"},
		authz.Tuple{Object: "group:devs", Relation: "member", User: "group:leads#member"},
		authz.Tuple{Object: "group:leads", Relation: "member", User: "user:dana"},
	)

	allowed, err := b.Check(ctx, "user:dana", "editor", "doc:code")
	require.NoError(t, err)
	assert.True(t, allowed, "dana should be editor via leads -> devs")
}

func TestMemoryBackendCyclicUsersetsTerminate(t *testing.T) {
	b := authz.NewMemoryBackend()
	ctx := context.Background()

	mustWrite(t, b,
		authz.Tuple{Object: "group:a", Relation: "member", User: "group:b#member"},
		authz.Tuple{Object: "group:b", Relation: "member", User: "group:a#member"},
	)

	allowed, err := b.Check(ctx, "user:eve", "member", "group:a")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMemoryBackendExpandResolvesUsersets(t *testing.T) {
	b := authz.NewMemoryBackend()
	ctx := context.Background()

	mustWrite(t, b,
		authz.Tuple{Object: "doc:code", Relation: "editor", User: "user:alice"},
		authz.Tuple{Object: "doc:code", Relation: "editor", User: "group:devs#member"},
		authz.Tuple{Object: "group:devs", Relation: "member", User: "user:bob"},
		authz.Tuple{Object: "group:devs", Relation: "member", User: "user:alice"},
	)

	users, err := b.Expand(ctx, "doc:code", "editor")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:alice", "user:bob"}, users,
		"expand should resolve usersets to concrete users, sorted and de-duplicated")
}

func TestMemoryBackendExpandEmptyRelation(t *testing.T) {
	b := authz.NewMemoryBackend()

	users, err := b.Expand(context.Background(), "doc:missing", "viewer")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMemoryBackendWriteIdempotent(t *testing.T) {
	b := authz.NewMemoryBackend()
	tup := authz.Tuple{Object: "doc:readme", Relation: "viewer", User: "user:alice"}

	mustWrite(t, b, tup)
	mustWrite(t, b, tup)
	assert.Equal(t, 1, b.TupleCount(), "re-writing an existing tuple should not duplicate it")
}

func TestMemoryBackendDelete(t *testing.T) {
	b := authz.NewMemoryBackend()
	ctx := context.Background()
	tup := authz.Tuple{Object: "doc:readme", Relation: "viewer", User: "user:alice"}

	mustWrite(t, b, tup)
	require.NoError(t, b.Write(ctx, nil, []authz.Tuple{tup}))

	allowed, err := b.Check(ctx, "user:alice", "viewer", "doc:readme")
	require.NoError(t, err)
	assert.False(t, allowed, "deleted tuple should no longer grant access")
	assert.Equal(t, 0, b.TupleCount())

	// Deleting an absent tuple is a no-op.
	require.NoError(t, b.Write(ctx, nil, []authz.Tuple{tup}))
}

func TestMemoryBackendRejectsIncompleteTuple(t *testing.T) {
	b := authz.NewMemoryBackend()

	err := b.Write(context.Background(), []authz.Tuple{{Object: "doc:readme", Relation: "viewer"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete tuple")
}
