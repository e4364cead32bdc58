package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plantpod-gateway/internal/data"
)

func seeded() *Static {
	return NewStatic([]data.Member{
		{ID: "a", GroupKey: "pod-1", OwnerID: "alice", Name: "Fern"},
		{ID: "b", GroupKey: "pod-1", OwnerID: "alice", Name: "Ivy"},
		{ID: "c", GroupKey: "pod-1", OwnerID: "bob", Name: "Cactus"},
		{ID: "d", GroupKey: "pod-2", OwnerID: "alice", Name: "Palm"},
	})
}

func TestAuthorizedMembersFiltersByOwner(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	ids, err := s.AuthorizedMembers(ctx, "alice", "pod-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = s.AuthorizedMembers(ctx, "mallory", "pod-1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	all, err := s.GroupMembers(ctx, "pod-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAssignReportsPreviousPods(t *testing.T) {
	ctx := context.Background()
	s := seeded()

	previous, err := s.Assign(ctx, "alice", "pod-3", []string{"a", "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pod-1", "pod-2"}, previous)

	m, err := s.Member(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "pod-3", m.GroupKey)
}

func TestAssignRejectsForeignPlants(t *testing.T) {
	s := seeded()
	_, err := s.Assign(context.Background(), "alice", "pod-3", []string{"a", "c"})
	assert.ErrorIs(t, err, data.ErrNotFound)

	m, _ := s.Member(context.Background(), "a")
	assert.Equal(t, "pod-1", m.GroupKey, "nothing moves when one plant is not owned")
}
