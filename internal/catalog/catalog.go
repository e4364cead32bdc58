// Package catalog is the identity and plant-catalog collaborator: which plants belong to
// which pod and owner, and what the species needs. The gateway trusts it completely.
package catalog

import (
	"context"
	"sort"
	"sync"

	"plantpod-gateway/internal/data"
)

// Directory answers membership and ownership questions.
type Directory interface {
	// AuthorizedMembers lists the plant ids in the pod that ownerID may see.
	AuthorizedMembers(ctx context.Context, ownerID, groupKey string) ([]string, error)
	// GroupMembers lists every plant currently assigned to the pod.
	GroupMembers(ctx context.Context, groupKey string) ([]data.Member, error)
	Member(ctx context.Context, memberID string) (data.Member, error)
	// Assign moves the owner's plants into the pod and returns the pods they left.
	Assign(ctx context.Context, ownerID, groupKey string, memberIDs []string) ([]string, error)
}

// Static is an in-memory Directory, seeded from configuration.
type Static struct {
	mu      sync.RWMutex
	members map[string]data.Member
}

func NewStatic(members []data.Member) *Static {
	s := &Static{members: make(map[string]data.Member, len(members))}
	for _, m := range members {
		s.members[m.ID] = m
	}
	return s
}

func (s *Static) AuthorizedMembers(_ context.Context, ownerID, groupKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, m := range s.members {
		if m.OwnerID == ownerID && m.GroupKey == groupKey {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Static) GroupMembers(_ context.Context, groupKey string) ([]data.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []data.Member
	for _, m := range s.members {
		if m.GroupKey == groupKey {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Static) Member(_ context.Context, memberID string) (data.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberID]
	if !ok {
		return data.Member{}, data.NotFound("plant", memberID)
	}
	return m, nil
}

func (s *Static) Assign(_ context.Context, ownerID, groupKey string, memberIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range memberIDs {
		m, ok := s.members[id]
		if !ok || m.OwnerID != ownerID {
			return nil, data.NotFound("plant", id)
		}
	}

	left := map[string]struct{}{}
	for _, id := range memberIDs {
		m := s.members[id]
		if m.GroupKey != "" && m.GroupKey != groupKey {
			left[m.GroupKey] = struct{}{}
		}
		m.GroupKey = groupKey
		s.members[id] = m
	}

	previous := make([]string, 0, len(left))
	for k := range left {
		previous = append(previous, k)
	}
	sort.Strings(previous)
	return previous, nil
}
