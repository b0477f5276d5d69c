package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestValidateID_RejectsNonUUIDv4(t *testing.T) {
	require.Error(t, ValidateID("not-a-uuid"))
	require.Error(t, ValidateID("00000000-0000-1000-8000-000000000000")) // v1
	require.NoError(t, ValidateID(uuid.New().String()))
}

func TestRegistry_CapacityAndEviction(t *testing.T) {
	r := NewRegistry(2, time.Millisecond)
	id1 := uuid.New().String()
	id2 := uuid.New().String()
	id3 := uuid.New().String()

	_, err := r.GetOrCreate(id1)
	require.NoError(t, err)
	_, err = r.GetOrCreate(id2)
	require.NoError(t, err)

	// Immediately at capacity with both sessions fresh: rejected.
	_, err = r.GetOrCreate(id3)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	time.Sleep(5 * time.Millisecond)
	// Now id1/id2 are idle past the TTL and not running: eviction makes room.
	_, err = r.GetOrCreate(id3)
	require.NoError(t, err)
	require.LessOrEqual(t, r.Len(), 2)
}

func TestRegistry_GetOrCreateTouchesLastActive(t *testing.T) {
	r := NewRegistry(10, time.Hour)
	id := uuid.New().String()
	s, err := r.GetOrCreate(id)
	require.NoError(t, err)
	first := s.idleSince()
	time.Sleep(time.Millisecond)
	_, err = r.GetOrCreate(id)
	require.NoError(t, err)
	require.True(t, s.idleSince().After(first))
}
