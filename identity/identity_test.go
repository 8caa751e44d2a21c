package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsDistinctIDs(t *testing.T) {
	t.Parallel()

	a := New("10.0.0.1:9042")
	b := New("10.0.0.2:9042")

	require.NotEqual(t, uuid.Nil, a.ID)
	require.NotEqual(t, uuid.Nil, b.ID)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, "10.0.0.1:9042", a.Address)
}

func TestWithIDIsStable(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	first := WithID(id, "host-a")
	second := WithID(id, "host-a")

	require.Equal(t, first, second)
	require.Contains(t, first.String(), id.String())
}
