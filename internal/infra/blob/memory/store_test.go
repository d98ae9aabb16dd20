package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exportcore/internal/blob/core"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	assert.Equal(t, core.DriverMemory, s.Driver())

	info, err := s.Put(ctx, "traceability/c-1/s-2.json", strings.NewReader(`{"b":2}`), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"shipment_number": "S-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)
	assert.NotEmpty(t, info.ETag)
	_, err = s.Put(ctx, "traceability/c-1/s-1.json", strings.NewReader(`{"a":1}`), core.PutOptions{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "traceability/c-2/s-3.json", strings.NewReader(`{}`), core.PutOptions{})
	require.NoError(t, err)

	_, err = s.Put(ctx, "traceability/c-1/s-1.json", strings.NewReader(`{}`), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrExists)
	_, err = s.Put(ctx, " ", strings.NewReader(`{}`), core.PutOptions{})
	require.Error(t, err)

	got, rc, err := s.Get(ctx, "traceability/c-1/s-2.json")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(body))
	assert.Equal(t, "S-2", got.Metadata["shipment_number"])

	got.Metadata["shipment_number"] = "mutated"
	head, err := s.Head(ctx, "traceability/c-1/s-2.json")
	require.NoError(t, err)
	assert.Equal(t, "S-2", head.Metadata["shipment_number"])

	list, err := s.List(ctx, "traceability/c-1/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "traceability/c-1/s-1.json", list[0].Key)
	assert.Equal(t, "traceability/c-1/s-2.json", list[1].Key)

	existed, err := s.Delete(ctx, "traceability/c-2/s-3.json")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "traceability/c-2/s-3.json")
	require.NoError(t, err)
	assert.False(t, existed)

	_, _, err = s.Get(ctx, "traceability/c-2/s-3.json")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.Head(ctx, "nope")
	require.ErrorIs(t, err, core.ErrNotFound)
}
