package entity_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrunner/modelrunner/internal/broker/membroker"
	"github.com/modelrunner/modelrunner/internal/entity"
	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type widgetCodec struct{}

func (widgetCodec) HashName() string { return "test:widgets" }
func (widgetCodec) Encode(v widget) (string, error) {
	data, err := json.Marshal(v)
	return string(data), err
}
func (widgetCodec) Decode(data string) (widget, error) {
	var w widget
	err := json.Unmarshal([]byte(data), &w)
	return w, err
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := entity.New[widget](membroker.New(), widgetCodec{})

	require.NoError(t, store.Set(ctx, "w1", widget{Name: "gear", Count: 3}))

	got, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "gear", Count: 3}, got)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Delete(ctx, "w1"))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = store.Get(ctx, "w1")
	assert.ErrorIs(t, err, modelerrors.ErrEntityNotFound)
}

func TestStore_AllAndValues(t *testing.T) {
	ctx := context.Background()
	store := entity.New[widget](membroker.New(), widgetCodec{})

	require.NoError(t, store.Set(ctx, "w1", widget{Name: "gear", Count: 1}))
	require.NoError(t, store.Set(ctx, "w2", widget{Name: "bolt", Count: 2}))

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "gear", all["w1"].Name)

	values, err := store.Values(ctx)
	require.NoError(t, err)
	assert.Len(t, values, 2)
}
