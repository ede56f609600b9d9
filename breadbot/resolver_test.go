package breadbot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNameResolver_NotLoaded(t *testing.T) {
	r := NewNameResolver(newMemoryNameStore(nil), newScriptedGenerator(), testRetryPolicy(1), nil)
	_, err := r.Resolve(context.Background(), Member{ID: 1, DisplayName: "Bradix"})
	assert.ErrorIs(t, err, ErrResolverNotLoaded)
}

func TestNameResolver_LoadError(t *testing.T) {
	store := newMemoryNameStore(nil)
	store.loadErr = errors.New("disk on fire")
	r := NewNameResolver(store, newScriptedGenerator(), testRetryPolicy(1), nil)

	err := r.Load(context.Background())
	var persistenceErr *PersistenceError
	require.ErrorAs(t, err, &persistenceErr)
	assert.Equal(t, "load", persistenceErr.Op)
	assert.ErrorIs(t, err, store.loadErr)
}

func TestNameResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run(
		"stored name reused", func(t *testing.T) {
			store := newMemoryNameStore(map[uint64]string{1: "Breadix"})
			gen := newScriptedGenerator()
			r := NewNameResolver(store, gen, testRetryPolicy(3), nil)
			require.NoError(t, r.Load(ctx))

			res, err := r.Resolve(ctx, Member{ID: 1, DisplayName: "Bradix"})
			require.NoError(t, err)
			assert.Equal(t, Resolution{Name: "Breadix", Cached: true}, res)
			assert.Equal(t, 0, gen.totalCalls())
			assert.Empty(t, store.upsertedAt)
		},
	)

	t.Run(
		"generated name persisted", func(t *testing.T) {
			store := newMemoryNameStore(nil)
			gen := newScriptedGenerator().script("AlbyPro", generatorResult{name: "AlbyDough"})
			r := NewNameResolver(store, gen, testRetryPolicy(3), nil)
			require.NoError(t, r.Load(ctx))

			res, err := r.Resolve(ctx, Member{ID: 2, DisplayName: "AlbyPro"})
			require.NoError(t, err)
			assert.Equal(t, Resolution{Name: "AlbyDough", Attempts: 1}, res)

			stored, ok := store.get(2)
			require.True(t, ok)
			assert.Equal(t, "AlbyDough", stored)

			// a second resolve in the same batch uses the snapshot
			res, err = r.Resolve(ctx, Member{ID: 2, DisplayName: "AlbyPro"})
			require.NoError(t, err)
			assert.True(t, res.Cached)
			assert.Equal(t, 1, gen.callCount("AlbyPro"))
		},
	)

	t.Run(
		"exhausted generation not persisted", func(t *testing.T) {
			store := newMemoryNameStore(nil)
			gen := newScriptedGenerator().script("Bradix", generatorResult{err: &ParseError{}})
			r := NewNameResolver(store, gen, testRetryPolicy(2), nil)
			require.NoError(t, r.Load(ctx))

			res, err := r.Resolve(ctx, Member{ID: 3, DisplayName: "Bradix"})
			var exhausted *GenerationExhaustedError
			require.ErrorAs(t, err, &exhausted)
			assert.Equal(t, 2, res.Attempts)
			_, ok := store.get(3)
			assert.False(t, ok)
		},
	)

	t.Run(
		"upsert failure", func(t *testing.T) {
			store := newMemoryNameStore(nil)
			store.upsertErr = errors.New("read-only database")
			r := NewNameResolver(store, newScriptedGenerator(), testRetryPolicy(1), nil)
			require.NoError(t, r.Load(ctx))

			_, err := r.Resolve(ctx, Member{ID: 4, DisplayName: "Bradix"})
			var persistenceErr *PersistenceError
			require.ErrorAs(t, err, &persistenceErr)
			assert.Equal(t, "upsert", persistenceErr.Op)
			assert.Equal(t, uint64(4), persistenceErr.MemberID)
			assert.Contains(t, err.Error(), "member 4")
		},
	)
}
