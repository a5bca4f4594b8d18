package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name string `json:"name"`
}

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestAside_FetchesOnceThenServesFromCache(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	fetches := 0
	fetch := func(dest *profile) func() (bool, error) {
		return func() (bool, error) {
			fetches++
			dest.Name = "Alice"
			return true, nil
		}
	}

	var first profile
	found, err := c.Aside(ctx, UserProfileKey("u1"), &first, time.Minute, fetch(&first))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Alice", first.Name)
	assert.True(t, mr.Exists("profile:user:u1"))

	var second profile
	found, err = c.Aside(ctx, UserProfileKey("u1"), &second, time.Minute, fetch(&second))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Alice", second.Name)
	assert.Equal(t, 1, fetches)

	require.NoError(t, c.Delete(ctx, UserProfileKey("u1")))
	assert.False(t, mr.Exists("profile:user:u1"))
}

func TestAside_MissIsNotCached(t *testing.T) {
	c, mr := setupCache(t)

	var p profile
	found, err := c.Aside(context.Background(), UserProfileKey("ghost"), &p, time.Minute, func() (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists(UserProfileKey("ghost")))
}

func TestNilCacheIsPassthrough(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	found, err := c.GetJSON(ctx, "k", &profile{})
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.SetJSON(ctx, "k", profile{}, time.Minute))
	assert.NoError(t, c.Delete(ctx, "k"))

	calls := 0
	found, err = c.Aside(ctx, "k", &profile{}, time.Minute, func() (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, calls)
}

func TestNewClient(t *testing.T) {
	rdb, err := NewClient(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, rdb)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb, err = NewClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	require.NotNil(t, rdb)
	_ = rdb.Close()

	_, err = NewClient(context.Background(), "redis://%zz")
	assert.Error(t, err)
}
