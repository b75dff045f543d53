package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	defer rdb.Close()
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())

	_, err = NewClient(context.Background(), Config{})
	require.Error(t, err)

	mr.Close()
	_, err = NewClient(context.Background(), Config{Addrs: []string{mr.Addr()}})
	require.Error(t, err)
}
