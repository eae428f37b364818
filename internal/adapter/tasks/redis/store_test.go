package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskline/defector/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Hour)
}

func TestUnknownTaskReadsPending(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Get(context.Background(), "no-such-task")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, st.Status)
	assert.Equal(t, 0, st.Progress)
}

func TestStatusAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "t1", domain.TaskStarted))
	require.NoError(t, s.SetProgress(ctx, "t1", 40, "cleaning batch 2/5"))

	st, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStarted, st.Status)
	assert.Equal(t, 40, st.Progress)
	assert.Equal(t, "cleaning batch 2/5", st.StatusMessage)
}

func TestResultAndError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetResult(ctx, "t2", json.RawMessage(`{"model_id":7}`)))
	require.NoError(t, s.SetError(ctx, "t2", "boom"))

	st, err := s.Get(ctx, "t2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model_id":7}`, string(st.Result))
	assert.Equal(t, "boom", st.Error)
}

func TestErrorTruncated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, s.SetError(ctx, "t3", string(long)))
	st, err := s.Get(ctx, "t3")
	require.NoError(t, err)
	assert.Len(t, st.Error, 500)
}

func TestRevokeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	revoked, err := s.IsRevoked(ctx, "t4")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.Revoke(ctx, "t4", true, "SIGTERM"))
	require.NoError(t, s.Revoke(ctx, "t4", false, ""))

	revoked, err = s.IsRevoked(ctx, "t4")
	require.NoError(t, err)
	assert.True(t, revoked)

	st, err := s.Get(ctx, "t4")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRevoked, st.Status)
}
