package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmesh/pkg"
)

func newTestStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStorage(client), mr
}

func TestSetGetState(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()

	state := pkg.NewSessionState("session_1", pkg.Now())
	state.Params.Destination = "Lisbon"
	require.True(t, s.SetState(ctx, "session_1", state, ActiveTTL))

	assert.True(t, mr.Exists("state:session_1"))
	assert.Equal(t, ActiveTTL, mr.TTL("state:session_1"))

	got := s.GetState(ctx, "session_1")
	require.NotNil(t, got)
	assert.Equal(t, "Lisbon", got.Params.Destination)
	assert.Equal(t, state.CreatedAt, got.CreatedAt)
}

func TestGetStateMissing(t *testing.T) {
	s, mr := newTestStorage(t)
	assert.Nil(t, s.GetState(context.Background(), "nope"))

	mr.Set("state:garbage", "{not json")
	assert.Nil(t, s.GetState(context.Background(), "garbage"))
}

func TestStateExpires(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()

	require.True(t, s.SetState(ctx, "s", pkg.NewSessionState("s", pkg.Now()), time.Minute))
	mr.FastForward(2 * time.Minute)

	assert.Nil(t, s.GetState(ctx, "s"))
}

func TestExtendTTLAndDelete(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	assert.False(t, s.ExtendTTL(ctx, "s", time.Hour), "missing key cannot be extended")

	require.True(t, s.SetState(ctx, "s", pkg.NewSessionState("s", pkg.Now()), time.Minute))
	assert.True(t, s.ExtendTTL(ctx, "s", CompletedTTL))
	assert.Equal(t, CompletedTTL, s.TTL(ctx, "s"))

	assert.True(t, s.DeleteState(ctx, "s"))
	assert.False(t, s.DeleteState(ctx, "s"))
	assert.Nil(t, s.GetState(ctx, "s"))
	assert.Equal(t, time.Duration(0), s.TTL(ctx, "s"))
}

func TestFailuresAreBestEffort(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()
	mr.SetError("server down")

	assert.False(t, s.SetState(ctx, "s", pkg.NewSessionState("s", pkg.Now()), time.Minute))
	assert.Nil(t, s.GetState(ctx, "s"))
	assert.False(t, s.DeleteState(ctx, "s"))
	assert.False(t, s.ExtendTTL(ctx, "s", time.Minute))
	assert.Error(t, s.Ping(ctx))
}

func TestValidateSession(t *testing.T) {
	state := pkg.NewSessionState("s", pkg.Now())
	assert.NoError(t, ValidateSession(state))

	assert.Error(t, ValidateSession(nil))

	bad := *state
	bad.WorkersToExecute = []pkg.WorkerType{"weather"}
	assert.Error(t, ValidateSession(&bad))

	counted := *state
	counted.CompletedCount = 1
	assert.Error(t, ValidateSession(&counted))
}

func TestNormalizeFillsCollections(t *testing.T) {
	state := &pkg.SessionState{SessionID: "s"}
	Normalize(state)

	assert.NotNil(t, state.WorkerStatus)
	assert.NotNil(t, state.Outputs)
	assert.NotNil(t, state.ConversationHistory)
	assert.NotNil(t, state.Errors)
}
