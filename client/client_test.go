package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbit-ai/qbit-evals/internal/qbittest"
)

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestCreateAndDeleteSession(t *testing.T) {
	srv := newServer(t, qbittest.CompletedScript())
	c := newTestClient(t, srv.URL())

	sessionID, err := c.CreateSession(context.Background(), WithWorkspace("/tmp/work"))
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, 1, srv.SessionCount())

	deleted, err := c.DeleteSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, srv.SessionCount())

	// Deleting again is "already gone", not an error.
	deleted, err = c.DeleteSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestHealth(t *testing.T) {
	srv := newServer(t, nil)
	c := newTestClient(t, srv.URL())
	assert.True(t, c.Health(context.Background()))

	srv.Close()
	assert.False(t, c.Health(context.Background()), "transport failure reports unhealthy, never raises")
}

func TestWaitForReady(t *testing.T) {
	srv := newServer(t, nil)
	c := newTestClient(t, srv.URL())
	assert.True(t, c.WaitForReady(context.Background(), 2*time.Second, 10*time.Millisecond))

	down := newTestClient(t, "http://127.0.0.1:1")
	assert.False(t, down.WaitForReady(context.Background(), 100*time.Millisecond, 10*time.Millisecond))
}
