package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_New_And_Decode(t *testing.T) {
	t.Parallel()
	env, err := New(TypeTask, "agent-1", TaskPayload{TaskID: "t-1", Title: "index repo", Priority: "high"})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.Equal(t, "agent-1", env.From)
	require.WithinDuration(t, time.Now(), env.Time(), 2*time.Second)

	body, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, TypeTask, got.Type)

	var payload TaskPayload
	require.NoError(t, got.DecodePayload(&payload))
	require.Equal(t, "t-1", payload.TaskID)
	require.Equal(t, "index repo", payload.Title)
}

func Test_Decode_UnknownType(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{"id":"x","type":"telemetry","from":"a","ts":1,"payload":{}}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownType))
}

func Test_Decode_Malformed(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not json":     `{"id":`,
		"missing id":   `{"type":"task","from":"a","ts":1,"payload":{}}`,
		"missing type": `{"id":"x","from":"a","ts":1,"payload":{}}`,
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(raw))
			require.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func Test_Decode_IgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	raw := `{"id":"x","type":"status","from":"a","ts":1,"payload":{"state":"ready","active_tasks":2},"trace":"abc"}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)

	var payload StatusPayload
	require.NoError(t, env.DecodePayload(&payload))
	require.Equal(t, "ready", payload.State)
	require.Equal(t, 2, payload.ActiveTasks)
}

func Test_RetriesRemaining_RoundTrip(t *testing.T) {
	t.Parallel()
	env, err := New(TypeTask, "leader", TaskPayload{TaskID: "t-2", Title: "x", Priority: "normal"})
	require.NoError(t, err)
	n := 3
	env.RetriesRemaining = &n

	body, err := env.Encode()
	require.NoError(t, err)
	got, err := Decode(body)
	require.NoError(t, err)
	require.NotNil(t, got.RetriesRemaining)
	require.Equal(t, 3, *got.RetriesRemaining)

	// Absent on non-task messages.
	env2, err := New(TypeStatus, "a", StatusPayload{State: "ready"})
	require.NoError(t, err)
	body2, err := env2.Encode()
	require.NoError(t, err)
	require.NotContains(t, string(body2), "retries_remaining")
}
