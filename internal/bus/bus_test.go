package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostOrigin  = "http://host.test"
	childOrigin = "http://child.test"
)

func newPair() (*Bus, *Bus) {
	return Pair(
		Options{Origin: hostOrigin, AllowedOrigin: childOrigin, Source: "shell", TargetLabel: "miniportal:demo"},
		Options{Origin: childOrigin, AllowedOrigin: hostOrigin, Source: "miniportal", TargetLabel: "shell"},
	)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	child.On("echo", func(env Envelope) {
		var in map[string]string
		require.NoError(t, env.DecodePayload(&in))
		require.NoError(t, child.Respond(env, map[string]string{"echo": in["msg"]}, StatusOK, nil))
	})

	raw, err := host.Request(context.Background(), "echo", map[string]string{"msg": "hi"}, time.Second)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hi", out["echo"])
}

func TestRequestErrorResponse(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	child.On("fail", func(env Envelope) {
		_ = child.Respond(env, nil, StatusError, &ErrorInfo{Code: "app_mismatch", Message: "invalid appId"})
	})

	_, err := host.Request(context.Background(), "fail", nil, time.Second)
	var info *ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, "app_mismatch", info.Code)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	// No handler registered on the child: the request is delivered and
	// ignored, the host waits out its timeout.
	_, err := host.Request(context.Background(), "silence", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMismatchedCidLeavesRequestPending(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	child.On("ping", func(env Envelope) {
		// Respond under a different correlation id: must not resolve the
		// caller's wait.
		forged := env
		forged.Cid = "some-other-cid"
		_ = child.Respond(forged, map[string]bool{"ok": true}, StatusOK, nil)
	})

	_, err := host.Request(context.Background(), "ping", nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestForeignOriginIsDiscarded(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	var delivered int
	host.On("probe", func(Envelope) { delivered++ })

	env, err := newEnvelope(TypeEvent, "probe", "shell", "shell", nil, time.Now())
	require.NoError(t, err)
	host.Deliver("http://evil.test", env)
	assert.Zero(t, delivered)

	host.Deliver(childOrigin, env)
	assert.Equal(t, 1, delivered)
}

func TestMalformedEnvelopesAreDiscarded(t *testing.T) {
	host, _ := newPair()
	defer host.Close()

	var delivered int
	host.On("probe", func(Envelope) { delivered++ })

	base, err := newEnvelope(TypeEvent, "probe", "shell", "shell", nil, time.Now())
	require.NoError(t, err)

	unknownVersion := base
	unknownVersion.Version = "v2"
	host.Deliver(childOrigin, unknownVersion)

	unknownType := base
	unknownType.Type = "broadcast"
	host.Deliver(childOrigin, unknownType)

	noTopic := base
	noTopic.Topic = ""
	host.Deliver(childOrigin, noTopic)

	assert.Zero(t, delivered)
}

func TestLateResponseIsDropped(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	var requests []Envelope
	child.On("slow", func(env Envelope) {
		requests = append(requests, env)
	})

	_, err := host.Request(context.Background(), "slow", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// Responding after the waiter gave up must be a silent no-op.
	require.Len(t, requests, 1)
	require.NoError(t, child.Respond(requests[0], map[string]bool{"ok": true}, StatusOK, nil))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	var got int
	off := child.On("tick", func(Envelope) { got++ })

	require.NoError(t, host.SendEvent("tick", nil))
	off()
	require.NoError(t, host.SendEvent("tick", nil))

	assert.Equal(t, 1, got)
}

func TestEventsFanOutToAllHandlers(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	var a, b int
	child.On("tick", func(Envelope) { a++ })
	child.On("tick", func(Envelope) { b++ })

	require.NoError(t, host.SendEvent("tick", nil))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestCloseFailsPendingAndIsIdempotent(t *testing.T) {
	host, child := newPair()
	defer child.Close()

	done := make(chan error, 1)
	go func() {
		_, err := host.Request(context.Background(), "never", nil, time.Minute)
		done <- err
	}()

	// Wait for the request to register before closing.
	for {
		host.mu.Lock()
		n := len(host.pending)
		host.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	host.Close()
	host.Close() // second close is a no-op

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not cancelled by Close")
	}

	require.ErrorIs(t, host.SendEvent("tick", nil), ErrClosed)
	_, err := host.Request(context.Background(), "x", nil, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequestHonorsContextCancellation(t *testing.T) {
	host, child := newPair()
	defer host.Close()
	defer child.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := host.Request(ctx, "never", nil, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}
