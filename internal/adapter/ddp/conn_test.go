package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anyrun/internal/domain"
)

func TestCallResolvesWithResult(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "taskexists", "0a1b2c3d")
	sent := ft.next(t)
	assert.Equal(t, MsgMethod, sent.Msg)
	assert.Equal(t, "taskexists", sent.Method)
	assert.Equal(t, "1", sent.ID)
	assert.JSONEq(t, `["0a1b2c3d"]`, string(sent.Params))

	ft.pushMsg(t, map[string]any{"msg": "result", "id": "1", "result": true})

	r := await(t, done)
	require.NoError(t, r.err)
	assert.JSONEq(t, `true`, string(r.raw))
	assert.Equal(t, 0, c.registry.size())
}

func TestCallWithoutParamsSendsEmptyList(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "logout", nil)
	sent := ft.next(t)
	assert.JSONEq(t, `[]`, string(sent.Params))

	ft.pushMsg(t, map[string]any{"msg": "result", "id": sent.ID})
	r := await(t, done)
	require.NoError(t, r.err)
	assert.Empty(t, r.raw)
}

func TestMethodIDsAreSequential(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	for want := 1; want <= 3; want++ {
		done := goCall(c, context.Background(), "ping", nil)
		sent := ft.next(t)
		assert.Equal(t, strconv.Itoa(want), sent.ID)
		ft.pushMsg(t, map[string]any{"msg": "result", "id": sent.ID, "result": want})
		require.NoError(t, await(t, done).err)
	}
}

func TestOutOfOrderResults(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	first := goCall(c, context.Background(), "a", nil)
	require.Equal(t, "1", ft.next(t).ID)
	second := goCall(c, context.Background(), "b", nil)
	require.Equal(t, "2", ft.next(t).ID)

	ft.pushMsg(t, map[string]any{"msg": "result", "id": "2", "result": "B"})
	ft.pushMsg(t, map[string]any{"msg": "result", "id": "1", "result": "A"})

	r1, r2 := await(t, first), await(t, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `"A"`, string(r1.raw))
	assert.JSONEq(t, `"B"`, string(r2.raw))
}

func TestConcurrentCallsNoCrossTalk(t *testing.T) {
	c, ft := newTestConn(t, Options{})
	const n = 50

	results := make([]<-chan callResult, n)
	for i := 0; i < n; i++ {
		results[i] = goCall(c, context.Background(), "echo", i)
	}

	type pending struct {
		id    string
		param json.RawMessage
	}
	reqs := make([]pending, 0, n)
	for i := 0; i < n; i++ {
		sent := ft.next(t)
		var params []json.RawMessage
		require.NoError(t, json.Unmarshal(sent.Params, &params))
		require.Len(t, params, 1)
		reqs = append(reqs, pending{id: sent.ID, param: params[0]})
	}
	rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
	for _, p := range reqs {
		ft.pushMsg(t, map[string]any{"msg": "result", "id": p.id, "result": p.param})
	}

	for i := 0; i < n; i++ {
		r := await(t, results[i])
		require.NoError(t, r.err)
		assert.JSONEq(t, strconv.Itoa(i), string(r.raw), "caller %d got another caller's result", i)
	}
	assert.Equal(t, 0, c.registry.size())
}

func TestSubscribeCollectsRecordsInOrder(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "publicTasks", 50, 0, map[string]any{"isPublic": true})
	sent := ft.next(t)
	assert.Equal(t, MsgSub, sent.Msg)
	assert.Equal(t, "publicTasks", sent.Name)
	assert.Len(t, sent.ID, subscriptionIDLength)
	assert.JSONEq(t, `[50,0,{"isPublic":true}]`, string(sent.Params))

	ft.pushMsg(t, map[string]any{"msg": "added", "collection": "tasks", "id": "A", "fields": map[string]any{"uuid": "A"}})
	// A record for an unrelated collection must not leak in.
	ft.pushMsg(t, map[string]any{"msg": "added", "collection": "users", "id": "U", "fields": map[string]any{"uuid": "U"}})
	ft.pushMsg(t, map[string]any{"msg": "added", "collection": "tasks", "id": "B", "fields": map[string]any{"uuid": "B"}})
	ft.pushMsg(t, map[string]any{"msg": "ready", "subs": []string{sent.ID}})

	r := await(t, done)
	require.NoError(t, r.err)
	require.Len(t, r.records, 2)
	assert.JSONEq(t, `{"uuid":"A"}`, string(r.records[0]))
	assert.JSONEq(t, `{"uuid":"B"}`, string(r.records[1]))
}

func TestSubscribeReadyWithoutRecords(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "singleTask", "missing")
	sent := ft.next(t)
	ft.pushMsg(t, map[string]any{"msg": "ready", "subs": []string{sent.ID}})

	r := await(t, done)
	require.NoError(t, r.err)
	assert.NotNil(t, r.records)
	assert.Empty(t, r.records)
}

func TestSubscribeNoParamsSendsEmptyList(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "meteor.loginServiceConfiguration")
	sent := ft.next(t)
	assert.JSONEq(t, `[]`, string(sent.Params))
	ft.pushMsg(t, map[string]any{"msg": "ready", "subs": []string{sent.ID}})
	require.NoError(t, await(t, done).err)
}

func TestNoSubRejectsSubscription(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "publicTasks")
	sent := ft.next(t)
	ft.pushMsg(t, map[string]any{"msg": "nosub", "id": sent.ID})

	r := await(t, done)
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, domain.ErrRemote)
}

func TestNoSubWithErrorCarriesPayload(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "publicTasks")
	sent := ft.next(t)
	ft.pushMsg(t, map[string]any{
		"msg":   "nosub",
		"id":    sent.ID,
		"error": map[string]any{"error": 404, "reason": "Subscription not found"},
	})

	r := await(t, done)
	var re *domain.RemoteError
	require.ErrorAs(t, r.err, &re)
	assert.Equal(t, "404", re.Code)
	assert.Equal(t, "Subscription not found", re.Reason)
}

func TestUndecodableFramesAreSkipped(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "taskexists", "x")
	sent := ft.next(t)

	ft.push("o")
	ft.push("h")
	ft.push(`c[3000,"Go away!"]`)
	ft.push(`a["not json"]`)
	ft.push(`a["{}","{}"]`)
	ft.push("")
	ft.pushMsg(t, map[string]any{"msg": "result", "id": sent.ID, "result": 1})

	r := await(t, done)
	require.NoError(t, r.err)
	assert.JSONEq(t, `1`, string(r.raw))
	assert.NoError(t, c.Err())
}

func TestRequestScopedErrorRejectsOnlyThatRequest(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	bad := goCall(c, context.Background(), "login", nil)
	badID := ft.next(t).ID
	good := goCall(c, context.Background(), "taskexists", "x")
	goodID := ft.next(t).ID

	ft.pushMsg(t, map[string]any{
		"msg":   "result",
		"id":    badID,
		"error": map[string]any{"error": 403, "reason": "Incorrect password", "message": "Incorrect password [403]"},
	})
	rb := await(t, bad)
	var re *domain.RemoteError
	require.ErrorAs(t, rb.err, &re)
	assert.Equal(t, "403", re.Code)
	assert.Equal(t, "Incorrect password [403]", re.Message)

	ft.pushMsg(t, map[string]any{"msg": "result", "id": goodID, "result": false})
	rg := await(t, good)
	require.NoError(t, rg.err)
	assert.NoError(t, c.Err())
}

func TestErrorWithOffendingMessageRejectsThatRequest(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "nope", nil)
	sent := ft.next(t)
	ft.pushMsg(t, map[string]any{
		"msg":              "error",
		"reason":           "Method not found",
		"offendingMessage": map[string]any{"msg": "method", "id": sent.ID, "method": "nope"},
	})

	r := await(t, done)
	require.ErrorIs(t, r.err, domain.ErrRemote)
	assert.Contains(t, r.err.Error(), "Method not found")
	assert.NoError(t, c.Err())
}

func TestTopLevelErrorAbandonsEverything(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	call := goCall(c, context.Background(), "taskexists", "x")
	ft.next(t)
	sub := goSubscribe(c, context.Background(), "publicTasks")
	ft.next(t)

	ft.pushMsg(t, map[string]any{"msg": "error", "reason": "Bad request"})

	for _, ch := range []<-chan callResult{call, sub} {
		r := await(t, ch)
		require.ErrorIs(t, r.err, domain.ErrProtocol)
		assert.Contains(t, r.err.Error(), "Bad request")
	}

	select {
	case <-c.loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop did not exit")
	}
	_, err := c.Call(context.Background(), "taskexists", "y")
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.Equal(t, 0, c.registry.size())
}

func TestProtocolVersionFailureIsFatal(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "x", nil)
	ft.next(t)
	ft.pushMsg(t, map[string]any{"msg": "failed", "version": "pre1"})

	r := await(t, done)
	assert.ErrorIs(t, r.err, domain.ErrProtocol)
}

func TestCancellationDeregisters(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := goCall(c, ctx, "slow", nil)
	sent := ft.next(t)
	require.Equal(t, 1, c.registry.size())

	cancel()
	r := await(t, done)
	assert.ErrorIs(t, r.err, domain.ErrCanceled)
	assert.Equal(t, 0, c.registry.size())

	// The late result is discarded and the connection keeps working.
	ft.pushMsg(t, map[string]any{"msg": "result", "id": sent.ID, "result": 1})
	next := goCall(c, context.Background(), "fast", nil)
	ns := ft.next(t)
	ft.pushMsg(t, map[string]any{"msg": "result", "id": ns.ID, "result": 2})
	rn := await(t, next)
	require.NoError(t, rn.err)
	assert.JSONEq(t, `2`, string(rn.raw))
}

func TestDeadlineMapsToTimeout(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := goSubscribe(c, ctx, "publicTasks")
	ft.next(t)

	r := await(t, done)
	assert.ErrorIs(t, r.err, domain.ErrTimeout)
	assert.Equal(t, 0, c.registry.size())
}

func TestFirstRecordCallIgnoresResult(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := make(chan callResult, 1)
	go func() {
		raw, err := c.CallFirstRecord(context.Background(), "login", map[string]any{"user": map[string]any{"email": "a@b.c"}})
		done <- callResult{raw: raw, err: err}
	}()
	sent := ft.next(t)
	assert.Equal(t, "login", sent.Method)

	ft.pushMsg(t, map[string]any{"msg": "result", "id": sent.ID, "result": map[string]any{"id": "u1", "token": "t"}})
	select {
	case r := <-done:
		t.Fatalf("resolved on result frame: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	ft.pushMsg(t, map[string]any{"msg": "added", "collection": "users", "id": "u1", "fields": map[string]any{"emails": []any{}}})
	r := await(t, done)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"emails":[]}`, string(r.raw))
}

func TestPingIsAnswered(t *testing.T) {
	_, ft := newTestConn(t, Options{})

	ft.pushMsg(t, map[string]any{"msg": "ping", "id": "hb-1"})
	pong := ft.next(t)
	assert.Equal(t, MsgPong, pong.Msg)
	assert.Equal(t, "hb-1", pong.ID)
}

func TestCloseAbandonsPending(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goCall(c, context.Background(), "slow", nil)
	ft.next(t)

	require.NoError(t, c.Close())
	r := await(t, done)
	assert.ErrorIs(t, r.err, domain.ErrClosed)

	_, err := c.Call(context.Background(), "again", nil)
	assert.ErrorIs(t, err, domain.ErrClosed)
	assert.NoError(t, c.Close())
}

func TestTransportLossAbandonsPending(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "publicTasks")
	ft.next(t)

	ft.Close()
	r := await(t, done)
	assert.ErrorIs(t, r.err, domain.ErrClosed)
	assert.True(t, domain.IsConnectionError(r.err))
	assert.ErrorIs(t, c.Err(), domain.ErrClosed)
}

func TestReadTimeoutClosesConnection(t *testing.T) {
	c, _ := newTestConn(t, Options{ReadTimeout: 30 * time.Millisecond})

	// The call may be issued before or after the read deadline fires; both
	// paths end in ErrClosed.
	r := await(t, goCall(c, context.Background(), "silent", nil))
	assert.ErrorIs(t, r.err, domain.ErrClosed)
}

func TestRateLimitHonoursDeadline(t *testing.T) {
	c, ft := newTestConn(t, Options{RequestsPerSecond: 0.001, Burst: 1})

	first := goCall(c, context.Background(), "a", nil)
	sent := ft.next(t)
	ft.pushMsg(t, map[string]any{"msg": "result", "id": sent.ID})
	require.NoError(t, await(t, first).err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "b", nil)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, c.registry.size())
}

func TestHandshakeSendFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.Close()
	_, err := NewConn(context.Background(), ft, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConnect))
}

func TestSendDeadlineMapsToTimeout(t *testing.T) {
	c, ft := newTestConn(t, Options{})
	ft.sendGate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "big", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.CodeTimeout, domain.ErrorCodeOf(err))
	assert.Equal(t, 0, c.registry.size())
	assert.NoError(t, c.Err())
}

func TestSubscribeUnsubscribesAfterReady(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "publicTasks", 50, 0)
	sent := ft.next(t)
	ft.pushMsg(t, map[string]any{"msg": "ready", "subs": []string{sent.ID}})
	require.NoError(t, await(t, done).err)

	unsub := ft.next(t)
	assert.Equal(t, MsgUnsub, unsub.Msg)
	assert.Equal(t, sent.ID, unsub.ID)
}

func TestCanceledSubscriptionIsUnsubscribed(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := goSubscribe(c, ctx, "publicTasks")
	sent := ft.next(t)
	cancel()
	assert.ErrorIs(t, await(t, done).err, domain.ErrCanceled)

	unsub := ft.next(t)
	assert.Equal(t, MsgUnsub, unsub.Msg)
	assert.Equal(t, sent.ID, unsub.ID)
}

func TestStoppedSubscriptionIsNotUnsubscribed(t *testing.T) {
	c, ft := newTestConn(t, Options{})

	done := goSubscribe(c, context.Background(), "publicTasks")
	sent := ft.next(t)
	ft.pushMsg(t, map[string]any{"msg": "nosub", "id": sent.ID})
	require.Error(t, await(t, done).err)

	call := goCall(c, context.Background(), "after", nil)
	next := ft.next(t)
	assert.Equal(t, MsgMethod, next.Msg)
	ft.pushMsg(t, map[string]any{"msg": "result", "id": next.ID})
	require.NoError(t, await(t, call).err)
}
