package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/backend"
)

// fakeSignaling стек сигнализации в памяти
type fakeSignaling struct {
	mu          sync.Mutex
	ops         []string
	invites     map[string]string
	infos       []string
	registerErr error
	inviteErr   error
	notes       chan Notification
	closeOnce   sync.Once
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		invites: make(map[string]string),
		notes:   make(chan Notification, 16),
	}
}

func (f *fakeSignaling) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeSignaling) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeSignaling) inviteFor(target string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.invites {
		if t == target {
			return id
		}
	}
	return ""
}

func (f *fakeSignaling) Register(context.Context, backend.Credentials) error {
	f.record("register")
	return f.registerErr
}

func (f *fakeSignaling) Unregister(context.Context) error {
	f.record("unregister")
	return nil
}

func (f *fakeSignaling) Invite(_ context.Context, callID, target string, _ []byte) error {
	f.record("invite")
	if f.inviteErr != nil {
		return f.inviteErr
	}
	f.mu.Lock()
	f.invites[callID] = target
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) Accept(context.Context, string, []byte) error {
	f.record("accept")
	return nil
}

func (f *fakeSignaling) Decline(context.Context, string) error {
	f.record("decline")
	return nil
}

func (f *fakeSignaling) Bye(context.Context, string) error {
	f.record("bye")
	return nil
}

func (f *fakeSignaling) Info(_ context.Context, _, _ string, body []byte) error {
	f.record("info")
	f.mu.Lock()
	f.infos = append(f.infos, string(body))
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) Refer(context.Context, string, string) error {
	f.record("refer")
	return nil
}

func (f *fakeSignaling) ReferReplaces(context.Context, string, string) error {
	f.record("referReplaces")
	return nil
}

func (f *fakeSignaling) Notifications() <-chan Notification { return f.notes }

func (f *fakeSignaling) Close() error {
	f.closeOnce.Do(func() { close(f.notes) })
	return nil
}

var testCreds = backend.Credentials{
	Username:  "1001",
	Password:  "secret",
	Server:    "pbx.example.com",
	Transport: backend.TransportWebSocketSecure,
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeSignaling, *backend.Sequencer) {
	t.Helper()
	sig := newFakeSignaling()
	seq := &backend.Sequencer{}
	a := NewAdapter(DefaultConfig(), seq,
		WithSignaling(func() Signaling { return sig }),
		WithCertificate(Certificate{Algorithm: "sha-256", Fingerprint: PlaceholderFingerprint}))
	t.Cleanup(func() { _ = a.UnregisterAndDisconnect(context.Background()) })
	return a, sig, seq
}

func registered(t *testing.T) (*Adapter, *fakeSignaling, *backend.Sequencer) {
	t.Helper()
	a, sig, seq := newTestAdapter(t)
	require.NoError(t, a.ConnectAndRegister(context.Background(), testCreds))
	return a, sig, seq
}

func nextEvent(t *testing.T, a *Adapter) backend.RawEvent {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		require.True(t, ok, "канал событий закрыт")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("нет события")
	}
	return backend.RawEvent{}
}

func TestAdapter_NotInitialized(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.StartCall(ctx, "1002", 1), backend.ErrNotInitialized)
	assert.ErrorIs(t, a.Answer(ctx), backend.ErrNotInitialized)
	assert.ErrorIs(t, a.Hangup(ctx), backend.ErrNotInitialized)
	assert.ErrorIs(t, a.TransferBlind(ctx, "1003"), backend.ErrNotInitialized)
	assert.False(t, a.SendDTMF(ctx, "1"))
	assert.False(t, a.SetMuted(ctx, true))
}

func TestAdapter_RegisterFailureTearsDown(t *testing.T) {
	a, sig, _ := newTestAdapter(t)
	sig.registerErr = errors.New("403 Forbidden")

	err := a.ConnectAndRegister(context.Background(), testCreds)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrRegistrationRejected)
	assert.Contains(t, backend.ReasonOf(err), "403 Forbidden")

	assert.ErrorIs(t, a.StartCall(context.Background(), "1002", 1), backend.ErrNotInitialized)
	_, open := <-sig.notes
	assert.False(t, open, "стек должен быть закрыт")
}

func TestAdapter_InvalidCredentials(t *testing.T) {
	a, sig, _ := newTestAdapter(t)
	err := a.ConnectAndRegister(context.Background(), backend.Credentials{Username: "1001"})
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
	assert.Empty(t, sig.calls())
}

func TestAdapter_OutgoingCallCarriesAttempt(t *testing.T) {
	a, sig, _ := registered(t)
	ctx := context.Background()

	assert.ErrorIs(t, a.StartCall(ctx, "  ", 7), backend.ErrInvalidArgument)
	require.NoError(t, a.StartCall(ctx, "1002", 7))
	id := sig.inviteFor("1002")
	require.NotEmpty(t, id)

	err := a.StartCall(ctx, "1003", 8)
	assert.ErrorIs(t, err, backend.ErrOperationRejected)

	sig.notes <- Notification{Tag: TagTrying, CallID: id, Peer: "1002"}
	ev := nextEvent(t, a)
	assert.Equal(t, TagTrying, ev.Tag)
	assert.Equal(t, uint64(7), ev.Attempt)
	assert.Equal(t, backend.NameWebSocket, ev.Backend)
	assert.JSONEq(t, `{"peer":"1002"}`, string(ev.Payload))

	sig.notes <- Notification{Tag: TagAccepted, CallID: id, Peer: "1002", Direction: "outgoing"}
	ev = nextEvent(t, a)
	assert.Equal(t, TagAccepted, ev.Tag)
	assert.Equal(t, uint64(7), ev.Attempt)

	require.NoError(t, a.Hangup(ctx))
	assert.Contains(t, sig.calls(), "bye")
}

func TestAdapter_InviteFailureClearsCall(t *testing.T) {
	a, sig, _ := registered(t)
	sig.inviteErr = errors.New("транспорт закрыт")

	err := a.StartCall(context.Background(), "1002", 3)
	assert.ErrorIs(t, err, backend.ErrOperationRejected)

	sig.inviteErr = nil
	assert.NoError(t, a.StartCall(context.Background(), "1002", 4))
}

func TestAdapter_IncomingCallTakesNextAttempt(t *testing.T) {
	a, sig, seq := registered(t)
	seq.Next()
	seq.Next()

	sig.notes <- Notification{Tag: TagInvite, CallID: "in-1", Peer: "2001", DisplayName: "Alice"}
	ev := nextEvent(t, a)
	assert.Equal(t, TagInvite, ev.Tag)
	assert.Equal(t, uint64(3), ev.Attempt)

	// второй входящий во время первого отклоняется без события
	sig.notes <- Notification{Tag: TagInvite, CallID: "in-2", Peer: "2002"}
	assert.Eventually(t, func() bool {
		for _, op := range sig.calls() {
			if op == "decline" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(3), seq.Current())

	require.NoError(t, a.Answer(context.Background()))
	assert.Contains(t, sig.calls(), "accept")
	assert.ErrorIs(t, a.Answer(context.Background()), backend.ErrOperationRejected)
	assert.ErrorIs(t, a.Reject(context.Background()), backend.ErrOperationRejected)
}

func TestAdapter_RejectIncoming(t *testing.T) {
	a, sig, _ := registered(t)
	sig.notes <- Notification{Tag: TagInvite, CallID: "in-1", Peer: "2001"}
	nextEvent(t, a)

	require.NoError(t, a.Reject(context.Background()))
	assert.Contains(t, sig.calls(), "decline")
	assert.ErrorIs(t, a.Hangup(context.Background()), backend.ErrOperationRejected)
}

func TestAdapter_RepairsRemoteDescription(t *testing.T) {
	a, sig, _ := registered(t)
	body := sdpLines("v=0", "o=- 1 1 IN IP4 10.0.0.1", "s=-", "t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 0", "c=IN IP4 10.0.0.1", "a=fingerprint:SHA-256", "")

	sig.notes <- Notification{Tag: TagInvite, CallID: "in-1", Peer: "2001", SDP: []byte(body)}
	ev := nextEvent(t, a)
	assert.NotContains(t, string(ev.Payload), "fingerprint")

	assert.Contains(t, a.RemoteDescription(), "a=fingerprint:SHA-256 "+PlaceholderFingerprint)
	require.NoError(t, a.Answer(context.Background()))
}

func TestAdapter_ForeignCallIsDropped(t *testing.T) {
	a, sig, _ := registered(t)
	sig.notes <- Notification{Tag: TagTerminated, CallID: "unknown"}
	sig.notes <- Notification{Tag: TagRegistered}

	ev := nextEvent(t, a)
	assert.Equal(t, TagRegistered, ev.Tag)
	assert.Zero(t, ev.Attempt)
}

func TestAdapter_FailedCallWaitsForHangup(t *testing.T) {
	a, sig, _ := registered(t)
	ctx := context.Background()
	require.NoError(t, a.StartCall(ctx, "1002", 1))
	id := sig.inviteFor("1002")

	sig.notes <- Notification{Tag: TagFailed, CallID: id, Reason: "486 Busy Here"}
	ev := nextEvent(t, a)
	assert.Equal(t, TagFailed, ev.Tag)
	assert.Equal(t, uint64(1), ev.Attempt)

	// после отказа можно звонить снова
	require.NoError(t, a.Hangup(ctx))
	assert.NotContains(t, sig.calls(), "bye")
	require.NoError(t, a.StartCall(ctx, "1003", 2))
}

func TestAdapter_Mute(t *testing.T) {
	a, sig, _ := registered(t)
	ctx := context.Background()
	assert.False(t, a.SetMuted(ctx, true), "без вызова")

	sig.notes <- Notification{Tag: TagInvite, CallID: "in-1"}
	nextEvent(t, a)

	require.True(t, a.SetMuted(ctx, true))
	ev := nextEvent(t, a)
	assert.Equal(t, TagMuteChanged, ev.Tag)
	var n Notification
	require.NoError(t, json.Unmarshal(ev.Payload, &n))
	require.NotNil(t, n.Muted)
	assert.True(t, *n.Muted)
	assert.True(t, a.Muted())

	require.True(t, a.ToggleMuted(ctx))
	nextEvent(t, a)
	assert.False(t, a.Muted())
}

func TestAdapter_SendDTMF(t *testing.T) {
	a, sig, _ := registered(t)
	ctx := context.Background()
	sig.notes <- Notification{Tag: TagInvite, CallID: "in-1"}
	nextEvent(t, a)

	assert.False(t, a.SendDTMF(ctx, "12"), "вызов еще не принят")
	require.NoError(t, a.Answer(ctx))

	assert.False(t, a.SendDTMF(ctx, ""))
	assert.False(t, a.SendDTMF(ctx, "1x"))
	assert.True(t, a.SendDTMF(ctx, "1#"))

	sig.mu.Lock()
	infos := append([]string(nil), sig.infos...)
	sig.mu.Unlock()
	assert.Equal(t, []string{"Signal=1\r\nDuration=160\r\n", "Signal=#\r\nDuration=160\r\n"}, infos)
}

func establishedCall(t *testing.T) (*Adapter, *fakeSignaling) {
	t.Helper()
	a, sig, _ := registered(t)
	require.NoError(t, a.StartCall(context.Background(), "1002", 1))
	id := sig.inviteFor("1002")
	sig.notes <- Notification{Tag: TagAccepted, CallID: id, Direction: "outgoing"}
	nextEvent(t, a)
	return a, sig
}

func TestAdapter_TransferBlind(t *testing.T) {
	a, sig := establishedCall(t)
	assert.ErrorIs(t, a.TransferBlind(context.Background(), " "), backend.ErrInvalidArgument)
	require.NoError(t, a.TransferBlind(context.Background(), "1003"))
	assert.Contains(t, sig.calls(), "refer")
}

func TestAdapter_TransferAttended(t *testing.T) {
	t.Run("консультация принята", func(t *testing.T) {
		a, sig := establishedCall(t)
		done := make(chan error, 1)
		go func() { done <- a.TransferAttended(context.Background(), "1003") }()

		var consultID string
		require.Eventually(t, func() bool {
			consultID = sig.inviteFor("1003")
			return consultID != ""
		}, time.Second, 10*time.Millisecond)

		sig.notes <- Notification{Tag: TagAccepted, CallID: consultID}
		require.NoError(t, <-done)
		assert.Contains(t, sig.calls(), "referReplaces")
	})

	t.Run("консультация отклонена", func(t *testing.T) {
		a, sig := establishedCall(t)
		done := make(chan error, 1)
		go func() { done <- a.TransferAttended(context.Background(), "1003") }()

		var consultID string
		require.Eventually(t, func() bool {
			consultID = sig.inviteFor("1003")
			return consultID != ""
		}, time.Second, 10*time.Millisecond)

		sig.notes <- Notification{Tag: TagFailed, CallID: consultID, Reason: "486 Busy Here"}
		err := <-done
		assert.ErrorIs(t, err, backend.ErrOperationRejected)
		assert.Equal(t, "486 Busy Here", backend.ReasonOf(err))
		assert.NotContains(t, sig.calls(), "referReplaces")
	})

	t.Run("отмена контекста", func(t *testing.T) {
		a, sig := establishedCall(t)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.TransferAttended(ctx, "1003") }()

		require.Eventually(t, func() bool { return sig.inviteFor("1003") != "" }, time.Second, 10*time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, backend.ErrCancelled)
		assert.Contains(t, sig.calls(), "bye")
	})
}

func TestAdapter_UnregisterClosesEvents(t *testing.T) {
	a, sig, _ := registered(t)
	require.NoError(t, a.UnregisterAndDisconnect(context.Background()))
	assert.Contains(t, sig.calls(), "unregister")

	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, a.ConnectAndRegister(context.Background(), testCreds), backend.ErrCancelled)
}
