package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/model"
)

func env(ev model.Event, attempt uint64) model.Envelope {
	return model.Envelope{Event: ev, Attempt: attempt, Backend: "test"}
}

func TestMachine_Initial(t *testing.T) {
	m := New(nil)
	s := m.Snapshot()
	assert.Equal(t, model.ConnectionIdle, s.Connection)
	assert.Equal(t, model.CallIdle, s.CallStatus)
	assert.Equal(t, model.DirectionNone, s.CallDirection)
	assert.Nil(t, s.Identity)
}

func TestMachine_RegisterScenario(t *testing.T) {
	m := New(nil)

	s := m.Register(model.Identity{Username: "alice", Domain: "pbx.example.com"})
	assert.Equal(t, model.ConnectionConnecting, s.Connection)
	require.NotNil(t, s.Identity)
	assert.Equal(t, model.Identity{Username: "alice", Domain: "pbx.example.com"}, *s.Identity)

	res := m.Apply(env(model.Registered{}, 0))
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, model.ConnectionRegistered, res.Snapshot.Connection)
	assert.Equal(t, "alice", res.Snapshot.Identity.Username)
}

func TestMachine_RegistrationFailedKeepsCall(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)
	m.Apply(env(model.Established{}, 1))

	res := m.Apply(env(model.RegistrationFailed{Reason: "403 Forbidden"}, 0))
	assert.Equal(t, model.ConnectionError, res.Snapshot.Connection)
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
	assert.Equal(t, "403 Forbidden", res.Snapshot.LastError)

	res = m.Apply(env(model.Registered{}, 0))
	assert.Empty(t, res.Snapshot.LastError)
}

func TestMachine_DialThenRingingKeepsPeer(t *testing.T) {
	m := New(nil)

	s, err := m.Dial("1001", 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallDialing, s.CallStatus)
	assert.Equal(t, model.DirectionOutgoing, s.CallDirection)
	assert.Equal(t, "1001", s.RemotePeer)

	res := m.Apply(env(model.Ringing{}, 1))
	assert.Equal(t, model.CallRinging, res.Snapshot.CallStatus)
	assert.Equal(t, "1001", res.Snapshot.RemotePeer)
	assert.Equal(t, model.DirectionOutgoing, res.Snapshot.CallDirection)
}

func TestMachine_ConfirmationRefreshesPeer(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)

	res := m.Apply(env(model.CallStarted{Target: "1001"}, 1))
	assert.Equal(t, model.CallDialing, res.Snapshot.CallStatus)

	res = m.Apply(env(model.Established{Peer: "1001-resolved"}, 1))
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
	assert.Equal(t, "1001-resolved", res.Snapshot.RemotePeer)
}

func TestMachine_DialingFromIdle(t *testing.T) {
	m := New(nil)
	res := m.Apply(env(model.Dialing{Peer: "2001"}, 0))
	assert.Equal(t, model.CallDialing, res.Snapshot.CallStatus)
	assert.Equal(t, model.DirectionOutgoing, res.Snapshot.CallDirection)
	assert.Equal(t, "2001", res.Snapshot.RemotePeer)
}

func TestMachine_IncomingCall(t *testing.T) {
	m := New(nil)
	info := model.IncomingCallInfo{DisplayName: "Bob", User: "2002", URI: "sip:2002@pbx"}

	res := m.Apply(env(model.IncomingCall{Info: info}, 1))
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, model.CallIncoming, res.Snapshot.CallStatus)
	assert.Equal(t, model.DirectionIncoming, res.Snapshot.CallDirection)
	assert.Equal(t, &info, res.Snapshot.Incoming)
	assert.Equal(t, "2002", res.Snapshot.RemotePeer)

	// повтор входящего в том же вызове не меняет состояние
	res = m.Apply(env(model.IncomingCall{Info: info}, 1))
	assert.Equal(t, Ignored, res.Outcome)

	res = m.Apply(env(model.Ringing{}, 1))
	assert.Equal(t, model.CallRinging, res.Snapshot.CallStatus)
	assert.Equal(t, model.DirectionIncoming, res.Snapshot.CallDirection)

	attempt, err := m.Answer()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), attempt)

	res = m.Apply(env(model.Established{}, 1))
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
	assert.Equal(t, model.DirectionIncoming, res.Snapshot.CallDirection)
	assert.Equal(t, "2002", res.Snapshot.RemotePeer)
}

func TestMachine_ConnectingMedia(t *testing.T) {
	m := New(nil)
	assert.Equal(t, Ignored, m.Apply(env(model.ConnectingMedia{}, 0)).Outcome)

	_, err := m.Dial("1001", 1)
	require.NoError(t, err)
	res := m.Apply(env(model.ConnectingMedia{}, 1))
	assert.Equal(t, model.CallRinging, res.Snapshot.CallStatus)

	m.Apply(env(model.Established{}, 1))
	res = m.Apply(env(model.ConnectingMedia{}, 1))
	assert.Equal(t, Ignored, res.Outcome)
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
}

func TestMachine_EstablishedIgnoredInIdle(t *testing.T) {
	m := New(nil)
	res := m.Apply(env(model.Established{}, 0))
	assert.Equal(t, Ignored, res.Outcome)
	assert.Equal(t, model.CallIdle, res.Snapshot.CallStatus)
}

func TestMachine_TerminatedResets(t *testing.T) {
	m := New(nil)
	m.Register(model.Identity{Username: "alice", Domain: "pbx"})
	m.Apply(env(model.Registered{}, 0))
	m.Apply(env(model.IncomingCall{Info: model.IncomingCallInfo{User: "2002"}}, 1))
	m.Apply(env(model.MuteChanged{Muted: true}, 0))
	m.Apply(env(model.TransferFailed{Reason: "boom"}, 0))

	res := m.Apply(env(model.Terminated{}, 1))
	s := res.Snapshot
	assert.Equal(t, model.ConnectionRegistered, s.Connection)
	assert.Equal(t, model.CallIdle, s.CallStatus)
	assert.Equal(t, model.DirectionNone, s.CallDirection)
	assert.Nil(t, s.Incoming)
	assert.Empty(t, s.RemotePeer)
	assert.Empty(t, s.LastError)
	assert.False(t, s.Muted)
	assert.NotNil(t, s.Identity)
}

func TestMachine_DuplicateTerminatedSuppressed(t *testing.T) {
	m := New(nil)
	e := NewEmitter(m.Snapshot())

	s, err := m.Dial("1001", 1)
	require.NoError(t, err)
	assert.True(t, e.Offer(s))

	first := m.Apply(env(model.Terminated{}, 1))
	assert.True(t, e.Offer(first.Snapshot))

	second := m.Apply(env(model.Terminated{}, 1))
	assert.False(t, e.Offer(second.Snapshot))

	third := m.Apply(env(model.Terminated{}, 0))
	assert.False(t, e.Offer(third.Snapshot))
}

func TestMachine_StaleConfirmationAfterHangup(t *testing.T) {
	m := New(nil)

	_, err := m.Dial("A", 1)
	require.NoError(t, err)
	s, err := m.Hangup()
	require.NoError(t, err)
	assert.Equal(t, model.CallIdle, s.CallStatus)

	for _, ev := range []model.Event{
		model.CallStarted{Target: "A"},
		model.Ringing{},
		model.Established{Direction: model.DirectionOutgoing},
		model.Unknown{Patch: model.Patch{CallStatus: model.Ptr(model.CallFailed)}},
	} {
		res := m.Apply(env(ev, 1))
		assert.Equal(t, Stale, res.Outcome, ev.Kind().String())
		assert.Equal(t, model.CallIdle, res.Snapshot.CallStatus, ev.Kind().String())
	}

	res := m.Fail(1, "408 Request Timeout")
	assert.Equal(t, Stale, res.Outcome)
	assert.Empty(t, res.Snapshot.LastError)
}

func TestMachine_UnattributedConfirmationAfterHangup(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)
	_, err = m.Hangup()
	require.NoError(t, err)

	for _, ev := range []model.Event{
		model.CallStarted{},
		model.Dialing{},
		model.Ringing{},
		model.Established{},
	} {
		res := m.Apply(env(ev, 0))
		assert.Equal(t, Stale, res.Outcome, ev.Kind().String())
		assert.Equal(t, model.CallIdle, res.Snapshot.CallStatus, ev.Kind().String())
		assert.Empty(t, res.Snapshot.RemotePeer, ev.Kind().String())
	}

	// входящий без попытки по-прежнему принимается
	res := m.Apply(env(model.IncomingCall{Info: model.IncomingCallInfo{User: "2002"}}, 0))
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, model.CallIncoming, res.Snapshot.CallStatus)
}

func TestMachine_IncomingInfoOnlyWhileIncoming(t *testing.T) {
	info := model.IncomingCallInfo{DisplayName: "Bob", User: "2002"}

	m := New(nil)
	m.Apply(env(model.IncomingCall{Info: info}, 1))
	res := m.Apply(env(model.Ringing{}, 1))
	assert.Equal(t, model.CallRinging, res.Snapshot.CallStatus)
	assert.Equal(t, "2002", res.Snapshot.RemotePeer)
	assert.Nil(t, res.Snapshot.Incoming)
	res = m.Apply(env(model.Established{}, 1))
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
	assert.Nil(t, res.Snapshot.Incoming)

	m = New(nil)
	m.Apply(env(model.IncomingCall{Info: info}, 1))
	res = m.Apply(env(model.Established{}, 1))
	assert.Nil(t, res.Snapshot.Incoming)

	m = New(nil)
	m.Apply(env(model.IncomingCall{Info: info}, 1))
	res = m.Fail(1, "486 Busy Here")
	assert.Equal(t, model.CallFailed, res.Snapshot.CallStatus)
	assert.Nil(t, res.Snapshot.Incoming)

	// полный снимок движка не может оставить сведения о входящем в Established
	m = New(nil)
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)
	res = m.Apply(env(model.Unknown{Tag: "snapshot", Patch: model.Patch{
		CallStatus: model.Ptr(model.CallEstablished),
		Incoming:   &info,
	}}, 1))
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
	assert.Nil(t, res.Snapshot.Incoming)
}

func TestMachine_OlderAttemptIsStale(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("A", 1)
	require.NoError(t, err)
	_, err = m.Hangup()
	require.NoError(t, err)
	_, err = m.Dial("B", 2)
	require.NoError(t, err)

	res := m.Apply(env(model.Established{}, 1))
	assert.Equal(t, Stale, res.Outcome)
	assert.Equal(t, model.CallDialing, res.Snapshot.CallStatus)
	assert.Equal(t, "B", res.Snapshot.RemotePeer)

	res = m.Apply(env(model.Established{}, 2))
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
}

func TestMachine_NewerAttemptOnlyForIncoming(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("A", 1)
	require.NoError(t, err)

	res := m.Apply(env(model.IncomingCall{Info: model.IncomingCallInfo{User: "2002"}}, 2))
	assert.Equal(t, Ignored, res.Outcome, "входящий во время вызова")

	res = m.Apply(env(model.Established{}, 5))
	assert.Equal(t, Ignored, res.Outcome)
	assert.Equal(t, model.CallDialing, res.Snapshot.CallStatus)

	_, err = m.Hangup()
	require.NoError(t, err)

	res = m.Apply(env(model.IncomingCall{Info: model.IncomingCallInfo{User: "2002"}}, 2))
	assert.Equal(t, Applied, res.Outcome)
	attempt, closed := m.Attempt()
	assert.Equal(t, uint64(2), attempt)
	assert.False(t, closed)
}

func TestMachine_RejectClosesAttempt(t *testing.T) {
	m := New(nil)
	m.Apply(env(model.IncomingCall{Info: model.IncomingCallInfo{User: "2002"}}, 3))

	s, err := m.Reject()
	require.NoError(t, err)
	assert.Equal(t, model.CallIdle, s.CallStatus)

	res := m.Apply(env(model.Established{}, 3))
	assert.Equal(t, Stale, res.Outcome)
}

func TestMachine_FailedDialThenReset(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)

	res := m.Fail(1, "486 Busy Here")
	assert.Equal(t, model.CallFailed, res.Snapshot.CallStatus)
	assert.Equal(t, "486 Busy Here", res.Snapshot.LastError)
	assert.Equal(t, model.DirectionOutgoing, res.Snapshot.CallDirection)

	_, err = m.Dial("1002", 2)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	res = m.Apply(env(model.Terminated{}, 1))
	assert.Equal(t, model.CallIdle, res.Snapshot.CallStatus)

	_, err = m.Dial("1002", 2)
	assert.NoError(t, err)
}

func TestMachine_FailWithoutCallIgnored(t *testing.T) {
	m := New(nil)
	res := m.Fail(0, "no call")
	assert.Equal(t, Ignored, res.Outcome)
	assert.Empty(t, res.Snapshot.LastError)
}

func TestMachine_TransferFailedKeepsCall(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)
	m.Apply(env(model.Established{}, 1))

	res := m.Apply(env(model.TransferFailed{Reason: "603 Decline"}, 0))
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
	assert.Equal(t, "603 Decline", res.Snapshot.LastError)

	res = m.Apply(env(model.TransferSucceeded{}, 0))
	assert.Equal(t, Applied, res.Outcome)
	res = m.Apply(env(model.DtmfReceived{Digit: "5"}, 0))
	assert.Equal(t, model.CallEstablished, res.Snapshot.CallStatus)
}

func TestMachine_UnknownMergesSnapshot(t *testing.T) {
	m := New(nil)
	res := m.Apply(env(model.Unknown{Tag: "snapshot", Patch: model.Patch{
		Connection: model.Ptr(model.ConnectionRegistered),
		Identity:   &model.Identity{Username: "alice", Domain: "pbx"},
		Muted:      model.Ptr(true),
	}}, 0))
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, model.ConnectionRegistered, res.Snapshot.Connection)
	assert.Equal(t, "alice", res.Snapshot.Identity.Username)
	assert.True(t, res.Snapshot.Muted)
	assert.Equal(t, model.CallIdle, res.Snapshot.CallStatus)
}

func TestMachine_UnknownTerminatedBecomesIdle(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)

	res := m.Apply(env(model.Unknown{Patch: model.Patch{CallStatus: model.Ptr(model.CallTerminated)}}, 0))
	assert.Equal(t, model.CallIdle, res.Snapshot.CallStatus)
	assert.Equal(t, model.DirectionNone, res.Snapshot.CallDirection)
	_, closed := m.Attempt()
	assert.True(t, closed)
}

func TestMachine_DirectionAssumed(t *testing.T) {
	m := New(nil)

	// снимок движка после перезапуска: вызов установлен, направление неизвестно
	res := m.Apply(env(model.Unknown{Patch: model.Patch{
		CallStatus: model.Ptr(model.CallEstablished),
		RemotePeer: model.Ptr("1001"),
	}}, 0))
	assert.True(t, res.DirectionAssumed)
	assert.Equal(t, model.DirectionOutgoing, res.Snapshot.CallDirection)

	// известное направление не подменяется
	res = m.Apply(env(model.Established{Direction: model.DirectionIncoming}, 0))
	assert.False(t, res.DirectionAssumed)
	assert.Equal(t, model.DirectionOutgoing, res.Snapshot.CallDirection)
}

func TestMachine_UnregisterEndsCall(t *testing.T) {
	m := New(nil)
	m.Register(model.Identity{Username: "alice", Domain: "pbx"})
	_, err := m.Dial("1001", 1)
	require.NoError(t, err)
	m.SetMuted(true)

	s := m.Unregister()
	assert.Equal(t, model.ConnectionUnregistered, s.Connection)
	assert.Nil(t, s.Identity)
	assert.Equal(t, model.CallIdle, s.CallStatus)
	assert.False(t, s.Muted)

	res := m.Apply(env(model.Established{}, 1))
	assert.Equal(t, Stale, res.Outcome)
}

// machineIn приводит автомат в заданный статус вызова
func machineIn(t *testing.T, st model.CallStatus, dir model.CallDirection) *Machine {
	t.Helper()
	m := New(nil)
	if dir == model.DirectionIncoming {
		m.Apply(env(model.IncomingCall{Info: model.IncomingCallInfo{User: "2002"}}, 1))
	} else if st != model.CallIdle {
		_, err := m.Dial("1001", 1)
		require.NoError(t, err)
	}
	switch st {
	case model.CallRinging:
		m.Apply(env(model.Ringing{}, 1))
	case model.CallEstablished:
		m.Apply(env(model.Established{}, 1))
	case model.CallTerminating:
		m.Apply(env(model.Unknown{Patch: model.Patch{CallStatus: model.Ptr(model.CallTerminating)}}, 1))
	case model.CallFailed:
		m.Fail(1, "failed")
	}
	require.Equal(t, st, m.Snapshot().CallStatus)
	return m
}

func TestMachine_CommandGuards(t *testing.T) {
	tests := []struct {
		status  model.CallStatus
		dir     model.CallDirection
		allowed []Command
	}{
		{model.CallIdle, model.DirectionNone, []Command{CmdDial}},
		{model.CallDialing, model.DirectionOutgoing, []Command{CmdHangup, CmdMute}},
		{model.CallRinging, model.DirectionOutgoing, []Command{CmdReject, CmdHangup, CmdMute}},
		{model.CallRinging, model.DirectionIncoming, []Command{CmdAnswer, CmdReject, CmdHangup, CmdMute}},
		{model.CallIncoming, model.DirectionIncoming, []Command{CmdAnswer, CmdReject, CmdHangup, CmdMute}},
		{model.CallEstablished, model.DirectionOutgoing, []Command{CmdHangup, CmdTransfer, CmdDTMF, CmdMute}},
		{model.CallTerminating, model.DirectionOutgoing, []Command{CmdHangup, CmdMute}},
		{model.CallFailed, model.DirectionOutgoing, []Command{CmdHangup, CmdMute}},
	}
	all := []Command{CmdDial, CmdAnswer, CmdReject, CmdHangup, CmdMute, CmdDTMF, CmdTransfer}

	for _, tt := range tests {
		t.Run(tt.status.String()+"/"+tt.dir.String(), func(t *testing.T) {
			m := machineIn(t, tt.status, tt.dir)
			for _, cmd := range all {
				err := m.Check(cmd)
				if contains(tt.allowed, cmd) {
					assert.NoError(t, err, "%s должна быть разрешена", cmd)
				} else {
					assert.ErrorIs(t, err, ErrInvalidCommand, "%s должна быть запрещена", cmd)
				}
			}
			assert.NoError(t, m.Check(CmdRegister))
			assert.NoError(t, m.Check(CmdUnregister))
		})
	}

	assert.ErrorIs(t, New(nil).Check(Command("bogus")), ErrInvalidCommand)
}

func contains(cmds []Command, c Command) bool {
	for _, x := range cmds {
		if x == c {
			return true
		}
	}
	return false
}

func TestMachine_HangupBeforeConfirmation(t *testing.T) {
	m := New(nil)
	_, err := m.Dial("1001", 7)
	require.NoError(t, err)

	// hangup принимается, пока набор не подтвержден
	_, err = m.Hangup()
	require.NoError(t, err)

	_, err = m.Hangup()
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestMachine_SnapshotIsCopy(t *testing.T) {
	m := New(nil)
	m.Register(model.Identity{Username: "alice", Domain: "pbx"})
	s := m.Snapshot()
	s.Identity.Username = "mallory"
	assert.Equal(t, "alice", m.Snapshot().Identity.Username)
}
