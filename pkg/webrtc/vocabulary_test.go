package webrtc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/backend"
	"github.com/arzzra/softphone/pkg/model"
	"github.com/arzzra/softphone/pkg/normalizer"
)

func normalize(t *testing.T, n Notification) model.Event {
	t.Helper()
	payload, err := json.Marshal(n)
	require.NoError(t, err)
	norm := normalizer.New(nil)
	norm.Register(backend.NameWebSocket, Vocabulary())
	env, err := norm.Normalize(backend.RawEvent{Backend: backend.NameWebSocket, Tag: n.Tag, Payload: payload})
	require.NoError(t, err)
	return env.Event
}

func TestVocabulary(t *testing.T) {
	muted := true
	tests := []struct {
		name string
		in   Notification
		want model.Event
	}{
		{"registered", Notification{Tag: TagRegistered}, model.Registered{}},
		{"unregistered", Notification{Tag: TagUnregistered}, model.Unregistered{}},
		{"registrationFailed", Notification{Tag: TagRegistrationFailed, Reason: "403 Forbidden"},
			model.RegistrationFailed{Reason: "403 Forbidden"}},
		{"invite", Notification{Tag: TagInvite, Peer: "1001", DisplayName: "Bob", URI: "sip:1001@pbx"},
			model.IncomingCall{Info: model.IncomingCallInfo{DisplayName: "Bob", User: "1001", URI: "sip:1001@pbx"}}},
		{"trying", Notification{Tag: TagTrying, Peer: "1001"}, model.Dialing{Peer: "1001"}},
		{"progress", Notification{Tag: TagProgress}, model.Ringing{}},
		{"accepted outgoing", Notification{Tag: TagAccepted, Peer: "1001", Direction: "outgoing"},
			model.Established{Peer: "1001", Direction: model.DirectionOutgoing}},
		{"accepted без направления", Notification{Tag: TagAccepted}, model.Established{}},
		{"terminated", Notification{Tag: TagTerminated, Reason: "bye"}, model.Terminated{Reason: "bye"}},
		{"failed", Notification{Tag: TagFailed, Reason: "486 Busy Here"}, model.Unknown{Tag: TagFailed, Patch: model.Patch{
			CallStatus: model.Ptr(model.CallFailed),
			LastError:  model.Ptr("486 Busy Here"),
		}}},
		{"referAccepted", Notification{Tag: TagReferAccepted}, model.TransferSucceeded{}},
		{"referFailed", Notification{Tag: TagReferFailed}, model.TransferFailed{Reason: "перевод вызова не удался"}},
		{"dtmf", Notification{Tag: TagDTMF, Digit: "5"}, model.DtmfReceived{Digit: "5"}},
		{"muteChanged", Notification{Tag: TagMuteChanged, Muted: &muted}, model.MuteChanged{Muted: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalize(t, tt.in))
		})
	}
}

func TestVocabulary_UnknownTagMergesPeer(t *testing.T) {
	ev := normalize(t, Notification{Tag: "refreshed", Peer: "2002"})
	unknown, ok := ev.(model.Unknown)
	require.True(t, ok)
	assert.Equal(t, "refreshed", unknown.Tag)
	require.NotNil(t, unknown.Patch.RemotePeer)
	assert.Equal(t, "2002", *unknown.Patch.RemotePeer)
	assert.Nil(t, unknown.Patch.CallStatus)
}

func TestVocabulary_Malformed(t *testing.T) {
	norm := normalizer.New(nil)
	norm.Register(backend.NameWebSocket, Vocabulary())

	for _, raw := range []backend.RawEvent{
		{Backend: backend.NameWebSocket, Tag: TagDTMF, Payload: json.RawMessage(`{}`)},
		{Backend: backend.NameWebSocket, Tag: TagMuteChanged, Payload: json.RawMessage(`{}`)},
		{Backend: backend.NameWebSocket, Tag: TagInvite, Payload: json.RawMessage(`[1,2]`)},
	} {
		_, err := norm.Normalize(raw)
		assert.ErrorIs(t, err, backend.ErrMalformedEvent, "tag %v", raw.Tag)
	}
}
