package native

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone/pkg/backend"
	"github.com/arzzra/softphone/pkg/model"
	"github.com/arzzra/softphone/pkg/normalizer"
)

func normalize(t *testing.T, tag any, payload string) model.Event {
	t.Helper()
	n := normalizer.New(nil)
	n.Register(backend.NameNative, Vocabulary())
	env, err := n.Normalize(backend.RawEvent{Backend: backend.NameNative, Tag: tag, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	return env.Event
}

func TestVocabulary_IntegerEstablished(t *testing.T) {
	assert.Equal(t, model.Established{}, normalize(t, 5, `{}`))
	assert.Equal(t, model.Established{}, normalize(t, "5", `{}`))
	assert.Equal(t, model.Established{}, normalize(t, json.RawMessage(`5`), ``))
}

func TestVocabulary_AllCallCodes(t *testing.T) {
	want := map[int]model.EventKind{
		callIdle:         model.KindTerminated,
		callDialing:      model.KindDialing,
		callRinging:      model.KindRinging,
		callIncoming:     model.KindIncomingCall,
		callEstablishing: model.KindConnectingMedia,
		callEstablished:  model.KindEstablished,
		callTerminating:  model.KindUnknown,
		callTerminated:   model.KindTerminated,
		callFailed:       model.KindUnknown,
	}
	for code := 0; code < CallStates.Len(); code++ {
		ev := normalize(t, code, `{}`)
		assert.Equal(t, want[code], ev.Kind(), "код %d", code)
	}

	failed := normalize(t, callFailed, `{"lastError":"486 Busy Here"}`).(model.Unknown)
	require.NotNil(t, failed.Patch.CallStatus)
	assert.Equal(t, model.CallFailed, *failed.Patch.CallStatus)
	assert.Equal(t, "486 Busy Here", *failed.Patch.LastError)
}

func TestVocabulary_NamedEvents(t *testing.T) {
	snap := `{"connection":"3","callStatus":"5","callDirection":"1","muted":false,` +
		`"username":"alice","domain":"pbx.example.com","remoteUri":"sip:1001@pbx.example.com"}`

	assert.Equal(t, model.Registered{}, normalize(t, "registered", snap))
	assert.Equal(t, model.Established{Peer: "1001", Direction: model.DirectionOutgoing}, normalize(t, "established", snap))
	assert.Equal(t, model.Ringing{Peer: "1001"}, normalize(t, "ringing", snap))
	assert.Equal(t, model.Dialing{}, normalize(t, "dialing", `{}`))
	assert.Equal(t, model.ConnectingMedia{}, normalize(t, "mediaActive", `{}`))
	assert.Equal(t, model.Terminated{}, normalize(t, "callRejected", `{}`))
	assert.Equal(t, model.MuteChanged{Muted: true}, normalize(t, "muteChanged", `{"muted":true}`))
	assert.Equal(t, model.TransferSucceeded{}, normalize(t, "transferSuccess", `{}`))
	assert.Equal(t, model.TransferFailed{Reason: "Transfer failed: 603"}, normalize(t, "transferFailed", `{"lastError":"Transfer failed: 603"}`))
	assert.Equal(t, model.DtmfReceived{Digit: "5"}, normalize(t, "dtmfReceived", `"{\"digit\":\"5\"}"`))

	incoming := normalize(t, "incomingCall", `{"incoming":{"displayName":"Bob","user":"2002","uri":"sip:2002@pbx"}}`)
	assert.Equal(t, model.IncomingCall{Info: model.IncomingCallInfo{DisplayName: "Bob", User: "2002", URI: "sip:2002@pbx"}}, incoming)
}

func TestVocabulary_UnregisteredWithErrorIsRegistrationFailure(t *testing.T) {
	assert.Equal(t, model.Unregistered{}, normalize(t, "unregistered", `{"connection":"4"}`))
	assert.Equal(t,
		model.RegistrationFailed{Reason: "Registration failed: 403"},
		normalize(t, "unregistered", `{"connection":"4","lastError":"Registration failed: 403"}`))
}

func TestVocabulary_UnknownTagMergesSnapshot(t *testing.T) {
	ev := normalize(t, "transferStarted", `{"connection":"3","callStatus":"4","callDirection":"2","muted":true,"username":"alice","domain":"pbx"}`)
	u, ok := ev.(model.Unknown)
	require.True(t, ok)
	assert.Equal(t, "transferStarted", u.Tag)

	p := u.Patch
	require.NotNil(t, p.Connection)
	assert.Equal(t, model.ConnectionRegistered, *p.Connection)
	assert.Nil(t, p.CallStatus, "establishing не меняет статус")
	assert.Equal(t, model.DirectionIncoming, *p.CallDirection)
	assert.True(t, *p.Muted)
	assert.Equal(t, &model.Identity{Username: "alice", Domain: "pbx"}, p.Identity)
	assert.Equal(t, "", *p.LastError, "полный снимок без lastError очищает ошибку")
}

func TestVocabulary_Malformed(t *testing.T) {
	n := normalizer.New(nil)
	n.Register(backend.NameNative, Vocabulary())

	for _, raw := range []backend.RawEvent{
		{Backend: backend.NameNative, Tag: "muteChanged", Payload: json.RawMessage(`{}`)},
		{Backend: backend.NameNative, Tag: "dtmfReceived", Payload: json.RawMessage(`{}`)},
		{Backend: backend.NameNative, Tag: "established", Payload: json.RawMessage(`{"callDirection":"9"}`)},
		{Backend: backend.NameNative, Tag: "snapshot", Payload: json.RawMessage(`{"connection":"42"}`)},
		{Backend: backend.NameNative, Tag: "ringing", Payload: json.RawMessage(`{"muted":"x"}`)},
	} {
		_, err := n.Normalize(raw)
		assert.Error(t, err, "%v %s", raw.Tag, raw.Payload)
	}
}
