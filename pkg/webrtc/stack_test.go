package webrtc

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw       string
		transport string
		addr      string
		wantErr   bool
	}{
		{raw: "wss://pbx.example.com:8089/ws", transport: "wss", addr: "pbx.example.com:8089"},
		{raw: "wss://pbx.example.com/ws", transport: "wss", addr: "pbx.example.com:443"},
		{raw: "ws://10.0.0.5/ws", transport: "ws", addr: "10.0.0.5:80"},
		{raw: "http://pbx.example.com", wantErr: true},
		{raw: "wss:///ws", wantErr: true},
		{raw: "wss://pbx.example.com:port", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ep, err := parseEndpoint(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.transport, ep.transport)
			assert.Equal(t, tt.addr, ep.addr())
		})
	}
}

func TestTargetURI(t *testing.T) {
	tests := []struct {
		target string
		user   string
		host   string
	}{
		{"1001", "1001", "pbx.example.com"},
		{" 1001 ", "1001", "pbx.example.com"},
		{"bob@other.org", "bob", "other.org"},
		{"sip:carol@third.net", "carol", "third.net"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			u, err := targetURI(tt.target, "pbx.example.com", "wss")
			require.NoError(t, err)
			assert.Equal(t, tt.user, u.User)
			assert.Equal(t, tt.host, u.Host)
			tp, ok := u.UriParams.Get("transport")
			assert.True(t, ok)
			assert.Equal(t, "wss", tp)
		})
	}
}

func TestWithTransport_KeepsExisting(t *testing.T) {
	var u sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@10.0.0.1;transport=ws", &u))
	u = withTransport(u, "wss")
	tp, _ := u.UriParams.Get("transport")
	assert.Equal(t, "ws", tp)
}

func TestReplacesTarget(t *testing.T) {
	var remote sip.Uri
	require.NoError(t, sip.ParseUri("sip:1002@pbx.example.com", &remote))

	got := replacesTarget(remote, "abc@host", "to1", "from1")
	assert.True(t, strings.HasPrefix(got, "<sip:1002@pbx.example.com?Replaces="))
	assert.Contains(t, got, "abc%40host%3Bto-tag%3Dto1%3Bfrom-tag%3Dfrom1")
	assert.True(t, strings.HasSuffix(got, ">"))
}

func TestParseSipfrag(t *testing.T) {
	tests := []struct {
		body   string
		code   int
		reason string
		ok     bool
	}{
		{"SIP/2.0 200 OK\r\n", 200, "OK", true},
		{"SIP/2.0 100 Trying", 100, "Trying", true},
		{"SIP/2.0 603 Declined by user\r\nContent-Length: 0", 603, "Declined by user", true},
		{"garbage", 0, "", false},
		{"SIP/2.0 abc", 0, "", false},
		{"", 0, "", false},
	}
	for _, tt := range tests {
		code, reason, ok := parseSipfrag([]byte(tt.body))
		assert.Equal(t, tt.ok, ok, tt.body)
		assert.Equal(t, tt.code, code, tt.body)
		assert.Equal(t, tt.reason, reason, tt.body)
	}
}

func TestDTMFRelay(t *testing.T) {
	body := dtmfRelayBody('#')
	assert.Equal(t, "Signal=#\r\nDuration=160\r\n", string(body))

	digit, ok := parseDTMFRelay(body)
	require.True(t, ok)
	assert.Equal(t, "#", digit)

	digit, ok = parseDTMFRelay([]byte("signal = 7\nDuration=100"))
	require.True(t, ok)
	assert.Equal(t, "7", digit)

	_, ok = parseDTMFRelay([]byte("Duration=100"))
	assert.False(t, ok)
}

func TestStack_NotStarted(t *testing.T) {
	s := NewStack(StackConfig{}, nil)
	defer s.Close()

	assert.ErrorIs(t, s.Invite(t.Context(), "c1", "1001", nil), ErrStackNotStarted)
	assert.ErrorIs(t, s.Bye(t.Context(), "c1"), ErrStackNotStarted)
	assert.ErrorIs(t, s.Info(t.Context(), "c1", "application/dtmf-relay", nil), ErrStackNotStarted)
	assert.NoError(t, s.Unregister(t.Context()))
}

func TestStack_CloseClosesNotifications(t *testing.T) {
	s := NewStack(DefaultStackConfig(), nil)
	require.NoError(t, s.Close())
	_, ok := <-s.Notifications()
	assert.False(t, ok)
	// повторное закрытие безопасно
	assert.NoError(t, s.Close())
}
