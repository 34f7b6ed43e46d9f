package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendError_Is(t *testing.T) {
	err := NotInitialized("startCall")
	wrapped := fmt.Errorf("dial: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotInitialized))
	assert.False(t, errors.Is(wrapped, ErrOperationRejected))
	assert.Equal(t, CodeNotInitialized, CodeOf(wrapped))
	assert.Equal(t, "startCall", err.Fields["operation"])
	assert.Equal(t, CategoryTransport, err.Category)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(CodeOperationRejected, nil))

	be := Wrap(CodeOperationRejected, context.Canceled)
	assert.Equal(t, CodeCancelled, be.Code)
	assert.True(t, errors.Is(be, context.Canceled))

	be = Wrap(CodeRegistrationRejected, errors.New("403 Forbidden"))
	assert.Equal(t, CodeRegistrationRejected, be.Code)
	assert.Equal(t, "403 Forbidden", be.Reason())
	assert.Equal(t, "[REGISTRATION_REJECTED] 403 Forbidden", be.Error())

	orig := Rejected("answer", "нет входящего вызова")
	assert.Same(t, orig, Wrap(CodeInitializationFailed, orig))
	assert.Equal(t, "нет входящего вызова", ReasonOf(fmt.Errorf("x: %w", orig)))
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name      string
		creds     Credentials
		wantErr   bool
		transport Transport
		port      int
		domain    string
		wsURL     string
	}{
		{
			name:      "хост без порта",
			creds:     Credentials{Username: "alice", Server: "pbx.example.com"},
			transport: TransportWebSocketSecure,
			port:      5060,
			domain:    "pbx.example.com",
			wsURL:     "wss://pbx.example.com:5060/ws",
		},
		{
			name:      "полный URL",
			creds:     Credentials{Username: "alice", Server: "wss://sip.example.com:8089/ws", Transport: "wss"},
			transport: TransportWebSocketSecure,
			port:      0,
			domain:    "sip.example.com",
			wsURL:     "wss://sip.example.com:8089/ws",
		},
		{
			name:      "udp псевдоним",
			creds:     Credentials{Username: "alice", Server: "pbx.example.com:5080", Transport: "udp"},
			transport: TransportDatagram,
			port:      5060,
			domain:    "pbx.example.com",
			wsURL:     "wss://pbx.example.com:5060/ws",
		},
		{name: "без пользователя", creds: Credentials{Server: "pbx"}, wantErr: true},
		{name: "без сервера", creds: Credentials{Username: "alice"}, wantErr: true},
		{name: "плохой транспорт", creds: Credentials{Username: "a", Server: "b", Transport: "sctp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.creds
			err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, CodeInvalidArgument, CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.transport, c.Transport)
			assert.Equal(t, tt.port, c.Port)
			assert.Equal(t, tt.domain, c.Domain())
			assert.Equal(t, tt.wsURL, c.WebSocketURL())
		})
	}
}

func TestTransport(t *testing.T) {
	assert.True(t, TransportDatagram.Native())
	assert.True(t, TransportStream.Native())
	assert.False(t, TransportWebSocketSecure.Native())
	assert.Equal(t, "tcp", TransportStream.Network())
	assert.Equal(t, "udp", TransportDatagram.Network())
}

func TestCredentials_Redacted(t *testing.T) {
	c := Credentials{Username: "alice", Password: "secret"}
	assert.Equal(t, "***", c.Redacted().Password)
	assert.Equal(t, "secret", c.Password)
}

func TestSequencer_Concurrent(t *testing.T) {
	var seq Sequencer
	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(seq.Next(), true)
			assert.False(t, dup, "номера попыток не должны повторяться")
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(50), seq.Current())
}
