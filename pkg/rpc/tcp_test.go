package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hello struct {
	From *Ref   `json:"from"`
	Text string `json:"text"`
}

type testCodec struct{}

func (testCodec) Marshal(msg any) (string, []byte, error) {
	var name string
	switch msg.(type) {
	case *hello:
		name = "hello"
	case *echo:
		name = "echo"
	case *ping:
		name = "ping"
	case string:
		name = "string"
	default:
		return "", nil, fmt.Errorf("unsupported %T", msg)
	}
	body, err := json.Marshal(msg)
	return name, body, err
}

func (testCodec) Unmarshal(name string, body []byte) (any, error) {
	var msg any
	switch name {
	case "hello":
		msg = &hello{}
	case "echo":
		msg = &echo{}
	case "ping":
		msg = &ping{}
	case "string":
		var s string
		err := json.Unmarshal(body, &s)
		return s, err
	default:
		return nil, fmt.Errorf("unknown type %q", name)
	}
	return msg, json.Unmarshal(body, msg)
}

// greeter answers every hello by sending a ping back to the sender's ref
type greeter struct {
	recorder
	mu    sync.Mutex
	hello *hello
}

func (g *greeter) Receive(msg any) {
	if h, ok := msg.(*hello); ok {
		g.mu.Lock()
		g.hello = h
		g.mu.Unlock()
		_ = h.From.Send(&ping{Seq: 42})
		return
	}
	g.recorder.Receive(msg)
}

func listenLocal(t *testing.T) *Env {
	t.Helper()
	cfg := testConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	env, err := ListenTCP(cfg, testCodec{})
	require.NoError(t, err)
	return env
}

func TestTCPSendAndRefBinding(t *testing.T) {
	server := listenLocal(t)
	client := listenLocal(t)
	defer server.Shutdown()
	defer client.Shutdown()

	g := &greeter{}
	_, err := server.Setup("greeter", g)
	require.NoError(t, err)
	back := &recorder{}
	backRef, err := client.Setup("back", back)
	require.NoError(t, err)

	require.NoError(t, client.Ref("greeter", server.Address()).Send(&hello{From: backRef, Text: "hi"}))

	require.Eventually(t, func() bool {
		_, seqs := back.snapshot()
		return len(seqs) == 1 && seqs[0] == 42
	}, 5*time.Second, 10*time.Millisecond)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.True(t, g.hello.From.Equal(backRef))
	assert.Same(t, server, g.hello.From.env, "decoded refs are bound to the receiving environment")
}

func TestTCPAsk(t *testing.T) {
	server := listenLocal(t)
	client := listenLocal(t)
	defer server.Shutdown()
	defer client.Shutdown()

	_, err := server.Setup("rec", &recorder{})
	require.NoError(t, err)
	ref := client.Ref("rec", server.Address())

	reply, err := AskAs[string](context.Background(), ref, &echo{Text: strings.Repeat("x", 300*1024)})
	require.NoError(t, err)
	assert.Len(t, reply, 300*1024)

	_, err = ref.Ask(context.Background(), &ping{})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "ping is not an ask")

	_, err = client.Ref("missing", server.Address()).Ask(context.Background(), &echo{})
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "endpoint not found")
}

func TestTCPAskToDeadPeerFails(t *testing.T) {
	client := listenLocal(t)
	defer client.Shutdown()

	server := listenLocal(t)
	addr := server.Address()
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Ref("rec", addr).Ask(ctx, &echo{Text: "anyone?"})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestTCPRejectsOversizedMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.MaxMessageSizeMB = 1
	client, err := ListenTCP(cfg, testCodec{})
	require.NoError(t, err)
	defer client.Shutdown()

	err = client.Ref("rec", Address{Host: "127.0.0.1", Port: 1}).Send(&echo{Text: strings.Repeat("x", 2*1024*1024)})
	assert.ErrorContains(t, err, "maximum message size")
}
