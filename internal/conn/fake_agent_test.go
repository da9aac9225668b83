package conn

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EternisAI/remote-control/internal/auth"
	"github.com/EternisAI/remote-control/internal/command"
	"github.com/EternisAI/remote-control/internal/protocol"
)

var testSecret = []byte("shared-secret")

func testCreds() auth.Credentials {
	return auth.Credentials{ClientID: "phone", Secret: testSecret}
}

// fakeAgent speaks the agent side of the protocol with switchable behavior.
type fakeAgent struct {
	t        *testing.T
	listener net.Listener
	names    []string

	ackHeartbeats atomic.Bool
	// reply builds the answer to a request; nil drops it.
	reply func(req command.Request) *command.Result

	accepted atomic.Int32
	mu       sync.Mutex
	conns    []net.Conn
	requests chan command.Request
}

// newFakeAgent accepts tokens addressed to names, 127.0.0.1 by default.
func newFakeAgent(t *testing.T, names ...string) *fakeAgent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fa := &fakeAgent{
		t:        t,
		listener: ln,
		names:    names,
		requests: make(chan command.Request, 64),
		reply: func(req command.Request) *command.Result {
			return &command.Result{RequestID: req.ID, Kind: req.Kind, Status: command.StatusOk}
		},
	}
	if len(fa.names) == 0 {
		fa.names = []string{"127.0.0.1"}
	}
	fa.ackHeartbeats.Store(true)

	go fa.serve()
	t.Cleanup(fa.close)
	return fa
}

func (fa *fakeAgent) endpoint() command.Endpoint {
	addr := fa.listener.Addr().(*net.TCPAddr)
	return command.Endpoint{Host: "127.0.0.1", Port: uint16(addr.Port)}
}

func (fa *fakeAgent) close() {
	fa.listener.Close()
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for _, c := range fa.conns {
		c.Close()
	}
}

func (fa *fakeAgent) setReply(fn func(req command.Request) *command.Result) {
	fa.mu.Lock()
	fa.reply = fn
	fa.mu.Unlock()
}

func (fa *fakeAgent) dropConnections() {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for _, c := range fa.conns {
		c.Close()
	}
	fa.conns = nil
}

func (fa *fakeAgent) serve() {
	for {
		nc, err := fa.listener.Accept()
		if err != nil {
			return
		}
		fa.accepted.Add(1)
		fa.mu.Lock()
		fa.conns = append(fa.conns, nc)
		fa.mu.Unlock()
		go fa.handle(nc)
	}
}

func (fa *fakeAgent) handle(nc net.Conn) {
	defer nc.Close()

	nonces := auth.NewNonceStore(time.Minute)
	challenge, err := nonces.Issue(nc.RemoteAddr().String())
	if err != nil {
		return
	}
	if err := protocol.WriteMessage(nc, &protocol.Hello{Nonce: challenge.Nonce, AgentName: "fake", ServerTime: time.Now().UTC()}); err != nil {
		return
	}

	reader := protocol.NewReader(nc)
	msg, err := reader.ReadMessage()
	if err != nil {
		return
	}
	authMsg, ok := msg.(*protocol.Auth)
	if !ok {
		return
	}
	if _, err := auth.NewVerifier(testSecret, fa.names, nonces).Verify(authMsg.Token, challenge.Nonce); err != nil {
		return
	}
	if err := protocol.WriteMessage(nc, &protocol.AuthOK{SessionID: "s-" + strconv.Itoa(int(fa.accepted.Load())), AgentName: "fake"}); err != nil {
		return
	}

	var writeMu sync.Mutex
	write := func(m protocol.Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = protocol.WriteMessage(nc, m)
	}

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.Heartbeat:
			if fa.ackHeartbeats.Load() {
				write(&protocol.HeartbeatAck{Seq: m.Seq})
			}
		case *protocol.CommandRequest:
			fa.requests <- m.Request
			fa.mu.Lock()
			reply := fa.reply
			fa.mu.Unlock()
			go func(req command.Request) {
				if res := reply(req); res != nil {
					write(&protocol.CommandResult{Result: *res})
				}
			}(m.Request)
		}
	}
}
