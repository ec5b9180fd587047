package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/avelis/termgate/internal/sandbox"
	"github.com/avelis/termgate/internal/sshpool"
	"github.com/avelis/termgate/internal/sshsession"
	"github.com/avelis/termgate/internal/store"
	"github.com/avelis/termgate/internal/termreg"
)

const testMaxFrame = 1024

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	pool := sshpool.New(sshpool.Options{ReadyTimeout: 2 * time.Second})
	t.Cleanup(pool.Shutdown)
	sshReg := sshsession.NewRegistry(pool, st)

	detector := sandbox.NewDetectorWithProbes(func(ctx context.Context) (sandbox.Runtime, error) {
		return nil, errors.New("no runtime in tests")
	})
	terms := termreg.NewRegistry(detector, st)
	t.Cleanup(func() {
		for _, s := range terms.List() {
			terms.Close(s.ID)
		}
	})

	gw := New(terms, sshReg, testMaxFrame)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return gw, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialGateway(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// awaitFrame reads frames until pred accepts one or ctx expires.
func awaitFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, pred func(map[string]any) bool, msg string) map[string]any {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", msg, err)
		}
		var f map[string]any
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if pred(f) {
			return f
		}
	}
}

func awaitType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	return awaitFrame(t, ctx, conn, func(f map[string]any) bool { return f["type"] == typ }, typ)
}

// expectNoType asserts no frame of the given type arrives within the window.
func expectNoType(t *testing.T, conn *websocket.Conn, typ string, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return // window elapsed
		}
		var f map[string]any
		json.Unmarshal(data, &f)
		if f["type"] == typ {
			t.Fatalf("unexpected %s frame: %s", typ, data)
		}
	}
}

func TestConnectionEstablished(t *testing.T) {
	_, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, url)
	f := awaitType(t, ctx, conn, "connection_established")
	if f["timestamp"] == "" || f["timestamp"] == nil {
		t.Error("missing timestamp")
	}
}

func TestTerminalLifecycle(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	_, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, url)
	awaitType(t, ctx, conn, "connection_established")

	sendFrame(t, ctx, conn, map[string]any{"type": "create_terminal", "cols": 80, "rows": 24})
	created := awaitType(t, ctx, conn, "terminal_created")
	id, _ := created["sessionId"].(string)
	if id == "" {
		t.Fatalf("no session id in %v", created)
	}

	sendFrame(t, ctx, conn, map[string]any{"type": "input", "sessionId": id, "data": "echo gw_ok\r"})
	awaitFrame(t, ctx, conn, func(f map[string]any) bool {
		d, _ := f["data"].(string)
		return f["type"] == "data" && strings.Contains(d, "gw_ok")
	}, "echoed shell output")

	sendFrame(t, ctx, conn, map[string]any{"type": "close_terminal", "sessionId": id})
	closed := awaitType(t, ctx, conn, "terminal_closed")
	if closed["sessionId"] != id {
		t.Errorf("closed session = %v, want %s", closed["sessionId"], id)
	}
	expectNoType(t, conn, "terminal_closed", 300*time.Millisecond)
}

func TestMalformedFrames(t *testing.T) {
	_, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, url)
	awaitType(t, ctx, conn, "connection_established")

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := awaitType(t, ctx, conn, "error")
	if f["message"] != "invalid frame" {
		t.Errorf("message = %v", f["message"])
	}

	// A frame with no type is equally invalid.
	if err := conn.Write(ctx, websocket.MessageText, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	awaitType(t, ctx, conn, "error")
}

func TestOversizedFrameGetsErrorNotDisconnect(t *testing.T) {
	_, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, url)
	awaitType(t, ctx, conn, "connection_established")

	// Larger than the frame budget but inside the read limit.
	big := strings.Repeat("x", int(testMaxFrame)+200)
	sendFrame(t, ctx, conn, map[string]any{"type": "input", "sessionId": "s", "data": big})
	f := awaitType(t, ctx, conn, "error")
	if f["message"] != "frame exceeds maximum size" {
		t.Errorf("message = %v", f["message"])
	}

	// The connection survives.
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write after oversize: %v", err)
	}
	awaitType(t, ctx, conn, "error")
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	_, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, url)
	awaitType(t, ctx, conn, "connection_established")

	sendFrame(t, ctx, conn, map[string]any{"type": "bogus_kind"})
	expectNoType(t, conn, "error", 300*time.Millisecond)
}

func TestCloneUnknownSession(t *testing.T) {
	_, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, url)
	awaitType(t, ctx, conn, "connection_established")

	sendFrame(t, ctx, conn, map[string]any{"type": "clone_terminal", "originalSessionId": "nope"})
	f := awaitType(t, ctx, conn, "error")
	msg, _ := f["message"].(string)
	if !strings.Contains(msg, "unknown session") {
		t.Errorf("message = %q", msg)
	}
}

func TestCreateSSHFailureDoesNotEchoCredentials(t *testing.T) {
	_, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A port with nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	conn := dialGateway(t, ctx, url)
	awaitType(t, ctx, conn, "connection_established")

	sendFrame(t, ctx, conn, map[string]any{
		"type": "create_ssh", "host": "127.0.0.1", "port": port,
		"username": "root", "password": "super-secret-credential",
	})
	f := awaitType(t, ctx, conn, "error")
	msg, _ := f["message"].(string)
	if strings.Contains(msg, "super-secret-credential") {
		t.Errorf("credential leaked into error frame: %q", msg)
	}
}

func TestDisconnectSweepsOwnedSessions(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	gw, url := newTestGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn := dialGateway(t, ctx, url)
	awaitType(t, ctx, conn, "connection_established")

	sendFrame(t, ctx, conn, map[string]any{"type": "create_terminal"})
	awaitType(t, ctx, conn, "terminal_created")
	if gw.Terms.Count() != 1 {
		t.Fatalf("terminal count = %d, want 1", gw.Terms.Count())
	}

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gw.Terms.Count() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("terminal count = %d after disconnect, want 0", gw.Terms.Count())
}

func TestResizeClamping(t *testing.T) {
	cols, rows := clampSize(9999, 12)
	if cols != maxResizeCols || rows != 12 {
		t.Errorf("clampSize(9999, 12) = %d, %d", cols, rows)
	}
	cols, rows = clampSize(80, 9999)
	if cols != 80 || rows != maxResizeRows {
		t.Errorf("clampSize(80, 9999) = %d, %d", cols, rows)
	}
}

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	tb := newTokenBucket(3, 1000)
	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("allow %d = false, want true", i)
		}
	}
	if tb.allow() {
		t.Error("bucket allowed past its burst")
	}
	time.Sleep(20 * time.Millisecond)
	if !tb.allow() {
		t.Error("bucket did not refill")
	}
}
