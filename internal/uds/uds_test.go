package uds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sockPath stays under /tmp to respect the unix socket path limit.
func sockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "imew-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, DefaultSocketName)
}

type pingReply struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
}

type statusReply struct {
	Phase string   `json:"phase"`
	Apps  []string `json:"apps"`
}

// fakeAgent registers the control commands the way the agent does, backed by
// in-memory state.
type fakeAgent struct {
	mu        sync.Mutex
	phase     string
	apps      []string
	rulesOK   bool
	reloads   int
	shutdowns chan struct{}
}

func startAgent(t *testing.T) (*fakeAgent, *Client) {
	t.Helper()
	path := sockPath(t)
	a := &fakeAgent{phase: "DeviceSetup", apps: []string{"Company Portal"}, rulesOK: true, shutdowns: make(chan struct{}, 1)}

	srv := NewServer(path, nil)
	srv.Handle(CommandPing, func(*Request) *Response {
		return SuccessResponse(pingReply{Status: "running", PID: 4242})
	})
	srv.Handle(CommandStatus, func(*Request) *Response {
		a.mu.Lock()
		defer a.mu.Unlock()
		return SuccessResponse(statusReply{Phase: a.phase, Apps: a.apps})
	})
	srv.Handle(CommandReload, func(*Request) *Response {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.rulesOK {
			return ErrorResponse(ErrCodeValidation, "rules.yaml: line 3: mapping values are not allowed")
		}
		a.reloads++
		return SuccessResponse(map[string]int{"rules": 23})
	})
	srv.Handle(CommandShutdown, func(*Request) *Response {
		a.shutdowns <- struct{}{}
		return SuccessResponse(nil)
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	c := NewClient(path)
	c.SetTimeout(3 * time.Second)
	return a, c
}

func TestAgentCommands_PingAndStatus(t *testing.T) {
	_, c := startAgent(t)

	var ping pingReply
	require.NoError(t, c.Call(CommandPing, nil, &ping))
	assert.Equal(t, pingReply{Status: "running", PID: 4242}, ping)

	var st statusReply
	require.NoError(t, c.Call(CommandStatus, nil, &st))
	assert.Equal(t, "DeviceSetup", st.Phase)
	assert.Equal(t, []string{"Company Portal"}, st.Apps)
}

func TestAgentCommands_ReloadReportsValidationError(t *testing.T) {
	a, c := startAgent(t)

	var out map[string]int
	require.NoError(t, c.Call(CommandReload, nil, &out))
	assert.Equal(t, 23, out["rules"])

	a.mu.Lock()
	a.rulesOK = false
	a.mu.Unlock()

	err := c.Call(CommandReload, nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeValidation, detail.Code)
	assert.Contains(t, detail.Message, "rules.yaml")
	assert.Equal(t, 1, a.reloads)
}

func TestAgentCommands_Shutdown(t *testing.T) {
	a, c := startAgent(t)
	require.NoError(t, c.Call(CommandShutdown, nil, nil))
	select {
	case <-a.shutdowns:
	case <-time.After(time.Second):
		t.Fatal("shutdown handler not invoked")
	}
}

func TestAgentCommands_ConcurrentStatus(t *testing.T) {
	_, c := startAgent(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var st statusReply
			errs <- c.Call(CommandStatus, nil, &st)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_RejectsUnknownCommandAndOldProtocol(t *testing.T) {
	_, c := startAgent(t)

	resp, err := c.SendCommand("drain", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)

	resp, err = c.Send(&Request{ProtocolVersion: ProtocolVersion + 1, Command: CommandPing})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	path := sockPath(t)
	srv := NewServer(path, nil)
	srv.Handle(CommandStatus, func(*Request) *Response { panic("snapshot unavailable") })
	srv.Handle(CommandPing, func(*Request) *Response { return nil })
	require.NoError(t, srv.Start())
	defer srv.Stop()
	c := NewClient(path)

	err := c.Call(CommandStatus, nil, nil)
	var detail *ErrorDetail
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, ErrCodeInternal, detail.Code)
	assert.Contains(t, detail.Message, "snapshot unavailable")

	assert.NoError(t, c.Call(CommandPing, nil, nil), "server keeps serving and nil responses mean success")
}

func TestClient_AgentNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), DefaultSocketName))
	c.SetTimeout(time.Second)

	err := c.Call(CommandStatus, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Is the agent running?")
	assert.Contains(t, err.Error(), "imewatch run")
}

func TestServer_SocketLifecycle(t *testing.T) {
	path := sockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("left by a crashed agent"), 0600))

	srv := NewServer(path, nil)
	require.NoError(t, srv.Start(), "stale file is replaced")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second := NewServer(path, nil)
	err = second.Start()
	assert.ErrorIs(t, err, ErrSocketInUse)

	srv.Stop()
	srv.Stop()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_IdleConnectionTimesOut(t *testing.T) {
	path := sockPath(t)
	srv := NewServer(path, nil)
	srv.SetConnTimeout(200 * time.Millisecond)
	srv.Handle(CommandPing, func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, srv.Start())
	defer srv.Stop()

	idle, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer idle.Close()

	_ = idle.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = idle.Read(make([]byte, 1))
	assert.Error(t, err, "server closes a connection that never sends a request")

	assert.NoError(t, NewClient(path).Call(CommandPing, nil, nil))
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest(CommandReload, map[string]bool{"force": true})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, req))
	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	var params struct {
		Force bool `json:"force"`
	}
	require.NoError(t, got.DecodeParams(&params))
	assert.True(t, params.Force)

	var huge bytes.Buffer
	_ = binary.Write(&huge, binary.BigEndian, uint32(MaxFrameSize+1))
	assert.Error(t, ReadFrame(&huge, &got))

	assert.Nil(t, SuccessResponse(nil).Data)
	assert.Equal(t, "VALIDATION_ERROR: bad input", ErrorResponse(ErrCodeValidation, "bad input").Error.Error())
}
