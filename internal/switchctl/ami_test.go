package switchctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/config"
	apperrors "github.com/acme/trunk-fallback-gateway/pkg/errors"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

func testSwitchConfig() config.SwitchConfig {
	return config.SwitchConfig{
		Host:                  "127.0.0.1",
		Port:                  5038,
		Username:              "admin",
		Password:              "secret",
		Context:               "outbound",
		MaxReconnectAttempts:  2,
		ReconnectBaseInterval: time.Millisecond,
		OriginationTimeout:    time.Second,
		ActionTimeout:         time.Second,
	}
}

// fakeSwitch accepts in-memory sessions and answers the login handshake the
// way a real switch does.
type fakeSwitch struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (s *fakeSwitch) dial(ctx context.Context, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	s.mu.Lock()
	s.conns = append(s.conns, server)
	s.mu.Unlock()
	go s.handshake(server)
	return client, nil
}

func (s *fakeSwitch) handshake(conn net.Conn) {
	if _, err := io.WriteString(conn, "Asterisk Call Manager/5.0.0\r\n"); err != nil {
		return
	}
	reader := bufio.NewReader(conn)
	login, err := readFrame(reader)
	if err != nil {
		return
	}
	_ = writeFrame(conn, frame{
		"Response": "Success",
		"ActionID": login["ActionID"],
		"Message":  "Authentication accepted",
	})
	go s.serve(conn, reader)
}

// serve answers subsequent actions with a scripted originate flow.
func (s *fakeSwitch) serve(conn net.Conn, reader *bufio.Reader) {
	for {
		action, err := readFrame(reader)
		if err != nil {
			return
		}
		switch action["Action"] {
		case "Originate":
			_ = writeFrame(conn, frame{
				"Response": "Success",
				"ActionID": action["ActionID"],
				"Message":  "Originate successfully queued",
			})
			_ = writeFrame(conn, frame{
				"Event":    "OriginateResponse",
				"ActionID": action["ActionID"],
				"Response": "Success",
				"Uniqueid": "1756400000.42",
				"Channel":  action["Channel"],
			})
		case "CoreShowChannels":
			_ = writeFrame(conn, frame{
				"Event":            "CoreShowChannel",
				"ActionID":         action["ActionID"],
				"Channel":          "SIP/trunk-a-00000001",
				"ChannelStateDesc": "Up",
				"Uniqueid":         "1756400000.42",
			})
			_ = writeFrame(conn, frame{
				"Event":    "CoreShowChannelsComplete",
				"ActionID": action["ActionID"],
			})
		}
	}
}

func (s *fakeSwitch) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

func newTestAMI(dial DialFunc) *AMIManager {
	m := NewAMIManager(testSwitchConfig(), &logger.Logger{Logger: zap.NewNop()})
	m.dial = dial
	return m
}

func waitForState(t *testing.T, m *AMIManager, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, m.State())
}

func waitForEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestAMIConnectHandshake(t *testing.T) {
	sw := &fakeSwitch{}
	m := newTestAMI(sw.dial)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("expected connected, got %s", m.State())
	}
	waitForEvent(t, m.Events(), EventConnected)

	// A second connect is a no-op on an established session.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second connect must be a no-op, got %v", err)
	}
}

func TestAMILoginRejected(t *testing.T) {
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			_, _ = io.WriteString(server, "Asterisk Call Manager/5.0.0\r\n")
			reader := bufio.NewReader(server)
			login, err := readFrame(reader)
			if err != nil {
				return
			}
			_ = writeFrame(server, frame{
				"Response": "Error",
				"ActionID": login["ActionID"],
				"Message":  "Authentication failed",
			})
		}()
		return client, nil
	}

	m := newTestAMI(dial)
	err := m.Connect(context.Background())
	if !errors.Is(err, apperrors.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected after rejected login, got %s", m.State())
	}
}

func TestAMIDialFailure(t *testing.T) {
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	m := newTestAMI(dial)
	err := m.Connect(context.Background())
	if !errors.Is(err, apperrors.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestAMIOriginate(t *testing.T) {
	sw := &fakeSwitch{}
	m := newTestAMI(sw.dial)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := m.Originate(context.Background(), OriginateRequest{
		Channel:  "SIP/trunk-a/5511999990000",
		Context:  "outbound",
		Exten:    "s",
		Priority: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ExternalID != "1756400000.42" {
		t.Fatalf("expected external id from OriginateResponse, got %q", result.ExternalID)
	}
}

// silentDial completes the login handshake and then drains every action
// without answering, so pending originations hang until cancelled or timed
// out.
func silentDial(ctx context.Context, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		_, _ = io.WriteString(server, "Asterisk Call Manager/5.0.0\r\n")
		reader := bufio.NewReader(server)
		login, err := readFrame(reader)
		if err != nil {
			return
		}
		_ = writeFrame(server, frame{
			"Response": "Success",
			"ActionID": login["ActionID"],
			"Message":  "Authentication accepted",
		})
		for {
			if _, err := readFrame(reader); err != nil {
				return
			}
		}
	}()
	return client, nil
}

func TestAMIOriginateCancelled(t *testing.T) {
	m := newTestAMI(silentDial)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := m.Originate(ctx, OriginateRequest{Channel: "SIP/trunk-a/100", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Unavailable {
		t.Fatalf("cancelled originate must fail the attempt only, got %+v", result)
	}
	if result.Error != context.Canceled.Error() {
		t.Fatalf("expected %q, got %q", context.Canceled.Error(), result.Error)
	}
}

func TestAMIOriginateTimeout(t *testing.T) {
	m := newTestAMI(silentDial)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := m.Originate(context.Background(), OriginateRequest{Channel: "SIP/trunk-a/100", Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != apperrors.ErrOriginationTimeout.Error() {
		t.Fatalf("expected origination timeout, got %q", result.Error)
	}
	if m.State() != StateConnected {
		t.Fatalf("timeout must leave the session up, got %s", m.State())
	}
}

func TestAMIConnectDuringReconnectIsNoOp(t *testing.T) {
	dials := 0
	var mu sync.Mutex
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, fmt.Errorf("connection refused")
	}

	m := newTestAMI(dial)
	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()

	// The backoff loop owns establishment; a concurrent Connect must not open
	// a second session.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect while reconnecting must be a no-op, got %v", err)
	}

	mu.Lock()
	got := dials
	mu.Unlock()
	if got != 0 {
		t.Fatalf("connect while reconnecting must not dial, got %d dials", got)
	}
	if m.State() != StateReconnecting {
		t.Fatalf("state must stay reconnecting, got %s", m.State())
	}
}

func TestAMIOriginateFailFastWhenDisconnected(t *testing.T) {
	m := newTestAMI((&fakeSwitch{}).dial)

	result, err := m.Originate(context.Background(), OriginateRequest{Channel: "SIP/trunk-a/100"})
	if !errors.Is(err, apperrors.ErrConnectionUnavailable) {
		t.Fatalf("expected ErrConnectionUnavailable, got %v", err)
	}
	if !result.Unavailable {
		t.Fatalf("expected unavailable result, got %+v", result)
	}
}

func TestAMIListChannels(t *testing.T) {
	sw := &fakeSwitch{}
	m := newTestAMI(sw.dial)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	channels := m.ListChannels(context.Background())
	if len(channels) != 1 {
		t.Fatalf("expected one channel, got %d", len(channels))
	}
	if channels[0].Channel != "SIP/trunk-a-00000001" || channels[0].State != "Up" {
		t.Fatalf("unexpected channel info: %+v", channels[0])
	}
}

func TestAMIReconnectAfterDrop(t *testing.T) {
	sw := &fakeSwitch{}
	m := newTestAMI(sw.dial)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForEvent(t, m.Events(), EventConnected)

	sw.dropAll()

	waitForEvent(t, m.Events(), EventDisconnected)
	waitForEvent(t, m.Events(), EventConnected)
	waitForState(t, m, StateConnected)

	if m.ReconnectAttempts() != 0 {
		t.Fatalf("attempt counter must reset after reconnect, got %d", m.ReconnectAttempts())
	}
}

func TestAMIReconnectExhaustion(t *testing.T) {
	sw := &fakeSwitch{}
	dials := 0
	var mu sync.Mutex
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()
		if first {
			return sw.dial(ctx, addr)
		}
		return nil, fmt.Errorf("connection refused")
	}

	m := newTestAMI(dial)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sw.dropAll()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventError && ev.Fatal {
				waitForState(t, m, StateDisconnected)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for fatal error after exhausted reconnects")
		}
	}
}

func TestAMIEventRouting(t *testing.T) {
	sw := &fakeSwitch{}
	m := newTestAMI(sw.dial)
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sw.mu.Lock()
	server := sw.conns[0]
	sw.mu.Unlock()

	go func() {
		_ = writeFrame(server, frame{
			"Event":        "Newstate",
			"ChannelState": "5",
			"Uniqueid":     "1756400000.99",
			"Channel":      "SIP/trunk-a-00000002",
		})
		_ = writeFrame(server, frame{
			"Event":        "Newstate",
			"ChannelState": "6",
			"Uniqueid":     "1756400000.99",
			"Channel":      "SIP/trunk-a-00000002",
		})
		_ = writeFrame(server, frame{
			"Event":    "Hangup",
			"Uniqueid": "1756400000.99",
			"Channel":  "SIP/trunk-a-00000002",
			"Cause":    "16",
		})
	}()

	ringing := waitForEvent(t, m.Events(), EventRinging)
	if ringing.ExternalID != "1756400000.99" {
		t.Fatalf("unexpected external id: %s", ringing.ExternalID)
	}
	waitForEvent(t, m.Events(), EventAnswered)
	hangup := waitForEvent(t, m.Events(), EventHangup)
	if hangup.Cause != 16 {
		t.Fatalf("expected cause 16, got %d", hangup.Cause)
	}
}
