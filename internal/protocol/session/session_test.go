package session

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/frame"
	"github.com/danmuck/agentwire/internal/protocol/message"
	"github.com/danmuck/agentwire/internal/testutil/testlog"
)

type lifecycle struct {
	name   string
	mu     sync.Mutex
	events []string
}

func (l *lifecycle) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *lifecycle) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *lifecycle) count(ev string) int {
	n := 0
	for _, got := range l.snapshot() {
		if got == ev {
			n++
		}
	}
	return n
}

func (l *lifecycle) ListenerName() string { return l.name }
func (l *lifecycle) OnReceiveConnection() { l.add("connection") }
func (l *lifecycle) OnReceiveLocalShutdown(c message.ShutdownCause) {
	l.add("local:" + c.String())
}
func (l *lifecycle) OnReceiveRemoteShutdown(c message.ShutdownCause) {
	l.add("remote:" + c.String())
}

func waitUntil(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func remoteConfig(t *testing.T) Config {
	t.Helper()
	key := "AGENTWIRE_TEST_PORT_" + strings.ToUpper(strings.ReplaceAll(t.Name(), "/", "_"))
	t.Setenv(key, "")
	cfg := DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.EphemeralListen = true
	cfg.PublishKey = key
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func controllerConfig(port int) Config {
	cfg := DefaultConfig()
	cfg.RemoteHost = "127.0.0.1"
	cfg.RemotePort = port
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

type pair struct {
	ctrl       *Controller
	remote     *RemoteClient
	ctrlEvents *lifecycle
	remEvents  *lifecycle
}

func connectPair(t *testing.T) pair {
	t.Helper()
	remote, err := NewRemoteClient(remoteConfig(t))
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	t.Cleanup(remote.Close)
	if err := remote.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctrl, err := NewController(controllerConfig(remote.Port()))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.Close)

	p := pair{
		ctrl:       ctrl,
		remote:     remote,
		ctrlEvents: &lifecycle{name: "ctrl-events"},
		remEvents:  &lifecycle{name: "remote-events"},
	}
	ctrl.Listeners().Add(p.ctrlEvents)
	remote.Listeners().Add(p.remEvents)

	accepted := make(chan bool, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if remote.Connect() {
				accepted <- true
				return
			}
		}
		accepted <- false
	}()
	waitUntil(t, 5*time.Second, "controller connect", ctrl.Connect)
	if !<-accepted {
		t.Fatalf("remote never accepted")
	}
	return p
}

func TestNextPortPacesAndStopsAtMax(t *testing.T) {
	testlog.Start(t)

	if got, err := NextPort(DefaultRemotePort); err != nil || got != 2412 {
		t.Fatalf("NextPort(2410) = %d, %v", got, err)
	}
	if got, err := NextPort(2498); err != nil || got != MaxServerPort {
		t.Fatalf("NextPort(2498) = %d, %v", got, err)
	}
	for _, p := range []int{2499, MaxServerPort} {
		if _, err := NextPort(p); !errors.Is(err, protocol.ErrPortsExhausted) {
			t.Fatalf("NextPort(%d) expected ErrPortsExhausted, got %v", p, err)
		}
	}
}

func TestVerificationFailMaxTry(t *testing.T) {
	testlog.Start(t)

	cases := map[time.Duration]int{
		60 * time.Second: 6,
		25 * time.Second: 2,
		5 * time.Second:  1,
	}
	for window, want := range cases {
		cfg := DefaultConfig()
		cfg.ClientConnectTimeout = window
		if got := cfg.VerificationFailMaxTry(); got != want {
			t.Fatalf("window=%s got=%d want=%d", window, got, want)
		}
	}
}

func TestZeroConfigMeetsOnDefaultPort(t *testing.T) {
	testlog.Start(t)

	cfg := Config{}.WithDefaults()
	if cfg.ListenPort != DefaultRemotePort || cfg.RemotePort != DefaultRemotePort || cfg.EphemeralListen {
		t.Fatalf("zero config listen=%d remote=%d ephemeral=%v", cfg.ListenPort, cfg.RemotePort, cfg.EphemeralListen)
	}

	remote, err := NewRemoteClient(Config{ListenHost: "127.0.0.1"})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	defer remote.Close()
	ctrl, err := NewController(Config{})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()
	if got := remote.Config().ListenPort; got != ctrl.RemotePort() {
		t.Fatalf("remote starts at %d but controller dials %d", got, ctrl.RemotePort())
	}
}

func TestParseRoleAndFactory(t *testing.T) {
	testlog.Start(t)

	role, err := ParseRole(" Controller ")
	if err != nil || role != RoleLocalController {
		t.Fatalf("ParseRole controller = %v, %v", role, err)
	}
	if _, err := ParseRole("observer"); !errors.Is(err, protocol.ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
	if _, err := New(Role(9), DefaultConfig()); !errors.Is(err, protocol.ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole from factory, got %v", err)
	}
	p, err := New(RoleRemoteClient, remoteConfig(t))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer p.Close()
	if _, ok := p.(*RemoteClient); !ok || p.Role() != RoleRemoteClient {
		t.Fatalf("unexpected session type %T role=%s", p, p.Role())
	}
}

func TestPrimitivesRequireStream(t *testing.T) {
	testlog.Start(t)

	c, err := NewController(controllerConfig(DefaultRemotePort))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	if _, err := c.SendResponse("ready"); !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("send expected ErrNotConnected, got %v", err)
	}
	if _, err := c.WaitForInput(10 * time.Millisecond); !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("wait expected ErrNotConnected, got %v", err)
	}
	if _, err := NewController(Config{Marker: "K"}); !errors.Is(err, frame.ErrUnstableMarker) {
		t.Fatalf("expected unstable marker rejection, got %v", err)
	}
}

func TestRoundTripBothDirections(t *testing.T) {
	testlog.Start(t)

	p := connectPair(t)
	if got := p.ctrlEvents.count("connection"); got != 1 {
		t.Fatalf("controller connection events=%d", got)
	}
	if got := p.remEvents.count("connection"); got != 1 {
		t.Fatalf("remote connection events=%d", got)
	}

	if ok, err := p.ctrl.SendResponse("dispatchprops:k=v"); !ok || err != nil {
		t.Fatalf("controller send ok=%v err=%v", ok, err)
	}
	got, err := p.remote.WaitForInput(time.Second)
	if err != nil || got != "dispatchprops:k=v" {
		t.Fatalf("remote received %q err=%v", got, err)
	}

	if ok, err := p.remote.SendResponse("result:0:passed"); !ok || err != nil {
		t.Fatalf("remote send ok=%v err=%v", ok, err)
	}
	got, err = p.ctrl.WaitForInput(time.Second)
	if err != nil || got != "result:0:passed" {
		t.Fatalf("controller received %q err=%v", got, err)
	}
}

func TestEmptyFrameIsNeverDelivered(t *testing.T) {
	testlog.Start(t)

	p := connectPair(t)
	if ok, _ := p.ctrl.SendResponse(""); !ok {
		t.Fatalf("empty send failed")
	}
	if ok, _ := p.ctrl.SendResponse("running"); !ok {
		t.Fatalf("send failed")
	}
	got, err := p.remote.WaitForInput(time.Second)
	if err != nil || got != "running" {
		t.Fatalf("expected empty frame skipped, got %q err=%v", got, err)
	}
	got, err = p.remote.WaitForInput(30 * time.Millisecond)
	if err != nil || got != "" {
		t.Fatalf("expected timeout with no frame, got %q err=%v", got, err)
	}
}

func TestSettersRefusedWhileConnected(t *testing.T) {
	testlog.Start(t)

	p := connectPair(t)
	if err := p.ctrl.SetMarker("<EOM>"); !errors.Is(err, protocol.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if err := p.ctrl.SetRemotePort(2420); !errors.Is(err, protocol.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestConcurrentSendersKeepFramesIntact(t *testing.T) {
	testlog.Start(t)

	p := connectPair(t)
	const senders, perSender = 8, 50
	want := make(map[string]bool, senders*perSender)
	for s := 0; s < senders; s++ {
		for i := 0; i < perSender; i++ {
			want[fmt.Sprintf("message:s%d-%d", s, i)] = true
		}
	}

	received := make(chan map[string]bool, 1)
	go func() {
		seen := make(map[string]bool, len(want))
		deadline := time.Now().Add(5 * time.Second)
		for len(seen) < len(want) && time.Now().Before(deadline) {
			msg, err := p.remote.WaitForInput(100 * time.Millisecond)
			if err != nil {
				break
			}
			if msg != "" {
				seen[msg] = true
			}
		}
		received <- seen
	}()

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if ok, err := p.ctrl.SendResponse(fmt.Sprintf("message:s%d-%d", s, i)); !ok || err != nil {
					t.Errorf("send s%d-%d ok=%v err=%v", s, i, ok, err)
					return
				}
			}
		}(s)
	}
	wg.Wait()

	seen := <-received
	if len(seen) != len(want) {
		t.Fatalf("received %d distinct frames, want %d", len(seen), len(want))
	}
	for msg := range seen {
		if !want[msg] {
			t.Fatalf("corrupted frame %q", msg)
		}
	}
}

func TestCloseIsIdempotentAndPeerSeesNormalShutdown(t *testing.T) {
	testlog.Start(t)

	p := connectPair(t)
	p.ctrl.Close()
	p.ctrl.Close()
	if p.ctrl.IsConnected() || !p.ctrl.Done() {
		t.Fatalf("controller should be closed")
	}
	if p.ctrl.Connect() {
		t.Fatalf("closed controller must not reconnect")
	}

	waitUntil(t, 3*time.Second, "remote peer-closed detection", func() bool {
		_, _ = p.remote.WaitForInput(25 * time.Millisecond)
		return p.remote.Done()
	})
	if got := p.remEvents.count("remote:normal"); got != 1 {
		t.Fatalf("remote shutdown events=%d events=%v", got, p.remEvents.snapshot())
	}
	if _, err := p.remote.WaitForInput(10 * time.Millisecond); !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after peer close, got %v", err)
	}
	if got := p.ctrlEvents.count("local:normal") + p.ctrlEvents.count("remote:normal"); got != 0 {
		t.Fatalf("plain close must not broadcast shutdown, events=%v", p.ctrlEvents.snapshot())
	}
}

// fakeRemote accepts connections and answers each version query with reply.
// listenOn binds the first free loopback port among ports.
func listenOn(t *testing.T, ports ...int) net.Listener {
	t.Helper()
	for _, p := range ports {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
		if err == nil {
			t.Cleanup(func() { _ = ln.Close() })
			return ln
		}
	}
	t.Skipf("no bindable port among %v", ports)
	return nil
}

func pacedPorts(from, to int) []int {
	var ports []int
	for p := from; p <= to; p += PortPace {
		ports = append(ports, p)
	}
	return ports
}

func fakeRemote(t *testing.T, reply string) int {
	t.Helper()
	return replyOn(listenOn(t, pacedPorts(2450, 2490)...), reply)
}

// replyOn answers every version query on ln with reply.
func replyOn(ln net.Listener, reply string) int {
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := frame.NewReader(conn, frame.MustMarker(message.DefaultEOM), frame.DefaultLimits(), time.Second)
				if _, err := r.ReadFrame(2 * time.Second); err != nil {
					return
				}
				_, _ = conn.Write([]byte(reply + "[!_!]"))
				time.Sleep(50 * time.Millisecond)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestHandshakeVersionMismatchAdvancesPort(t *testing.T) {
	testlog.Start(t)

	port := fakeRemote(t, "PROTOCOLVERSION=2")
	cfg := controllerConfig(port)
	cfg.ClientConnectTimeout = time.Second
	c, err := NewController(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	events := &lifecycle{name: "events"}
	c.Listeners().Add(events)

	if c.Connect() {
		t.Fatalf("mismatched version must not connect")
	}
	if c.IsConnected() || c.Done() {
		t.Fatalf("rejection is not terminal: connected=%v done=%v", c.IsConnected(), c.Done())
	}
	if got := events.count("local:" + message.ShutdownRemoteServiceUnreachable.String()); got != 1 {
		t.Fatalf("expected one service-unreachable notice, events=%v", events.snapshot())
	}
	if got := c.RemotePort(); got != port+PortPace {
		t.Fatalf("expected port advance to %d, got %d", port+PortPace, got)
	}
}

func TestHandshakeRetriesSamePortBeforeAdvancing(t *testing.T) {
	testlog.Start(t)

	port := fakeRemote(t, "PROTOCOLVERSION=9")
	cfg := controllerConfig(port)
	cfg.ClientConnectTimeout = 30 * time.Second
	c, err := NewController(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()

	for i := 1; i < cfg.VerificationFailMaxTry(); i++ {
		if c.Connect() {
			t.Fatalf("attempt %d must fail", i)
		}
		if got := c.RemotePort(); got != port {
			t.Fatalf("attempt %d moved port to %d", i, got)
		}
	}
	if c.Connect() {
		t.Fatalf("final attempt must fail")
	}
	if got := c.RemotePort(); got != port+PortPace {
		t.Fatalf("expected advance after %d failures, port=%d", cfg.VerificationFailMaxTry(), got)
	}
}

func TestRejectionOnLastPortRaisesOnlyTerminalNotice(t *testing.T) {
	testlog.Start(t)

	port := replyOn(listenOn(t, MaxServerPort-1, MaxServerPort), "PROTOCOLVERSION=2")
	cfg := controllerConfig(port)
	cfg.ClientConnectTimeout = time.Second
	c, err := NewController(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	events := &lifecycle{name: "events"}
	c.Listeners().Add(events)

	if c.Connect() {
		t.Fatalf("mismatched version must not connect")
	}
	if !c.Done() {
		t.Fatalf("rejection on the last port should end the search")
	}
	if got := events.count("local:" + message.ShutdownRemoteServiceUnreachable.String()); got != 0 {
		t.Fatalf("service-unreachable notice should be replaced by the terminal one, events=%v", events.snapshot())
	}
	if got := events.count("local:" + message.ShutdownRemoteClientUnreachable.String()); got != 1 {
		t.Fatalf("expected one terminal notice, events=%v", events.snapshot())
	}
}

func TestCustomVersionPolicyAccepts(t *testing.T) {
	testlog.Start(t)

	port := fakeRemote(t, "protocolversion=3")
	cfg := controllerConfig(port)
	cfg.AcceptVersion = func(local, remote int) bool { return remote >= local }
	c, err := NewController(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	if !c.Connect() {
		t.Fatalf("policy should accept newer remote version")
	}
}

func TestPortExhaustionIsTerminalOnce(t *testing.T) {
	testlog.Start(t)

	c, err := NewController(controllerConfig(2499))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	events := &lifecycle{name: "events"}
	c.Listeners().Add(events)

	c.windowStart = time.Unix(0, 0)
	if c.Connect() {
		t.Fatalf("exhausted search must not connect")
	}
	if c.Connect() {
		t.Fatalf("terminated session must not connect")
	}
	cause, ok := c.TerminalCause()
	if !ok || cause != message.ShutdownRemoteClientUnreachable {
		t.Fatalf("terminal cause=%s ok=%v", cause, ok)
	}
	if !c.Done() {
		t.Fatalf("expected Done after exhaustion")
	}
	if got := events.count("local:" + message.ShutdownRemoteClientUnreachable.String()); got != 1 {
		t.Fatalf("expected exactly one terminal notice, events=%v", events.snapshot())
	}
}

func TestRemoteRejectsUnverifiedPeer(t *testing.T) {
	testlog.Start(t)

	remote, err := NewRemoteClient(remoteConfig(t))
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	defer remote.Close()
	events := &lifecycle{name: "events"}
	remote.Listeners().Add(events)
	if err := remote.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(remote.Port())))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("HELLO[!_!]")); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := "local:" + message.ShutdownRemoteClientUnreachable.String()
	waitUntil(t, 3*time.Second, "verification failure", func() bool {
		if remote.Connect() {
			t.Fatalf("unverified peer must not connect")
		}
		return events.count(want) == 1
	})
	if remote.Done() || remote.IsConnected() {
		t.Fatalf("remote should keep listening: done=%v connected=%v", remote.Done(), remote.IsConnected())
	}
}

func TestRemoteAdvancesPastBusyPortAndPublishes(t *testing.T) {
	testlog.Start(t)

	var busy net.Listener
	busyPort := 0
	for p := 2440; p < MaxServerPort-2*PortPace; p += PortPace {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
		if err == nil {
			busy, busyPort = ln, p
			break
		}
	}
	if busy == nil {
		t.Skip("no bindable port in the paced range")
	}
	defer busy.Close()

	cfg := remoteConfig(t)
	cfg.EphemeralListen = false
	cfg.ListenPort = busyPort
	cfg.PortFile = filepath.Join(t.TempDir(), "remote.port")
	remote, err := NewRemoteClient(cfg)
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	defer remote.Close()
	if err := remote.Listen(); err != nil {
		t.Fatalf("listen past %d: %v", busyPort, err)
	}
	if remote.Port() <= busyPort || (remote.Port()-busyPort)%PortPace != 0 {
		t.Fatalf("expected paced port after %d, got %d", busyPort, remote.Port())
	}
	if got, ok := DiscoverPort(cfg.PublishKey, cfg.PortFile); !ok || got != remote.Port() {
		t.Fatalf("discovered %d ok=%v want %d", got, ok, remote.Port())
	}

	remote.Close()
	if _, ok := DiscoverPort(cfg.PublishKey, cfg.PortFile); ok {
		t.Fatalf("expected publication withdrawn after close")
	}
}

func TestPublishDiscoverPrefersFile(t *testing.T) {
	testlog.Start(t)

	const key = "AGENTWIRE_TEST_PUBLISH"
	t.Setenv(key, "")
	file := filepath.Join(t.TempDir(), "nested", "port")

	if _, ok := DiscoverPort(key, file); ok {
		t.Fatalf("nothing published yet")
	}
	if err := PublishPort(key, 2414, file); err != nil {
		t.Fatalf("publish: %v", err)
	}
	t.Setenv(key, "2418")
	if got, ok := DiscoverPort(key, file); !ok || got != 2414 {
		t.Fatalf("expected file port 2414, got %d ok=%v", got, ok)
	}
	if got, ok := DiscoverPort(key, ""); !ok || got != 2418 {
		t.Fatalf("expected env port 2418, got %d ok=%v", got, ok)
	}
	if err := WithdrawPort(key, file); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := WithdrawPort(key, file); err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	t.Setenv(key, "not-a-port")
	if _, ok := DiscoverPort(key, file); ok {
		t.Fatalf("garbage must not parse as a port")
	}
}

func TestControllerDiscoversPublishedPort(t *testing.T) {
	testlog.Start(t)

	const key = "AGENTWIRE_TEST_DISCOVER"
	t.Setenv(key, "2430")
	cfg := DefaultConfig()
	cfg.RemotePort = 0
	cfg.DiscoverPort = true
	cfg.PublishKey = key
	c, err := NewController(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer c.Close()
	if c.RemotePort() != 2430 {
		t.Fatalf("expected discovered port 2430, got %d", c.RemotePort())
	}
}
