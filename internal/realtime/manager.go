package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/events"
	"github.com/alexjbarnes/chirpsync/internal/observability"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// inboundChanSize is the buffer size for the reader goroutine channel.
	inboundChanSize = 64

	// writeTimeout bounds a single frame write on the duplex connection.
	writeTimeout = 10 * time.Second

	defaultHeartbeatInterval = 30 * time.Second
	defaultActivityTimeout   = 45 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectCap      = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultDowngradeAfter    = 3
)

// Source identifies the transport an inbound frame arrived on.
type Source string

const (
	SourceDuplex   Source = "duplex"
	SourceFallback Source = "fallback"
	SourceCatchUp  Source = "catchup"
)

// Frame is one inbound JSON frame.
type Frame struct {
	Data   []byte
	Source Source
}

// CatchUpper fetches the events missed while disconnected.
type CatchUpper interface {
	CatchUp(ctx context.Context, since int64) ([][]byte, error)
}

// CursorReader returns the highest event sequence already processed.
type CursorReader interface {
	Cursor() (int64, error)
}

// ManagerConfig holds the parameters for a Manager. Zero durations and
// counts fall back to the defaults above.
type ManagerConfig struct {
	URL   string
	Token string

	HeartbeatInterval time.Duration
	ActivityTimeout   time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxAttempts       int
	// DowngradeAfter is the number of consecutive failed attempts after
	// which the fallback transport is started.
	DowngradeAfter int

	Dialer   Dialer
	Fallback FallbackTransport
	CatchUp  CatchUpper
	Cursor   CursorReader
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	Online    bool   `json:"online"`
	Transport string `json:"transport"`
	Exhausted bool   `json:"exhausted"`
	Rejected  bool   `json:"rejected"`
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdSend
	cmdDisconnect
)

type command struct {
	kind      cmdKind
	token     string
	frame     []byte
	eventType string
	reply     chan cmdResult
}

type cmdResult struct {
	err         error
	viaFallback bool
}

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type dialResult struct {
	seq  int
	conn Conn
	err  error
}

type syncResult struct {
	gen    int
	frames [][]byte
	err    error
}

type fallbackEnd struct {
	seq int
	err error
}

// Manager owns the duplex connection to the chat server. All connection
// state lives in the Run loop; the exported methods submit commands to
// it and wait for the result.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	machine *machine

	frames *events.Hub[Frame]
	states *events.Hub[StateChange]

	cmdCh      chan command
	reachCh    chan bool
	dialCh     chan dialResult
	syncCh     chan syncResult
	fallbackCh chan fallbackEnd
	done       chan struct{}

	statusMu sync.Mutex
	status   Status

	// Owned by the Run loop.
	runCtx         context.Context
	token          string
	conn           Conn
	connCancel     context.CancelFunc
	inboundCh      chan inboundMsg
	heartbeat      *time.Ticker
	activity       *time.Timer
	reconnect      *time.Timer
	attempts       int
	online         bool
	wantConn       bool
	rejected       bool
	exhausted      bool
	dialing        bool
	dialSeq        int
	dialCancel     context.CancelFunc
	syncGen        int
	fallbackUp     bool
	fallbackSeq    int
	fallbackCancel context.CancelFunc
}

// NewManager creates a Manager. Call Run to start it.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}

	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}

	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.DowngradeAfter <= 0 {
		cfg.DowngradeAfter = defaultDowngradeAfter
	}

	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{}
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		machine:    newMachine(),
		frames:     events.NewHub[Frame](),
		states:     events.NewHub[StateChange](),
		cmdCh:      make(chan command),
		reachCh:    make(chan bool),
		dialCh:     make(chan dialResult),
		syncCh:     make(chan syncResult),
		fallbackCh: make(chan fallbackEnd),
		done:       make(chan struct{}),
		token:      cfg.Token,
		online:     true,
	}
	m.status = Status{State: StateDisconnected, Online: true, Transport: "none"}
	setStateGauge(StateDisconnected)

	return m
}

// Frames returns a subscription to every inbound frame, from any
// transport, in arrival order.
func (m *Manager) Frames() (<-chan Frame, func()) {
	return m.frames.Subscribe()
}

// States returns a subscription to connection state changes.
func (m *Manager) States() (<-chan StateChange, func()) {
	return m.states.Subscribe()
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.machine.Current()
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	return m.status
}

// Connect asks the manager to establish the duplex connection using
// credential (empty keeps the current one). It returns immediately;
// progress is reported on States. ErrOffline is returned when the
// network is known to be unreachable; the connection is then attempted
// as soon as it becomes reachable.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	res := m.submit(ctx, command{kind: cmdConnect, token: credential})
	return res.err
}

// Disconnect closes the connection and stops reconnecting.
func (m *Manager) Disconnect(ctx context.Context) error {
	res := m.submit(ctx, command{kind: cmdDisconnect})
	return res.err
}

// Send transmits event, which must marshal to a JSON object with an
// event_type. It returns ErrNotConnected when no transport can carry it.
// While degraded, supported events go over the fallback transport and the
// server's response is delivered on Frames like any inbound event.
func (m *Manager) Send(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	eventType := gjson.GetBytes(data, "event_type").String()
	if eventType == "" {
		return fmt.Errorf("event has no event_type")
	}

	res := m.submit(ctx, command{kind: cmdSend, frame: data, eventType: eventType})
	if res.err != nil || !res.viaFallback {
		return res.err
	}

	resp, err := m.cfg.Fallback.Send(ctx, eventType, data)
	if err != nil {
		return fmt.Errorf("sending %s over fallback: %w", eventType, err)
	}

	observability.Frames.WithLabelValues("out", string(SourceFallback), eventType).Inc()

	if resp != nil {
		m.publishFrame(resp, SourceFallback)
	}

	return nil
}

// SetReachable reports a network reachability change.
func (m *Manager) SetReachable(online bool) {
	select {
	case m.reachCh <- online:
	case <-m.done:
	}
}

func (m *Manager) submit(ctx context.Context, c command) cmdResult {
	c.reply = make(chan cmdResult, 1)

	select {
	case m.cmdCh <- c:
	case <-ctx.Done():
		return cmdResult{err: ctx.Err()}
	case <-m.done:
		return cmdResult{err: fmt.Errorf("%w: manager stopped", syncerr.ErrNotConnected)}
	}

	select {
	case res := <-c.reply:
		return res
	case <-ctx.Done():
		return cmdResult{err: ctx.Err()}
	}
}

// Run is the manager's event loop. It owns the connection, every timer
// and all state transitions. It returns when ctx is cancelled, after
// closing the connection and both subscription hubs.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx

	defer func() {
		close(m.done)
		m.frames.Close()
		m.states.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			m.snapshot()

			return ctx.Err()

		case c := <-m.cmdCh:
			c.reply <- m.handleCommand(c)

		case msg := <-m.inboundCh:
			m.handleRead(msg)

		case <-tickerC(m.heartbeat):
			m.ping()

		case <-timerC(m.activity):
			m.activity = nil
			m.logger.Warn("no activity, closing connection", slog.Duration("timeout", m.cfg.ActivityTimeout))
			m.handleFailure(syncerr.ErrActivityTimeout)

		case <-timerC(m.reconnect):
			m.reconnect = nil
			m.startDial()

		case res := <-m.dialCh:
			m.handleDial(res)

		case res := <-m.syncCh:
			m.handleSync(res)

		case online := <-m.reachCh:
			m.handleReachability(online)

		case end := <-m.fallbackCh:
			m.handleFallbackEnd(end)
		}

		m.snapshot()
	}
}

func (m *Manager) handleCommand(c command) cmdResult {
	switch c.kind {
	case cmdConnect:
		return cmdResult{err: m.handleConnect(c.token)}
	case cmdSend:
		return m.handleSend(c)
	case cmdDisconnect:
		m.logger.Info("disconnecting")
		m.teardown()

		return cmdResult{}
	}

	return cmdResult{err: fmt.Errorf("unknown command %d", c.kind)}
}

func (m *Manager) handleConnect(token string) error {
	if token != "" {
		m.token = token
	}

	switch m.machine.Current() {
	case StateConnecting, StateSyncing, StateConnected:
		return nil
	}

	if m.dialing {
		return nil
	}

	m.wantConn = true
	m.rejected = false
	m.exhausted = false
	m.attempts = 0

	if !m.online {
		return syncerr.ErrOffline
	}

	if credentialExpired(m.token, time.Now()) {
		m.rejected = true
		m.wantConn = false
		m.logger.Error("credential expired, not connecting")
		m.reportTerminal(m.restingState(), fmt.Errorf("%w: credential expired", syncerr.ErrConnectionRejected))

		return nil
	}

	m.startDial()

	return nil
}

func (m *Manager) handleSend(c command) cmdResult {
	switch m.machine.Current() {
	case StateSyncing, StateConnected:
		if m.conn == nil {
			break
		}

		ctx, cancel := context.WithTimeout(m.runCtx, writeTimeout)
		defer cancel()

		if err := m.conn.Write(ctx, websocket.MessageText, c.frame); err != nil {
			m.handleFailure(fmt.Errorf("%w: writing %s: %w", syncerr.ErrConnectionLost, c.eventType, err))
			return cmdResult{err: fmt.Errorf("%w: %w", syncerr.ErrNotConnected, err)}
		}

		m.touch()
		observability.Frames.WithLabelValues("out", string(SourceDuplex), c.eventType).Inc()

		return cmdResult{}

	case StateDegraded:
		if !m.fallbackUp {
			break
		}

		if !m.cfg.Fallback.Supports(c.eventType) {
			return cmdResult{err: fmt.Errorf("%w: %w: %s", syncerr.ErrNotConnected, syncerr.ErrUnsupportedOnLink, c.eventType)}
		}

		return cmdResult{viaFallback: true}
	}

	return cmdResult{err: syncerr.ErrNotConnected}
}

// startDial dials in a goroutine; the result arrives on dialCh.
func (m *Manager) startDial() {
	if m.conn != nil || m.dialing {
		return
	}

	m.stopReconnect()

	if m.machine.Current() == StateDisconnected {
		m.setState(StateConnecting, nil)
	}

	m.dialing = true
	m.dialSeq++
	seq := m.dialSeq

	ctx, cancel := context.WithCancel(m.runCtx)
	m.dialCancel = cancel
	url, token := m.cfg.URL, m.token

	m.logger.Debug("dialing", slog.String("url", url), slog.Int("attempt", m.attempts))

	go func() {
		conn, err := m.cfg.Dialer.Dial(ctx, url, token)
		select {
		case m.dialCh <- dialResult{seq: seq, conn: conn, err: err}:
		case <-m.done:
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
			}
		}
	}()
}

func (m *Manager) handleDial(res dialResult) {
	if res.seq != m.dialSeq || !m.dialing {
		// Superseded by a disconnect.
		if res.conn != nil {
			res.conn.Close(websocket.StatusNormalClosure, "bye")
		}

		return
	}

	m.dialing = false
	m.dialCancel()
	m.dialCancel = nil

	if res.err != nil {
		m.handleFailure(res.err)
		return
	}

	if !m.wantConn {
		res.conn.Close(websocket.StatusNormalClosure, "bye")
		m.setState(StateDisconnected, nil)

		return
	}

	m.attach(res.conn)
}

// attach adopts a freshly dialed connection: reader, timers, catch-up.
func (m *Manager) attach(conn Conn) {
	conn.SetReadLimit(wsReadLimit)
	m.conn = conn

	connCtx, cancel := context.WithCancel(m.runCtx)
	m.connCancel = cancel
	m.startReader(connCtx)

	m.attempts = 0
	m.exhausted = false
	m.stopFallback()

	m.heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
	m.activity = time.NewTimer(m.cfg.ActivityTimeout)

	m.logger.Info("connected", slog.String("url", m.cfg.URL))
	m.setState(StateSyncing, nil)

	if m.cfg.CatchUp == nil {
		m.setState(StateConnected, nil)
		return
	}

	m.syncGen++
	gen := m.syncGen

	go func() {
		frames, err := m.catchUp(connCtx)
		select {
		case m.syncCh <- syncResult{gen: gen, frames: frames, err: err}:
		case <-connCtx.Done():
		}
	}()
}

func (m *Manager) catchUp(ctx context.Context) ([][]byte, error) {
	var since int64

	if m.cfg.Cursor != nil {
		c, err := m.cfg.Cursor.Cursor()
		if err != nil {
			return nil, fmt.Errorf("reading cursor: %w", err)
		}

		since = c
	}

	return m.cfg.CatchUp.CatchUp(ctx, since)
}

func (m *Manager) handleSync(res syncResult) {
	if res.gen != m.syncGen || m.conn == nil {
		return
	}

	if res.err != nil {
		m.logger.Warn("catch-up sync failed", slog.String("error", res.err.Error()))
	} else {
		for _, f := range res.frames {
			m.publishFrame(f, SourceCatchUp)
		}

		m.logger.Debug("catch-up sync complete", slog.Int("events", len(res.frames)))
	}

	if m.machine.Current() == StateSyncing {
		m.setState(StateConnected, nil)
	}
}

// startReader launches a goroutine that reads from the connection and
// feeds inboundCh. The channel and connection are captured by value so a
// reader left over from a previous connection cannot deliver into the
// current one.
func (m *Manager) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	m.inboundCh = ch
	conn := m.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

func (m *Manager) handleRead(msg inboundMsg) {
	if msg.err != nil {
		m.handleFailure(fmt.Errorf("%w: %w", syncerr.ErrConnectionLost, msg.err))
		return
	}

	m.touch()

	if msg.typ == websocket.MessageBinary {
		m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	m.publishFrame(msg.data, SourceDuplex)
}

// ping writes the keep-alive. It does not count as activity, so a
// connection that only carries our pings still times out.
func (m *Manager) ping() {
	if m.conn == nil {
		return
	}

	data, err := json.Marshal(chat.PingEvent{EventType: chat.EventPing})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.runCtx, writeTimeout)
	defer cancel()

	if err := m.conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.handleFailure(fmt.Errorf("%w: sending ping: %w", syncerr.ErrConnectionLost, err))
		return
	}

	observability.Frames.WithLabelValues("out", string(SourceDuplex), chat.EventPing).Inc()
}

func (m *Manager) touch() {
	if m.activity != nil {
		m.activity.Reset(m.cfg.ActivityTimeout)
	}
}

// handleFailure tears down the current connection attempt and decides
// what happens next: terminal rejection, rest, or a backoff reconnect.
func (m *Manager) handleFailure(cause error) {
	m.detach(websocket.StatusGoingAway, "reconnecting")

	if isRejection(cause) {
		if !errors.Is(cause, syncerr.ErrConnectionRejected) {
			cause = fmt.Errorf("%w: %w", syncerr.ErrConnectionRejected, cause)
		}

		m.rejected = true
		m.wantConn = false
		m.stopFallback()
		m.logger.Error("connection rejected, not reconnecting", slog.String("error", cause.Error()))
		m.reportTerminal(StateDisconnected, cause)

		return
	}

	if !m.wantConn {
		m.setState(StateDisconnected, cause)
		return
	}

	if !m.online {
		m.logger.Info("connection lost while offline", slog.String("error", cause.Error()))
		m.setState(m.restingState(), cause)

		return
	}

	if m.attempts >= m.cfg.MaxAttempts {
		if m.exhausted {
			m.setState(m.restingState(), cause)
			return
		}

		m.exhausted = true
		err := fmt.Errorf("%w after %d attempts: %w", syncerr.ErrReconnectExhausted, m.attempts, cause)
		m.logger.Error("giving up on reconnect", slog.Int("attempts", m.attempts), slog.String("error", cause.Error()))
		m.reportTerminal(m.restingState(), err)

		return
	}

	delay := Backoff(m.cfg.ReconnectBase, m.cfg.ReconnectCap, m.attempts)
	m.attempts++

	if m.cfg.Fallback != nil && !m.fallbackUp && m.attempts >= m.cfg.DowngradeAfter {
		m.startFallback()
	}

	m.setState(m.restingState(), cause)

	m.reconnect = time.NewTimer(delay)
	observability.ReconnectAttempts.Inc()

	m.logger.Warn("connection failed, reconnecting",
		slog.String("error", cause.Error()),
		slog.Int("attempt", m.attempts),
		slog.Duration("backoff", delay),
	)
}

// detach closes the current connection, if any, and stops its timers.
func (m *Manager) detach(code websocket.StatusCode, reason string) {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	if m.conn != nil {
		m.conn.Close(code, reason)
		m.conn = nil
	}

	m.inboundCh = nil

	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}

	if m.activity != nil {
		m.activity.Stop()
		m.activity = nil
	}
}

func (m *Manager) handleReachability(online bool) {
	if online == m.online {
		return
	}

	m.online = online

	if !online {
		m.logger.Info("network unreachable")
		m.stopReconnect()

		return
	}

	m.logger.Info("network reachable again")
	m.attempts = 0
	m.exhausted = false

	if m.wantConn && !m.rejected && m.conn == nil && !m.dialing {
		m.startDial()
	}
}

func (m *Manager) startFallback() {
	m.fallbackSeq++
	seq := m.fallbackSeq

	ctx, cancel := context.WithCancel(m.runCtx)
	m.fallbackCancel = cancel
	m.fallbackUp = true

	m.logger.Warn("duplex connection unavailable, using fallback transport", slog.Int("attempts", m.attempts))

	go func() {
		err := m.cfg.Fallback.Stream(ctx, func(data []byte) {
			m.publishFrame(data, SourceFallback)
		})
		select {
		case m.fallbackCh <- fallbackEnd{seq: seq, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Manager) stopFallback() {
	if m.fallbackCancel != nil {
		m.fallbackCancel()
		m.fallbackCancel = nil
	}

	m.fallbackUp = false
}

func (m *Manager) handleFallbackEnd(end fallbackEnd) {
	if end.seq != m.fallbackSeq || !m.fallbackUp {
		return
	}

	m.stopFallback()

	if isRejection(end.err) {
		m.rejected = true
		m.wantConn = false
		m.stopReconnect()
		m.logger.Error("fallback transport rejected", slog.String("error", end.err.Error()))
		m.reportTerminal(StateDisconnected, end.err)

		return
	}

	m.logger.Warn("fallback transport ended", slog.Any("error", end.err))

	if m.machine.Current() == StateDegraded {
		m.setState(StateDisconnected, end.err)
	}
}

// teardown cancels every timer and transport and leaves the manager
// disconnected.
func (m *Manager) teardown() {
	m.stopReconnect()

	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}

	m.dialing = false
	m.detach(websocket.StatusNormalClosure, "bye")
	m.stopFallback()
	m.wantConn = false
	m.setState(StateDisconnected, nil)
}

func (m *Manager) stopReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// restingState is where the manager sits between attempts.
func (m *Manager) restingState() State {
	if m.fallbackUp {
		return StateDegraded
	}

	return StateDisconnected
}

func (m *Manager) setState(to State, err error) {
	from := m.machine.Current()
	if from == to {
		return
	}

	if _, terr := m.machine.transition(to); terr != nil {
		m.logger.Error("connection state", slog.String("error", terr.Error()))
		return
	}

	setStateGauge(to)
	m.logger.Debug("connection state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	m.states.Publish(StateChange{From: from, To: to, Err: err})
}

func (m *Manager) reportTerminal(to State, err error) {
	from := m.machine.Current()

	if from != to {
		if _, terr := m.machine.transition(to); terr != nil {
			m.logger.Error("connection state", slog.String("error", terr.Error()))
			to = from
		} else {
			setStateGauge(to)
		}
	}

	m.states.Publish(StateChange{From: from, To: to, Err: err, Terminal: true})
}

func (m *Manager) publishFrame(data []byte, source Source) {
	eventType := gjson.GetBytes(data, "event_type").String()
	if eventType == "" {
		eventType = "unknown"
	}

	observability.Frames.WithLabelValues("in", string(source), eventType).Inc()
	m.frames.Publish(Frame{Data: data, Source: source})
}

func (m *Manager) snapshot() {
	transport := "none"

	switch {
	case m.conn != nil:
		transport = string(SourceDuplex)
	case m.fallbackUp:
		transport = string(SourceFallback)
	}

	m.statusMu.Lock()
	m.status = Status{
		State:     m.machine.Current(),
		Attempts:  m.attempts,
		Online:    m.online,
		Transport: transport,
		Exhausted: m.exhausted,
		Rejected:  m.rejected,
	}
	m.statusMu.Unlock()
}

func setStateGauge(current State) {
	for _, s := range AllStates {
		v := 0.0
		if s == current {
			v = 1
		}

		observability.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}

	return t.C
}
