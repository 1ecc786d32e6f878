package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
)

// ConnState is the lifecycle state of the market data stream.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed // terminal: Disconnect was called or reconnecting gave up
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// QuoteListener receives every quote in arrival order.
type QuoteListener interface {
	OnQuote(model.Quote) error
}

type QuoteListenerFunc func(model.Quote) error

func (f QuoteListenerFunc) OnQuote(q model.Quote) error { return f(q) }

// PositionListener receives position updates for the subscribed account.
type PositionListener interface {
	OnPosition(model.Position) error
}

type PositionListenerFunc func(model.Position) error

func (f PositionListenerFunc) OnPosition(p model.Position) error { return f(p) }

// OrderListener receives order status changes.
type OrderListener interface {
	OnOrder(model.OrderUpdate) error
}

type OrderListenerFunc func(model.OrderUpdate) error

func (f OrderListenerFunc) OnOrder(u model.OrderUpdate) error { return f(u) }

// MDTokenSource provides the token used to authenticate the stream.
type MDTokenSource interface {
	MDAccessToken() (string, error)
}

// ConnectorConfig configures the stream and its reconnect policy.
type ConnectorConfig struct {
	URL              string
	Reconnect        bool
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	MaxAttempts      int // 0 = unlimited
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // 0 disables keepalive
}

// wsEnvelope is the common shape of inbound frames. Payloads live under "d".
type wsEnvelope struct {
	D *wsData `json:"d"`
}

type wsData struct {
	Quotes    []quoteFrame    `json:"quotes"`
	Positions []positionFrame `json:"positions"`
	Orders    []orderFrame    `json:"orders"`
}

type quoteFrame struct {
	ContractID int64   `json:"contractId"`
	BidPrice   float64 `json:"bidPrice"`
	AskPrice   float64 `json:"askPrice"`
	Price      float64 `json:"price"`
	BidSize    float64 `json:"bidSize"`
	AskSize    float64 `json:"askSize"`
	Volume     float64 `json:"volume"`
}

type positionFrame struct {
	AccountID  int64   `json:"accountId"`
	ContractID int64   `json:"contractId"`
	NetPos     int     `json:"netPos"`
	NetPrice   float64 `json:"netPrice"`
	Unrealized float64 `json:"unrealized"`
}

type orderFrame struct {
	ID        int64  `json:"id"`
	OrdStatus string `json:"ordStatus"`
}

type subscribeFrame struct {
	URL  string `json:"url"`
	Body any    `json:"body"`
}

type authAck struct {
	S *int `json:"s"`
}

var errUnrecognizedFrame = errors.New("unrecognized frame")

// Connector owns the market data websocket: it authenticates, subscribes and dispatches typed
// events to listeners from a single read goroutine, so arrival order is preserved.
type Connector struct {
	cfg       ConnectorConfig
	tokens    MDTokenSource
	dialer    websocket.Dialer
	accountID atomic.Int64
	state     atomic.Int32

	connMu sync.Mutex // guards conn and serialises writes
	conn   *websocket.Conn
	closed bool

	mu                sync.RWMutex
	quoteListeners    []QuoteListener
	positionListeners []PositionListener
	orderListeners    []OrderListener
	subscriptions     []subscribeFrame
	lastQuotes        map[int64]model.Quote
	positions         map[int64]model.Position
	cancel            context.CancelFunc

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewConnector(cfg ConnectorConfig, tokens MDTokenSource, logger *zap.Logger, m *metrics.Metrics) *Connector {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 30 * time.Second
	}
	logger = logger.With(zap.String("component", "connector"))
	logger.Info("Connector initialized", zap.String("URL", cfg.URL))

	return &Connector{
		cfg:        cfg,
		tokens:     tokens,
		dialer:     websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		lastQuotes: make(map[int64]model.Quote),
		positions:  make(map[int64]model.Position),
		done:       make(chan struct{}),
		now:        time.Now,
		logger:     logger,
		metrics:    m,
	}
}

// Connect dials the stream, authenticates with the market data token and starts dispatching.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connect: stream is %s", c.State())
	}

	conn, err := c.dial(ctx)
	if err == nil {
		err = c.attach(conn)
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	c.state.Store(int32(StateConnected))

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.MDAccessToken()
	if err != nil {
		return nil, err
	}

	c.logger.Info("Starting market data connection...", zap.String("URL", c.cfg.URL))
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, &model.NetworkError{Op: "dial market data", Err: err}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(map[string]string{"token": token}); err != nil {
		conn.Close()
		return nil, &model.NetworkError{Op: "stream auth", Err: err}
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, &model.NetworkError{Op: "stream auth", Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	var a authAck
	if json.Unmarshal(ack, &a) == nil && a.S != nil && *a.S != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("%w: market data stream refused token (status %d)", model.ErrAuth, *a.S)
	}
	c.logger.Info("WS Connected", zap.ByteString("Ack", ack))
	return conn, nil
}

// attach installs conn as the live connection and replays recorded subscriptions on it.
func (c *Connector) attach(conn *websocket.Conn) error {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		conn.Close()
		return model.ErrNotConnected
	}
	c.conn = conn
	c.connMu.Unlock()

	c.mu.RLock()
	subs := append([]subscribeFrame(nil), c.subscriptions...)
	c.mu.RUnlock()

	for _, frame := range subs {
		if err := c.write(frame); err != nil {
			c.detach(conn)
			return fmt.Errorf("replay %s: %w", frame.URL, err)
		}
	}
	if len(subs) > 0 {
		c.logger.Info("Replayed subscriptions", zap.Int("Count", len(subs)))
	}
	return nil
}

func (c *Connector) detach(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
}

func (c *Connector) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		c.detach(conn)
		c.state.Store(int32(StateDisconnected))
		c.logger.Error("Market data stream lost", zap.Error(err))

		if !c.cfg.Reconnect {
			c.finish()
			return
		}
		conn, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Giving up on market data stream", zap.Error(err))
			}
			c.finish()
			return
		}
	}
}

func (c *Connector) readLoop(conn *websocket.Conn) error {
	stopPing := c.startPing(conn)
	defer stopPing()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		}
		c.handleFrame(message)
	}
}

func (c *Connector) startPing(conn *websocket.Conn) func() {
	if c.cfg.PingInterval <= 0 {
		return func() {}
	}
	deadline := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (c *Connector) reconnect(ctx context.Context) (*websocket.Conn, error) {
	backoff := c.cfg.BackoffInitial
	for attempt := 1; ; attempt++ {
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			return nil, fmt.Errorf("reconnect: gave up after %d attempts", c.cfg.MaxAttempts)
		}
		c.logger.Warn("Reconnecting market data stream", zap.Int("Attempt", attempt), zap.Duration("Backoff", backoff))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		c.state.Store(int32(StateConnecting))
		conn, err := c.dial(ctx)
		if err == nil {
			if err = c.attach(conn); err == nil {
				c.state.Store(int32(StateConnected))
				c.metrics.StreamReconnect()
				c.logger.Info("Market data stream restored", zap.Int("Attempt", attempt))
				return conn, nil
			}
		}
		c.state.Store(int32(StateDisconnected))
		c.logger.Warn("Reconnect attempt failed", zap.Int("Attempt", attempt), zap.Error(err))

		backoff = time.Duration(math.Min(float64(c.cfg.BackoffMax), float64(backoff)*1.8))
	}
}

func (c *Connector) finish() {
	c.state.Store(int32(StateClosed))
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connector) write(frame any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return model.ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		return &model.NetworkError{Op: "stream write", Err: err}
	}
	return nil
}

func (c *Connector) subscribe(frame subscribeFrame) error {
	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, frame)
	c.mu.Unlock()
	return c.write(frame)
}

// SubscribeQuote requests quotes for symbol. The subscription is replayed after a reconnect.
func (c *Connector) SubscribeQuote(symbol string) error {
	frame := subscribeFrame{URL: "md/subscribeQuote", Body: map[string]string{"symbol": symbol}}
	if err := c.subscribe(frame); err != nil {
		return fmt.Errorf("subscribe quote %s: %w", symbol, err)
	}
	c.logger.Info("Subscribed to quotes", zap.String("Symbol", symbol))
	return nil
}

// SubscribePosition requests position and order sync for the account. Position frames for
// other accounts are ignored from then on.
func (c *Connector) SubscribePosition(accountID int64) error {
	c.accountID.Store(accountID)
	frame := subscribeFrame{URL: "user/syncRequest", Body: map[string][]int64{"accounts": {accountID}}}
	if err := c.subscribe(frame); err != nil {
		return fmt.Errorf("subscribe positions %d: %w", accountID, err)
	}
	c.logger.Info("Subscribed to position updates", zap.Int64("AccountID", accountID))
	return nil
}

// OnQuote registers l. Listeners are called in registration order.
func (c *Connector) OnQuote(l QuoteListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quoteListeners = append(c.quoteListeners, l)
}

func (c *Connector) OnPosition(l PositionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positionListeners = append(c.positionListeners, l)
}

func (c *Connector) OnOrder(l OrderListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orderListeners = append(c.orderListeners, l)
}

func (c *Connector) handleFrame(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.dropFrame(message, err)
		return
	}
	if env.D == nil {
		c.dropFrame(message, errUnrecognizedFrame)
		return
	}

	for _, qf := range env.D.Quotes {
		c.dispatchQuote(model.Quote{
			ContractID: qf.ContractID,
			Bid:        qf.BidPrice,
			Ask:        qf.AskPrice,
			Last:       qf.Price,
			BidSize:    qf.BidSize,
			AskSize:    qf.AskSize,
			Volume:     qf.Volume,
			Timestamp:  c.now(),
		})
	}

	account := c.accountID.Load()
	for _, pf := range env.D.Positions {
		if account != 0 && pf.AccountID != account {
			continue
		}
		c.dispatchPosition(model.Position{
			AccountID:  pf.AccountID,
			ContractID: pf.ContractID,
			NetPos:     pf.NetPos,
			NetPrice:   pf.NetPrice,
			Unrealized: pf.Unrealized,
			Timestamp:  c.now(),
		})
	}

	for _, of := range env.D.Orders {
		status, err := model.ParseOrderStatus(of.OrdStatus)
		if err != nil {
			c.dropFrame(message, err)
			continue
		}
		c.dispatchOrder(model.OrderUpdate{OrderID: of.ID, Status: status, Timestamp: c.now()})
	}
}

func (c *Connector) dropFrame(message []byte, err error) {
	perr := &model.ProtocolError{Frame: string(message), Err: err}
	c.logger.Debug("Dropping frame", zap.Error(perr))
}

func (c *Connector) dispatchQuote(q model.Quote) {
	c.mu.Lock()
	c.lastQuotes[q.ContractID] = q
	listeners := c.quoteListeners
	c.mu.Unlock()

	c.metrics.QuoteReceived()
	for i, l := range listeners {
		c.safeCall("quote", i, func() error { return l.OnQuote(q) })
	}
}

func (c *Connector) dispatchPosition(p model.Position) {
	c.mu.Lock()
	c.positions[p.ContractID] = p
	listeners := c.positionListeners
	c.mu.Unlock()

	for i, l := range listeners {
		c.safeCall("position", i, func() error { return l.OnPosition(p) })
	}
}

func (c *Connector) dispatchOrder(u model.OrderUpdate) {
	c.mu.RLock()
	listeners := c.orderListeners
	c.mu.RUnlock()

	for i, l := range listeners {
		c.safeCall("order", i, func() error { return l.OnOrder(u) })
	}
}

// safeCall isolates one listener: an error or panic is logged and the next listener still runs.
func (c *Connector) safeCall(kind string, idx int, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener panicked", zap.String("Kind", kind), zap.Int("Listener", idx), zap.Any("Panic", r))
		}
	}()
	if err := fn(); err != nil {
		c.logger.Warn("Listener failed", zap.String("Kind", kind), zap.Int("Listener", idx), zap.Error(err))
	}
}

// LastQuote returns the most recent quote seen for a contract.
func (c *Connector) LastQuote(contractID int64) (model.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.lastQuotes[contractID]
	return q, ok
}

// Position returns the most recent position update for a contract.
func (c *Connector) Position(contractID int64) (model.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[contractID]
	return p, ok
}

func (c *Connector) State() ConnState { return ConnState(c.state.Load()) }

// Done is closed once the stream is permanently down.
func (c *Connector) Done() <-chan struct{} { return c.done }

// Disconnect closes the stream and stops dispatch. It is safe to call more than once.
func (c *Connector) Disconnect() error {
	c.connMu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = conn.Close()
	}
	c.wg.Wait()
	c.finish()
	c.logger.Info("Market data stream disconnected")
	return err
}
