package bacnetip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/config"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Transport defaults.
const (
	// DefaultPort is the BACnet/IP UDP port (0xBAC0).
	DefaultPort = 47808

	// DefaultBroadcastAddress is the limited broadcast address.
	DefaultBroadcastAddress = "255.255.255.255"

	// defaultWriteTimeout bounds one datagram write.
	defaultWriteTimeout = 2 * time.Second

	// readBufferSize holds the largest BACnet/IP datagram.
	readBufferSize = 1500

	// callbackQueueSize is the buffer size for the receive callback queue.
	callbackQueueSize = 100

	// callbackWorkerCount is the number of concurrent callback workers.
	callbackWorkerCount = 4
)

// TransportConfig holds the UDP binding.
type TransportConfig struct {
	// Interface is the local IP to bind. Empty binds all interfaces.
	Interface string

	// Port is the UDP port, normally 47808. Zero picks an ephemeral port.
	Port int

	// BroadcastAddress is the destination of broadcasts.
	// Default: 255.255.255.255.
	BroadcastAddress string
}

// TransportConfigFrom extracts the transport settings from the application
// config.
func TransportConfigFrom(cfg *config.Config) TransportConfig {
	return TransportConfig{
		Interface:        cfg.BACnet.Interface,
		Port:             cfg.BACnet.Port,
		BroadcastAddress: cfg.BACnet.BroadcastAddress,
	}
}

// TransportStats holds operational statistics.
type TransportStats struct {
	FramesTx      uint64    `json:"frames_tx"`
	FramesRx      uint64    `json:"frames_rx"`
	FramesDropped uint64    `json:"frames_dropped"` // Dropped due to full callback queue
	ErrorsTotal   uint64    `json:"errors_total"`
	LastActivity  time.Time `json:"last_activity"`
	Connected     bool      `json:"connected"`
	LocalAddress  string    `json:"local_address"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector moves BACnet/IP datagrams. Addresses are "ip:port".
// This allows mocking the UDP socket in tests.
type Connector interface {
	SendUnicast(ctx context.Context, addr string, frame []byte) error
	SendBroadcast(ctx context.Context, frame []byte) error
	SetOnReceive(callback func(addr string, frame []byte))
	IsConnected() bool
	Stats() TransportStats
	Close() error
}

// Ensure UDPTransport implements Connector.
var _ Connector = (*UDPTransport)(nil)

// datagram is one received frame waiting for a callback worker.
type datagram struct {
	addr  string
	frame []byte
}

// UDPTransport is a BACnet/IP endpoint on one UDP socket.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Receive callbacks run on a bounded worker pool; when the pool falls
//     behind, datagrams are dropped and counted rather than queued without
//     bound.
type UDPTransport struct {
	cfg       TransportConfig
	conn      *net.UDPConn
	broadcast netip.AddrPort

	connMu    sync.RWMutex
	connected bool

	// Receive callback (protected by callbackMu)
	onReceive     func(addr string, frame []byte)
	callbackMu    sync.RWMutex
	callbackQueue chan datagram

	// Statistics (atomic for lock-free access)
	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	framesDropped atomic.Uint64
	errorsTotal   atomic.Uint64
	lastActivity  atomic.Int64

	// Shutdown coordination
	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// Listen binds the UDP socket and starts the receive loop.
//
// Parameters:
//   - cfg: Binding; zero fields take defaults
//
// Returns:
//   - *UDPTransport: Bound transport ready for use
//   - error: ErrBindFailed if the socket cannot be opened
func Listen(cfg TransportConfig) (*UDPTransport, error) {
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = DefaultBroadcastAddress
	}

	bcastIP, err := netip.ParseAddr(cfg.BroadcastAddress)
	if err != nil || !bcastIP.Is4() {
		return nil, fmt.Errorf("%w: broadcast address %q", ErrBindFailed, cfg.BroadcastAddress)
	}

	laddr := &net.UDPAddr{Port: cfg.Port}
	if cfg.Interface != "" {
		ip := net.ParseIP(cfg.Interface)
		if ip == nil {
			return nil, fmt.Errorf("%w: interface address %q", ErrBindFailed, cfg.Interface)
		}
		laddr.IP = ip
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}

	if bound, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		cfg.Port = bound.Port
	}

	t := &UDPTransport{
		cfg:           cfg,
		conn:          conn,
		broadcast:     netip.AddrPortFrom(bcastIP, uint16(cfg.Port)), //nolint:gosec // bound port fits in 16 bits
		connected:     true,
		callbackQueue: make(chan datagram, callbackQueueSize),
		done:          newCloseOnce(),
	}
	t.lastActivity.Store(time.Now().Unix())

	// Start callback worker pool (bounded goroutine count)
	for range callbackWorkerCount {
		t.wg.Add(1)
		go t.callbackWorker()
	}

	// Start receive loop
	t.wg.Add(1)
	go t.receiveLoop()

	return t, nil
}

// LocalAddr returns the bound "ip:port".
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// receiveLoop reads datagrams until the socket is closed.
func (t *UDPTransport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.errorsTotal.Add(1)
			t.logError("read failed", err)
			continue
		}

		t.framesRx.Add(1)
		t.lastActivity.Store(time.Now().Unix())

		t.callbackMu.RLock()
		hasCallback := t.onReceive != nil
		t.callbackMu.RUnlock()
		if !hasCallback {
			continue
		}

		d := datagram{
			addr:  netip.AddrPortFrom(src.Addr().Unmap(), src.Port()).String(),
			frame: append([]byte(nil), buf[:n]...),
		}

		// Queue for the bounded worker pool (non-blocking with drop on overflow)
		select {
		case t.callbackQueue <- d:
		default:
			t.framesDropped.Add(1)
			t.errorsTotal.Add(1)
			t.logError("callback queue full, dropping datagram", nil, "from", d.addr)
		}
	}
}

// callbackWorker processes datagrams from the callback queue.
func (t *UDPTransport) callbackWorker() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done.Done():
			t.drainCallbackQueue()
			return
		case d := <-t.callbackQueue:
			t.callbackMu.RLock()
			callback := t.onReceive
			t.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							t.errorsTotal.Add(1)
							t.logError("receive callback panic", fmt.Errorf("%v", r), "from", d.addr)
						}
					}()
					callback(d.addr, d.frame)
				}()
			}
		}
	}
}

// drainCallbackQueue discards queued datagrams during shutdown.
func (t *UDPTransport) drainCallbackQueue() {
	for {
		select {
		case <-t.callbackQueue:
		default:
			return
		}
	}
}

func (t *UDPTransport) isClosed() bool {
	select {
	case <-t.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the receive loop and the workers and closes the socket.
// Safe to call multiple times.
func (t *UDPTransport) Close() error {
	alreadyClosed := t.isClosed()
	t.done.Close()

	t.connMu.Lock()
	t.connected = false
	t.connMu.Unlock()

	var err error
	if !alreadyClosed {
		err = t.conn.Close()
	}
	t.wg.Wait()

	if !alreadyClosed {
		t.logInfo("transport closed")
	}
	return err
}

// SendUnicast sends a datagram to one "ip:port".
//
// Parameters:
//   - ctx: Context for cancellation; its deadline caps the write deadline
//   - addr: Destination "ip:port"
//   - frame: Encoded BVLC datagram
//
// Returns:
//   - error: ErrNotConnected, ErrInvalidAddress or ErrSendFailed
func (t *UDPTransport) SendUnicast(ctx context.Context, addr string, frame []byte) error {
	dst, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return t.send(ctx, dst, frame)
}

// SendBroadcast sends a datagram to the configured broadcast address.
func (t *UDPTransport) SendBroadcast(ctx context.Context, frame []byte) error {
	return t.send(ctx, t.broadcast, frame)
}

func (t *UDPTransport) send(ctx context.Context, dst netip.AddrPort, frame []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}

	if _, err := t.conn.WriteToUDPAddrPort(frame, dst); err != nil {
		t.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, dst, err)
	}

	t.framesTx.Add(1)
	t.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnReceive sets the callback for received datagrams.
//
// The callback runs on the worker pool. Panics in the callback are
// recovered and logged.
func (t *UDPTransport) SetOnReceive(callback func(addr string, frame []byte)) {
	t.callbackMu.Lock()
	t.onReceive = callback
	t.callbackMu.Unlock()
}

// SetLogger sets the logger for this transport.
func (t *UDPTransport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

// IsConnected returns true until the transport is closed.
func (t *UDPTransport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.connected
}

// Stats returns current operational statistics.
func (t *UDPTransport) Stats() TransportStats {
	return TransportStats{
		FramesTx:      t.framesTx.Load(),
		FramesRx:      t.framesRx.Load(),
		FramesDropped: t.framesDropped.Load(),
		ErrorsTotal:   t.errorsTotal.Load(),
		LastActivity:  time.Unix(t.lastActivity.Load(), 0),
		Connected:     t.IsConnected(),
		LocalAddress:  t.LocalAddr(),
	}
}

// BroadcastAddress returns the broadcast destination "ip:port".
func (t *UDPTransport) BroadcastAddress() string {
	return t.broadcast.String()
}

// Endpoint renders the binding for logs and health reports.
func (t *UDPTransport) Endpoint() string {
	host := t.cfg.Interface
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.cfg.Port))
}

// logInfo logs an info message if logger is set.
func (t *UDPTransport) logInfo(msg string, keysAndValues ...any) {
	t.loggerMu.RLock()
	logger := t.logger
	t.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (t *UDPTransport) logError(msg string, err error, keysAndValues ...any) {
	t.loggerMu.RLock()
	logger := t.logger
	t.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
