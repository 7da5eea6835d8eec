package heos

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sonatahub/sonata-core/internal/gateway"
)

// DefaultPort is the TCP port playback devices listen on.
const DefaultPort = 1255

const (
	defaultDialTimeout = 2 * time.Second
	defaultIOTimeout   = 3 * time.Second
	heartBeatTimeout   = 2 * time.Second

	// responseLimit bounds a single response line; get_players on a
	// large household stays well under this.
	responseLimit = 1 << 20
)

// Config controls client behavior.
type Config struct {
	// Port overrides the device control port. Defaults to DefaultPort.
	Port int

	// DialTimeout bounds connection establishment. Defaults to 2s.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// Logger defines the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// conn is one cached device connection.
type conn struct {
	net.Conn
	r *bufio.Reader
}

// Client speaks the device-control protocol and caches one connection
// per address. It implements gateway.Requester.
type Client struct {
	cfg    Config
	logger Logger

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewClient creates a client. Close releases cached connections.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: noopLogger{},
		conns:  make(map[string]*conn),
	}
}

// SetLogger sets the client logger.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// Request implements gateway.Requester: one command, one normalized
// response. The gateway serializes calls per address, so the cached
// connection never sees interleaved requests.
func (c *Client) Request(ctx context.Context, address, command string, params gateway.Params) (gateway.Result, error) {
	cn, err := c.connection(ctx, address)
	if err != nil {
		return gateway.Result{}, err
	}

	line, err := c.exchange(ctx, cn, encodeCommand(command, wireParams(command, params)))
	if err != nil {
		c.drop(address, cn)
		return gateway.Result{}, fmt.Errorf("heos: %s to %s: %w", command, address, err)
	}
	res, err := decodeResponse(line, command)
	if err != nil {
		// Protocol rejections keep the connection; the device is alive.
		if _, ok := err.(*gateway.ProtocolError); !ok {
			c.drop(address, cn)
		}
		return gateway.Result{}, err
	}
	return res, nil
}

// Close releases every cached connection. The client is unusable after.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for address, cn := range c.conns {
		cn.Close()
		delete(c.conns, address)
	}
}

// connection returns a live connection for the address: the cached one
// when it passes a heart_beat exchange, a fresh dial otherwise.
func (c *Client) connection(ctx context.Context, address string) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	cached := c.conns[address]
	c.mu.Unlock()

	if cached != nil {
		if c.heartBeat(cached) {
			return cached, nil
		}
		c.logger.Debug("cached connection stale, redialing", "address", address)
		c.drop(address, cached)
	}
	return c.dial(ctx, address)
}

// heartBeat validates a cached connection with the cheapest roundtrip
// the device offers.
func (c *Client) heartBeat(cn *conn) bool {
	line, err := c.exchangeDeadline(cn, encodeCommand(commandHeartBeat, nil), time.Now().Add(heartBeatTimeout))
	if err != nil {
		return false
	}
	_, err = decodeResponse(line, commandHeartBeat)
	return err == nil
}

// dial opens, caches and returns a new device connection.
func (c *Client) dial(ctx context.Context, address string) (*conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(c.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("heos: dial %s: %w", address, err)
	}
	cn := &conn{Conn: raw, r: bufio.NewReaderSize(raw, 4096)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cn.Close()
		return nil, ErrClosed
	}
	if old, ok := c.conns[address]; ok {
		old.Close()
	}
	c.conns[address] = cn
	return cn, nil
}

// exchange writes one request line and reads the answering response,
// skipping interim under-process acknowledgements. Deadlines come from
// ctx, bounded by the default I/O timeout.
func (c *Client) exchange(ctx context.Context, cn *conn, request string) ([]byte, error) {
	deadline := time.Now().Add(defaultIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.exchangeDeadline(cn, request, deadline)
}

func (c *Client) exchangeDeadline(cn *conn, request string, deadline time.Time) ([]byte, error) {
	if err := cn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := cn.Write([]byte(request)); err != nil {
		return nil, err
	}
	for {
		line, err := readLine(cn.r)
		if err != nil {
			return nil, err
		}
		if underProcess(line) {
			continue
		}
		return line, nil
	}
}

// readLine reads one CRLF-terminated response line.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadBytes('\n')
		line = append(line, chunk...)
		if err != nil {
			return nil, err
		}
		if len(line) >= 2 && line[len(line)-2] == '\r' {
			return line[:len(line)-2], nil
		}
		if len(line) > responseLimit {
			return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrMalformed, responseLimit)
		}
	}
}

// drop closes and forgets a cached connection, unless a newer one has
// already replaced it.
func (c *Client) drop(address string, cn *conn) {
	c.mu.Lock()
	if current, ok := c.conns[address]; ok && current == cn {
		delete(c.conns, address)
	}
	c.mu.Unlock()
	cn.Close()
}

// wireParams translates canonical parameter vocabulary to the wire's.
// The inverse mapping happens in response normalization.
func wireParams(command string, params gateway.Params) gateway.Params {
	if command != commandSetPlayState {
		return params
	}
	state, ok := params["state"]
	if !ok {
		return params
	}
	out := make(gateway.Params, len(params))
	for k, v := range params {
		out[k] = v
	}
	switch state {
	case "playing":
		out["state"] = "play"
	case "paused":
		out["state"] = "pause"
	case "stopped":
		out["state"] = "stop"
	}
	return out
}
