package app

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fd1az/market-collector/business/fanout/domain"
	"github.com/fd1az/market-collector/internal/logger"
)

// Socket abstracts the transport under a pooled connection so the pool can
// be exercised without real WebSockets.
type Socket interface {
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// connConfig is the per-connection slice of the pool configuration.
type connConfig struct {
	sendBuffer     int
	writeTimeout   time.Duration
	enableBatching bool
	batchSize      int
	flushInterval  time.Duration
}

// Conn is one pooled WebSocket connection with a serialized, buffered
// send path.
type Conn struct {
	ID          string
	sock        Socket
	config      connConfig
	logger      logger.LoggerInterface
	subs        *SubscriptionSet
	metadata    map[string]any
	connectedAt time.Time

	state       atomic.Value // domain.ConnState
	send        chan []byte
	kick        chan struct{} // forces an immediate batch flush
	done        chan struct{}
	doneOne     sync.Once
	closeReason atomic.Value // string
	wg          sync.WaitGroup

	lastActivity atomic.Int64 // unix nanos
	messagesSent atomic.Int64
	bytesSent    atomic.Int64
	sendErrors   atomic.Int64

	// onDead is invoked when a write fails; set by the pool.
	onDead func(id string)
}

func newConn(id string, sock Socket, metadata map[string]any, cfg connConfig, log logger.LoggerInterface, onDead func(id string)) *Conn {
	c := &Conn{
		ID:          id,
		sock:        sock,
		config:      cfg,
		logger:      log,
		subs:        NewSubscriptionSet(),
		metadata:    metadata,
		connectedAt: time.Now(),
		send:        make(chan []byte, cfg.sendBuffer),
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		onDead:      onDead,
	}
	c.state.Store(domain.StateConnecting)
	c.lastActivity.Store(time.Now().UnixNano())

	c.wg.Add(1)
	go c.writeLoop()

	return c
}

// State returns the connection state.
func (c *Conn) State() domain.ConnState {
	return c.state.Load().(domain.ConnState)
}

// MarkOpen transitions connecting -> open.
func (c *Conn) MarkOpen() {
	if c.State() == domain.StateConnecting {
		c.state.Store(domain.StateOpen)
	}
}

// Touch records inbound activity.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince returns the time of the last recorded activity.
func (c *Conn) IdleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Subscriptions exposes the connection's channel set.
func (c *Conn) Subscriptions() *SubscriptionSet {
	return c.subs
}

// Enqueue queues an envelope for sending. A full buffer drops the
// envelope and counts an error; the watchdog and heartbeat handle
// persistent congestion.
func (c *Conn) Enqueue(data []byte) bool {
	if c.State() != domain.StateOpen {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.sendErrors.Add(1)
		return false
	}
}

// FlushNow asks a batching writer to flush its buffer immediately.
func (c *Conn) FlushNow() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Ping pings the underlying socket.
func (c *Conn) Ping(ctx context.Context) error {
	return c.sock.Ping(ctx)
}

// Stats returns the per-connection stats snapshot.
func (c *Conn) Stats() domain.ConnStats {
	return domain.ConnStats{
		ConnectionID:  c.ID,
		State:         c.State(),
		ConnectedAt:   c.connectedAt.UnixMilli(),
		LastActivity:  c.IdleSince().UnixMilli(),
		MessagesSent:  c.messagesSent.Load(),
		BytesSent:     c.bytesSent.Load(),
		Errors:        c.sendErrors.Load(),
		Subscriptions: c.subs.List(),
	}
}

// shutdown flushes the send buffer and closes the socket. Idempotent.
func (c *Conn) shutdown(reason string) {
	c.doneOne.Do(func() {
		c.closeReason.Store(reason)
		c.state.Store(domain.StateClosing)
		close(c.done)
	})
	c.wg.Wait()
}

// writeLoop is the single writer for this connection, preserving
// per-connection ordering.
func (c *Conn) writeLoop() {
	defer c.wg.Done()

	if c.config.enableBatching {
		c.writeBatched()
	} else {
		c.writePlain()
	}

	c.state.Store(domain.StateClosed)
	reason := "closing"
	if r, ok := c.closeReason.Load().(string); ok && r != "" {
		reason = r
	}
	c.sock.Close(reason)
}

func (c *Conn) writePlain() {
	for {
		select {
		case <-c.done:
			// Flush whatever is still buffered, then drop the rest.
			for {
				select {
				case data := <-c.send:
					if !c.write(data) {
						return
					}
				default:
					return
				}
			}
		case data := <-c.send:
			if !c.write(data) {
				return
			}
		}
	}
}

func (c *Conn) writeBatched() {
	ticker := time.NewTicker(c.config.flushInterval)
	defer ticker.Stop()

	var buf []json.RawMessage

	flush := func(envelopeType string) bool {
		if len(buf) == 0 {
			return true
		}
		batch := domain.BatchEnvelope{
			Type:      envelopeType,
			Messages:  buf,
			Count:     len(buf),
			Timestamp: time.Now().UnixMilli(),
		}
		data, err := json.Marshal(batch)
		buf = nil
		if err != nil {
			c.sendErrors.Add(1)
			return true
		}
		return c.write(data)
	}

	for {
		select {
		case <-c.done:
			// Final flush delivers anything still queued.
			for {
				select {
				case data := <-c.send:
					buf = append(buf, json.RawMessage(data))
				default:
					flush(domain.TypeBatchFinal)
					return
				}
			}
		case data := <-c.send:
			buf = append(buf, json.RawMessage(data))
			if len(buf) >= c.config.batchSize {
				if !flush(domain.TypeBatch) {
					return
				}
			}
		case <-c.kick:
			if !flush(domain.TypeBatch) {
				return
			}
		case <-ticker.C:
			if !flush(domain.TypeBatch) {
				return
			}
		}
	}
}

// write performs one socket write. A failure marks the connection dead.
func (c *Conn) write(data []byte) bool {
	ctx := context.Background()
	var cancel context.CancelFunc
	if c.config.writeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.config.writeTimeout)
	}
	err := c.sock.Write(ctx, data)
	if cancel != nil {
		cancel()
	}

	if err != nil {
		c.sendErrors.Add(1)
		c.state.Store(domain.StateError)
		if c.onDead != nil {
			go c.onDead(c.ID)
		}
		return false
	}

	c.messagesSent.Add(1)
	c.bytesSent.Add(int64(len(data)))
	return true
}
