package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/monitoring"
)

var (
	// ErrChannelClosed is returned by Send once the channel has left the
	// open state.
	ErrChannelClosed = errors.New("stream: channel is not open")
	// ErrSendBufferFull is returned when the peer is not draining messages.
	ErrSendBufferFull = errors.New("stream: send buffer full")
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxMessage   = 8 << 20
	// closeGrace bounds how long Close waits for the peer to answer the
	// close frame.
	closeGrace = 5 * time.Second
)

// Upgrader is shared by the server endpoint. Origins are checked by the
// CORS layer, not here.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Conn is one end of a stream channel. Writes go through a single writer
// goroutine (gorilla/websocket allows one concurrent writer); reads happen
// in ReadLoop.
type Conn struct {
	ws        *websocket.Conn
	sm        stateMachine
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup

	reading      atomic.Bool
	readDone     chan struct{}
	teardownOnce sync.Once
}

// Dial connects to a stream endpoint. onState, if non-nil, observes every
// state change starting with Connecting. On failure the channel ends in
// Errored and the error is returned.
func Dial(ctx context.Context, url string, onState func(State)) (*Conn, error) {
	c := &Conn{}
	c.sm.onChange = onState
	if onState != nil {
		onState(Connecting)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		c.sm.transition(Errored)
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.attach(ws)
	return c, nil
}

// Accept wraps a websocket that the server has already upgraded. The
// channel starts open.
func Accept(ws *websocket.Conn, onState func(State)) *Conn {
	c := &Conn{}
	c.sm.onChange = onState
	c.attach(ws)
	return c
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.ws = ws
	c.send = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	c.readDone = make(chan struct{})
	ws.SetReadLimit(maxMessage)
	c.sm.transition(Open)
	c.writerWG.Add(1)
	go c.writeLoop()
}

func (c *Conn) State() State { return c.sm.get() }

// IsOpen lets the channel act as the sampler's gate.
func (c *Conn) IsOpen() bool { return c.sm.get() == Open }

// Done is closed when the channel leaves the open state for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendRaw queues an already encoded message.
func (c *Conn) SendRaw(data []byte) error {
	if !c.IsOpen() {
		return ErrChannelClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrSendBufferFull
	}
}

// Send encodes and queues a message.
func (c *Conn) Send(typ string, payload interface{}) error {
	data, err := Encode(typ, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendBatch uploads captured samples as one samples_batch.
func (c *Conn) SendBatch(samples []capture.RawSample) error {
	return c.Send(TypeSamplesBatch, SamplesBatch{Samples: samples})
}

// ReadLoop delivers every received text message to handle until the peer
// closes, the connection fails, ctx is cancelled or Close is called. The
// returned error is nil for a normal close. It must be called at most once.
func (c *Conn) ReadLoop(ctx context.Context, handle func([]byte)) error {
	c.reading.Store(true)
	defer close(c.readDone)
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// closed locally
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(Closed)
				return nil
			}
			c.finish(Errored)
			return fmt.Errorf("stream read: %w", err)
		}
		handle(data)
	}
}

// Close flushes queued messages, sends a close frame and tears the channel
// down. While a ReadLoop is running it waits up to closeGrace for the peer's
// close reply; the peer handles every earlier message before answering, so
// whatever was sent before Close has been processed when it returns. Safe to
// call more than once. A ReadLoop handler that wants to hang up must call it
// from another goroutine, or it waits out closeGrace.
func (c *Conn) Close() error {
	c.finish(Closed)
	c.writerWG.Wait()
	if c.reading.Load() {
		t := time.NewTimer(closeGrace)
		select {
		case <-c.readDone:
		case <-t.C:
			monitoring.Logf("stream: no close reply from peer after %v", closeGrace)
		}
		t.Stop()
	}
	c.teardown()
	return nil
}

// teardown closes the underlying connection, which also unblocks a pending
// read.
func (c *Conn) teardown() {
	c.teardownOnce.Do(func() { c.ws.Close() })
}

func (c *Conn) finish(s State) {
	c.sm.transition(s)
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) writeLoop() {
	defer c.writerWG.Done()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				monitoring.Logf("stream write failed: %v", err)
				c.finish(Errored)
				c.teardown()
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.finish(Errored)
				c.teardown()
				return
			}
		case <-c.done:
			c.drainPending()
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// drainPending flushes messages queued before the close so a final
// session_ended or batch is not lost.
func (c *Conn) drainPending() {
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
