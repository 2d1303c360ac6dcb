package control

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dispatcher executes a parsed Action and returns the event to send back.
// The Coordinator implements this; Server only knows the interface, never
// the coordinator's concrete type, to avoid import-cycling control<->
// coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Conn, action Action) Response
}

// Response is an outbound {"event": ..., ...fields} frame.
type Response struct {
	Event  string
	Fields map[string]interface{}
}

// ErrorResponse builds the standard error event shape (spec.md §4.5):
// {"event":"error","error":{"message":...,"context":...}}.
func ErrorResponse(message, context string) Response {
	return Response{Event: "error", Fields: map[string]interface{}{
		"error": map[string]interface{}{"message": message, "context": context},
	}}
}

// ConfigurationResponse builds the standard configuration event shape:
// {"event":"configuration","target":...,"context":...,"config":...}.
func ConfigurationResponse(target, context string, config interface{}) Response {
	return Response{Event: "configuration", Fields: map[string]interface{}{
		"target": target, "context": context, "config": config,
	}}
}

// Conn is one operator's control-channel connection: the unit the
// Coordinator holds onto as "the initiating connection" for an active
// operation (spec.md §4.6), and the unit that can be told to disconnect.
type Conn struct {
	id     uint64
	client *wsClient

	closeMu  sync.Mutex
	onClose  []func()
	isClosed bool
}

func (c *Conn) ID() uint64 { return c.id }

// Send marshals and enqueues an outbound frame. A slow or dead client
// never blocks the sender: if its outbound queue is full, the frame is
// dropped, mirroring the teacher's broadcast()'s non-blocking send.
func (c *Conn) Send(event string, fields map[string]interface{}) {
	c.closeMu.Lock()
	closed := c.isClosed
	c.closeMu.Unlock()
	if closed {
		return
	}
	msg := map[string]interface{}{"event": event}
	for k, v := range fields {
		msg[k] = v
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[control] marshal event %q: %v", event, err)
		return
	}
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.isClosed {
		return
	}
	select {
	case c.client.send <- data:
	default:
		log.Printf("[control] client %d outbound queue full, dropping %q", c.id, event)
	}
}

// OnClose registers fn to run exactly once when the connection's reader
// goroutine observes disconnection, so the Coordinator can treat it as an
// implicit stop (spec.md §4.5).
func (c *Conn) OnClose(fn func()) {
	c.closeMu.Lock()
	if c.isClosed {
		c.closeMu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.closeMu.Unlock()
}

func (c *Conn) fireClose() {
	c.closeMu.Lock()
	if c.isClosed {
		c.closeMu.Unlock()
		return
	}
	c.isClosed = true
	fns := c.onClose
	c.closeMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Server is the control channel's WebSocket listener (C5), adapting the
// teacher's handleWS writer/reader goroutine pair: every inbound frame is
// parsed into a tagged Action then handed to a bounded worker pool so the
// reactor never blocks on dispatch (spec.md §4.5/§5).
type Server struct {
	listenAddr string
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	pool       *workerPool

	baseCtx context.Context

	nextID   uint64
	connMu   sync.Mutex
	conns    map[uint64]*Conn
}

// NewServer constructs a Server bound to listenAddr (default
// "0.0.0.0:5432" per spec.md §6) with workerCount goroutines draining a
// queueDepth-deep job backlog.
func NewServer(listenAddr string, dispatcher Dispatcher, workerCount, queueDepth int) *Server {
	s := &Server{
		listenAddr: listenAddr,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[uint64]*Conn),
	}
	s.pool = newWorkerPool(workerCount, queueDepth, s.handleJob)
	return s
}

// Run starts the HTTP server hosting the single /ws endpoint until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	httpSrv := &http.Server{Addr: s.listenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		s.pool.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
	}()

	log.Printf("[control] listening on %s", s.listenAddr)
	err := httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[control] upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: wsConn, send: make(chan []byte, 64)}
	s.connMu.Lock()
	s.nextID++
	id := s.nextID
	conn := &Conn{id: id, client: client}
	s.conns[id] = conn
	s.connMu.Unlock()

	log.Printf("[control] client %d connected", id)
	conn.Send("handshake", nil)

	// connCtx outlives the HTTP handler (net/http cancels r.Context() the
	// instant handleWS returns, which is right after these goroutines are
	// spawned) and is cancelled only when the connection actually closes
	// or the server shuts down, so queued Submits don't race a context
	// that's already done on arrival.
	connCtx, cancel := context.WithCancel(s.baseCtx)

	go func() {
		defer wsConn.Close()
		for msg := range client.send {
			if err := wsConn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			s.connMu.Lock()
			delete(s.conns, id)
			s.connMu.Unlock()
			close(client.send)
			conn.fireClose()
			log.Printf("[control] client %d disconnected", id)
		}()
		for {
			_, data, err := wsConn.ReadMessage()
			if err != nil {
				break
			}
			action, err := ParseAction(data)
			if err != nil {
				conn.Send("error", map[string]interface{}{
					"error": map[string]interface{}{"message": err.Error(), "context": "parse"},
				})
				continue
			}
			s.pool.Submit(connCtx, job{action: action, conn: conn})
		}
	}()
}

func (s *Server) handleJob(j job) {
	conn := j.conn
	resp := s.dispatcher.Dispatch(context.Background(), conn, j.action)
	if resp.Event != "" {
		conn.Send(resp.Event, resp.Fields)
	}
}
