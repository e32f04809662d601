// Package engine is the offline-sync reconciliation core: it observes
// local mutations through the store's change feed, drives them through a
// bounded-concurrency retrying delivery pipeline over a reconnecting
// WebSocket, and reconciles server acknowledgements back into the store.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Run) processes inbound acks, observer
// snapshots, retry and heartbeat ticks, and host commands. All writes to
// the connection happen from the event loop. The engine holds no
// authoritative state: the retry queue and in-flight set are rebuildable
// from persisted sync statuses at any time, so a restarted instance
// resumes correctly from the store alone.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// ConnState is the transport lifecycle state, terminal only on shutdown.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// errForceReconnect signals the event loop to drop the current connection
// and dial fresh, skipping any remaining backoff.
var errForceReconnect = errors.New("reconnect requested")

// inboundChanSize buffers the reader goroutine against a momentarily busy
// event loop.
const inboundChanSize = 64

// Config tunes the engine's delivery pipeline.
type Config struct {
	WSUrl              string
	MaxRetries         int
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	ConnectionTimeout  time.Duration
	HeartbeatInterval  time.Duration
	RetryTick          time.Duration
	MaxConcurrentSyncs int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WSUrl:              "ws://localhost:3001",
		MaxRetries:         5,
		BaseRetryDelay:     time.Second,
		MaxRetryDelay:      30 * time.Second,
		ConnectionTimeout:  10 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		RetryTick:          time.Second,
		MaxConcurrentSyncs: 5,
	}
}

// Engine is the sync manager. Construct with New, drive with Run, stop
// with Shutdown or host commands. One instance per store.
type Engine struct {
	cfg      Config
	store    *store.Store
	observer *Observer
	logger   *slog.Logger
	dial     Dialer

	// mu guards connState, conn, connCancel, inboundCh, queue, inflight
	// and attempt. The event loop is single-threaded, but the bridge and
	// Shutdown reach in from other goroutines.
	mu         sync.Mutex
	connState  ConnState
	conn       Conn
	connCancel context.CancelFunc
	inboundCh  chan inboundFrame
	queue      *retryQueue
	inflight   map[string]*syncItem
	attempt    int

	cmdCh chan Command

	shutdownOnce sync.Once
	down         atomic.Bool
	done         chan struct{}
}

// New creates an engine over the given store. Nothing connects until Run.
func New(cfg Config, st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		observer:  NewObserver(st, logger),
		logger:    logger,
		dial:      websocketDialer(cfg.WSUrl),
		connState: StateDisconnected,
		queue:     newRetryQueue(),
		inflight:  make(map[string]*syncItem),
		cmdCh:     make(chan Command),
		done:      make(chan struct{}),
	}
}

// Run owns the connection lifecycle: connect, serve the event loop,
// reconnect with backoff on loss. Returns nil on shutdown, ctx.Err() on
// cancellation. The observer feed is subscribed for the duration of Run
// and released on exit.
func (e *Engine) Run(ctx context.Context) error {
	obsCtx, obsCancel := context.WithCancel(ctx)
	snapCh := make(chan Snapshot, 1)

	obsDone := make(chan struct{})
	go func() {
		defer close(obsDone)

		if err := e.observer.Run(obsCtx, snapCh); err != nil && obsCtx.Err() == nil {
			e.logger.Error("observer stopped", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		obsCancel()
		<-obsDone
	}()

	for {
		if e.isShutdown() {
			return nil
		}
		if ctx.Err() != nil {
			e.Shutdown()
			return ctx.Err()
		}

		if err := e.connect(ctx); err != nil {
			if e.isShutdown() {
				return nil
			}
			if ctx.Err() != nil {
				e.Shutdown()
				return ctx.Err()
			}

			delay := e.nextReconnectDelay()
			e.logger.Warn("connect failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay),
			)
			if stop := e.wait(ctx, delay); stop {
				if e.isShutdown() {
					return nil
				}
				e.Shutdown()
				return ctx.Err()
			}
			continue
		}

		err := e.eventLoop(ctx, snapCh)
		e.teardownConn()

		forced := errors.Is(err, errForceReconnect)

		switch {
		case e.isShutdown():
			return nil
		case ctx.Err() != nil:
			e.Shutdown()
			return ctx.Err()
		case forced:
			e.logger.Info("reconnect requested by host")
		default:
			e.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))
		}

		// Outstanding sends are failed, not lost: their acks may never
		// arrive, so each goes back on the queue for a fresh attempt.
		e.requeueInflight()
		e.setConnState(StateReconnecting)

		// Host-requested reconnects dial again immediately; failures
		// back off.
		if forced {
			continue
		}

		delay := e.nextReconnectDelay()
		if stop := e.wait(ctx, delay); stop {
			if e.isShutdown() {
				return nil
			}
			e.Shutdown()
			return ctx.Err()
		}
	}
}

// connect dials under the connection timeout and starts the reader.
func (e *Engine) connect(ctx context.Context) error {
	e.setConnState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := e.dial(dialCtx)
	if err != nil {
		e.setConnState(StateReconnecting)
		return err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	ch := make(chan inboundFrame, inboundChanSize)

	e.mu.Lock()
	e.conn = conn
	e.connCancel = connCancel
	e.inboundCh = ch
	e.attempt = 0
	e.connState = StateConnected
	e.mu.Unlock()

	e.startReader(connCtx, conn, ch)
	e.logger.Info("connected", slog.String("url", e.cfg.WSUrl))

	return nil
}

// startReader launches a goroutine that reads from the connection and
// feeds ch. Exits when connCtx is cancelled or a read error occurs; the
// error is delivered as the final frame. The channel is captured by value
// so a stale reader from a previous connection cannot feed the new one.
func (e *Engine) startReader(connCtx context.Context, conn Conn, ch chan inboundFrame) {
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundFrame{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// eventLoop serves one connection until it fails, the host intervenes, or
// the engine stops. All queue and in-flight mutation happens here.
func (e *Engine) eventLoop(ctx context.Context, snapCh <-chan Snapshot) error {
	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	retry := time.NewTicker(e.cfg.RetryTick)
	defer retry.Stop()

	e.mu.Lock()
	inbound := e.inboundCh
	e.mu.Unlock()

	// Drain whatever queued up while disconnected.
	if err := e.processRetryQueue(ctx); err != nil {
		return err
	}

	for {
		select {
		case frame := <-inbound:
			if frame.err != nil {
				return fmt.Errorf("reading frame: %w", frame.err)
			}
			e.handleFrame(frame.data)

		case snap := <-snapCh:
			if err := e.handleSnapshot(ctx, snap); err != nil {
				return err
			}

		case <-retry.C:
			if err := e.processRetryQueue(ctx); err != nil {
				return err
			}

		case <-heartbeat.C:
			if err := e.sendHeartbeat(ctx); err != nil {
				return err
			}

		case cmd := <-e.cmdCh:
			if err := e.applyCommand(cmd); err != nil {
				return err
			}

		case <-e.done:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame processes one inbound frame. Nothing in here may propagate
// an error to the event loop: a bad frame is logged and dropped, and a
// failed reconciliation write is left for the next observer tick.
func (e *Engine) handleFrame(data []byte) {
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		e.logger.Warn("dropping malformed frame", slog.Int("bytes", len(data)))
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		e.logger.Warn("dropping undecodable frame",
			slog.String("type", typ.Str),
			slog.String("error", err.Error()),
		)
		return
	}

	switch env.Type {
	case typeMessageSyncResponse:
		e.handleMessageAck(env.Data)
	case typeCreateConversationResponse:
		e.handleConversationAck(env.Data)
	case typePong:
		// Liveness signal only.
	default:
		e.logger.Debug("ignoring unknown frame type", slog.String("type", env.Type))
	}
}

func (e *Engine) handleMessageAck(raw json.RawMessage) {
	var ack ackPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		e.logger.Warn("dropping undecodable message ack", slog.String("error", err.Error()))
		return
	}
	if ack.ID == "" || ack.ConversationID == "" {
		e.logger.Warn("dropping incomplete message ack")
		return
	}

	status := ackStatus(ack.Status)
	err := e.store.Modify(ack.ConversationID, func(c *models.Conversation) error {
		msg := c.Message(ack.ID)
		if msg == nil {
			return fmt.Errorf("message %s not in conversation %s", ack.ID, ack.ConversationID)
		}

		// Duplicate ack for an entity already in this state: no-op.
		if msg.SyncStatus == status {
			return nil
		}

		msg.SyncStatus = status
		c.Recompute()

		return nil
	})
	if err != nil {
		e.logger.Warn("reconciling message ack, will retry next tick",
			slog.String("message_id", ack.ID),
			slog.String("error", err.Error()),
		)
	}

	e.settle(ack.ID)
}

func (e *Engine) handleConversationAck(raw json.RawMessage) {
	var ack ackPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		e.logger.Warn("dropping undecodable conversation ack", slog.String("error", err.Error()))
		return
	}
	if ack.ID == "" {
		e.logger.Warn("dropping incomplete conversation ack")
		return
	}

	status := ackStatus(ack.Status)
	err := e.store.Modify(ack.ID, func(c *models.Conversation) error {
		c.SyncStatus = status
		if status == models.StatusSynced {
			// Unsynced children pull the aggregate back to pending.
			c.Recompute()
		}

		return nil
	})
	if err != nil {
		e.logger.Warn("reconciling conversation ack, will retry next tick",
			slog.String("conversation_id", ack.ID),
			slog.String("error", err.Error()),
		)
	}

	e.settle(ack.ID)
}

// handleSnapshot turns an observer classification into send attempts or
// queue admissions. The snapshot is a full recompute, so most of it is
// usually already in flight or queued; offer dedupes against both.
func (e *Engine) handleSnapshot(ctx context.Context, snap Snapshot) error {
	for _, conv := range snap.New {
		item := &syncItem{id: conv.ID, conversationID: conv.ID, kind: kindConversation, conv: conv}
		if err := e.offer(ctx, item); err != nil {
			return err
		}
	}

	for _, conv := range snap.Pending {
		for _, msg := range conv.Messages {
			// Syncing messages with no live in-flight entry were
			// abandoned by a previous engine instance; re-offer them
			// alongside the pending ones. offer skips anything this
			// instance actually has outstanding.
			if msg.SyncStatus != models.StatusPending && msg.SyncStatus != models.StatusSyncing {
				continue
			}

			item := &syncItem{id: msg.ID, conversationID: conv.ID, kind: kindMessage, msg: msg}
			if err := e.offer(ctx, item); err != nil {
				return err
			}
		}
	}

	for _, conv := range snap.Errored {
		e.readmitErrored(conv)
	}

	return nil
}

// offer sends the item immediately when admission control allows, and
// queues it otherwise. Items already in flight or queued are dropped:
// at-most-one outstanding send per entity id.
func (e *Engine) offer(ctx context.Context, item *syncItem) error {
	e.mu.Lock()
	_, busy := e.inflight[item.id]
	queued := e.queue.has(item.id)
	e.mu.Unlock()

	if busy || queued {
		return nil
	}

	sent, err := e.trySend(ctx, item)
	if err != nil {
		return err
	}
	if !sent {
		e.enqueue(item)
	}

	return nil
}

// readmitErrored gives user-visible errored entities a way back into the
// pipeline with a fresh retry counter. Eviction removed them from the
// queue; the error bucket is how they return, throttled by the backoff
// window rather than retried in a tight loop.
func (e *Engine) readmitErrored(conv models.Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	errored := conv.UnsyncedMessages(models.StatusError)
	if len(errored) == 0 {
		// No errored children: the conversation create itself failed.
		if _, busy := e.inflight[conv.ID]; !busy && !e.queue.has(conv.ID) {
			e.queue.upsert(&syncItem{
				id:             conv.ID,
				conversationID: conv.ID,
				kind:           kindConversation,
				conv:           conv,
				lastAttempt:    now,
			})
		}

		return
	}

	for _, msg := range errored {
		if _, busy := e.inflight[msg.ID]; busy || e.queue.has(msg.ID) {
			continue
		}

		e.queue.upsert(&syncItem{
			id:             msg.ID,
			conversationID: conv.ID,
			kind:           kindMessage,
			msg:            msg,
			lastAttempt:    now,
		})
	}
}

// trySend attempts to put the item on the wire. sent=false means
// admission control rejected it (disconnected or saturated) and the item
// should be queued. A write error is connection-level: the item is
// requeued here and the error returned to tear down the connection.
func (e *Engine) trySend(ctx context.Context, item *syncItem) (bool, error) {
	e.mu.Lock()
	conn := e.conn
	admitted := e.connState == StateConnected &&
		conn != nil &&
		len(e.inflight) < e.cfg.MaxConcurrentSyncs
	e.mu.Unlock()

	if !admitted {
		return false, nil
	}

	var payload []byte
	var err error

	switch item.kind {
	case kindConversation:
		payload, err = encodeEnvelope(typeCreateConversationRequest, item.conv)
	case kindMessage:
		if merr := e.markSyncing(item); merr != nil {
			// Entity vanished under us (deleted locally); drop the work.
			e.logger.Warn("dropping sync for missing entity",
				slog.String("id", item.id),
				slog.String("error", merr.Error()),
			)
			e.settle(item.id)
			return true, nil
		}

		payload, err = encodeEnvelope(typeMessageSyncRequest, messagePayload{
			Message:        item.msg,
			ConversationID: item.conversationID,
		})
	}
	if err != nil {
		e.logger.Error("encoding envelope, dropping item",
			slog.String("id", item.id),
			slog.String("error", err.Error()),
		)
		e.settle(item.id)
		return true, nil
	}

	item.lastAttempt = time.Now()

	if werr := conn.Write(ctx, websocket.MessageText, payload); werr != nil {
		item.retryCount++
		e.enqueue(item)
		return false, fmt.Errorf("writing %s %s: %w", item.kind, item.id, werr)
	}

	e.mu.Lock()
	e.inflight[item.id] = item
	e.queue.remove(item.id)
	e.mu.Unlock()

	return true, nil
}

// markSyncing stamps the message as having an outstanding send. Only the
// engine sets syncing, and only right before the send goes out.
func (e *Engine) markSyncing(item *syncItem) error {
	now := time.Now().UnixMilli()

	return e.store.Modify(item.conversationID, func(c *models.Conversation) error {
		msg := c.Message(item.id)
		if msg == nil {
			return fmt.Errorf("message %s not in conversation %s", item.id, item.conversationID)
		}

		msg.SyncStatus = models.StatusSyncing
		msg.LastSyncAttempt = now

		return nil
	})
}

// processRetryQueue attempts every item whose backoff window elapsed.
// Items that keep failing admission accumulate retries until eviction.
func (e *Engine) processRetryQueue(ctx context.Context) error {
	e.mu.Lock()
	eligible := e.queue.eligible(time.Now(), e.cfg.BaseRetryDelay, e.cfg.MaxRetryDelay)
	e.mu.Unlock()

	for _, item := range eligible {
		e.mu.Lock()
		_, busy := e.inflight[item.id]
		stillQueued := e.queue.has(item.id)
		e.mu.Unlock()

		if busy || !stillQueued {
			continue
		}

		sent, err := e.trySend(ctx, item)
		if err != nil {
			return err
		}
		if sent {
			continue
		}

		item.retryCount++
		item.lastAttempt = time.Now()

		if item.retryCount >= e.cfg.MaxRetries {
			e.evict(item)
		}
	}

	return nil
}

// evict removes an exhausted item and records the failure on the entity.
// Not re-queued: the observer's error bucket is the path back.
func (e *Engine) evict(item *syncItem) {
	e.mu.Lock()
	e.queue.remove(item.id)
	e.mu.Unlock()

	e.logger.Warn("retries exhausted, marking entity errored",
		slog.String("id", item.id),
		slog.Int("retries", item.retryCount),
	)

	err := e.store.Modify(item.conversationID, func(c *models.Conversation) error {
		if item.kind == kindConversation {
			c.SyncStatus = models.StatusError
			return nil
		}

		msg := c.Message(item.id)
		if msg == nil {
			return fmt.Errorf("message %s not in conversation %s", item.id, item.conversationID)
		}

		msg.SyncStatus = models.StatusError
		c.Recompute()

		return nil
	})
	if err != nil {
		e.logger.Warn("recording retry exhaustion",
			slog.String("id", item.id),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) sendHeartbeat(ctx context.Context) error {
	payload, err := encodeEnvelope(typeHeartbeat, heartbeatPayload{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}

	return nil
}

// settle clears an id from both the retry queue and the in-flight set.
func (e *Engine) settle(id string) {
	e.mu.Lock()
	e.queue.remove(id)
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) enqueue(item *syncItem) {
	e.mu.Lock()
	e.queue.upsert(item)
	e.mu.Unlock()
}

// requeueInflight fails all outstanding sends back onto the retry queue.
// Called after connection loss, before reconnecting.
func (e *Engine) requeueInflight() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for id, item := range e.inflight {
		item.lastAttempt = now
		e.queue.upsert(item)
		delete(e.inflight, id)
	}
}

// teardownConn stops the reader and closes the socket after the event
// loop exits. Idempotent with Shutdown, which nils the same fields.
func (e *Engine) teardownConn() {
	e.mu.Lock()
	conn := e.conn
	cancel := e.connCancel
	e.conn = nil
	e.connCancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "connection teardown")
	}
}

// nextReconnectDelay grows with consecutive failures, seeded at attempt 1
// so the first reconnect already backs off. Reset on successful connect.
func (e *Engine) nextReconnectDelay() time.Duration {
	e.mu.Lock()
	e.attempt++
	attempt := e.attempt
	e.mu.Unlock()

	return backoffDelay(attempt, e.cfg.BaseRetryDelay, e.cfg.MaxRetryDelay)
}

// wait blocks for d while still servicing host commands. Returns true
// when the engine should stop instead of continuing the reconnect loop.
func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case cmd := <-e.cmdCh:
			if err := e.applyCommand(cmd); errors.Is(err, errForceReconnect) {
				// Skip the rest of the delay.
				return false
			}
			if e.isShutdown() {
				return true
			}
		case <-e.done:
			return true
		case <-ctx.Done():
			return true
		}
	}
}

func (e *Engine) applyCommand(cmd Command) error {
	switch cmd.Kind {
	case CmdStatus:
		if cmd.Reply != nil {
			cmd.Reply <- e.status()
		}
		return nil
	case CmdReconnect:
		return errForceReconnect
	case CmdShutdown:
		e.Shutdown()
		return nil
	default:
		e.logger.Warn("ignoring unknown host command", slog.String("kind", string(cmd.Kind)))
		return nil
	}
}

func (e *Engine) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		ConnectionState: e.connState,
		QueueSize:       e.queue.len(),
		ActiveSyncs:     len(e.inflight),
	}
}

// Shutdown terminates the engine: suppresses all future reconnects,
// closes the transport with a normal closure, and clears the transient
// queues. In-flight sends are abandoned; their entities stay syncing or
// pending in the store for the next engine instance's observer pass.
// Idempotent and safe from any goroutine.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.down.Store(true)
		close(e.done)

		e.mu.Lock()
		conn := e.conn
		cancel := e.connCancel
		e.conn = nil
		e.connCancel = nil
		e.queue.clear()
		clear(e.inflight)
		e.connState = StateDisconnected
		e.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
		}

		e.logger.Info("engine shut down")
	})
}

func (e *Engine) isShutdown() bool {
	return e.down.Load()
}

// ConnectionState reports the current transport lifecycle state.
func (e *Engine) ConnectionState() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.connState
}

func (e *Engine) setConnState(s ConnState) {
	e.mu.Lock()
	e.connState = s
	e.mu.Unlock()
}
