package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/relay"
	"github.com/burhanwani/WhatsAppSimulator/internal/store"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	closeSessionEnded = 4000
)

// Session is one authenticated connection
type Session struct {
	gw       *Gateway
	identity domain.Identity
	conn     *websocket.Conn
	send     chan Frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// replaying holds live entries back until catch-up has been written
	mu        sync.Mutex
	replaying bool
	backlog   []*relay.Entry
	// delivered is the highest store offset written to the client. Store
	// offsets only grow per recipient, so anything at or below it was sent.
	delivered int64
	// streamOffsets is the last relay offset seen per stream
	streamOffsets map[string]int64
}

func newSession(gw *Gateway, identity domain.Identity, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(logger.WithIdentity(context.Background(), string(identity)))
	return &Session{
		gw:            gw,
		identity:      identity,
		conn:          conn,
		send:          make(chan Frame, gw.cfg.SendBuffer),
		ctx:           ctx,
		cancel:        cancel,
		replaying:     true,
		streamOffsets: make(map[string]int64),
	}
}

func (s *Session) start() {
	go s.writePump()
	go s.readPump()
	go s.catchUp()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeSessionEnded, "session closed"),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.gw.unregister(s)
	})
}

// sendBlocking queues f, waiting for room until the session ends
func (s *Session) sendBlocking(f Frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// trySend queues f without waiting
func (s *Session) trySend(f Frame) bool {
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// catchUp replays stored messages after the acknowledged cursor, then
// releases live messages that arrived meanwhile.
func (s *Session) catchUp() {
	cursor, err := s.gw.cursors.Get(s.ctx, s.identity)
	if err != nil {
		logger.FromContext(s.ctx).Warn("Failed to read delivery cursor, replaying from start", zap.Error(err))
		cursor = 0
	}

	s.mu.Lock()
	s.delivered = cursor
	s.mu.Unlock()

	replayed := 0
	it := store.NewIterator(s.gw.messages, s.identity, cursor, s.gw.cfg.PageSize)
	for it.Next(s.ctx) {
		row := it.Message()
		msg, err := s.open(row)
		if err != nil {
			logger.FromContext(s.ctx).Error("Skipping undecryptable stored message",
				zap.String("message_id", row.ID.String()),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.markSent(row.Offset)
		s.mu.Unlock()

		if !s.sendBlocking(messageFrame(msg, row.Offset)) {
			return
		}
		replayed++
		metrics.GatewayDeliveredTotal.WithLabelValues("catchup").Inc()
	}
	if err := it.Err(); err != nil && s.ctx.Err() == nil {
		logger.FromContext(s.ctx).Error("Catch-up failed", zap.Error(err))
	}

	s.mu.Lock()
	backlog := s.backlog
	s.backlog = nil
	s.replaying = false
	ok := true
	for _, entry := range backlog {
		if ok = s.pushEntry(entry); !ok {
			break
		}
	}
	s.mu.Unlock()

	if !ok {
		s.slowConsumer()
		return
	}
	logger.FromContext(s.ctx).Debug("Catch-up complete",
		zap.Int64("from_offset", cursor),
		zap.Int("replayed", replayed))
}

func (s *Session) open(row *domain.StoredMessage) (*domain.Message, error) {
	blob, err := s.gw.unwrapper.UnwrapFromStorage(s.ctx, row.DoubleWrapped, row.WrappedDataKey)
	if err != nil {
		return nil, err
	}
	env, err := domain.UnpackEnvelope(blob)
	if err != nil {
		return nil, apperrors.IntegrityFailedError(err)
	}
	return &domain.Message{
		ID:          row.ID,
		Sender:      row.Sender,
		Recipient:   row.Recipient,
		Envelope:    env,
		CreatedAt:   row.CreatedAt,
		StoreOffset: row.Offset,
	}, nil
}

// deliverLive queues a live entry. While catch-up runs, up to SendBuffer
// entries wait in the backlog; beyond that the session is a slow consumer.
func (s *Session) deliverLive(entry *relay.Entry) {
	s.mu.Lock()
	if s.replaying {
		if len(s.backlog) >= s.gw.cfg.SendBuffer {
			s.mu.Unlock()
			s.slowConsumer()
			return
		}
		s.backlog = append(s.backlog, entry)
		s.mu.Unlock()
		return
	}
	ok := s.pushEntry(entry)
	s.mu.Unlock()

	if !ok {
		s.slowConsumer()
	}
}

// pushEntry writes a live entry, first replaying from the store whatever
// this session may have missed before it. A miss shows up as a break in
// the relay offsets of the entry's stream, or as the first entry seen from
// that stream. Must be called with s.mu held.
func (s *Session) pushEntry(entry *relay.Entry) bool {
	last, seen := s.streamOffsets[entry.Stream]
	s.streamOffsets[entry.Stream] = entry.Offset

	msg := entry.Message
	if msg.StoreOffset == 0 {
		// republished duplicate: its row is already stored under an offset
		// the entry does not carry
		return s.fillGap(math.MaxInt64)
	}
	if msg.StoreOffset > s.delivered && (!seen || entry.Offset != last+1) {
		if !s.fillGap(msg.StoreOffset) {
			return false
		}
	}
	return s.pushLive(msg)
}

// fillGap sends stored messages after s.delivered and before upTo that
// were not sent yet. Must be called with s.mu held.
func (s *Session) fillGap(upTo int64) bool {
	it := store.NewIterator(s.gw.messages, s.identity, s.delivered, s.gw.cfg.PageSize)
	for it.Next(s.ctx) {
		row := it.Message()
		if row.Offset >= upTo {
			break
		}
		msg, err := s.open(row)
		if err != nil {
			logger.FromContext(s.ctx).Error("Skipping undecryptable stored message",
				zap.String("message_id", row.ID.String()),
				zap.Error(err))
			continue
		}
		if !s.trySend(messageFrame(msg, row.Offset)) {
			return false
		}
		s.markSent(row.Offset)
		metrics.GatewayDeliveredTotal.WithLabelValues("gap").Inc()
	}
	if err := it.Err(); err != nil && s.ctx.Err() == nil {
		logger.FromContext(s.ctx).Warn("Gap replay failed", zap.Int64("from_offset", s.delivered), zap.Error(err))
	}
	return true
}

// pushLive must be called with s.mu held
func (s *Session) pushLive(msg *domain.Message) bool {
	if msg.StoreOffset <= s.delivered {
		return true
	}
	if !s.trySend(messageFrame(msg, msg.StoreOffset)) {
		return false
	}
	s.markSent(msg.StoreOffset)
	metrics.GatewayDeliveredTotal.WithLabelValues("live").Inc()
	return true
}

// markSent must be called with s.mu held
func (s *Session) markSent(offset int64) {
	if offset > s.delivered {
		s.delivered = offset
	}
}

// slowConsumer drops a session whose buffer is full. Nothing is lost: the
// client replays from its cursor on reconnect.
func (s *Session) slowConsumer() {
	logger.FromContext(s.ctx).Warn("Send buffer full, closing session")
	if s.gw.metrics != nil {
		s.gw.metrics.RecordSessionError("send_buffer_full")
	}
	s.close()
}

func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.FromContext(s.ctx).Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.reject("", apperrors.ErrCodeValidation, errors.New("malformed frame"))
			continue
		}
		if s.gw.metrics != nil {
			s.gw.metrics.RecordFrame(frameType(f.Type), "inbound")
		}

		switch f.Type {
		case FrameAck:
			s.handleAck(&f)
		case "", FrameMessage:
			s.handleMessage(&f)
		default:
			s.reject(f.MessageID, apperrors.ErrCodeValidation, errors.New("unknown frame type"))
		}
	}
}

func frameType(t string) string {
	if t == "" {
		return FrameMessage
	}
	return t
}

func (s *Session) handleMessage(f *Frame) {
	msg, err := f.toMessage(s.identity, s.gw.now())
	if err != nil {
		code := apperrors.ErrCodeValidation
		if errors.Is(err, errSenderMismatch) {
			code = apperrors.ErrCodeForbidden
		}
		s.reject(f.MessageID, code, err)
		return
	}

	// Synchronous publish: a blocked relay stops this reader.
	if _, err := s.gw.queue.Publish(s.ctx, relay.StreamInbound, msg); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		logger.FromContext(s.ctx).Warn("Failed to publish inbound message",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
		s.reject(f.MessageID, apperrors.CodeOf(err), err)
		return
	}

	s.sendBlocking(Frame{Type: FrameAck, MessageID: msg.ID.String()})
}

func (s *Session) handleAck(f *Frame) {
	if f.Offset <= 0 {
		return
	}
	if err := s.gw.cursors.Advance(s.ctx, s.identity, f.Offset); err != nil {
		logger.FromContext(s.ctx).Warn("Failed to advance delivery cursor",
			zap.Int64("offset", f.Offset),
			zap.Error(err))
		s.reject(f.MessageID, apperrors.CodeOf(err), errors.New("failed to record acknowledgement"))
	}
}

func (s *Session) reject(messageID string, code apperrors.ErrorCode, err error) {
	if s.gw.metrics != nil {
		s.gw.metrics.RecordSessionError(string(code))
	}
	s.sendBlocking(errorFrame(messageID, string(code), err))
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
			if s.gw.metrics != nil {
				s.gw.metrics.RecordFrame(f.Type, "outbound")
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}
