package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/wire"
)

// Conn 是服务端的一条 WebSocket 连接。入站消息统一交给文档引擎的
// Handle，出站走带缓冲的 send 通道，读写各一个 goroutine。
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	docID  string
	client op.ClientID
	engine *collab.Engine
	send   chan wire.Message
	sem    *collab.SemaphoreControl
	logger zerolog.Logger
}

func NewConn(ws *websocket.Conn, hub *Hub, docID string, client op.ClientID, engine *collab.Engine, sem *collab.SemaphoreControl, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		hub:    hub,
		docID:  docID,
		client: client,
		engine: engine,
		send:   make(chan wire.Message, 32),
		sem:    sem,
		logger: logger,
	}
}

// Enqueue 尽力投递：队列满了就丢，掉的消息靠重连差量补发找回。
func (c *Conn) Enqueue(msg wire.Message) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) reply(msg wire.Message) error {
	c.Enqueue(msg)
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	for {
		var msg wire.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.logger.Debug().Err(err).Uint64("client", uint64(c.client)).Msg("read loop ended")
			return
		}
		// 发送方身份以握手为准，不信任消息里自称的
		msg.ClientID = c.client
		if msg.Op != nil && msg.Op.IssuedBy != c.client {
			c.Enqueue(wire.Message{Type: wire.TypeError, DocID: c.docID})
			c.logger.Warn().
				Uint64("client", uint64(c.client)).
				Uint64("claimed", uint64(msg.Op.IssuedBy)).
				Msg("op issuer mismatch, dropped")
			continue
		}

		handleCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		if err := c.sem.Acquire(handleCtx); err != nil {
			cancel()
			c.Enqueue(wire.Message{Type: wire.TypeError, DocID: c.docID})
			continue
		}
		err := c.engine.Handle(handleCtx, msg, c.reply)
		_ = c.sem.Release()
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Uint64("client", uint64(c.client)).Msg("message rejected")
			c.Enqueue(wire.Message{Type: wire.TypeError, DocID: c.docID})
			continue
		}

		// 在线状态除了进引擎，还要落缓存、通知房间其他人
		if msg.Type == wire.TypePresence && msg.Presence != nil {
			c.hub.PublishPresence(ctx, c.docID, *msg.Presence, 10*time.Minute)
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道里的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
