package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/perm"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/wire"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub    *Hub
	reg    *collab.Registry
	sem    *collab.SemaphoreControl
	logger zerolog.Logger
}

func NewManager(hub *Hub, reg *collab.Registry, sem *collab.SemaphoreControl, logger zerolog.Logger) *Manager {
	return &Manager{hub: hub, reg: reg, sem: sem, logger: logger}
}

// WebSocketConnect 完成一条连接的生命周期：
// 升级 -> 分配 ClientID -> 授权 -> welcome -> 进房间 -> 读写循环。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		c.String(http.StatusBadRequest, "missing docId")
		return
	}
	// 授权级别由中间件解析的令牌决定，默认只读评论
	level := perm.LevelComment
	if lv, ok := c.Get("permLevel"); ok {
		if parsed, ok := lv.(perm.Level); ok {
			level = parsed
		}
	}

	client, err := m.reg.AllocateClient(docID)
	if err != nil {
		c.String(http.StatusInternalServerError, "allocate client failed")
		return
	}
	engine, err := m.reg.GetOrCreate(docID)
	if err != nil {
		c.String(http.StatusInternalServerError, "engine init failed")
		return
	}
	engine.Permissions().Grant(client, perm.TargetDocument, level)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, docID, client, engine, m.sem, m.logger)

	// 先启动写循环，保证 welcome 能被及时发出去
	go wsConn.writeLoop()
	wsConn.send <- wire.Welcome(client)

	m.hub.Join(docID, wsConn)
	defer func() {
		m.hub.Leave(docID, wsConn)
		engine.Presence().Offline(client)
		m.hub.PublishPresence(c.Request.Context(), docID, presence.State{
			Client:    client,
			Online:    false,
			UpdatedAt: time.Now().UnixMilli(),
		}, time.Minute)
	}()

	// 阻塞到连接关闭
	wsConn.readLoop(c.Request.Context())
}

// ServerFanout 给文档引擎装上房间广播回调，接纳一条操作后
// 推给房间里其他连接（发起者收 ack），并附带一条前沿 gossip。
func ServerFanout(hub *Hub, docID string) func(collab.OpAdmittedEvent) {
	return func(ev collab.OpAdmittedEvent) {
		hub.Broadcast(docID, ev.Op.IssuedBy, wire.Op(ev.Op.IssuedBy, ev.Op))
		hub.Broadcast(docID, 0, wire.FrontierGossip(collab.ServerClient, ev.Frontier))
	}
}
