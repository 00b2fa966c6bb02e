package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"brokerdesk/backend/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 64
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// client 一个订阅单个扫描任务的连接
type client struct {
	id    string
	jobID string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
}

// Hub 按任务 ID 分发扫描进度事件
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*client // jobID -> clientID -> client

	register   chan *client
	unregister chan *client
	broadcast  chan domain.JobEvent

	done chan struct{} // Run 退出后关闭

	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有
//   - log: 日志记录器
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan domain.JobEvent, 256),
		done:       make(chan struct{}),
		upgrader:   upgraderFactory(allowedOrigins),
		log:        log.Named("ws"),
	}
}

// Run 运行 Hub 的事件循环，ctx 取消时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("websocket hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.jobID] == nil {
				h.clients[c.jobID] = make(map[string]*client)
			}
			h.clients[c.jobID][c.id] = c
			h.mu.Unlock()
			h.log.Debug("client subscribed", zap.String("client_id", c.id), zap.String("job_id", c.jobID))

		case c := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.clients[c.jobID]; ok {
				if _, ok := subs[c.id]; ok {
					delete(subs, c.id)
					close(c.send)
				}
				if len(subs) == 0 {
					delete(h.clients, c.jobID)
				}
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// Publish 投递任务事件，不阻塞调用方；缓冲区满时丢弃
func (h *Hub) Publish(ev domain.JobEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("event dropped, hub buffer full", zap.String("job_id", ev.JobID), zap.String("type", string(ev.Type)))
	}
}

// Subscribers 返回任务当前的订阅数
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

func (h *Hub) deliver(ev domain.JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients[ev.JobID] {
		select {
		case c.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", c.id))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.clients {
		for _, c := range subs {
			close(c.send)
		}
	}
	h.clients = make(map[string]map[string]*client)
}

// Serve 将请求升级为 WebSocket 并订阅 jobID 的事件。
// 调用方负责在此之前完成权限校验。
func (h *Hub) Serve(c *gin.Context, jobID string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection",
			zap.Error(err),
			zap.String("origin", c.Request.Header.Get("Origin")),
			zap.String("remote_addr", c.ClientIP()))
		return
	}

	cl := &client{
		id:    uuid.NewString(),
		jobID: jobID,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		hub:   h,
	}
	select {
	case h.register <- cl:
	case <-h.done:
		conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

// readPump 只处理 pong 与关闭帧，客户端不发送业务消息
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
