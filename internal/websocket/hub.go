package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/middleware"
	"chatroom/backend/internal/monitoring"
	"chatroom/backend/internal/pool"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/timeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 4
)

// Presenter 为观看者渲染快照
type Presenter interface {
	Present(snap *domain.Snapshot, viewerUID string) (*timeline.View, *timeline.Frame, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			// 同源请求
			return requestOrigin == "http://"+r.Host || requestOrigin == "https://"+r.Host
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeTimeline MessageType = "timeline"
	MessageTypeRefresh  MessageType = "refresh"
	MessageTypeError    MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Frame     *timeline.Frame `json:"frame,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID     string
	Viewer *domain.Identity
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	log    *zap.Logger

	mu          sync.Mutex
	closed      bool
	lastVersion int64
}

// Hub 管理所有WebSocket连接。
//
// Hub 对消息集合只订阅一次；每收到一个快照，就在协程池中为每个连接的观看者
// 重新渲染完整时间线并整体推送。
type Hub struct {
	feed       storage.FeedSubscriber
	collection string
	presenter  Presenter
	pool       *pool.WorkerPool
	metrics    *monitoring.Metrics
	log        *zap.Logger

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	latestMu sync.RWMutex
	latest   *domain.Snapshot

	allowedOrigins []string
	runCtx         context.Context
	ready          chan struct{}
	done           chan struct{}
}

// HubOption 配置 Hub
type HubOption func(*Hub)

// WithLogger 设置日志
func WithLogger(log *zap.Logger) HubOption {
	return func(h *Hub) { h.log = log }
}

// WithMetrics 设置监控指标
func WithMetrics(m *monitoring.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithAllowedOrigins 设置允许的 Origin
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// WithPool 设置渲染协程池
func WithPool(p *pool.WorkerPool) HubOption {
	return func(h *Hub) { h.pool = p }
}

// NewHub 创建WebSocket Hub
func NewHub(feed storage.FeedSubscriber, collection string, presenter Presenter, opts ...HubOption) *Hub {
	h := &Hub{
		feed:       feed,
		collection: collection,
		presenter:  presenter,
		log:        zap.NewNop(),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		runCtx:     context.Background(),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.pool == nil {
		h.pool = pool.NewWorkerPool(8, 256, h.log)
	}
	return h
}

// Ready 在 Run 完成订阅后关闭
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Run 订阅 feed 并处理连接注册，ctx 取消后关闭全部连接
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	h.runCtx = ctx
	h.pool.Start(ctx)
	defer h.pool.Stop()

	cancel, err := h.feed.Subscribe(ctx, h.collection, h.onSnapshot)
	if err != nil {
		return err
	}
	defer cancel()
	close(h.ready)

	h.log.Info("websocket hub started", zap.String("collection", h.collection))

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.updateClientGauge(count)
			h.log.Debug("client registered",
				zap.String("id", client.ID),
				zap.String("uid", client.Viewer.UID))

			// 新连接立即收到当前时间线
			if snap := h.Latest(); snap != nil {
				h.schedule(ctx, client, snap)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.updateClientGauge(count)
			h.log.Debug("client unregistered", zap.String("id", client.ID))
		}
	}
}

// Latest 返回最近收到的快照
func (h *Hub) Latest() *domain.Snapshot {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	return h.latest
}

// ClientCount 返回当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// onSnapshot 由 feed 订阅按顺序调用
func (h *Hub) onSnapshot(snap *domain.Snapshot) {
	h.latestMu.Lock()
	h.latest = snap
	h.latestMu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordSnapshot()
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.schedule(h.runCtx, c, snap)
	}
}

// schedule 在协程池中为一个客户端渲染快照
func (h *Hub) schedule(ctx context.Context, c *Client, snap *domain.Snapshot) {
	err := h.pool.Submit(ctx, func() {
		start := time.Now()
		_, frame, err := h.presenter.Present(snap, c.Viewer.UID)
		if err != nil {
			h.log.Error("failed to render timeline",
				zap.String("client", c.ID),
				zap.Error(err))
			return
		}
		if h.metrics != nil {
			h.metrics.RecordRender(time.Since(start))
		}

		data, err := json.Marshal(&Message{
			Type:      MessageTypeTimeline,
			Frame:     frame,
			Timestamp: time.Now(),
		})
		if err != nil {
			h.log.Error("failed to marshal timeline", zap.Error(err))
			return
		}
		c.deliver(frame.Version, data)
	})
	if err != nil {
		h.log.Warn("render task dropped", zap.String("client", c.ID), zap.Error(err))
	}
}

func (h *Hub) updateClientGauge(count int) {
	if h.metrics != nil {
		h.metrics.UpdateWSClients(count)
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.close()
	}
	h.clients = make(map[string]*Client)
	h.updateClientGauge(0)
}

// HandleWebSocket 处理WebSocket连接，需挂在会话中间件之后
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		identity := middleware.IdentityFrom(c)
		if identity == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:          xid.New().String(),
			Viewer:      identity,
			conn:        conn,
			send:        make(chan []byte, sendBuffer),
			hub:         hub,
			log:         hub.log,
			lastVersion: -1,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		case <-c.Request.Context().Done():
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// deliver 把一帧放入发送队列。
// 旧于已发送版本的帧被丢弃；队列满时丢掉最旧的一帧，客户端总能拿到最新时间线。
func (c *Client) deliver(version int64, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || version < c.lastVersion {
		return false
	}

	select {
	case c.send <- data:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- data:
		default:
			c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
			return false
		}
	}
	c.lastVersion = version
	return true
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MessageTypeRefresh:
			if snap := c.hub.Latest(); snap != nil {
				c.mu.Lock()
				c.lastVersion = -1
				c.mu.Unlock()
				c.hub.schedule(c.hub.runCtx, c, snap)
			}
		default:
			c.log.Debug("unknown message type", zap.String("type", string(msg.Type)))
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
