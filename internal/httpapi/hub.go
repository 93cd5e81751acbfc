package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"strokeguard/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 200 * time.Millisecond
	// sendBuffer 每个连接待发送消息上限，写满即断开该连接
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient 单个连接：广播只入队，由 writeLoop 串行写出
type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsClient) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// enqueue 不阻塞；队列已满返回 false
func (c *wsClient) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.stop()
				return
			}
		}
	}
}

// Hub WebSocket 连接集合，广播状态变更
type Hub struct {
	mu     sync.Mutex
	conns  map[*wsClient]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[*wsClient]struct{}),
		logger: logger,
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Len 当前连接数
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// BroadcastMonitoring 编排器 OnChange 回调
func (h *Hub) BroadcastMonitoring(s models.MonitoringState) {
	h.broadcast(wsMessage{Type: "monitoring", Data: s})
}

// BroadcastVitals 采集客户端订阅回调
func (h *Hub) BroadcastVitals(u models.VitalsUpdate) {
	h.broadcast(wsMessage{Type: "vitals", Data: u})
}

func (h *Hub) broadcast(msg wsMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode websocket message", zap.Error(err))
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.conns))
	for c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(b) {
			h.logger.Warn("WebSocket client too slow, dropping connection")
			c.stop()
			h.remove(c)
		}
	}
}

// Serve 升级连接并先推送一次完整状态
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, initial StateView) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := newWSClient(conn)
	if b, err := json.Marshal(wsMessage{Type: "state", Data: initial}); err == nil {
		c.enqueue(b)
	}
	h.add(c)
	go c.writeLoop()
	defer func() {
		h.remove(c)
		c.stop()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Close 关闭所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.stop()
		delete(h.conns, c)
	}
}
