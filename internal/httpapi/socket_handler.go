package httpapi

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pulsenet-engine/internal/broadcaster"
)

// wsConn 包装 gorilla 连接以满足 broadcaster.Conn
// gorilla 的写操作不允许并发，写锁在此处收口
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// SocketHandler WebSocket 接入 Handler
// 接收人连接后由 broadcaster 负责事件投递与断线补投
type SocketHandler struct {
	broadcaster *broadcaster.Broadcaster
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewSocketHandler 创建 WebSocket Handler
func NewSocketHandler(b *broadcaster.Broadcaster, logger *zap.Logger) *SocketHandler {
	return &SocketHandler{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 接入层无跨域限制（部署在内网网关之后）
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve 升级连接并挂载到广播器
// GET /api/v1/ws?recipient_id=&group_id=
func (h *SocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "recipient_id is required")
		return
	}

	// group_id 缺省时沿用既有订阅关系
	if groupID := r.URL.Query().Get("group_id"); groupID != "" {
		h.broadcaster.Subscribe(recipientID, groupID)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写入错误响应
		h.logger.Warn("WebSocket upgrade failed",
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
		return
	}

	ws := &wsConn{conn: conn}
	h.broadcaster.Attach(recipientID, ws)
	h.logger.Info("WebSocket attached",
		zap.String("recipient_id", recipientID),
	)

	// 读循环只用于感知断线（客户端不上行业务数据）
	go func() {
		defer func() {
			h.broadcaster.Detach(recipientID)
			_ = conn.Close()
			h.logger.Info("WebSocket detached",
				zap.String("recipient_id", recipientID),
			)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
