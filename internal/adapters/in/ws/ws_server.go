package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/in"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 64 * 1024
	// 发送缓冲
	sendBuffer = 256
)

// WSMessageType WebSocket消息类型
type WSMessageType string

const (
	// 客户端消息类型
	MsgTypePing      WSMessageType = "ping"
	MsgTypeActivity  WSMessageType = "activity"
	MsgTypeSetStatus WSMessageType = "set_status"

	// 服务端消息类型
	MsgTypePong     WSMessageType = "pong"
	MsgTypeSnapshot WSMessageType = "snapshot"
	MsgTypeChange   WSMessageType = "change"
	MsgTypeAck      WSMessageType = "ack"
	MsgTypeError    WSMessageType = "error"
)

// WSMessage WebSocket消息
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

// ActivityData 客户端上报的交互事件
type ActivityData struct {
	Kind entity.InteractionKind `json:"kind"`
}

// SetStatusData 客户端修改状态
type SetStatusData struct {
	Status entity.StatusValue `json:"status"`
}

// Engine websocket 层依赖的引擎能力
type Engine interface {
	in.StatusEngine
	Snapshot() map[string]entity.CacheEntry
}

// Server 把缓存变更推给浏览器/终端，同时接收交互事件和状态修改
type Server struct {
	engine   Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewServer(engine Engine, logger *zap.Logger) *Server {
	return &Server{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]*Connection),
	}
}

// Register 挂到 gin 路由上
func (s *Server) Register(r *gin.Engine) {
	r.GET("/v1/ws", s.handleWS)
}

// Count 当前连接数
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll 关闭全部连接，进程退出时调用
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wc := newConnection(conn, s)
	// 先注册回调再发快照，快照之后的变更不会丢
	wc.cancel = s.engine.OnChange(wc.pushChange)
	s.mu.Lock()
	s.conns[wc.id] = wc
	s.mu.Unlock()
	wc.pushSnapshot()

	s.logger.Debug("websocket connected", zap.String("connID", wc.id))

	go wc.WritePump()
	wc.ReadPump()
}

func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// Connection 单个 websocket 连接
type Connection struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	cancel func()
}

func newConnection(conn *websocket.Conn, s *Server) *Connection {
	return &Connection{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		cancel: func() {},
	}
}

// Send 非阻塞写入发送缓冲。缓冲满说明客户端跟不上，丢掉任何一条变更都会让它的视图
// 永久偏离，所以直接断开，客户端重连后从快照重新开始
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	case <-c.done:
		return false
	default:
		c.server.logger.Warn("websocket send buffer full, closing connection", zap.String("connID", c.id))
		c.Close()
		return false
	}
}

func (c *Connection) Close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		c.conn.Close()
		c.server.unregister(c)
	})
}

// ReadPump 读取消息，返回时关闭连接
func (c *Connection) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Warn("WebSocket error", zap.String("connID", c.id), zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump 写入消息
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Warn("Write error", zap.String("connID", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid message format")
		return
	}

	switch msg.Type {
	case MsgTypePing:
		c.sendJSON(WSMessage{Type: MsgTypePong, ID: msg.ID, Ts: time.Now().UnixMilli()})

	case MsgTypeActivity:
		var ad ActivityData
		if err := json.Unmarshal(msg.Data, &ad); err != nil || !ad.Kind.Valid() {
			c.sendError(msg.ID, "invalid activity data")
			return
		}
		c.server.engine.Observe(entity.InteractionEvent{Kind: ad.Kind, At: time.Now()})

	case MsgTypeSetStatus:
		var sd SetStatusData
		if err := json.Unmarshal(msg.Data, &sd); err != nil {
			c.sendError(msg.ID, "invalid status data")
			return
		}
		// 写入可能要等待重试，不阻塞读循环
		go c.setStatus(msg.ID, sd.Status)

	default:
		c.sendError(msg.ID, "unknown message type")
	}
}

func (c *Connection) setStatus(msgID string, status entity.StatusValue) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.server.engine.SetMyStatus(ctx, status); err != nil {
		c.sendError(msgID, err.Error())
		return
	}
	c.sendJSON(WSMessage{
		Type: MsgTypeAck,
		ID:   msgID,
		Data: json.RawMessage(`{"status":"ok"}`),
		Ts:   time.Now().UnixMilli(),
	})
}

func (c *Connection) pushSnapshot() {
	snapshot := c.server.engine.Snapshot()
	entries := make([]entity.CacheEntry, 0, len(snapshot))
	for _, e := range snapshot {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })

	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	c.sendJSON(WSMessage{Type: MsgTypeSnapshot, Data: data, Ts: time.Now().UnixMilli()})
}

func (c *Connection) pushChange(ch entity.StatusChange) {
	data, err := json.Marshal(ch)
	if err != nil {
		return
	}
	c.sendJSON(WSMessage{Type: MsgTypeChange, Data: data, Ts: time.Now().UnixMilli()})
}

func (c *Connection) sendJSON(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.Send(data)
}

func (c *Connection) sendError(msgID, errMsg string) {
	errData, _ := json.Marshal(map[string]string{"error": errMsg})
	c.sendJSON(WSMessage{
		Type: MsgTypeError,
		ID:   msgID,
		Data: errData,
		Ts:   time.Now().UnixMilli(),
	})
}
