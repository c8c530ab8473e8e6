// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Corphon/ZineForge/internal/services"
	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 54 * time.Second
	wsMaxMessageSize = 4096
	wsSendBuffer     = 32
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
}

// WebSocketMessage 推送给客户端的消息
type WebSocketMessage struct {
	Type      string      `json:"type"` // progress, result, error
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// WebSocketClient 表示一个任务进度连接
type WebSocketClient struct {
	conn     WebSocketConnection
	taskID   string
	send     chan []byte
	done     chan struct{}
	finished chan struct{}
	closed   int32 // 原子操作标志，0=开启，1=关闭
	logger   *utils.Logger
}

func newWebSocketClient(conn WebSocketConnection, taskID string, logger *utils.Logger) *WebSocketClient {
	return &WebSocketClient{
		conn:     conn,
		taskID:   taskID,
		send:     make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		logger:   logger,
	}
}

// IsClosed 检查客户端是否已关闭
func (c *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Close 通知写协程发送完剩余消息后关闭连接，可重复调用
func (c *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		close(c.done)
	}
}

// SendMessage 非阻塞入队，队列满或已关闭时返回 false
func (c *WebSocketClient) SendMessage(message WebSocketMessage) bool {
	if c.IsClosed() {
		return false
	}
	message.Timestamp = time.Now().Unix()
	data, err := json.Marshal(message)
	if err != nil {
		c.logger.Warn("WebSocket message encode failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("WebSocket send queue full, message dropped", map[string]interface{}{"task_id": c.taskID})
		return false
	}
}

func (c *WebSocketClient) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// writePump 唯一的写协程
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.finished)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
			return
		}
	}
}

// flush 关闭前写出队列中剩余的消息
func (c *WebSocketClient) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump 只处理控制帧；客户端断开时关闭连接
func (c *WebSocketClient) readPump() {
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", map[string]interface{}{
					"task_id": c.taskID,
					"error":   err.Error(),
				})
			}
			c.Close()
			return
		}
	}
}

// ZineProgressSocket 通过 WebSocket 推送任务进度，任务结束时发送 result 并关闭
func (h *Handler) ZineProgressSocket(c *gin.Context) {
	taskID := c.Param("taskID")
	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		h.Response.NotFound(c, ErrorTaskNotFound, "task not found")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return
	}

	client := newWebSocketClient(conn, taskID, h.Logger)
	go client.writePump()
	go client.readPump()

	h.Metrics.IncGauge("ws.connections")
	defer h.Metrics.DecGauge("ws.connections")

	h.streamProgress(client, tracker)
	<-client.finished
}

// streamProgress 把跟踪器的更新转发给客户端，直到任务结束或客户端断开
func (h *Handler) streamProgress(client *WebSocketClient, tracker *services.ProgressTracker) {
	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)
	defer client.Close()

	finish := func() {
		client.SendMessage(WebSocketMessage{Type: "progress", Data: tracker.Snapshot()})
		client.SendMessage(WebSocketMessage{Type: "result", Data: tracker.Result()})
	}

	for {
		select {
		case <-client.done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Status != services.TaskRunning {
				<-tracker.Done
				finish()
				return
			}
			client.SendMessage(WebSocketMessage{Type: "progress", Data: update})
		case <-tracker.Done:
			finish()
			return
		}
	}
}
