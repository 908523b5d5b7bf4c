package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/engine/internal/domain"
)

// ErrHubStopped 表示 Hub 已停止，不再接收通知
var ErrHubStopped = errors.New("websocket hub stopped")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// MailboxResolver 按地址解析邮箱
type MailboxResolver interface {
	CheckByAddress(ctx context.Context, address string) (domain.MailboxStatus, *domain.Mailbox, error)
}

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

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMail    MessageType = "new_mail"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	MailboxID string          `json:"mailboxId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMailData 新邮件通知数据
type NewMailData struct {
	MessageID      string    `json:"messageId"`
	MailboxID      string    `json:"mailboxId"`
	From           string    `json:"from"`
	Subject        string    `json:"subject"`
	Preview        string    `json:"preview,omitempty"`
	HasHTML        bool      `json:"hasHtml"`
	AttachmentsLen int       `json:"attachments"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Client 代表一个订阅某个邮箱的 WebSocket 连接
type Client struct {
	ID        string
	MailboxID string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
}

// Hub 管理所有WebSocket连接
type Hub struct {
	mailboxes      map[string]map[string]*Client // mailboxID -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastMessage
	done           chan struct{}
	stopOnce       sync.Once
	mu             sync.RWMutex
	resolver       MailboxResolver
	allowedOrigins []string
	log            *zap.Logger
}

type broadcastMessage struct {
	mailboxID string
	payload   []byte
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有
//   - resolver: 连接时用来校验 ?email= 对应的邮箱
func NewHub(allowedOrigins []string, resolver MailboxResolver, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		mailboxes:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		done:           make(chan struct{}),
		resolver:       resolver,
		allowedOrigins: allowedOrigins,
		log:            log,
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) error {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			if h.mailboxes[client.MailboxID] == nil {
				h.mailboxes[client.MailboxID] = make(map[string]*Client)
			}
			h.mailboxes[client.MailboxID][client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID), zap.String("mailbox_id", client.MailboxID))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.broadcastToMailbox(msg)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.mailboxes[client.MailboxID]
	if !ok {
		return
	}
	if _, ok := clients[client.ID]; !ok {
		return
	}
	delete(clients, client.ID)
	if len(clients) == 0 {
		delete(h.mailboxes, client.MailboxID)
	}
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// stop 关闭所有客户端连接
func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, clients := range h.mailboxes {
			for _, client := range clients {
				close(client.send)
			}
		}
		h.mailboxes = make(map[string]map[string]*Client)
	})
}

// Subscribers 返回订阅某个邮箱的连接数
func (h *Hub) Subscribers(mailboxID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.mailboxes[mailboxID])
}

// NotifyNewMail 把新邮件推送给订阅该邮箱的客户端
func (h *Hub) NotifyNewMail(ctx context.Context, message *domain.Message) error {
	preview := message.TextContent
	if runes := []rune(preview); len(runes) > 100 {
		preview = string(runes[:100])
	}

	data, err := json.Marshal(NewMailData{
		MessageID:      message.ID,
		MailboxID:      message.MailboxID,
		From:           message.From,
		Subject:        message.Subject,
		Preview:        preview,
		HasHTML:        message.HTMLContent != nil,
		AttachmentsLen: len(message.Attachments),
		ReceivedAt:     message.ReceivedAt,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(&Message{
		Type:      MessageTypeNewMail,
		MailboxID: message.MailboxID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- &broadcastMessage{mailboxID: message.MailboxID, payload: payload}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastToMailbox 向订阅特定邮箱的客户端广播消息
func (h *Hub) broadcastToMailbox(msg *broadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.mailboxes[msg.mailboxID] {
		select {
		case client.send <- msg.payload:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// HandleWebSocket 处理 /v1/ws?email= 连接，只推送该邮箱的新邮件
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		address := c.Query("email")
		if address == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": "缺少 email 参数"})
			return
		}

		status, mailbox, err := hub.resolver.CheckByAddress(c.Request.Context(), address)
		if err != nil {
			hub.log.Error("websocket mailbox lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "msg": "服务器内部错误，请稍后重试"})
			return
		}
		if status == domain.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "邮箱不存在"})
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
			ID:        uuid.NewString(),
			MailboxID: mailbox.ID,
			conn:      conn,
			send:      make(chan []byte, sendBuffer),
			hub:       hub,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			conn.Close()
			return
		}

		client.sendJSON(&Message{Type: MessageTypeSubscribed, MailboxID: mailbox.ID, Timestamp: time.Now().UTC()})

		go client.writePump()
		go client.readPump()
	}
}

// readPump 只处理控制帧，连接断开时注销
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
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

// sendJSON 在注册完成后发送单条消息
func (c *Client) sendJSON(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	select {
	case <-c.hub.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}
