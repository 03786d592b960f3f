package handlers

import (
	"colatex/internal/database"
	"colatex/internal/services"
	"colatex/pkg/config"
	"colatex/pkg/jwt"
	"colatex/pkg/logger"
	"colatex/pkg/response"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 协作连接的应用级关闭码
const (
	closeBadToken     = 4401 // 令牌无效或过期
	closeAccessDenied = 4403 // 缺少写权限
)

// WebSocketHandler WebSocket处理器
type WebSocketHandler struct {
	upgrader       websocket.Upgrader
	log            *logrus.Logger
	jwtManager     *jwt.JWTManager
	sessionService *services.SessionService
	syncHub        *services.SyncHub
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(sessionService *services.SessionService, syncHub *services.SyncHub) *WebSocketHandler {
	// 获取CORS配置
	cfg := config.GetConfig()
	allowedOrigins := cfg.CORS.AllowOrigins

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")

				// 如果允许所有源
				for _, allowed := range allowedOrigins {
					if allowed == "*" {
						return true
					}
				}

				// 如果Origin为空（同源请求），允许
				if origin == "" {
					return true
				}

				for _, allowed := range allowedOrigins {
					if matchOrigin(origin, allowed) {
						return true
					}
				}

				logger.GetLogger().Warnf("WebSocket连接被拒绝，非法Origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 32,
			WriteBufferSize: 1024 * 32,
		},
		log:            logger.GetLogger(),
		jwtManager:     jwt.GetJWTManager(),
		sessionService: sessionService,
		syncHub:        syncHub,
	}
}

// collabConn 协作连接
// 写操作加锁，中继的广播goroutine和心跳goroutine会并发写同一连接
type collabConn struct {
	conn    *websocket.Conn
	userID  uint
	writeMu sync.Mutex
}

func (c *collabConn) UserID() uint {
	return c.userID
}

func (c *collabConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *collabConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *collabConn) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// Collab 处理文件协作的WebSocket连接
// 升级前校验令牌和读权限；升级后第一条服务端消息是完整状态快照，
// 之后客户端发来的每条二进制消息都是一个CRDT增量
func (h *WebSocketHandler) Collab(c *gin.Context) {
	fileID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	// 从查询参数获取token（WebSocket不支持自定义header）
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少认证令牌"})
		return
	}

	claims, err := h.jwtManager.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的令牌"})
		return
	}

	// 读权限在升级前检查，403以JSON返回
	session, err := h.sessionService.GetOrCreate(fileID, claims.UserID)
	if err != nil {
		status, msg := http.StatusInternalServerError, "加入会话失败"
		switch {
		case isNotFound(err):
			status, msg = http.StatusNotFound, "文件不存在"
		case isAccessDenied(err):
			status, msg = http.StatusForbidden, "没有该文件的读权限"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.log.WithFields(logrus.Fields{
		"file_id":    fileID,
		"session_id": session.ID,
		"user_id":    claims.UserID,
	}).Info("Collab WebSocket connection established")

	h.handleCollabConnection(conn, session.ID, session.FileID, claims)
}

// handleCollabConnection 协作连接主循环
func (h *WebSocketHandler) handleCollabConnection(conn *websocket.Conn, sessionID, fileID uint, claims *jwt.JWTClaims) {
	cc := &collabConn{conn: conn, userID: claims.UserID}

	snapshot, err := h.syncHub.Join(sessionID, cc)
	if err != nil {
		h.log.WithError(err).Error("Failed to join sync room")
		cc.close(websocket.CloseInternalServerErr, "join failed")
		return
	}
	defer h.syncHub.Leave(sessionID, cc)

	// 第一条消息：完整状态快照
	if err := cc.Send(snapshot); err != nil {
		h.log.WithError(err).Error("Failed to send initial snapshot")
		return
	}

	// 写权限只查一次；权限撤销通过会话过期和重连生效
	file, err := h.sessionService.File(fileID)
	if err != nil {
		cc.close(websocket.CloseInternalServerErr, "file lookup failed")
		return
	}
	canWrite, err := h.sessionService.Permissions().CanWrite(file.BranchID, claims.UserID)
	if err != nil {
		cc.close(websocket.CloseInternalServerErr, "permission check failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 心跳
	go func() {
		pingTicker := time.NewTicker(60 * time.Second)
		defer pingTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := cc.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// 读循环
	pongWait := 300 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("Collab WebSocket unexpected close")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.BinaryMessage {
			continue
		}

		if !canWrite {
			cc.close(closeAccessDenied, "没有写权限")
			return
		}

		if err := h.syncHub.Broadcast(sessionID, cc, data); err != nil {
			if isAccessDenied(err) {
				cc.close(closeAccessDenied, "没有写权限")
				return
			}
			if isSessionExpired(err) {
				cc.close(closeBadToken, "会话已过期")
				return
			}
			h.log.WithError(err).Error("Failed to merge and broadcast delta")
			cc.close(websocket.CloseInternalServerErr, "merge failed")
			return
		}
	}
}

// AutosaveEvents 推送文件的自动保存提交事件
// 事件来自自动保存处理器发布的Redis订阅通道
func (h *WebSocketHandler) AutosaveEvents(c *gin.Context) {
	fileID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少认证令牌"})
		return
	}

	claims, err := h.jwtManager.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的令牌"})
		return
	}

	file, err := h.sessionService.File(fileID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "文件不存在"})
		return
	}
	if err := h.sessionService.Permissions().RequireRead(file.BranchID, claims.UserID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "没有该文件的读权限"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := database.GetRedisQueue().SubscribeCommitEvents(fileID)
	defer pubsub.Close()

	go h.readPump(conn, cancel)

	const writeTimeout = 10 * time.Second

	pingTicker := time.NewTicker(60 * time.Second)
	defer pingTicker.Stop()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.WithError(err).Error("Failed to send ping")
				return
			}

		case msg := <-ch:
			if msg == nil {
				return
			}

			var event map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.log.WithError(err).Error("Failed to parse commit event")
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.log.WithError(err).Error("Failed to send commit event to client")
				return
			}
		}
	}
}

// readPump 处理客户端消息（主要是ping/pong）
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	pongWait := 300 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Error("WebSocket unexpected close")
			}
			break
		}
	}
}

// matchOrigin 检查origin是否匹配allowed模式
// 支持精确匹配和通配符匹配（如 *.example.com）
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}

	if strings.HasPrefix(allowed, "*.") {
		domain := allowed[2:]

		originHost := origin
		if idx := strings.Index(origin, "://"); idx != -1 {
			originHost = origin[idx+3:]
		}
		if idx := strings.Index(originHost, ":"); idx != -1 {
			originHost = originHost[:idx]
		}

		if originHost == domain {
			return true
		}
		if strings.HasSuffix(originHost, "."+domain) {
			return true
		}
	}

	return false
}
