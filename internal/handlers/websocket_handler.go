package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tourapi/internal/models"
	"tourapi/internal/services"
	"tourapi/pkg/config"
	"tourapi/pkg/logger"
	"tourapi/pkg/queue"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 同步进度推送
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	jobQueue   *queue.RedisQueue
	logService *services.SyncLogService
	log        *logrus.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(jobQueue *queue.RedisQueue, logService *services.SyncLogService) *WebSocketHandler {
	allowedOrigins := config.GetConfig().CORS.AllowOrigins

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// 同源请求
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || matchOrigin(origin, allowed) {
						return true
					}
				}
				logger.GetLogger().Warnf("WebSocket连接被拒绝，非法Origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 32,
			WriteBufferSize: 1024 * 32,
		},
		jobQueue:   jobQueue,
		logService: logService,
		log:        logger.GetLogger(),
	}
}

// SyncProgress 推送一次同步运行的进度，运行结束后关闭连接
func (h *WebSocketHandler) SyncProgress(c *gin.Context) {
	syncID := c.Param("sync_id")
	if syncID == "" {
		response.BadRequest(c, "同步ID不能为空")
		return
	}
	if h.jobQueue == nil {
		response.ServerError(c, "进度通道不可用")
		return
	}

	syncLog, err := h.logService.GetLogBySyncID(c.Request.Context(), syncID)
	if err != nil {
		respondError(c, err, "获取同步记录失败")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.log.WithFields(logrus.Fields{
		"sync_id":     syncID,
		"remote_addr": c.ClientIP(),
	}).Info("Sync progress WebSocket connection established")

	h.streamProgress(conn, syncLog)
}

// streamProgress 先发送当前状态，再转发 Redis 中的进度消息
func (h *WebSocketHandler) streamProgress(conn *websocket.Conn, syncLog *models.SyncLog) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const writeTimeout = 10 * time.Second

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(gin.H{"type": "status", "data": syncLog}); err != nil {
		h.log.WithError(err).Error("Failed to send initial status")
		return
	}
	if syncLog.Status != models.SyncStatusRunning {
		return
	}

	pubsub := h.jobQueue.GetClient().Subscribe(ctx, h.jobQueue.ProgressChannel(syncLog.SyncID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.WithError(err).Error("Failed to subscribe to Redis channel")
		return
	}

	go h.readPump(conn, cancel)

	ch := pubsub.Channel()

	pingTicker := time.NewTicker(60 * time.Second)
	defer pingTicker.Stop()

	// 长时间没有进度时检查运行是否已结束
	const idlePeriod = 5 * time.Second
	lastMessageTime := time.Now()
	idleTicker := time.NewTicker(time.Second)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-idleTicker.C:
			if time.Since(lastMessageTime) < idlePeriod {
				continue
			}
			current, err := h.logService.GetLog(ctx, syncLog.ID)
			if err == nil && current.Status != models.SyncStatusRunning {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteJSON(gin.H{"type": "status", "data": current})
				h.log.WithField("sync_id", syncLog.SyncID).Info("Sync finished, closing WebSocket")
				return
			}
			lastMessageTime = time.Now()

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.WithError(err).Error("Failed to send ping")
				return
			}

		case msg, ok := <-ch:
			if !ok {
				return
			}
			lastMessageTime = time.Now()

			var progress map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &progress); err != nil {
				h.log.WithError(err).Error("Failed to parse progress message")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(gin.H{"type": "progress", "data": progress}); err != nil {
				h.log.WithError(err).Error("Failed to send message to client")
				return
			}
			if status, _ := progress["status"].(string); status != "" && status != models.SyncStatusRunning {
				return
			}
		}
	}
}

// readPump 处理客户端的 ping/pong 与关闭
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	pongWait := 300 * time.Second
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
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
	// 精确匹配
	if origin == allowed {
		return true
	}

	// 检查是否是通配符模式
	if strings.HasPrefix(allowed, "*.") {
		// 获取域名部分（去掉 *.）
		domain := allowed[2:]

		// 处理origin中的协议部分
		// 例如：http://sub.example.com -> sub.example.com
		originHost := origin
		if idx := strings.Index(origin, "://"); idx != -1 {
			originHost = origin[idx+3:]
		}

		// 去掉端口号（如果有）
		if idx := strings.Index(originHost, ":"); idx != -1 {
			originHost = originHost[:idx]
		}

		// 检查是否匹配
		if originHost == domain {
			return true
		}

		// 检查是否是子域名
		if strings.HasSuffix(originHost, "."+domain) {
			return true
		}
	}

	return false
}
