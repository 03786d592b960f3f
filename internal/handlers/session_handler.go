package handlers

import (
	"colatex/internal/services"
	"colatex/pkg/jwt"
	"colatex/pkg/response"

	"github.com/gin-gonic/gin"
)

// SessionHandler 协作会话处理器
type SessionHandler struct {
	sessionService *services.SessionService
}

// NewSessionHandler 创建会话处理器实例
func NewSessionHandler(sessionService *services.SessionService) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
	}
}

// Join 获取或创建文件的协作会话
// 无活跃会话时创建并以最后一次提交内容为种子；并发加入收敛到同一会话
func (h *SessionHandler) Join(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	fileID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	session, err := h.sessionService.GetOrCreate(fileID, claims.UserID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"session_id":    session.ID,
		"session_token": session.SessionToken,
		"file_id":       session.FileID,
		"crdt_type":     session.CRDTType,
		"active_users":  session.ActiveUserIDs(),
		"expires_at":    session.ExpiresAt,
	})
}

// Get 按会话令牌查询会话
func (h *SessionHandler) Get(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	token := c.Param("token")
	if token == "" {
		response.BadRequest(c, "会话令牌不能为空")
		return
	}

	session, err := h.sessionService.GetByToken(token)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	// 会话详情要求文件可读
	file, err := h.sessionService.File(session.FileID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}
	if err := h.sessionService.Permissions().RequireRead(file.BranchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"session_id":       session.ID,
		"session_token":    session.SessionToken,
		"file_id":          session.FileID,
		"crdt_type":        session.CRDTType,
		"active_users":     session.ActiveUserIDs(),
		"autosave_pending": session.AutosavePending,
		"last_activity":    session.LastActivity,
		"expires_at":       session.ExpiresAt,
	})
}

// Leave 离开会话
func (h *SessionHandler) Leave(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	sessionID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "会话ID格式错误")
		return
	}

	if err := h.sessionService.Leave(sessionID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "已离开会话", nil)
}

// Snapshot 获取会话当前完整状态
func (h *SessionHandler) Snapshot(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	sessionID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "会话ID格式错误")
		return
	}

	session, err := h.sessionService.Get(sessionID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}
	file, err := h.sessionService.File(session.FileID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}
	if err := h.sessionService.Permissions().RequireRead(file.BranchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	snapshot, err := h.sessionService.Snapshot(sessionID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	c.Data(200, "application/json", snapshot)
}
