package handlers

import (
	"colatex/internal/services"
	"colatex/pkg/jwt"
	"colatex/pkg/response"

	"github.com/gin-gonic/gin"
)

// AutosaveHandler 自动保存队列处理器
type AutosaveHandler struct {
	autosaveService *services.AutosaveService
	fileService     *services.FileService
}

// NewAutosaveHandler 创建自动保存处理器实例
func NewAutosaveHandler(autosaveService *services.AutosaveService, fileService *services.FileService) *AutosaveHandler {
	return &AutosaveHandler{
		autosaveService: autosaveService,
		fileService:     fileService,
	}
}

// Enqueue 手动触发一次保存（显式保存按钮）
func (h *AutosaveHandler) Enqueue(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	fileID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	var req struct {
		Content  string `json:"content" binding:"required"`
		Message  string `json:"message" binding:"max=200"`
		Priority int    `json:"priority" binding:"omitempty,min=0,max=10"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数格式错误")
		return
	}

	file, err := h.fileService.Get(fileID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}
	if err := h.fileService.Permissions().RequireWrite(file.BranchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	entry, err := h.autosaveService.Enqueue(file.ID, file.BranchID, claims.UserID, []byte(req.Content), req.Message, req.Priority)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "保存任务已入队", gin.H{
		"entry_id": entry.EntryID,
		"status":   entry.Status,
	})
}

// Entry 查询保存条目状态
func (h *AutosaveHandler) Entry(c *gin.Context) {
	entryID := c.Param("entry_id")
	if entryID == "" {
		response.BadRequest(c, "条目ID不能为空")
		return
	}

	entry, err := h.autosaveService.GetEntry(entryID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, entry)
}

// Stats 队列状态统计
func (h *AutosaveHandler) Stats(c *gin.Context) {
	stats, err := h.autosaveService.Stats()
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, stats)
}
