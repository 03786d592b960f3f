package handlers

import (
	"colatex/internal/services"
	"colatex/pkg/jwt"
	"colatex/pkg/response"

	"github.com/gin-gonic/gin"
)

// PermissionHandler 分支权限处理器
type PermissionHandler struct {
	permissionService *services.PermissionService
}

// NewPermissionHandler 创建权限处理器实例
func NewPermissionHandler(permissionService *services.PermissionService) *PermissionHandler {
	return &PermissionHandler{
		permissionService: permissionService,
	}
}

// Grant 授予或更新用户在分支上的权限（幂等）
func (h *PermissionHandler) Grant(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	branchID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	var req struct {
		UserID   uint `json:"user_id" binding:"required"`
		CanRead  bool `json:"can_read"`
		CanWrite bool `json:"can_write"`
		CanAdmin bool `json:"can_admin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数格式错误")
		return
	}

	// 只有分支管理员可以改动权限
	if err := h.permissionService.RequireAdmin(branchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	perm, err := h.permissionService.Grant(branchID, req.UserID, req.CanRead, req.CanWrite, req.CanAdmin, claims.UserID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "权限授予成功", perm)
}

// List 分支的全部权限记录
func (h *PermissionHandler) List(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	branchID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	if err := h.permissionService.RequireAdmin(branchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	perms, err := h.permissionService.ListByBranch(branchID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, perms)
}

// Revoke 撤销用户在分支上的权限
func (h *PermissionHandler) Revoke(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	branchID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}
	userID, err := parseUintParam(c, "user_id")
	if err != nil {
		response.BadRequest(c, "用户ID格式错误")
		return
	}

	if err := h.permissionService.RequireAdmin(branchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	removed, err := h.permissionService.Revoke(branchID, userID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}
	if !removed {
		response.NotFound(c, "权限记录不存在")
		return
	}

	response.SuccessWithMessage(c, "权限撤销成功", nil)
}
