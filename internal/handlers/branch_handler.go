package handlers

import (
	"colatex/internal/models"
	"colatex/internal/services"
	"colatex/pkg/errors"
	"colatex/pkg/jwt"
	"colatex/pkg/pagination"
	"colatex/pkg/response"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// BranchHandler 分支处理器
type BranchHandler struct {
	branchService *services.BranchService
}

// NewBranchHandler 创建分支处理器实例
func NewBranchHandler(branchService *services.BranchService) *BranchHandler {
	return &BranchHandler{
		branchService: branchService,
	}
}

// Create 创建分支
func (h *BranchHandler) Create(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	projectID, err := parseUintParam(c, "project_id")
	if err != nil {
		response.BadRequest(c, "项目ID格式错误")
		return
	}

	var req services.CreateBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErr, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range validationErr {
				switch fieldErr.Field() {
				case "Name":
					response.BadRequest(c, "分支名称不能为空，只能包含字母、数字、下划线、中划线、点和斜杠，长度不超过100")
				case "Description":
					response.BadRequest(c, "分支描述长度不能超过500个字符")
				default:
					response.BadRequest(c, "字段 "+fieldErr.Field()+" 验证失败")
				}
				return
			}
		}
		response.BadRequest(c, "请求参数格式错误")
		return
	}

	branch, err := h.branchService.Create(projectID, &req, claims.UserID, claims.Username)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "分支创建成功", branch)
}

// List 分页查询分支
func (h *BranchHandler) List(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	projectID, err := parseUintParam(c, "project_id")
	if err != nil {
		response.BadRequest(c, "项目ID格式错误")
		return
	}

	params := pagination.ParsePageParams(c)
	statusFilter := models.BranchStatus(c.Query("status"))

	branches, total, err := h.branchService.List(projectID, claims.UserID, statusFilter, params)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	pageInfo := pagination.NewPageInfo(params.Page, params.PageSize, total)
	response.SuccessWithPage(c, branches, pageInfo)
}

// Get 查询单个分支
func (h *BranchHandler) Get(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	if err := h.branchService.Permissions().RequireRead(id, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	includePermissions := c.Query("include_permissions") == "true"
	includeFiles := c.Query("include_files") == "true"

	branch, err := h.branchService.Get(id, includePermissions, includeFiles)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, branch)
}

// Update 更新分支
func (h *BranchHandler) Update(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	if err := h.branchService.Permissions().RequireWrite(id, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	var req services.UpdateBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数格式错误")
		return
	}

	branch, err := h.branchService.Update(id, &req, claims.UserID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "分支更新成功", branch)
}

// Delete 删除分支（软删除）
func (h *BranchHandler) Delete(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	if err := h.branchService.Permissions().RequireAdmin(id, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	if _, err := h.branchService.Delete(id); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "分支删除成功", nil)
}

// Merge 合并分支（版本状态元数据级）
func (h *BranchHandler) Merge(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	var req struct {
		IntoBranchID uint `json:"into_branch_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "必须指定目标分支 into_branch_id")
		return
	}

	// 两侧都要求写权限
	if err := h.branchService.Permissions().RequireWrite(id, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}
	if err := h.branchService.Permissions().RequireWrite(req.IntoBranchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	branch, err := h.branchService.Merge(id, req.IntoBranchID, claims.UserID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "分支合并成功", branch)
}

// SetDefault 设置项目默认分支
func (h *BranchHandler) SetDefault(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	if err := h.branchService.Permissions().RequireAdmin(id, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	branch, err := h.branchService.SetDefault(id)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "默认分支设置成功", branch)
}

// parseUintParam 解析路由参数中的数字ID
func parseUintParam(c *gin.Context, name string) (uint, error) {
	value, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(value), nil
}

func isNotFound(err error) bool {
	return response.Is(err, errors.ErrNotFound)
}

func isAccessDenied(err error) bool {
	return response.Is(err, errors.ErrAccessDenied)
}

func isSessionExpired(err error) bool {
	return response.Is(err, errors.ErrSessionExpired)
}
