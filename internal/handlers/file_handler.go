package handlers

import (
	"colatex/internal/services"
	"colatex/pkg/jwt"
	"colatex/pkg/pagination"
	"colatex/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// FileHandler 文件处理器
type FileHandler struct {
	fileService *services.FileService
}

// NewFileHandler 创建文件处理器实例
func NewFileHandler(fileService *services.FileService) *FileHandler {
	return &FileHandler{
		fileService: fileService,
	}
}

// Create 在分支下创建文件
func (h *FileHandler) Create(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	var req services.CreateFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErr, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range validationErr {
				switch fieldErr.Field() {
				case "BranchID":
					response.BadRequest(c, "必须指定分支ID")
				case "FilePath":
					response.BadRequest(c, "文件路径不能为空，长度不超过500")
				default:
					response.BadRequest(c, "字段 "+fieldErr.Field()+" 验证失败")
				}
				return
			}
		}
		response.BadRequest(c, "请求参数格式错误")
		return
	}

	file, err := h.fileService.Create(&req, claims.UserID, claims.Username)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "文件创建成功", file)
}

// List 分页查询分支下的文件
func (h *FileHandler) List(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	branchID, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "分支ID格式错误")
		return
	}

	params := pagination.ParsePageParams(c)
	files, total, err := h.fileService.ListByBranch(branchID, claims.UserID, params)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	pageInfo := pagination.NewPageInfo(params.Page, params.PageSize, total)
	response.SuccessWithPage(c, files, pageInfo)
}

// Get 查询文件元数据
func (h *FileHandler) Get(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	file, err := h.fileService.Get(id)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}
	if err := h.fileService.Permissions().RequireRead(file.BranchID, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, file)
}

// Update 更新文件元数据（重命名等）
func (h *FileHandler) Update(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	var req services.UpdateFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数格式错误")
		return
	}

	file, err := h.fileService.Update(id, &req, claims.UserID)
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "文件更新成功", file)
}

// Delete 删除文件（软删除，历史提交保留）
func (h *FileHandler) Delete(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	if _, err := h.fileService.Delete(id, claims.UserID); err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "文件删除成功", nil)
}

// Content 读取文件在指定引用处的内容
// ref 缺省为分支当前头，支持分支名或提交哈希
func (h *FileHandler) Content(c *gin.Context) {
	claims := c.MustGet("claims").(*jwt.JWTClaims)

	id, err := parseUintParam(c, "id")
	if err != nil {
		response.BadRequest(c, "文件ID格式错误")
		return
	}

	content, err := h.fileService.GetContent(id, claims.UserID, c.Query("ref"))
	if err != nil {
		response.HandleServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"content": string(content),
		"size":    len(content),
	})
}
