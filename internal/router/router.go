package router

import (
	"colatex/internal/handlers"
	"colatex/internal/middleware"
	"colatex/internal/services"
	"colatex/pkg/response"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// 分支名：字母数字开头，允许字母、数字、下划线、中划线、点和斜杠
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// Services 路由依赖的服务集合
type Services struct {
	Branch   *services.BranchService
	Perm     *services.PermissionService
	File     *services.FileService
	Session  *services.SessionService
	Autosave *services.AutosaveService
	Hub      *services.SyncHub
}

// SetupRouter 设置路由
func SetupRouter(svcs *Services) *gin.Engine {
	registerValidators()

	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.SetupCORS())

	registerRoutes(router, svcs)
	return router
}

// registerValidators 注册自定义校验规则
func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("branchname", func(fl validator.FieldLevel) bool {
			name := fl.Field().String()
			if name == "" {
				return false
			}
			return branchNamePattern.MatchString(name)
		})
	}
}

// 注册所有路由
func registerRoutes(router *gin.Engine, svcs *Services) {

	auth := middleware.NewAuthMiddleware()

	branchHandler := handlers.NewBranchHandler(svcs.Branch)
	permissionHandler := handlers.NewPermissionHandler(svcs.Perm)
	fileHandler := handlers.NewFileHandler(svcs.File)
	sessionHandler := handlers.NewSessionHandler(svcs.Session)
	autosaveHandler := handlers.NewAutosaveHandler(svcs.Autosave, svcs.File)
	wsHandler := handlers.NewWebSocketHandler(svcs.Session, svcs.Hub)

	// API路由组
	api := router.Group("/api/v1")
	{
		// 健康检查接口
		api.GET("/health", healthCheck)
		api.GET("/ping", ping)

		// 项目下的分支
		projects := api.Group("/projects", auth.RequireLogin())
		{
			projects.POST("/:project_id/branches", branchHandler.Create)
			projects.GET("/:project_id/branches", branchHandler.List)
		}

		// 分支
		branches := api.Group("/branches", auth.RequireLogin())
		{
			branches.GET("/:id", branchHandler.Get)
			branches.PUT("/:id", branchHandler.Update)
			branches.DELETE("/:id", branchHandler.Delete)
			branches.POST("/:id/merge", branchHandler.Merge)
			branches.POST("/:id/default", branchHandler.SetDefault)

			// 分支权限
			branches.POST("/:id/permissions", permissionHandler.Grant)
			branches.GET("/:id/permissions", permissionHandler.List)
			branches.DELETE("/:id/permissions/:user_id", permissionHandler.Revoke)

			// 分支下的文件
			branches.GET("/:id/files", fileHandler.List)
		}

		// 文件
		files := api.Group("/files", auth.RequireLogin())
		{
			files.POST("", fileHandler.Create)
			files.GET("/:id", fileHandler.Get)
			files.PUT("/:id", fileHandler.Update)
			files.DELETE("/:id", fileHandler.Delete)
			files.GET("/:id/content", fileHandler.Content)

			// 协作会话入口
			files.POST("/:id/session", sessionHandler.Join)

			// 显式保存
			files.POST("/:id/save", autosaveHandler.Enqueue)
		}

		// 会话
		sessions := api.Group("/sessions", auth.RequireLogin())
		{
			sessions.GET("/token/:token", sessionHandler.Get)
			sessions.GET("/:id/snapshot", sessionHandler.Snapshot)
			sessions.POST("/:id/leave", sessionHandler.Leave)
		}

		// 自动保存队列
		autosave := api.Group("/autosave", auth.RequireLogin())
		{
			autosave.GET("/entries/:entry_id", autosaveHandler.Entry)
			autosave.GET("/stats", autosaveHandler.Stats)
		}
	}

	// WebSocket路由（token通过查询参数认证）
	ws := router.Group("/ws")
	{
		ws.GET("/collab/:id", wsHandler.Collab)
		ws.GET("/autosave/:id", wsHandler.AutosaveEvents)
	}
}

func healthCheck(c *gin.Context) {
	data := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"service":   "colatex",
		"version":   "1.0.0",
	}
	response.Success(c, data)
}

func ping(c *gin.Context) {
	response.SuccessWithMessage(c, "pong", nil)
}
