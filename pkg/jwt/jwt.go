package jwt

import (
	"colatex/pkg/config"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 项目角色常量（由外部成员系统签发，本服务只做校验）
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// JWTClaims JWT声明
// 身份与项目成员关系由外部系统签发，token即为身份与成员关系的凭证
type JWTClaims struct {
	UserID       uint              `json:"user_id"`
	Username     string            `json:"username"`
	ProjectRoles map[string]string `json:"project_roles,omitempty"` // project_id -> role
	jwt.RegisteredClaims
}

// ProjectRole 返回用户在指定项目中的角色
func (c *JWTClaims) ProjectRole(projectID uint) (string, bool) {
	if c.ProjectRoles == nil {
		return "", false
	}
	role, ok := c.ProjectRoles[strconv.FormatUint(uint64(projectID), 10)]
	return role, ok
}

// ProjectRoleByParam 按路由参数中的项目ID字符串查角色
func (c *JWTClaims) ProjectRoleByParam(projectID string) (string, bool) {
	if c.ProjectRoles == nil || projectID == "" {
		return "", false
	}
	role, ok := c.ProjectRoles[projectID]
	return role, ok
}

// JWTManager JWT管理器
type JWTManager struct {
	secretKey     string
	tokenDuration time.Duration
}

// NewJWTManager 创建JWT管理器
func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     secretKey,
		tokenDuration: tokenDuration,
	}
}

// GenerateToken 生成JWT令牌（测试与本地联调使用，生产由身份系统签发）
func (manager *JWTManager) GenerateToken(userID uint, username string, projectRoles map[string]string) (string, error) {
	claims := JWTClaims{
		UserID:       userID,
		Username:     username,
		ProjectRoles: projectRoles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(manager.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "colatex",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(manager.secretKey))
}

// VerifyToken 验证JWT令牌
func (manager *JWTManager) VerifyToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&JWTClaims{},
		func(token *jwt.Token) (interface{}, error) {
			// 验证签名方法
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("意外的签名方法")
			}
			return []byte(manager.secretKey), nil
		},
	)

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return nil, errors.New("无法解析token声明")
	}

	return claims, nil
}

// GetTokenDuration 获取令牌有效期
func (manager *JWTManager) GetTokenDuration() time.Duration {
	return manager.tokenDuration
}

// 单例实现
var (
	defaultManager *JWTManager
	once           sync.Once
)

// GetJWTManager 获取全局JWT管理器实例
func GetJWTManager() *JWTManager {
	once.Do(func() {
		cfg := config.GetConfig()
		tokenDuration, err := time.ParseDuration(cfg.JWT.TokenDuration)
		if err != nil {
			tokenDuration = 24 * time.Hour
		}
		defaultManager = NewJWTManager(cfg.JWT.SecretKey, tokenDuration)
	})
	return defaultManager
}
