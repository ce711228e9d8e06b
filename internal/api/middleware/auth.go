package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/janiluuk/vimage-api/internal/pkg/jwt"
	"github.com/janiluuk/vimage-api/internal/pkg/response"
)

const UserIDKey = "userID"

var (
	errMissingToken = errors.New("请提供认证信息")
	errBadScheme    = errors.New("认证格式错误")
)

// Auth 校验 Bearer token 并把用户 id 放入上下文；websocket 握手可以用 ?token= 传递
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := TokenFromRequest(c)
		if err != nil {
			response.AuthError(c, err.Error())
			c.Abort()
			return
		}

		claims, err := jwt.ParseToken(token, jwtSecret)
		if err != nil {
			response.AuthError(c, "认证失败或已过期")
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// TokenFromRequest 优先读 Authorization 头，其次读 token 查询参数
func TokenFromRequest(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errMissingToken
	}

	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", errBadScheme
	}
	return token, nil
}

// GetUserID 从上下文取用户 id
func GetUserID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(UserIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
