// Package socket 处理 WebSocket 握手、认证与事件分发。
package socket

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity 握手认证通过后的用户身份
type Identity struct {
	UserID string
	Role   string
}

// Authenticator 校验握手 JWT
// token 由 Web 应用在用户登录时签发，网关只做验签与 claim 提取。
type Authenticator struct {
	secret []byte
}

// NewAuthenticator 创建认证器
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate 验签并提取身份，user_id claim 缺失视为无效 token
func (a *Authenticator) Authenticate(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, fmt.Errorf("token missing user_id claim")
	}
	role, _ := claims["role"].(string)

	return &Identity{UserID: userID, Role: role}, nil
}
