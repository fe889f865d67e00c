package perm

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collabEngine/backend/internal/op"
)

// 授权令牌：Admin 给某个客户端签发的能力凭证，
// 服务端管理 API 用它校验 grant/revoke 请求的来源。

type GrantClaims struct {
	Client uint64 `json:"sub"`
	Target string `json:"target"`
	Level  string `json:"level"`
	jwt.RegisteredClaims
}

func getSecret() []byte {
	secret := os.Getenv("COLLAB_JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

func SignGrantToken(client op.ClientID, target Target, level Level, ttl time.Duration) (string, time.Time, error) {
	claims := &GrantClaims{
		Client: uint64(client),
		Target: string(target),
		Level:  level.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(ttl), nil
}

func ParseGrantToken(tokenString string) (*GrantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GrantClaims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*GrantClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
