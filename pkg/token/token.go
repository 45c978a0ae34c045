package token

import (
	stderrors "errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/hertz-contrib/jwt"

	"WxPayGateway/pkg/errors"
)

const (
	// IdentityKey 调用方服务名
	IdentityKey = "caller"
)

var errGeneratorNotInitialized = stderrors.New("token generator is not initialized")

type Options struct {
	Secret string
	Expire time.Duration
}

var (
	// 这个实例会被 middleware 和 token 包共同使用
	sharedGenerator *jwt.HertzJWTMiddleware
)

func Init(opts Options) error {
	if opts.Secret == "" {
		return fmt.Errorf("jwt secret is empty")
	}
	if opts.Expire <= 0 {
		opts.Expire = 30 * 24 * time.Hour
	}

	generator, err := jwt.New(&jwt.HertzJWTMiddleware{
		Key:         []byte(opts.Secret),
		Timeout:     opts.Expire,
		IdentityKey: IdentityKey,
		TimeFunc:    time.Now,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token generator: %w", err)
	}

	sharedGenerator = generator
	return nil
}

// GetGenerator 获取共享的 token 生成器（供 middleware 使用）
func GetGenerator() *jwt.HertzJWTMiddleware {
	return sharedGenerator
}

// GenerateServiceToken 为内部调用方签发 token，不提供刷新，过期后重新签发
func GenerateServiceToken(caller string) (string, time.Time, error) {
	if sharedGenerator == nil {
		return "", time.Time{}, errGeneratorNotInitialized
	}
	if caller == "" {
		return "", time.Time{}, fmt.Errorf("caller is required")
	}

	now := sharedGenerator.TimeFunc()
	expiresAt := now.Add(sharedGenerator.Timeout)

	claims := jwtv5.MapClaims{
		IdentityKey: caller,
		"iat":       now.Unix(),
		"exp":       expiresAt.Unix(),
		"orig_iat":  now.Unix(),
	}

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(sharedGenerator.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign service token: %w", err)
	}

	return signed, expiresAt, nil
}

// ValidateServiceToken 校验 token 并返回调用方
func ValidateServiceToken(tokenString string) (string, error) {
	if sharedGenerator == nil {
		return "", errGeneratorNotInitialized
	}

	parsed, err := jwtv5.Parse(tokenString, func(t *jwtv5.Token) (interface{}, error) {
		if t.Method != jwtv5.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return sharedGenerator.Key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.Unauthorized, err)
	}

	claims, ok := parsed.Claims.(jwtv5.MapClaims)
	if !ok || !parsed.Valid {
		return "", errors.Unauthorized
	}

	caller, ok := claims[IdentityKey].(string)
	if !ok || caller == "" {
		return "", fmt.Errorf("%w: missing %s claim", errors.Unauthorized, IdentityKey)
	}

	return caller, nil
}
