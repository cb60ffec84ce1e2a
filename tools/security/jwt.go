package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"PPRealtime/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Leeway time.Duration // 校验时允许的时钟偏差
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate 签发 token，sub 即 userID
func Generate(opts Options, userID string, now time.Time) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	exp := now.Add(opts.TTL)

	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(exp),
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verifier 网关的 token 校验能力：token -> userID
type Verifier struct {
	opts   Options
	parser *jwtlib.Parser
}

func NewVerifier(opts Options) (*Verifier, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret empty")
	}
	return &Verifier{
		opts: opts,
		parser: jwtlib.NewParser(
			jwtlib.WithValidMethods([]string{method.Alg()}),
			jwtlib.WithLeeway(opts.Leeway),
			jwtlib.WithExpirationRequired(),
		),
	}, nil
}

// Verify 缺失 -> ErrTokenMissing，过期 -> ErrTokenExpired，其余 -> ErrTokenInvalid
func (v *Verifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return "", errs.ErrTokenMissing.Wrap()
	}

	claims := &jwtlib.RegisteredClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		return v.opts.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return "", errs.ErrTokenExpired.WrapMsg(err.Error())
		}
		return "", errs.ErrTokenInvalid.WrapMsg(err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errs.ErrTokenInvalid.WrapMsg("subject missing")
	}
	return claims.Subject, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
