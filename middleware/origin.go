package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginChecker 浏览器 Origin 白名单；列表为空时全部放行
type OriginChecker struct {
	allowed map[string]struct{}
	any     bool
}

func NewOriginChecker(allowed []string) *OriginChecker {
	oc := &OriginChecker{allowed: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		switch o {
		case "":
		case "*":
			oc.any = true
		default:
			oc.allowed[o] = struct{}{}
		}
	}
	if len(oc.allowed) == 0 {
		oc.any = true
	}
	return oc
}

// Check 给 websocket.Upgrader.CheckOrigin 用
func (oc *OriginChecker) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// 非浏览器客户端不带 Origin
	if origin == "" || oc.any {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	_, ok := oc.allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

// Origin 普通 http 接口的 Origin 校验
func Origin(oc *OriginChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !oc.Check(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "message": "origin not allowed"})
		}
	}
}
