package middleware

import (
	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	// Auth 为空表示无需鉴权
	Auth gin.HandlerFunc
}

// 封装 POST
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.POST(path, opt.Auth, handler)
		return
	}
	r.POST(path, handler)
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.GET(path, opt.Auth, handler)
		return
	}
	r.GET(path, handler)
}
