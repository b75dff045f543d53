package security

import (
	"net/http"
	"strings"

	"inboxrelay/tools/errs"
	jwtsec "inboxrelay/tools/security"

	"github.com/gin-gonic/gin"
)

// context key，后续模块统一用这几个 key 读取
const (
	CtxSenderKey    = "senderId"
	CtxTenantKey    = "tenantId"
	CtxAuthHashKey  = "authorizationHash" // token 指纹，只用于日志
	defaultHeader   = "authorization"
	defaultQueryKey = "access_token"
)

type Options struct {
	JWT                       jwtsec.Options
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	QueryToken                string // 浏览器 websocket 无法带头时从 query 取；空则不允许
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		JWT:                       jwtsec.DefaultOptions(secret),
		HeaderToken:               defaultHeader,
		EnableAuthorizationBearer: true,
		QueryToken:                defaultQueryKey,
	}
}

func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c, opts)
		if token == "" {
			abort(c, "missing token")
			return
		}
		claims, err := jwtsec.Verify(opts.JWT, token)
		if err != nil {
			abort(c, err.Error())
			return
		}
		c.Set(CtxSenderKey, claims.SenderID())
		c.Set(CtxTenantKey, claims.Tenant)
		c.Set(CtxAuthHashKey, jwtsec.HashToken(token))
		c.Next()
	}
}

func extractToken(c *gin.Context, opts *Options) string {
	if opts.HeaderToken != "" {
		if v := strings.TrimSpace(c.GetHeader(opts.HeaderToken)); v != "" && !strings.Contains(v, " ") {
			return v
		}
	}
	// 兼容 Authorization: Bearer xxx
	if opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			return strings.TrimSpace(authz[7:])
		}
	}
	if opts.QueryToken != "" {
		return strings.TrimSpace(c.Query(opts.QueryToken))
	}
	return ""
}

func abort(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized.WithDetail(detail))
}

// SenderID 认证后的发送方
func SenderID(c *gin.Context) string { return c.GetString(CtxSenderKey) }

// Tenant 认证后的租户，即订阅范围
func Tenant(c *gin.Context) string { return c.GetString(CtxTenantKey) }
