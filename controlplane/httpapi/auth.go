// Package httpapi — optional bearer-token gate over every route except
// /metrics (spec.md §4.16 [FULL]): enabled by config, HMAC-signed JWTs only.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/valyala/fasthttp"
)

const bearerPrefix = "Bearer "

// authorize validates the Authorization header when auth is enabled; with
// auth disabled every request passes.
func (s *Server) authorize(ctx *fasthttp.RequestCtx) bool {
	if !s.cfg.HTTP.AuthEnabled {
		return true
	}
	hdr := string(ctx.Request.Header.Peek("Authorization"))
	if !strings.HasPrefix(hdr, bearerPrefix) {
		return false
	}
	raw := strings.TrimPrefix(hdr, bearerPrefix)
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(s.cfg.HTTP.JWTSecret), nil
	})
	return err == nil && tok.Valid
}
