package handler

import (
	"context"
	"sync/atomic"

	"github.com/cloudwego/hertz/pkg/app"

	"CampusSOS/internal/model"
	"CampusSOS/internal/model/dto"
	"CampusSOS/internal/service"
	"CampusSOS/internal/worker"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/response"
)

// forwardedHeaders 转发给源站的请求头
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "If-None-Match"}

var coordinator atomic.Pointer[worker.Coordinator]

// SetCoordinator 注册进程内的后台协调器，未注册时 /sw 返回离线响应
func SetCoordinator(c *worker.Coordinator) {
	coordinator.Store(c)
}

// ProxyFetch 经后台协调器拦截的请求
// ANY /sw/*path
func ProxyFetch(ctx context.Context, c *app.RequestContext) {
	coord := coordinator.Load()
	if coord == nil {
		response.Error(ctx, c, errors.NetworkError)
		return
	}

	path := "/" + trimLeadingSlash(c.Param("path"))
	if qs := c.Request.URI().QueryString(); len(qs) > 0 {
		path += "?" + string(qs)
	}

	req := &worker.Request{
		Method: string(c.Method()),
		Path:   path,
		Header: make(map[string]string),
		Body:   append([]byte(nil), c.Request.Body()...),
	}
	for _, name := range forwardedHeaders {
		if v := c.Request.Header.Get(name); v != "" {
			req.Header[name] = v
		}
	}

	resp := coord.Fetch(ctx, req)
	for k, v := range resp.Header {
		c.Response.Header.Set(k, v)
	}
	c.Response.SetStatusCode(resp.Status)
	c.Response.SetBody(resp.Body)
}

// PostControl 发送控制消息给后台协调器
// POST /sw/control
func PostControl(ctx context.Context, c *app.RequestContext) {
	var req dto.ControlRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	if err := service.SOS().PostControl(ctx, model.SyncMessageType(req.Type)); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Accepted(ctx, c, map[string]string{"type": req.Type})
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
