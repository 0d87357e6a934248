package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"CampusSOS/internal/model/dto"
	"CampusSOS/internal/service"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/response"
)

// SetConnectivity 注入平台连通性信号
// POST /v1/connectivity
func SetConnectivity(ctx context.Context, c *app.RequestContext) {
	var req dto.ConnectivityRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}
	if req.Online == nil {
		response.Error(ctx, c, errors.InvalidRequest)
		return
	}

	svc := service.SOS()
	svc.SetOnline(*req.Online)
	response.Success(ctx, c, svc.Status(ctx))
}

// Healthz 代理运行状态
// GET /healthz
func Healthz(ctx context.Context, c *app.RequestContext) {
	response.Success(ctx, c, service.SOS().Status(ctx))
}
