package handler

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/app"

	"CampusSOS/internal/model"
	"CampusSOS/internal/model/dto"
	"CampusSOS/internal/service"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/response"
)

// TriggerSOS 发送求救告警。
// 已送达返回 200，已入队等待重试返回 202。
// POST /v1/sos
func TriggerSOS(ctx context.Context, c *app.RequestContext) {
	var req dto.SOSRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	sosReq := service.SOSRequest{
		Kind:     model.AlertKind(req.AlertKind),
		Accuracy: req.Accuracy,
		Note:     req.ExtraNote,
	}
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		sosReq.Location = &model.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
	case req.Latitude != nil || req.Longitude != nil:
		response.BindError(ctx, c, fmt.Errorf("latitude and longitude must be provided together"))
		return
	}

	outcome, err := service.SOS().SOS(ctx, sosReq)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	if outcome.Delivered() {
		response.Success(ctx, c, outcome)
		return
	}
	response.Accepted(ctx, c, outcome)
}

// ListQueuedAlerts 查询等待重试的告警
// GET /v1/sos/queue
func ListQueuedAlerts(ctx context.Context, c *app.RequestContext) {
	alerts := service.SOS().Queue(ctx)
	response.SuccessWithMeta(ctx, c, alerts, map[string]interface{}{
		"count":     len(alerts),
		"max_retry": model.MaxRetry,
	})
}

// FlushQueue 立即刷新一次重试队列
// POST /v1/sos/flush
func FlushQueue(ctx context.Context, c *app.RequestContext) {
	report, err := service.SOS().Flush(ctx)
	if err != nil {
		response.ErrorWithDetails(ctx, c, err, map[string]interface{}{
			"skipped": report.Skipped,
		})
		return
	}
	response.Success(ctx, c, report)
}

// ListRelayQueued 查询近场中继出站缓冲
// GET /v1/relay/queued
func ListRelayQueued(ctx context.Context, c *app.RequestContext) {
	messages := service.SOS().RelayQueued()
	response.SuccessWithMeta(ctx, c, messages, map[string]interface{}{
		"count":    len(messages),
		"max_hops": model.MaxHops,
	})
}

// GetLocation 读取当前定位，失败时返回最近一次定位
// GET /v1/location
func GetLocation(ctx context.Context, c *app.RequestContext) {
	fix, err := service.SOS().CurrentLocation(ctx)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, fix)
}

// ListNotices 查询未确认的投递失败通知
// GET /v1/notices
func ListNotices(ctx context.Context, c *app.RequestContext) {
	notices := service.SOS().Notices(ctx)
	response.SuccessWithMeta(ctx, c, notices, map[string]interface{}{
		"count": len(notices),
	})
}

// AcknowledgeNotice 确认投递失败通知
// POST /v1/notices/:id/ack
func AcknowledgeNotice(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if id == "" {
		response.Error(ctx, c, errors.InvalidRequest)
		return
	}

	if err := service.SOS().AcknowledgeNotice(ctx, id); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.NoContent(ctx, c)
}
