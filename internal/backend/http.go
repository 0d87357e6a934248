package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.uber.org/zap"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
)

const alertsPath = "/api/alerts"

// HTTPSubmitter 通过 HTTP JSON 接口提交告警
type HTTPSubmitter struct {
	client  *client.Client
	url     string
	token   string
	timeout time.Duration
	logger  *zap.Logger
}

// confirmationBody 后端回执
type confirmationBody struct {
	AlertID                  string            `json:"alert_id"`
	SubmittedAt              time.Time         `json:"submitted_at"`
	Location                 model.Coordinates `json:"location"`
	EstimatedResponseSeconds int64             `json:"estimated_response_seconds"`
	Message                  string            `json:"message"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewHTTPSubmitter(baseURL, token string, timeout time.Duration) (*HTTPSubmitter, error) {
	c, err := client.NewClient(
		client.WithDialTimeout(timeout),
		client.WithClientReadTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	return &HTTPSubmitter{
		client:  c,
		url:     strings.TrimRight(baseURL, "/") + alertsPath,
		token:   token,
		timeout: timeout,
		logger:  logger.Named("backend_http"),
	}, nil
}

func (h *HTTPSubmitter) Submit(ctx context.Context, sub model.AlertSubmission) (*model.DeliveryConfirmation, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ValidationFailed, err)
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(h.url)
	req.SetMethod(consts.MethodPost)
	req.Header.SetContentTypeBytes([]byte(consts.MIMEApplicationJSON))
	req.Header.Set("Idempotency-Key", sub.IdempotencyKey)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	req.SetBody(body)

	start := time.Now()
	if err := h.client.DoTimeout(ctx, req, resp, h.timeout); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.NetworkError, err)
	}

	status := resp.StatusCode()
	h.logger.Debug("Backend submit response",
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
		zap.String("idempotency_key", sub.IdempotencyKey),
	)

	if status >= consts.StatusOK && status < consts.StatusMultipleChoices {
		return decodeConfirmation(resp.Body(), sub)
	}
	return nil, classifyStatus(status, resp.Body())
}

func decodeConfirmation(raw []byte, sub model.AlertSubmission) (*model.DeliveryConfirmation, error) {
	var body confirmationBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed confirmation: %v", errors.NetworkError, err)
	}
	if body.AlertID == "" {
		return nil, fmt.Errorf("%w: confirmation without alert id", errors.NetworkError)
	}

	confirmation := &model.DeliveryConfirmation{
		AlertID:           body.AlertID,
		SubmittedAt:       body.SubmittedAt,
		Location:          body.Location,
		EstimatedResponse: time.Duration(body.EstimatedResponseSeconds) * time.Second,
		Message:           body.Message,
	}
	if confirmation.SubmittedAt.IsZero() {
		confirmation.SubmittedAt = time.Now()
	}
	if confirmation.Location == (model.Coordinates{}) {
		confirmation.Location = sub.Location
	}
	return confirmation, nil
}

// classifyStatus 把 HTTP 状态码映射到错误分类。
// 401 未授权；403 账号停用或未授权；408/429/5xx 可重试；其他 4xx 视为校验失败。
func classifyStatus(status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	detail := body.Error.Message
	if detail == "" {
		detail = fmt.Sprintf("backend returned status %d", status)
	}

	switch {
	case status == consts.StatusUnauthorized:
		return fmt.Errorf("%w: %s", errors.Unauthorized, detail)
	case status == consts.StatusForbidden:
		if body.Error.Code == errors.AccountInactive.Code {
			return fmt.Errorf("%w: %s", errors.AccountInactive, detail)
		}
		return fmt.Errorf("%w: %s", errors.Unauthorized, detail)
	case status == consts.StatusRequestTimeout, status == consts.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", errors.NetworkError, detail)
	case status >= consts.StatusBadRequest && status < consts.StatusInternalServerError:
		return fmt.Errorf("%w: %s", errors.ValidationFailed, detail)
	default:
		return fmt.Errorf("%w: %s", errors.NetworkError, detail)
	}
}
