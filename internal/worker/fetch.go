package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"CampusSOS/pkg/errors"
)

// Request 被拦截的请求
type Request struct {
	Method string
	Path   string // 含查询串
	Header map[string]string
	Body   []byte
}

// Response 缓存与返回给前台的响应
type Response struct {
	Status   int               `json:"status"`
	Header   map[string]string `json:"header"`
	Body     []byte            `json:"body"`
	StoredAt time.Time         `json:"stored_at,omitempty"`
}

func (r *Response) Clone() *Response {
	c := &Response{
		Status:   r.Status,
		Header:   make(map[string]string, len(r.Header)),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
	for k, v := range r.Header {
		c.Header[k] = v
	}
	return c
}

// OK 2xx
func (r *Response) OK() bool {
	return r.Status >= consts.StatusOK && r.Status < consts.StatusMultipleChoices
}

// Fetcher 真实网络请求
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 函数适配器
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// offlineBody 无网络且无缓存时合成的 503 响应体
type offlineBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Offline bool `json:"offline"`
}

func offlineResponse() *Response {
	var body offlineBody
	body.Error.Code = errors.NetworkError.Code
	body.Error.Message = "Offline - request could not be completed"
	body.Offline = true

	raw, _ := json.Marshal(body)
	return &Response{
		Status: consts.StatusServiceUnavailable,
		Header: map[string]string{"Content-Type": consts.MIMEApplicationJSON},
		Body:   raw,
	}
}

// HTTPFetcher 使用 hertz 客户端访问源站
type HTTPFetcher struct {
	client  *client.Client
	base    string
	timeout time.Duration
}

func NewHTTPFetcher(base string, timeout time.Duration) (*HTTPFetcher, error) {
	c, err := client.NewClient(
		client.WithDialTimeout(timeout),
		client.WithClientReadTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create origin client: %w", err)
	}
	return &HTTPFetcher{client: c, base: strings.TrimRight(base, "/"), timeout: timeout}, nil
}

func (h *HTTPFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	method := r.Method
	if method == "" {
		method = consts.MethodGet
	}
	req.SetRequestURI(h.base + r.Path)
	req.SetMethod(method)
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	if len(r.Body) > 0 {
		req.SetBody(r.Body)
	}

	if err := h.client.DoTimeout(ctx, req, resp, h.timeout); err != nil {
		return nil, err
	}

	out := &Response{
		Status: resp.StatusCode(),
		Header: make(map[string]string),
		Body:   append([]byte(nil), resp.Body()...),
	}
	resp.Header.VisitAll(func(k, v []byte) {
		out.Header[string(k)] = string(v)
	})
	return out, nil
}
