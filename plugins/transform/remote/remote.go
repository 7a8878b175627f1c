package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"xmlsplice/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	Endpoint  string `json:"endpoint"`              // 完整 URL，例如 http://127.0.0.1:8080/transform
	Method    string `json:"method,omitempty"`      // 默认 POST
	APIKeyEnv string `json:"api_key_env,omitempty"` // 优先从环境变量读取
	APIKey    string `json:"api_key,omitempty"`     // 明文传入（不推荐，按需用于测试）
	// AuthHeader: 携带 key 的请求头；默认 Authorization，值为 "Bearer <key>"。
	AuthHeader   string            `json:"auth_header,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ContentType  string            `json:"content_type,omitempty"` // 默认 application/xml
	TimeoutMS    int               `json:"timeout_ms,omitempty"`   // 单次请求超时；默认 30s
	MaxBodyBytes int               `json:"max_body_bytes,omitempty"`
}

func (o *Options) defaults() {
	if o.Method == "" {
		o.Method = fasthttp.MethodPost
	}
	if o.AuthHeader == "" {
		o.AuthHeader = "Authorization"
	}
	if o.ContentType == "" {
		o.ContentType = "application/xml; charset=utf-8"
	}
	if o.TimeoutMS <= 0 {
		o.TimeoutMS = 30000
	}
}

// Client 把编码后的记录发往上游，并将响应体解码为替换记录。
type Client struct {
	hc      *fasthttp.Client
	codec   contract.Codec
	url     string
	method  string
	authH   string
	apiKey  string
	headers map[string]string
	ctype   string
	timeout time.Duration
}

// New 从选项构造客户端；codec 用于请求编码与响应解码。
func New(opts *Options, codec contract.Codec) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.defaults()
	if !(strings.HasPrefix(o.Endpoint, "http://") || strings.HasPrefix(o.Endpoint, "https://")) {
		return nil, fmt.Errorf("remote: %w: endpoint must be http(s) URL, got %q", contract.ErrInvalidInput, o.Endpoint)
	}
	if codec == nil {
		return nil, fmt.Errorf("remote: %w: nil codec", contract.ErrInvalidInput)
	}
	key := o.APIKey
	if key == "" && o.APIKeyEnv != "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	hc := &fasthttp.Client{
		Name:                "xmlsplice",
		MaxResponseBodySize: o.MaxBodyBytes,
		ReadTimeout:         time.Duration(o.TimeoutMS) * time.Millisecond,
		WriteTimeout:        time.Duration(o.TimeoutMS) * time.Millisecond,
	}
	return &Client{
		hc:      hc,
		codec:   codec,
		url:     o.Endpoint,
		method:  strings.ToUpper(o.Method),
		authH:   o.AuthHeader,
		apiKey:  key,
		headers: o.Headers,
		ctype:   o.ContentType,
		timeout: time.Duration(o.TimeoutMS) * time.Millisecond,
	}, nil
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("remote upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Apply: 单次调用，同步返回；重试由外层包装负责。
func (c *Client) Apply(ctx context.Context, e *contract.Element) (*contract.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := c.codec.Encode(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("remote encode: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(c.method)
	req.Header.SetContentType(c.ctype)
	if c.apiKey != "" {
		if strings.EqualFold(c.authH, "Authorization") {
			req.Header.Set(c.authH, "Bearer "+c.apiKey)
		} else {
			req.Header.Set(c.authH, c.apiKey)
		}
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	// 截止时间取 ctx 与单次超时中较早者
	deadline := time.Now().Add(c.timeout)
	ctxBound := false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline, ctxBound = d, true
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if ctxBound && errors.Is(err, fasthttp.ErrTimeout) {
			return nil, fmt.Errorf("remote %s: %w", c.url, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("remote %s: %w", c.url, err)
	}
	status := resp.StatusCode()
	if status/100 != 2 {
		msg := strings.TrimSpace(string(resp.Body()))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return nil, upstreamError{status: status, msg: msg}
	}
	// Body 的底层缓冲在 ReleaseResponse 后复用，解码前先复制
	raw := append([]byte(nil), resp.Body()...)
	out, err := c.codec.Decode(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("remote decode response: %w", err)
	}
	return out, nil
}
