package traffic

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
)

// NewClient 创建不重试的 HTTP 客户端
func NewClient(timeout time.Duration) *resty.Client {
	c := resty.New()
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	c.SetRetryCount(0)
	return c
}

// NewFetch 基于 resty 客户端构造 FetchFunc
func NewFetch(c *resty.Client) FetchFunc {
	if c == nil {
		c = NewClient(0)
	}
	return func(ctx context.Context, rawURL string, init Init) (*Response, error) {
		return Do(ctx, c, rawURL, init, nil)
	}
}

// Do 执行一次请求，extra 中的头部覆盖 init 中的同名头部
func Do(ctx context.Context, c *resty.Client, rawURL string, init Init, extra Header) (*Response, error) {
	req := c.R().SetContext(ctx)
	for k, v := range init.Headers {
		req.SetHeader(k, v)
	}
	for k, v := range extra {
		req.SetHeader(k, v)
	}
	if init.Body != "" {
		req.SetBody(init.Body)
	}
	resp, err := req.Execute(init.MethodOrDefault(), rawURL)
	if err != nil {
		return nil, err
	}
	return &Response{
		URL:     rawURL,
		Status:  resp.StatusCode(),
		Headers: FromHTTP(resp.Header()),
		Body:    resp.Body(),
	}, nil
}
