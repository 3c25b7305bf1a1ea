package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"modulant/internal/logger"
)

// Server 远端隔离上下文，每个 WebSocket 连接对应一个独立的 Frame
type Server struct {
	cfg      FrameConfig
	allowed  []string
	upgrader websocket.Upgrader
	log      logger.Logger
}

// NewServer 创建远端隔离上下文服务，allowedOrigins 为空时只允许同源连接
func NewServer(cfg FrameConfig, allowedOrigins []string) *Server {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{cfg: cfg, allowed: allowedOrigins, log: l}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if len(s.allowed) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	return slices.Contains(s.allowed, "*") || slices.Contains(s.allowed, origin)
}

// ServeHTTP 升级连接并在连接生命周期内运行隔离上下文
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket 升级失败", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	parent := r.Header.Get("Origin")
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	frame := NewFrame(scheme+"://"+r.Host, parent, s.cfg)
	defer frame.Close()

	var mu sync.Mutex
	reply := func(data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	s.log.Info("父上下文已连接", "origin", parent, "remote", r.RemoteAddr)
	frame.Start(reply)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("读取消息失败", "error", err)
			}
			break
		}
		frame.Handle(Envelope{Origin: parent, Data: data}, reply)
	}
	s.log.Info("父上下文已断开", "origin", parent)
}

// Remote 连接远端隔离上下文的通道
type Remote struct {
	conn   *websocket.Conn
	origin string
	log    logger.Logger

	writeMu sync.Mutex
	inbox   chan Envelope
	done    chan struct{}
	once    sync.Once
}

// Dial 连接远端隔离上下文，parentOrigin 作为握手的 Origin 头
func Dial(ctx context.Context, wsURL, parentOrigin string, l logger.Logger) (*Remote, error) {
	if l == nil {
		l = logger.NewNop()
	}
	origin, err := httpOrigin(wsURL)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	if parentOrigin != "" {
		h.Set("Origin", parentOrigin)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	r := &Remote{
		conn:   conn,
		origin: origin,
		log:    l.With("frame", origin),
		inbox:  make(chan Envelope, 64),
		done:   make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func httpOrigin(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		return "http://" + u.Host, nil
	case "wss":
		return "https://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func (r *Remote) readLoop() {
	defer r.Close()
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.log.Debug("远端连接已结束", "error", err)
			}
			return
		}
		// 连接对端即隔离上下文，来源统一取自连接地址
		select {
		case r.inbox <- Envelope{Origin: r.origin, Data: data}:
		case <-r.done:
			return
		}
	}
}

// Origin 远端隔离上下文来源
func (r *Remote) Origin() string { return r.origin }

// Post 向远端发送消息
func (r *Remote) Post(data []byte) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Inbox 来自远端的消息
func (r *Remote) Inbox() <-chan Envelope { return r.inbox }

// Done 连接关闭信号
func (r *Remote) Done() <-chan struct{} { return r.done }

// Close 关闭连接
func (r *Remote) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}
