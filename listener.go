package rcbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/transairobot/rcbridge/mem"
)

// ErrAlreadyListening 监听器已绑定时再次 Start 返回该错误
var ErrAlreadyListening = errors.New("listener already bound")

// CommandHandler 处理一条文本指令并返回回复，Session 实现该接口
type CommandHandler interface {
	HandleCommand(ctx context.Context, raw string) string
}

// Listener UDP 指令监听器。单个 goroutine 依次接收并处理数据报，
// 因此同一会话内的指令处理天然串行。
type Listener struct {
	conf    ListenerConfig
	handler CommandHandler
	pool    mem.BufferPool
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener 创建监听器，调用 Start 后才绑定端口
func NewListener(conf ListenerConfig, handler CommandHandler) *Listener {
	if conf.BufferSize <= 0 {
		conf.BufferSize = defaultBufferSize
	}
	return &Listener{
		conf:    conf,
		handler: handler,
		pool:    mem.DefaultBufferPool(),
		logger:  zap.L().Named("listener"),
	}
}

// Start 绑定端口并启动接收循环。已绑定时返回 ErrAlreadyListening，
// 绑定失败同步返回给调用方。
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return ErrAlreadyListening
	}

	addr, err := net.ResolveUDPAddr("udp", l.conf.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", l.conf.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.conn = conn
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.serve(ctx, conn, l.done)

	l.logger.Info("UDP服务器已启动", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// Stop 关闭套接字以解除阻塞的接收调用，并等待接收循环退出
func (l *Listener) Stop() error {
	l.mu.Lock()
	conn, cancel, done := l.conn, l.cancel, l.done
	l.conn, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}

	cancel()
	err := conn.Close()
	<-done

	l.logger.Info("UDP服务器已停止")
	return err
}

// Listening 报告是否已绑定
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Addr 返回实际绑定的地址，未绑定时为 nil
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// SendReply 尽力发送回复，失败只记录日志
func (l *Listener) SendReply(text string, addr net.Addr) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		l.logger.Warn("监听器未启动，丢弃回复", zap.Stringer("to", addr))
		return
	}
	l.sendTo(conn, text, addr)
}

func (l *Listener) sendTo(conn *net.UDPConn, text string, addr net.Addr) {
	buf := mem.Copy([]byte(text), l.pool)
	defer buf.Free()

	if _, err := conn.WriteTo(buf.ReadOnlyData(), addr); err != nil {
		l.logger.Error("发送UDP响应失败", zap.Stringer("to", addr), zap.Error(err))
		return
	}
	l.logger.Debug("已发送回复", zap.Stringer("to", addr), zap.Int("bytes", buf.Len()))
}

func (l *Listener) serve(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := l.pool.Get(l.conf.BufferSize)
	defer l.pool.Put(buf)

	for {
		n, addr, err := conn.ReadFromUDP(*buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.Error("接收UDP数据错误", zap.Error(err))
			continue
		}

		payload := (*buf)[:n]
		if !utf8.Valid(payload) {
			l.logger.Warn("丢弃非UTF-8数据报", zap.Stringer("from", addr), zap.Int("bytes", n))
			continue
		}

		l.handle(ctx, conn, string(payload), addr)
	}
}

// handle 处理单条数据报，处理器中的 panic 不会终止接收循环，
// 此时仍回复一条 "internal error"
func (l *Listener) handle(ctx context.Context, conn *net.UDPConn, raw string, addr *net.UDPAddr) {
	defer func() {
		if err := recover(); err != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			l.logger.Error("处理指令时发生panic",
				zap.Any("panic", err),
				zap.String("command", raw),
				zap.ByteString("stack", stack[:n]))
			l.sendTo(conn, "internal error", addr)
		}
	}()

	l.logger.Debug("收到指令", zap.Stringer("from", addr), zap.String("command", raw))
	reply := l.handler.HandleCommand(ctx, raw)
	l.sendTo(conn, reply, addr)
}
