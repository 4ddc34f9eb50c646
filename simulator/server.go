// Package simulator 通过 QUIC 提供单辆仿真车辆，供桥接进程作为后端连接。
package simulator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/transairobot/rcbridge/protocol"
)

// ALPN 仿真链路使用的应用层协议名
const ALPN = "rcbridge-sim"

type Server struct {
	conf    *Config
	vehicle *Vehicle
	lis     *quic.Listener
	clients sync.Map // map[*quic.Conn]*ClientSession
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

type Config struct {
	CertFile    string `yaml:"cert_file"`
	PrivateFile string `yaml:"private_file"`
}

// ClientSession 表示已连接的客户端会话
type ClientSession struct {
	RemoteAddr   string    `json:"remote_addr"`
	ClientID     string    `json:"client_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Requests     uint64    `json:"requests"`

	lease uint64 // Hello 成功后取得的租约号
	conn  *quic.Conn
	mu    sync.RWMutex
}

// NewServer 创建仿真服务器
func NewServer(vehicle *Vehicle, conf *Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		conf:    conf,
		vehicle: vehicle,
		logger:  zap.L().Named("simulator"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen 绑定地址，之后调用 Serve 接受连接
func (s *Server) Listen(addr string) error {
	cert, err := loadCert(s.conf.CertFile, s.conf.PrivateFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:        3 * time.Minute,
		KeepAlivePeriod:       20 * time.Second,
		MaxIncomingStreams:    1000,
		MaxIncomingUniStreams: -1,
	})
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.lis = listener
	s.logger.Info("仿真服务器已启动", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr 返回监听地址
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Serve 接受连接直到 Stop 被调用
func (s *Server) Serve() error {
	if s.lis == nil {
		return errors.New("server not listening")
	}

	for {
		conn, err := s.lis.Accept(s.ctx)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.logger.Error("接受连接失败", zap.Error(err))
			continue
		}

		go s.handleConnection(conn)
	}
}

// ConnectedClients 返回当前连接的客户端地址
func (s *Server) ConnectedClients() []string {
	var addrs []string
	s.clients.Range(func(key, value any) bool {
		addrs = append(addrs, value.(*ClientSession).RemoteAddr)
		return true
	})
	return addrs
}

// handleConnection 处理单个连接，连接断开时释放其持有的控制权
func (s *Server) handleConnection(conn *quic.Conn) {
	defer conn.CloseWithError(0, "会话结束")

	session := &ClientSession{
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	s.clients.Store(conn, session)
	defer s.clients.Delete(conn)
	defer func() {
		session.mu.RLock()
		id, lease := session.ClientID, session.lease
		session.mu.RUnlock()
		// 同一客户端已从新连接重新申请时，旧连接断开不影响新连接的控制权
		s.vehicle.Release(id, lease)
	}()

	s.logger.Info("客户端已连接", zap.String("remote", session.RemoteAddr))

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			s.logger.Debug("接受流失败", zap.Error(err))
			return
		}

		go s.handleStream(session, stream)
	}
}

// handleStream 每条流承载一次请求和一次响应
func (s *Server) handleStream(session *ClientSession, stream *quic.Stream) {
	defer stream.Close()

	msg := &protocol.Message{}
	if err := msg.Decode(stream); err != nil {
		s.logger.Debug("解码消息失败", zap.Error(err))
		return
	}

	session.mu.Lock()
	session.LastActivity = time.Now()
	session.Requests++
	clientID, lease := session.ClientID, session.lease
	session.mu.Unlock()

	var reply protocol.Reply
	switch msg.HandleID {
	case protocol.Hello:
		reply = s.handleHello(session, msg)
	case protocol.SetControls:
		reply = s.handleSetControls(clientID, lease, msg)
	case protocol.GetState:
		state := s.vehicle.State()
		reply = protocol.Reply{OK: true, State: &state}
	case protocol.Release:
		s.vehicle.Release(clientID, lease)
		reply = protocol.Reply{OK: true}
		s.logger.Info("客户端释放控制权", zap.String("client_id", clientID))
	default:
		s.logger.Warn("未知消息标志", zap.Uint16("flag", msg.HandleID))
		reply = protocol.Reply{Error: fmt.Sprintf("unknown handle id %d", msg.HandleID)}
	}

	response, err := protocol.NewMsgpackMessage(msg.HandleID, reply)
	if err != nil {
		s.logger.Error("序列化响应失败", zap.Error(err))
		return
	}
	if _, err := response.WriteTo(stream); err != nil {
		s.logger.Error("发送响应失败", zap.Error(err))
	}
}

func (s *Server) handleHello(session *ClientSession, msg *protocol.Message) protocol.Reply {
	var req protocol.HelloRequest
	if err := msg.Unmarshal(&req); err != nil {
		return protocol.Reply{Error: err.Error()}
	}
	if req.ClientID == "" {
		return protocol.Reply{Error: "client id required"}
	}
	lease, err := s.vehicle.Acquire(req.ClientID)
	if err != nil {
		return protocol.Reply{Error: err.Error()}
	}

	session.mu.Lock()
	session.ClientID = req.ClientID
	session.lease = lease
	session.mu.Unlock()

	s.logger.Info("客户端获得控制权", zap.String("client_id", req.ClientID), zap.String("remote", session.RemoteAddr))
	return protocol.Reply{OK: true}
}

func (s *Server) handleSetControls(clientID string, lease uint64, msg *protocol.Message) protocol.Reply {
	var c protocol.Controls
	if err := msg.Unmarshal(&c); err != nil {
		return protocol.Reply{Error: err.Error()}
	}
	if err := s.vehicle.Apply(clientID, lease, c); err != nil {
		return protocol.Reply{Error: err.Error()}
	}

	s.logger.Debug("执行量已更新", zap.Any("controls", c))
	return protocol.Reply{OK: true}
}

// Stop 停止服务器并断开所有客户端
func (s *Server) Stop() error {
	s.cancel()

	s.clients.Range(func(key, value any) bool {
		key.(*quic.Conn).CloseWithError(0, "服务器停止")
		return true
	})

	if s.lis != nil {
		return s.lis.Close()
	}
	return nil
}
