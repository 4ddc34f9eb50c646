// Package simlink 通过 QUIC 连接 vehiclesim 仿真器，实现 rcbridge.VehicleBackend。
package simlink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/transairobot/rcbridge"
	"github.com/transairobot/rcbridge/command"
	"github.com/transairobot/rcbridge/protocol"
	"github.com/transairobot/rcbridge/simulator"
)

const defaultRequestTimeout = 5 * time.Second

type Config struct {
	InsecureSkipVerify bool
	// RequestTimeout 调用方 ctx 没有截止时间时单次请求的上限
	RequestTimeout time.Duration
}

// Client 仿真链路客户端，可并发使用
type Client struct {
	conf     Config
	clientID string
	logger   *zap.Logger

	mu   sync.RWMutex
	conn *quic.Conn
}

func NewClient(conf Config) *Client {
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = defaultRequestTimeout
	}
	return &Client{
		conf:     conf,
		clientID: uuid.NewString(),
		logger:   zap.L().Named("simlink"),
	}
}

// ClientID 向仿真器申请控制权时使用的标识
func (c *Client) ClientID() string {
	return c.clientID
}

// Connect 建立 QUIC 连接并申请控制权。申请失败时连接会被关闭。
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("already connected")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.conf.InsecureSkipVerify,
		NextProtos:         []string{simulator.ALPN},
		ServerName:         host,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  3 * time.Minute,
		KeepAlivePeriod: 20 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if _, err := c.request(ctx, conn, protocol.Hello, protocol.HelloRequest{ClientID: c.clientID}); err != nil {
		conn.CloseWithError(0, "hello failed")
		return fmt.Errorf("hello rejected: %w", err)
	}

	c.conn = conn
	c.logger.Info("已连接到仿真器", zap.String("addr", addr), zap.String("client_id", c.clientID))
	return nil
}

// Disconnect 释放控制权并关闭连接，未连接时直接返回
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil

	_, err := c.request(ctx, conn, protocol.Release, nil)
	if err != nil {
		c.logger.Warn("释放控制权失败", zap.Error(err))
	}
	conn.CloseWithError(0, "client disconnect")
	c.logger.Info("已断开仿真器连接")
	return err
}

func (c *Client) SetControls(ctx context.Context, a command.Actuation) error {
	conn, err := c.current()
	if err != nil {
		return err
	}

	_, err = c.request(ctx, conn, protocol.SetControls, protocol.Controls{
		Throttle: a.Throttle,
		Brake:    a.Brake,
		Steering: a.Steering,
	})
	return err
}

func (c *Client) GetState(ctx context.Context) (rcbridge.VehicleSnapshot, error) {
	conn, err := c.current()
	if err != nil {
		return rcbridge.VehicleSnapshot{}, err
	}

	reply, err := c.request(ctx, conn, protocol.GetState, nil)
	if err != nil {
		return rcbridge.VehicleSnapshot{}, err
	}
	if reply.State == nil {
		return rcbridge.VehicleSnapshot{}, errors.New("state missing from reply")
	}

	s := reply.State
	return rcbridge.VehicleSnapshot{
		Speed:    s.Speed,
		Position: rcbridge.Vector3{X: s.X, Y: s.Y, Z: s.Z},
	}, nil
}

func (c *Client) current() (*quic.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, rcbridge.ErrBackendUnavailable
	}
	return c.conn, nil
}

// request 打开一条流发送请求并读取响应
func (c *Client) request(ctx context.Context, conn *quic.Conn, handleID uint16, body any) (*protocol.Reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.conf.RequestTimeout)
		defer cancel()
	}

	msg, err := protocol.NewMsgpackMessage(handleID, body)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	deadline, _ := ctx.Deadline()
	if err := stream.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if _, err := msg.WriteTo(stream); err != nil {
		stream.CancelRead(0)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	response := &protocol.Message{}
	if err := response.Decode(stream); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var reply protocol.Reply
	if err := response.Unmarshal(&reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !reply.OK {
		return nil, &RemoteError{HandleID: handleID, Message: reply.Error}
	}
	return &reply, nil
}

// RemoteError 仿真器拒绝了请求
type RemoteError struct {
	HandleID uint16
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("simulator rejected request %d: %s", e.HandleID, e.Message)
}
