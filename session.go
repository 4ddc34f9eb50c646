package rcbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transairobot/rcbridge/command"
)

// 固定的回复文本
const (
	ReplyNotConnected  = "not connected"
	ReplyControlIgnore = "control command ignored: drive mode is autonomous"
)

// ErrAlreadyConnected 后端已连接时再次 Connect 返回该错误
var ErrAlreadyConnected = errors.New("backend already connected")

// Status 会话状态的只读副本，供界面轮询显示
type Status struct {
	Connected bool              `json:"connected"`
	Mode      string            `json:"mode"`
	Controls  command.Actuation `json:"controls"`
	Snapshot  VehicleSnapshot   `json:"snapshot"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Session 控制会话，是车辆控制状态的唯一持有者。
// 执行量、驾驶模式、车辆快照和后端连接由同一把锁保护，
// 网络监听与界面都必须经由 HandleCommand 等方法修改状态。
type Session struct {
	conf     SessionConfig
	backend  VehicleBackend
	timeouts *TimeoutHandler
	breaker  *CircuitBreaker
	logger   *zap.Logger

	mu         sync.Mutex
	connected  bool
	mode       command.DriveMode
	controls   command.Actuation
	snapshot   VehicleSnapshot
	snapshotAt time.Time
}

// NewSession 创建会话，初始为未连接、手动模式、执行量归零
func NewSession(backend VehicleBackend, conf SessionConfig) *Session {
	return &Session{
		conf:     conf,
		backend:  backend,
		timeouts: NewTimeoutHandler(),
		breaker:  NewCircuitBreaker(conf.BreakerMaxFailures, conf.BreakerReset),
		logger:   zap.L().Named("session"),
		mode:     command.Manual,
		controls: command.Neutral(),
	}
}

// Connect 连接仿真后端，失败按配置重试
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return ErrAlreadyConnected
	}

	err := s.timeouts.RetryWithTimeout(ctx, s.conf.ConnectRetries, s.conf.ConnectTimeout, func(ctx context.Context) error {
		return s.backend.Connect(ctx, host, port)
	})
	if err != nil {
		return fmt.Errorf("failed to connect backend %s:%d: %w", host, port, err)
	}

	s.connected = true
	s.breaker.Reset()
	s.logger.Info("后端已连接", zap.String("host", host), zap.Int("port", port))

	if err := s.refreshLocked(ctx); err != nil {
		s.logger.Warn("读取初始车辆状态失败", zap.Error(err))
	}
	return nil
}

// Disconnect 先尽力下发停车指令，再断开后端
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	stop, _ := command.ControlDelta(command.Stop)
	if err := s.pushLocked(ctx, stop.Apply(s.controls)); err != nil {
		s.logger.Warn("断开前停车失败", zap.Error(err))
	}

	err := s.backend.Disconnect(ctx)
	s.connected = false
	s.snapshot = VehicleSnapshot{}
	s.snapshotAt = time.Time{}
	if err != nil {
		return fmt.Errorf("failed to disconnect backend: %w", err)
	}

	s.logger.Info("后端已断开")
	return nil
}

// Connected 报告后端是否已连接
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Status 返回缓存状态的副本，不访问后端
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Refresh 从后端刷新车辆快照后返回状态；未连接时直接返回缓存状态
func (s *Session) Refresh(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return s.statusLocked(), nil
	}
	err := s.refreshLocked(ctx)
	return s.statusLocked(), err
}

// SwitchMode 界面层的模式切换，与 "c m"/"c a" 指令语义相同
func (s *Session) SwitchMode(ctx context.Context, mode command.DriveMode) string {
	s.mu.Lock()
	reply := ReplyNotConnected
	if s.connected {
		reply = s.switchModeLocked(ctx, mode)
	}
	s.mu.Unlock()

	s.logger.Info("界面切换驾驶模式", zap.Stringer("mode", mode), zap.String("reply", reply))
	return reply
}

// HandleCommand 处理一条原始文本指令，总是返回恰好一条回复
func (s *Session) HandleCommand(ctx context.Context, raw string) string {
	reply := s.dispatch(ctx, raw)
	s.logger.Info("指令已处理", zap.String("command", raw), zap.String("reply", reply))
	return reply
}

func (s *Session) dispatch(ctx context.Context, raw string) string {
	cmd, err := command.Parse(raw)
	if err != nil {
		s.logger.Debug("指令解析失败", zap.Error(err))
		return "unknown command: " + strings.TrimSpace(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ReplyNotConnected
	}

	switch c := cmd.(type) {
	case command.Control:
		return s.applyControl(ctx, c)
	case command.Set:
		return s.applySet(ctx, c)
	case command.Get:
		return s.answerGet(ctx, c)
	case command.ModeSwitch:
		return s.switchModeLocked(ctx, c.Mode)
	}
	return "unknown command: " + strings.TrimSpace(raw)
}

func (s *Session) applyControl(ctx context.Context, c command.Control) string {
	if s.mode != command.Manual {
		return ReplyControlIgnore
	}

	delta, ok := command.ControlDelta(c.Key)
	if !ok {
		return "unknown command: " + command.Format(c)
	}
	if err := s.pushLocked(ctx, delta.Apply(s.controls)); err != nil {
		return backendFailure(err)
	}

	if c.Key.Token() == c.Key.String() {
		return "executed control command: " + c.Key.Token()
	}
	return fmt.Sprintf("executed control command: %s (%s)", c.Key.Token(), c.Key)
}

func (s *Session) applySet(ctx context.Context, c command.Set) string {
	if err := s.pushLocked(ctx, s.controls.WithProperty(c.Property, c.Value)); err != nil {
		return backendFailure(err)
	}
	return fmt.Sprintf("set %s to: %g", c.Property, c.Value)
}

func (s *Session) answerGet(ctx context.Context, c command.Get) string {
	if err := s.refreshLocked(ctx); err != nil {
		return backendFailure(err)
	}

	switch c.Property {
	case command.Speed:
		return fmt.Sprintf("speed: %.2f m/s", s.snapshot.Speed)
	case command.Position:
		return formatPosition(s.snapshot.Position)
	case command.All:
		return fmt.Sprintf("vehicle state:\nspeed: %.2f m/s\nposition: %s\nthrottle: %.2f, brake: %.2f, steering: %.2f\nmode: %s",
			s.snapshot.Speed,
			formatPosition(s.snapshot.Position),
			s.controls.Throttle, s.controls.Brake, s.controls.Steering,
			s.mode)
	}

	v, _ := s.controls.Get(c.Property)
	return fmt.Sprintf("%s: %.2f", c.Property, v)
}

// switchModeLocked 切换到自动模式时执行量强制归零并立即下发一次
func (s *Session) switchModeLocked(ctx context.Context, mode command.DriveMode) string {
	s.mode = mode
	reply := "drive mode switched to: " + mode.String()

	if mode == command.Autonomous {
		err := s.pushLocked(ctx, command.Neutral())
		s.controls = command.Neutral()
		if err != nil {
			return reply + " (" + backendFailure(err) + ")"
		}
	}
	return reply
}

// pushLocked 一次性下发完整执行量，成功后才更新本地状态
func (s *Session) pushLocked(ctx context.Context, a command.Actuation) error {
	err := s.breaker.Execute(func() error {
		return s.timeouts.WithTimeout(ctx, s.conf.CallTimeout, func(ctx context.Context) error {
			return s.backend.SetControls(ctx, a)
		})
	})
	if err != nil {
		s.logger.Error("下发控制量失败", zap.Any("controls", a), zap.Error(err))
		return err
	}
	s.controls = a
	return nil
}

func (s *Session) refreshLocked(ctx context.Context) error {
	var snap VehicleSnapshot
	err := s.breaker.Execute(func() error {
		return s.timeouts.WithTimeout(ctx, s.conf.CallTimeout, func(ctx context.Context) error {
			var err error
			snap, err = s.backend.GetState(ctx)
			return err
		})
	})
	if err != nil {
		s.logger.Error("读取车辆状态失败", zap.Error(err))
		return err
	}
	s.snapshot = snap
	s.snapshotAt = time.Now()
	return nil
}

func (s *Session) statusLocked() Status {
	return Status{
		Connected: s.connected,
		Mode:      s.mode.String(),
		Controls:  s.controls,
		Snapshot:  s.snapshot,
		UpdatedAt: s.snapshotAt,
	}
}

func formatPosition(p Vector3) string {
	return fmt.Sprintf("X=%.2f, Y=%.2f, Z=%.2f", p.X, p.Y, p.Z)
}

func backendFailure(err error) string {
	return "backend error: " + err.Error()
}
