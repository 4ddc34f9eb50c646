package simulator

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/transairobot/rcbridge/protocol"
)

var (
	ErrNotOwner   = errors.New("api control not enabled for this client")
	ErrControlled = errors.New("vehicle is controlled by another client")
)

// Model 简化的车辆运动参数，只用于演示和测试，不是物理引擎
type Model struct {
	MaxSpeed   float64 // 全油门目标速度，m/s
	Accel      float64 // 加速度，m/s²
	BrakeDecel float64 // 全刹车减速度，m/s²
	CoastDecel float64 // 松开油门时的减速度，m/s²
	WheelBase  float64 // 轴距，m
	MaxSteer   float64 // 满舵前轮转角，rad
}

func DefaultModel() Model {
	return Model{
		MaxSpeed:   20,
		Accel:      3,
		BrakeDecel: 8,
		CoastDecel: 0.5,
		WheelBase:  2.7,
		MaxSteer:   0.6,
	}
}

const maxStep = 20 * time.Millisecond

// Vehicle 单辆仿真车辆。状态按请求到达时的时间差惰性推进。
type Vehicle struct {
	model Model
	now   func() time.Time

	mu       sync.Mutex
	owner    string
	lease    uint64 // 最近一次成功申请的租约号
	controls protocol.Controls
	speed    float64 // 带符号，倒车为负
	x, y, z  float64
	heading  float64
	start    time.Time
	last     time.Time
}

func NewVehicle(model Model) *Vehicle {
	return newVehicleWithClock(model, time.Now)
}

func newVehicleWithClock(model Model, now func() time.Time) *Vehicle {
	t := now()
	return &Vehicle{
		model: model,
		now:   now,
		start: t,
		last:  t,
	}
}

// Acquire 客户端申请控制权，同一时刻只有一个客户端持有。
// 每次成功申请都返回新的租约号，同一客户端重复申请时旧租约立即失效。
func (v *Vehicle) Acquire(clientID string) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.owner != "" && v.owner != clientID {
		return 0, ErrControlled
	}
	v.owner = clientID
	v.lease++
	return v.lease, nil
}

// Release 释放控制权并清零执行量，租约不是当前租约时不做任何事
func (v *Vehicle) Release(clientID string, lease uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.holdsLocked(clientID, lease) {
		return
	}
	v.advance(v.now())
	v.owner = ""
	v.controls = protocol.Controls{}
}

// Apply 设置执行量，只有持有当前租约的客户端可以调用
func (v *Vehicle) Apply(clientID string, lease uint64, c protocol.Controls) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.holdsLocked(clientID, lease) {
		return ErrNotOwner
	}
	v.advance(v.now())
	v.controls = c
	return nil
}

func (v *Vehicle) holdsLocked(clientID string, lease uint64) bool {
	return clientID != "" && v.owner == clientID && v.lease == lease
}

// State 推进到当前时刻并返回状态
func (v *Vehicle) State() protocol.VehicleState {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	v.advance(now)
	return protocol.VehicleState{
		Speed:    math.Abs(v.speed),
		X:        v.x,
		Y:        v.y,
		Z:        v.z,
		Heading:  v.heading,
		Controls: v.controls,
		SimTime:  uint64(now.Sub(v.start).Milliseconds()),
	}
}

func (v *Vehicle) advance(now time.Time) {
	elapsed := now.Sub(v.last)
	v.last = now

	for elapsed > 0 {
		dt := min(elapsed, maxStep)
		elapsed -= dt
		v.step(dt.Seconds())
	}
}

func (v *Vehicle) step(dt float64) {
	m := v.model
	throttle := clamp(v.controls.Throttle, -1, 1)
	brake := clamp(v.controls.Brake, 0, 1)
	steer := clamp(v.controls.Steering, -1, 1)

	switch {
	case brake > 0:
		v.speed = approach(v.speed, 0, m.BrakeDecel*brake*dt)
	case throttle != 0:
		v.speed = approach(v.speed, throttle*m.MaxSpeed, m.Accel*dt)
	default:
		v.speed = approach(v.speed, 0, m.CoastDecel*dt)
	}

	if m.WheelBase > 0 {
		v.heading += v.speed / m.WheelBase * math.Tan(steer*m.MaxSteer) * dt
	}
	v.x += v.speed * math.Cos(v.heading) * dt
	v.y += v.speed * math.Sin(v.heading) * dt
}

// approach 以不超过 maxDelta 的步长逼近 target
func approach(v, target, maxDelta float64) float64 {
	if v < target {
		return math.Min(target, v+maxDelta)
	}
	return math.Max(target, v-maxDelta)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
