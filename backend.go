package rcbridge

import (
	"context"
	"errors"

	"github.com/transairobot/rcbridge/command"
)

// ErrBackendUnavailable 后端未连接时调用 GetState/SetControls 返回该错误
var ErrBackendUnavailable = errors.New("backend unavailable")

// Vector3 三维坐标，单位米
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// VehicleSnapshot 从后端读取的车辆运动状态
type VehicleSnapshot struct {
	Speed    float64 `json:"speed"` // m/s
	Position Vector3 `json:"position"`
}

// VehicleBackend 车辆仿真后端。会话持有唯一的后端实例，
// SetControls 收到的是执行量的副本。
type VehicleBackend interface {
	Connect(ctx context.Context, host string, port int) error
	Disconnect(ctx context.Context) error
	SetControls(ctx context.Context, a command.Actuation) error
	GetState(ctx context.Context) (VehicleSnapshot, error)
}
