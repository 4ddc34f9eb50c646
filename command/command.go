// Package command 定义远程控制桥的文本指令协议：指令类型、解析与控制量查表。
package command

import (
	"fmt"
	"strconv"
)

// ControlKey 手动驾驶控制键
type ControlKey uint8

const (
	Forward ControlKey = iota + 1
	Backward
	Left
	Right
	Stop
)

// Token 返回控制键在线路上的文本形式
func (k ControlKey) Token() string {
	switch k {
	case Forward:
		return "w"
	case Backward:
		return "s"
	case Left:
		return "a"
	case Right:
		return "d"
	case Stop:
		return "stop"
	}
	return ""
}

func (k ControlKey) String() string {
	switch k {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Left:
		return "left"
	case Right:
		return "right"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("ControlKey(%d)", uint8(k))
}

// Property 可设置或查询的车辆属性
type Property uint8

const (
	Throttle Property = iota + 1
	Brake
	Steering
	Speed
	Position
	All
)

var propertyNames = map[Property]string{
	Throttle: "throttle",
	Brake:    "brake",
	Steering: "steering",
	Speed:    "speed",
	Position: "position",
	All:      "all",
}

func (p Property) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Property(%d)", uint8(p))
}

// IsActuation 报告属性是否属于执行量（油门、刹车、转向）
func (p Property) IsActuation() bool {
	return p == Throttle || p == Brake || p == Steering
}

// DriveMode 驾驶模式，零值为手动
type DriveMode uint8

const (
	Manual DriveMode = iota
	Autonomous
)

// Token 返回模式在 "c <mode>" 指令中的写法
func (m DriveMode) Token() string {
	if m == Autonomous {
		return "a"
	}
	return "m"
}

func (m DriveMode) String() string {
	if m == Autonomous {
		return "autonomous"
	}
	return "manual"
}

// Command 是解析后的指令，只能是 Control、Set、Get 或 ModeSwitch 之一
type Command interface {
	isCommand()
}

// Control 手动控制指令 (w, a, s, d, stop)
type Control struct {
	Key ControlKey
}

// Set 设置执行量指令 (set throttle:0.5)
type Set struct {
	Property Property
	Value    float64
}

// Get 查询指令 (get speed)
type Get struct {
	Property Property
}

// ModeSwitch 切换驾驶模式指令 (c m / c a)
type ModeSwitch struct {
	Mode DriveMode
}

func (Control) isCommand()    {}
func (Set) isCommand()        {}
func (Get) isCommand()        {}
func (ModeSwitch) isCommand() {}

// Format 将指令还原为线路文本，Parse(Format(c)) 得到与 c 相等的指令
func Format(c Command) string {
	switch c := c.(type) {
	case Control:
		return c.Key.Token()
	case Set:
		return "set " + c.Property.String() + ":" + strconv.FormatFloat(c.Value, 'g', -1, 64)
	case Get:
		return "get " + c.Property.String()
	case ModeSwitch:
		return "c " + c.Mode.Token()
	}
	return ""
}
