package protocol

// HelloRequest 客户端申请控制权
type HelloRequest struct {
	ClientID string `msgpack:"client_id"`
}

// Controls 执行量
type Controls struct {
	Throttle float64 `msgpack:"throttle"`
	Brake    float64 `msgpack:"brake"`
	Steering float64 `msgpack:"steering"`
}

// VehicleState 车辆运动学状态
type VehicleState struct {
	Speed    float64  `msgpack:"speed"` // m/s
	X        float64  `msgpack:"x"`
	Y        float64  `msgpack:"y"`
	Z        float64  `msgpack:"z"`
	Heading  float64  `msgpack:"heading"` // rad
	Controls Controls `msgpack:"controls"`
	SimTime  uint64   `msgpack:"sim_time"` // ms
}

// Reply 所有请求的响应体，失败时 Error 非空
type Reply struct {
	OK    bool          `msgpack:"ok"`
	Error string        `msgpack:"error,omitempty"`
	State *VehicleState `msgpack:"state,omitempty"`
}
