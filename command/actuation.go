package command

// Actuation 车辆执行量：油门 [-1,1]、刹车 [0,1]、转向 [-1,1]。
// 这里不做范围约束，越界值由后端决定如何处理。
type Actuation struct {
	Throttle float64 `json:"throttle"`
	Brake    float64 `json:"brake"`
	Steering float64 `json:"steering"`
}

// Neutral 返回全零执行量
func Neutral() Actuation {
	return Actuation{}
}

// Get 返回指定执行量属性的值，非执行量属性返回 false
func (a Actuation) Get(p Property) (float64, bool) {
	switch p {
	case Throttle:
		return a.Throttle, true
	case Brake:
		return a.Brake, true
	case Steering:
		return a.Steering, true
	}
	return 0, false
}

// WithProperty 返回修改了单个字段的副本，非执行量属性原样返回
func (a Actuation) WithProperty(p Property, v float64) Actuation {
	switch p {
	case Throttle:
		a.Throttle = v
	case Brake:
		a.Brake = v
	case Steering:
		a.Steering = v
	}
	return a
}

type field uint8

const (
	fieldThrottle field = 1 << iota
	fieldBrake
	fieldSteering
)

// Delta 控制键对执行量的改变，只覆盖其声明的字段
type Delta struct {
	fields field
	value  Actuation
}

// Apply 返回应用该改变后的执行量
func (d Delta) Apply(a Actuation) Actuation {
	if d.fields&fieldThrottle != 0 {
		a.Throttle = d.value.Throttle
	}
	if d.fields&fieldBrake != 0 {
		a.Brake = d.value.Brake
	}
	if d.fields&fieldSteering != 0 {
		a.Steering = d.value.Steering
	}
	return a
}

var controlDeltas = map[ControlKey]Delta{
	Forward:  {fields: fieldThrottle | fieldBrake, value: Actuation{Throttle: 0.2, Brake: 0}},
	Backward: {fields: fieldThrottle | fieldBrake, value: Actuation{Throttle: -1, Brake: 0}},
	Left:     {fields: fieldSteering, value: Actuation{Steering: -0.5}},
	Right:    {fields: fieldSteering, value: Actuation{Steering: 0.5}},
	Stop:     {fields: fieldThrottle | fieldBrake | fieldSteering, value: Actuation{Throttle: 0, Brake: 1, Steering: 0}},
}

// ControlDelta 查询控制键对应的执行量改变
func ControlDelta(key ControlKey) (Delta, bool) {
	d, ok := controlDeltas[key]
	return d, ok
}
