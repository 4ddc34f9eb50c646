package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnknownCommand 表示文本不符合指令语法
var ErrUnknownCommand = errors.New("unknown command")

// ParseError 描述一条无法解析的原始指令
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unknown command %q", e.Raw)
	}
	return fmt.Sprintf("unknown command %q: %s", e.Raw, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrUnknownCommand
}

var controlTokens = map[string]ControlKey{
	"w":    Forward,
	"s":    Backward,
	"a":    Left,
	"d":    Right,
	"stop": Stop,
}

var modeTokens = map[string]DriveMode{
	"m": Manual,
	"a": Autonomous,
}

func lookupProperty(name string) (Property, bool) {
	for p, n := range propertyNames {
		if n == name {
			return p, true
		}
	}
	return 0, false
}

// Parse 解析一条原始文本指令。大小写不敏感，忽略首尾空白。
// 文本不符合语法时返回 *ParseError，不会返回部分匹配的指令。
func Parse(raw string) (Command, error) {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return nil, &ParseError{Raw: raw, Reason: "empty"}
	}

	if key, ok := controlTokens[text]; ok {
		return Control{Key: key}, nil
	}

	switch {
	case strings.HasPrefix(text, "set "):
		return parseSet(raw, text[len("set "):])
	case strings.HasPrefix(text, "get "):
		prop, ok := lookupProperty(strings.TrimSpace(text[len("get "):]))
		if !ok {
			return nil, &ParseError{Raw: raw, Reason: "unknown property"}
		}
		return Get{Property: prop}, nil
	case strings.HasPrefix(text, "c "):
		mode, ok := modeTokens[strings.TrimSpace(text[len("c "):])]
		if !ok {
			return nil, &ParseError{Raw: raw, Reason: "unknown drive mode"}
		}
		return ModeSwitch{Mode: mode}, nil
	}

	return nil, &ParseError{Raw: raw}
}

// parseSet 解析 "<property>:<value>"，值不做范围裁剪
func parseSet(raw, args string) (Command, error) {
	parts := strings.Split(args, ":")
	if len(parts) != 2 {
		return nil, &ParseError{Raw: raw, Reason: "expected <property>:<value>"}
	}

	prop, ok := lookupProperty(strings.TrimSpace(parts[0]))
	if !ok || !prop.IsActuation() {
		return nil, &ParseError{Raw: raw, Reason: "property is not settable"}
	}

	text := strings.TrimSpace(parts[1])
	// 只接受十进制写法，ParseFloat 还会接受 0x1p-2 这类十六进制浮点数
	if strings.ContainsAny(text, "xX") {
		return nil, &ParseError{Raw: raw, Reason: "invalid value"}
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, &ParseError{Raw: raw, Reason: "invalid value"}
	}

	return Set{Property: prop, Value: value}, nil
}
