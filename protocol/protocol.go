// Package protocol 定义桥接进程与车辆仿真器之间的帧格式。
//
// 每个请求占用一条 QUIC 流：客户端写入一帧请求，服务端写回一帧响应。
// 帧头 28 字节，小端序：
//
//	magic(4) version(4) body_length(8) timestamp_ms(8) content_type(2) handle_id(2)
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/transairobot/rcbridge/mem"
)

const (
	// magicNumber 用于校验消息是否采用本协议
	magicNumber uint32 = 0x7312

	// Version 当前协议版本
	Version uint32 = 1

	// HeaderSize 序列化后的帧头长度
	HeaderSize = 28

	maxBodyLength = 64 * 1024
)

// MessagePack 消息体的内容类型，目前只支持这一种
const MessagePack uint16 = 1

const (
	Hello       uint16 = iota + 1 // 申请车辆控制权
	SetControls                   // 下发执行量
	GetState                      // 读取车辆状态
	Release                       // 释放控制权
)

var ErrBodyTooLarge = errors.New("body too large")

type Header struct {
	Magic       uint32
	Version     uint32
	BodyLength  uint64
	Timestamp   uint64 // ms
	ContentType uint16
	HandleID    uint16
}

type Message struct {
	Header
	Body []byte
}

func NewMessage(handleID uint16) *Message {
	return &Message{
		Header: Header{
			Magic:       magicNumber,
			Version:     Version,
			ContentType: MessagePack,
			HandleID:    handleID,
		},
	}
}

// NewMsgpackMessage 以 msgpack 编码 v 作为消息体
func NewMsgpackMessage(handleID uint16, v any) (*Message, error) {
	msg := NewMessage(handleID)
	if v == nil {
		return msg, nil
	}
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	msg.Body = body
	return msg, nil
}

// Unmarshal 按内容类型解码消息体
func (m *Message) Unmarshal(v any) error {
	if m.ContentType != MessagePack {
		return fmt.Errorf("unsupported content type %d", m.ContentType)
	}
	if err := msgpack.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("failed to unmarshal body: %w", err)
	}
	return nil
}

// Encode 编码为池化缓冲区，调用方使用完后需 Free
func (m *Message) Encode() (mem.Buffer, error) {
	bodyLen := len(m.Body)
	if bodyLen > maxBodyLength {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrBodyTooLarge, bodyLen, maxBodyLength)
	}
	m.BodyLength = uint64(bodyLen)
	if m.Timestamp == 0 {
		m.Timestamp = uint64(time.Now().UnixMilli())
	}

	pool := mem.DefaultBufferPool()
	buf := pool.Get(HeaderSize + bodyLen)
	b := *buf

	binary.LittleEndian.PutUint32(b[0:], m.Magic)
	binary.LittleEndian.PutUint32(b[4:], m.Version)
	binary.LittleEndian.PutUint64(b[8:], m.BodyLength)
	binary.LittleEndian.PutUint64(b[16:], m.Timestamp)
	binary.LittleEndian.PutUint16(b[24:], m.ContentType)
	binary.LittleEndian.PutUint16(b[26:], m.HandleID)
	copy(b[HeaderSize:], m.Body)

	return mem.NewBuffer(buf, pool), nil
}

// WriteTo 编码并写入 w
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	buf, err := m.Encode()
	if err != nil {
		return 0, err
	}
	defer buf.Free()

	n, err := w.Write(buf.ReadOnlyData())
	return int64(n), err
}

func (m *Message) Decode(r io.Reader) (err error) {
	defer func() {
		if p := recover(); p != nil {
			var stack = make([]byte, 1024)
			n := runtime.Stack(stack, false)
			zap.L().Error("解码消息时发生panic", zap.Any("panic", p), zap.ByteString("stack", stack[:n]))
			err = fmt.Errorf("panic in message decode: %v", p)
		}
	}()

	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("stream closed or insufficient data (%d/%d bytes): %w", n, HeaderSize, err)
		}
		return fmt.Errorf("failed to read header (%d/%d bytes): %w", n, HeaderSize, err)
	}

	m.Magic = binary.LittleEndian.Uint32(header[0:])
	if m.Magic != magicNumber {
		return fmt.Errorf("invalid magic number: got 0x%x, expected 0x%x", m.Magic, magicNumber)
	}
	m.Version = binary.LittleEndian.Uint32(header[4:])
	m.BodyLength = binary.LittleEndian.Uint64(header[8:])
	m.Timestamp = binary.LittleEndian.Uint64(header[16:])
	m.ContentType = binary.LittleEndian.Uint16(header[24:])
	m.HandleID = binary.LittleEndian.Uint16(header[26:])

	if m.BodyLength > maxBodyLength {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrBodyTooLarge, m.BodyLength, maxBodyLength)
	}

	m.Body = nil
	if m.BodyLength > 0 {
		m.Body = make([]byte, m.BodyLength)
		n, err := io.ReadFull(r, m.Body)
		if err != nil {
			return fmt.Errorf("failed to read body (%d/%d bytes): %w", n, m.BodyLength, err)
		}
	}

	return nil
}
