package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMessageEncodeDecode(t *testing.T) {
	msg, err := NewMsgpackMessage(SetControls, Controls{Throttle: 0.2, Brake: 0, Steering: -0.5})
	if err != nil {
		t.Fatalf("创建消息失败: %v", err)
	}

	buf, err := msg.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	defer buf.Free()

	if buf.Len() != HeaderSize+len(msg.Body) {
		t.Errorf("帧长度为 %d, 期望 %d", buf.Len(), HeaderSize+len(msg.Body))
	}

	decoded := &Message{}
	if err := decoded.Decode(bytes.NewReader(buf.ReadOnlyData())); err != nil {
		t.Fatalf("解码消息失败: %v", err)
	}

	if decoded.Magic != magicNumber {
		t.Errorf("魔数不匹配: 得到 %x, 期望 %x", decoded.Magic, magicNumber)
	}
	if decoded.Version != Version {
		t.Errorf("版本不匹配: 得到 %d", decoded.Version)
	}
	if decoded.HandleID != SetControls {
		t.Errorf("处理器ID不匹配: 得到 %d", decoded.HandleID)
	}
	if decoded.Timestamp == 0 {
		t.Error("时间戳未填充")
	}
	if !bytes.Equal(decoded.Body, msg.Body) {
		t.Errorf("消息体不匹配")
	}

	var c Controls
	if err := decoded.Unmarshal(&c); err != nil {
		t.Fatalf("反序列化失败: %v", err)
	}
	if c.Throttle != 0.2 || c.Steering != -0.5 {
		t.Errorf("执行量为 %+v", c)
	}
}

func TestMessageHeaderLayout(t *testing.T) {
	msg := NewMessage(GetState)
	msg.Timestamp = 42

	var out bytes.Buffer
	if _, err := msg.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	b := out.Bytes()
	if len(b) != HeaderSize {
		t.Fatalf("空消息帧长度为 %d", len(b))
	}
	if got := binary.LittleEndian.Uint32(b[0:]); got != 0x7312 {
		t.Errorf("魔数为 %x", got)
	}
	if got := binary.LittleEndian.Uint64(b[16:]); got != 42 {
		t.Errorf("时间戳为 %d", got)
	}
	if got := binary.LittleEndian.Uint16(b[26:]); got != GetState {
		t.Errorf("处理器ID为 %d", got)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	// 魔数错误
	bad := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(bad, 0xdead)
	if err := (&Message{}).Decode(bytes.NewReader(bad)); err == nil {
		t.Error("魔数错误时应失败")
	}

	// 帧头不完整
	if err := (&Message{}).Decode(bytes.NewReader(bad[:10])); err == nil {
		t.Error("帧头不完整时应失败")
	}

	// 消息体过大
	huge := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(huge, magicNumber)
	binary.LittleEndian.PutUint64(huge[8:], maxBodyLength+1)
	if err := (&Message{}).Decode(bytes.NewReader(huge)); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("期望 ErrBodyTooLarge, 得到 %v", err)
	}

	// 消息体被截断
	short := make([]byte, HeaderSize+2)
	binary.LittleEndian.PutUint32(short, magicNumber)
	binary.LittleEndian.PutUint64(short[8:], 10)
	if err := (&Message{}).Decode(bytes.NewReader(short)); err == nil {
		t.Error("消息体截断时应失败")
	}
}

func TestEncodeRejectsLargeBody(t *testing.T) {
	msg := NewMessage(SetControls)
	msg.Body = make([]byte, maxBodyLength+1)
	if _, err := msg.Encode(); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("期望 ErrBodyTooLarge, 得到 %v", err)
	}
}

func TestReplySerialization(t *testing.T) {
	reply := Reply{
		OK: true,
		State: &VehicleState{
			Speed: 4.5, X: 1, Y: 2, Z: 3,
			Controls: Controls{Brake: 1},
		},
	}
	msg, err := NewMsgpackMessage(GetState, reply)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Reply
	if err := msg.Unmarshal(&decoded); err != nil {
		t.Fatalf("反序列化失败: %v", err)
	}
	if !decoded.OK || decoded.State == nil || decoded.State.Speed != 4.5 || decoded.State.Controls.Brake != 1 {
		t.Errorf("解码结果为 %+v", decoded)
	}

	msg.ContentType = MessagePack + 1
	if err := msg.Unmarshal(&decoded); err == nil {
		t.Error("不支持的内容类型应失败")
	}
}

func BenchmarkMessageEncode(b *testing.B) {
	msg, _ := NewMsgpackMessage(SetControls, Controls{Throttle: 0.2})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf, _ := msg.Encode()
		buf.Free()
	}
}

func BenchmarkMessageDecode(b *testing.B) {
	msg, _ := NewMsgpackMessage(GetState, Reply{OK: true, State: &VehicleState{Speed: 1}})
	buf, _ := msg.Encode()
	data := append([]byte(nil), buf.ReadOnlyData()...)
	buf.Free()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		decoded := &Message{}
		decoded.Decode(bytes.NewReader(data))
	}
}
