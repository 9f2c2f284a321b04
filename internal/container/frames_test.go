package container

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func frame(streamType byte, payload []byte) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestStripFramesSingle(t *testing.T) {
	chunk := frame(1, []byte("hello"))
	if got := StripFrames(chunk); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("StripFrames() = %q", got)
	}
}

func TestStripFramesMultiple(t *testing.T) {
	chunk := append(frame(1, []byte("out")), frame(2, []byte("err"))...)
	if got := StripFrames(chunk); !bytes.Equal(got, []byte("outerr")) {
		t.Fatalf("StripFrames() = %q", got)
	}
}

func TestStripFramesPassthrough(t *testing.T) {
	// TTY 流没有帧头，原样透传
	tty := []byte("plain terminal bytes \x1b[32mgreen\x1b[0m")
	if got := StripFrames(tty); !bytes.Equal(got, tty) {
		t.Fatalf("TTY bytes must pass through, got %q", got)
	}

	// 首字节不是 1/2 的不处理
	data := []byte{0x03, 0, 0, 0, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}
	if got := StripFrames(data); !bytes.Equal(got, data) {
		t.Fatalf("non-stream-type chunk must pass through, got %q", got)
	}
}

func TestStripFramesShortChunk(t *testing.T) {
	// 长度不足 9 字节的不处理，即使首字节撞上 0x01
	short := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	if got := StripFrames(short); !bytes.Equal(got, short) {
		t.Fatalf("short chunk must pass through, got %v", got)
	}
}

func TestStripFramesTruncatedPayload(t *testing.T) {
	// 声明 10 字节 payload 但只给 4 字节：剩余部分原样带出
	chunk := make([]byte, 8)
	chunk[0] = 1
	binary.BigEndian.PutUint32(chunk[4:], 10)
	chunk = append(chunk, []byte("part")...)
	if got := StripFrames(chunk); !bytes.Equal(got, []byte("part")) {
		t.Fatalf("StripFrames() = %q", got)
	}
}

func TestContainerNaming(t *testing.T) {
	if got := ContainerName("abc123"); got != "termflux-abc123" {
		t.Fatalf("ContainerName() = %q", got)
	}
	if got := VolumeName("abc123"); got != "termflux-vol-abc123" {
		t.Fatalf("VolumeName() = %q", got)
	}
}
