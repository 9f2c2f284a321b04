package container

import "encoding/binary"

// StripFrames removes docker's 8-byte exec multiplexing headers
// [streamType, 0, 0, 0, size uint32 BE] from a chunk. TTY-attached streams
// never carry the header; a chunk is only treated as framed when its first
// byte is the stdout/stderr marker and it is long enough to hold a header.
func StripFrames(chunk []byte) []byte {
	if len(chunk) < 9 || (chunk[0] != 1 && chunk[0] != 2) {
		return chunk
	}

	out := make([]byte, 0, len(chunk))
	for len(chunk) >= 8 && (chunk[0] == 1 || chunk[0] == 2) {
		size := binary.BigEndian.Uint32(chunk[4:8])
		chunk = chunk[8:]
		if uint32(len(chunk)) < size {
			// 不完整的帧，剩余部分按原样带出
			out = append(out, chunk...)
			return out
		}
		out = append(out, chunk[:size]...)
		chunk = chunk[size:]
	}
	out = append(out, chunk...)
	return out
}
