// -----------------------------------------------------------------------
// Capsule Reader - Frame iteration for the side-index rebuild path
// -----------------------------------------------------------------------

package capsule

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// maxFrameBytes bounds a single stored frame so a corrupt length prefix
// cannot trigger an unbounded allocation.
const maxFrameBytes = 256 << 20

// ReadCapsule returns every stored frame of a container in write order.
func ReadCapsule(path string) ([]StoredFrame, error) {
	_, frames, err := OpenCapsule(path)
	return frames, err
}

// OpenCapsule validates the magic and header of a container file and
// returns the header together with every stored frame in write order.
func OpenCapsule(path string) (ContainerHeader, []StoredFrame, error) {
	var header ContainerHeader

	file, err := os.Open(path)
	if err != nil {
		return header, nil, fmt.Errorf("failed to open capsule %s: %w", path, err)
	}
	defer file.Close()

	in := bufio.NewReader(file)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(in, magic); err != nil {
		return header, nil, fmt.Errorf("capsule %s is not a valid container: %w", path, err)
	}
	if !bytes.Equal(magic, Magic) {
		return header, nil, fmt.Errorf("capsule %s has an unrecognized magic header", path)
	}

	headerRaw, err := readLengthPrefixed(in)
	if err != nil {
		return header, nil, fmt.Errorf("capsule %s has a corrupt header frame: %w", path, err)
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return header, nil, fmt.Errorf("capsule %s has an unreadable header frame: %w", path, err)
	}
	if header.Format != ContainerFormat {
		return header, nil, fmt.Errorf("capsule %s uses unsupported container format %q", path, header.Format)
	}

	frames := make([]StoredFrame, 0, header.FrameCount)
	for {
		raw, err := readLengthPrefixed(in)
		if err == io.EOF {
			break
		}
		if err != nil {
			return header, nil, fmt.Errorf("capsule %s has a corrupt frame at index %d: %w", path, len(frames), err)
		}

		var frame StoredFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return header, nil, fmt.Errorf("capsule %s has an unreadable frame at index %d: %w", path, len(frames), err)
		}
		frames = append(frames, frame)
	}

	return header, frames, nil
}

func readLengthPrefixed(in *bufio.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(in, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameBytes {
		return nil, fmt.Errorf("frame length %d exceeds the container bound", length)
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(in, raw); err != nil {
		return nil, err
	}
	return raw, nil
}
