package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the payload carried by an Envelope so the receiver can dispatch
// on it without first decoding the body.
type Kind uint8

const (
	KindTaskBag Kind = iota + 1
	KindTaskAccepted
	KindTaskFinished
	KindTaskAborted
	KindAvailabilityUpdate
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindTaskBag:
		return "TaskBag"
	case KindTaskAccepted:
		return "TaskAccepted"
	case KindTaskFinished:
		return "TaskFinished"
	case KindTaskAborted:
		return "TaskAborted"
	case KindAvailabilityUpdate:
		return "AvailabilityUpdate"
	case KindHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Envelope is the common header every wire message carries: the sender's
// listen port (so the receiving side of a fresh connection can identify the
// peer without a separate handshake message) followed by the tagged body.
type Envelope struct {
	SourcePort uint16
	Kind       Kind
	Body       []byte // msgpack-encoded payload matching Kind
}

// Pack msgpack-encodes v and wraps it with the given kind/source port into
// an Envelope ready to be written with WriteFrame.
func Pack(sourcePort uint16, kind Kind, v any) (Envelope, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return Envelope{SourcePort: sourcePort, Kind: kind, Body: body}, nil
}

// Unpack decodes the Envelope's body into v; v must match e.Kind's payload
// type.
func Unpack(e Envelope, v any) error {
	if err := msgpack.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", e.Kind, err)
	}
	return nil
}

// WriteFrame writes a length-delimited frame: a 4-byte big-endian total
// length, the 2-byte source port, the 1-byte kind tag, then the body.
func WriteFrame(w io.Writer, e Envelope) error {
	header := make([]byte, 3)
	binary.BigEndian.PutUint16(header[0:2], e.SourcePort)
	header[2] = byte(e.Kind)

	total := len(header) + len(e.Body)
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(total))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenPrefix); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := bw.Write(e.Body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return bw.Flush()
}

// MaxFrameSize bounds a single frame to guard against a malformed or
// malicious length prefix forcing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err
	}
	total := binary.BigEndian.Uint32(lenPrefix[:])
	if total < 3 {
		return Envelope{}, fmt.Errorf("wire: frame too short: %d bytes", total)
	}
	if total > MaxFrameSize {
		return Envelope{}, fmt.Errorf("wire: frame too large: %d bytes", total)
	}

	buf := make([]byte, total)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, fmt.Errorf("wire: read frame: %w", err)
	}

	return Envelope{
		SourcePort: binary.BigEndian.Uint16(buf[0:2]),
		Kind:       Kind(buf[2]),
		Body:       buf[3:],
	}, nil
}
