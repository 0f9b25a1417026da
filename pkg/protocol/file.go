package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// MaxFileNameLength bounds the name carried in FileBegin.
const MaxFileNameLength = 255

// AckStatus is the device verdict carried in a FileAck.
type AckStatus byte

const (
	AckOK       AckStatus = 0
	AckBusy     AckStatus = 1
	AckRejected AckStatus = 2
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "ok"
	case AckBusy:
		return "busy"
	case AckRejected:
		return "rejected"
	default:
		return fmt.Sprintf("ack_status(%d)", byte(s))
	}
}

// FileBegin opens a transfer. Tag distinguishes transfers so stale acks
// from an aborted job are never matched against the next one.
type FileBegin struct {
	Tag      uint16
	FileType uint16
	Size     uint64
	Chunks   uint32
	Name     string
}

// FileChunk carries one slice of file data. Index starts at 1.
type FileChunk struct {
	Tag   uint16
	Index uint32
	Data  []byte
}

// FileEnd closes a transfer with the CRC32 (IEEE) of the whole file.
type FileEnd struct {
	Tag   uint16
	CRC32 uint32
}

// FileAck acknowledges begin (Seq 0), chunk i (Seq i) or end (Seq chunks+1).
type FileAck struct {
	Tag    uint16
	Seq    uint32
	Status AckStatus
}

const (
	fileBeginFixed = 2 + 2 + 8 + 4 + 2
	fileChunkFixed = 2 + 4
	fileEndSize    = 2 + 4
	fileAckSize    = 2 + 4 + 1
)

func EncodeFileBegin(m FileBegin) ([]byte, error) {
	if err := validateFileName(m.Name); err != nil {
		return nil, err
	}
	buf := make([]byte, fileBeginFixed+len(m.Name))
	binary.BigEndian.PutUint16(buf[0:2], m.Tag)
	binary.BigEndian.PutUint16(buf[2:4], m.FileType)
	binary.BigEndian.PutUint64(buf[4:12], m.Size)
	binary.BigEndian.PutUint32(buf[12:16], m.Chunks)
	binary.BigEndian.PutUint16(buf[16:18], uint16(len(m.Name)))
	copy(buf[fileBeginFixed:], m.Name)
	return buf, nil
}

func DecodeFileBegin(p []byte) (FileBegin, error) {
	if len(p) < fileBeginFixed {
		return FileBegin{}, fmt.Errorf("%w: file begin %d bytes", ErrMalformed, len(p))
	}
	nameLen := int(binary.BigEndian.Uint16(p[16:18]))
	if len(p) != fileBeginFixed+nameLen {
		return FileBegin{}, fmt.Errorf("%w: file begin name length %d", ErrMalformed, nameLen)
	}
	m := FileBegin{
		Tag:      binary.BigEndian.Uint16(p[0:2]),
		FileType: binary.BigEndian.Uint16(p[2:4]),
		Size:     binary.BigEndian.Uint64(p[4:12]),
		Chunks:   binary.BigEndian.Uint32(p[12:16]),
		Name:     string(p[fileBeginFixed:]),
	}
	if err := validateFileName(m.Name); err != nil {
		return FileBegin{}, err
	}
	return m, nil
}

func EncodeFileChunk(m FileChunk) ([]byte, error) {
	if len(m.Data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: chunk %d bytes", ErrPayloadTooLarge, len(m.Data))
	}
	buf := make([]byte, fileChunkFixed+len(m.Data))
	binary.BigEndian.PutUint16(buf[0:2], m.Tag)
	binary.BigEndian.PutUint32(buf[2:6], m.Index)
	copy(buf[fileChunkFixed:], m.Data)
	return buf, nil
}

// DecodeFileChunk parses a chunk. Data aliases p.
func DecodeFileChunk(p []byte) (FileChunk, error) {
	if len(p) < fileChunkFixed {
		return FileChunk{}, fmt.Errorf("%w: file chunk %d bytes", ErrMalformed, len(p))
	}
	return FileChunk{
		Tag:   binary.BigEndian.Uint16(p[0:2]),
		Index: binary.BigEndian.Uint32(p[2:6]),
		Data:  p[fileChunkFixed:],
	}, nil
}

func EncodeFileEnd(m FileEnd) []byte {
	buf := make([]byte, fileEndSize)
	binary.BigEndian.PutUint16(buf[0:2], m.Tag)
	binary.BigEndian.PutUint32(buf[2:6], m.CRC32)
	return buf
}

func DecodeFileEnd(p []byte) (FileEnd, error) {
	if len(p) != fileEndSize {
		return FileEnd{}, fmt.Errorf("%w: file end %d bytes", ErrMalformed, len(p))
	}
	return FileEnd{
		Tag:   binary.BigEndian.Uint16(p[0:2]),
		CRC32: binary.BigEndian.Uint32(p[2:6]),
	}, nil
}

func EncodeFileAck(m FileAck) []byte {
	buf := make([]byte, fileAckSize)
	binary.BigEndian.PutUint16(buf[0:2], m.Tag)
	binary.BigEndian.PutUint32(buf[2:6], m.Seq)
	buf[6] = byte(m.Status)
	return buf
}

func DecodeFileAck(p []byte) (FileAck, error) {
	if len(p) != fileAckSize {
		return FileAck{}, fmt.Errorf("%w: file ack %d bytes", ErrMalformed, len(p))
	}
	return FileAck{
		Tag:    binary.BigEndian.Uint16(p[0:2]),
		Seq:    binary.BigEndian.Uint32(p[2:6]),
		Status: AckStatus(p[6]),
	}, nil
}

// validateFileName rejects names the device could resolve outside its
// storage directory.
func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid file name %q", ErrMalformed, name)
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: file name %d bytes", ErrPayloadTooLarge, len(name))
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: invalid file name %q", ErrMalformed, name)
	}
	return nil
}
