package tensorboard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	// ErrCorruptRecord is returned by ReadRecord when a checksum does not match.
	ErrCorruptRecord = errors.New("corrupt tfrecord")
)

const crcMaskDelta = 0xa282ead8

func maskedCRC(data []byte) uint32 {
	c := crc32.Checksum(data, castagnoli)
	return ((c >> 15) | (c << 17)) + crcMaskDelta
}

// RecordWriter frames records the way TensorFlow's TFRecord files do:
// uint64 length, masked crc32c of the length, data, masked crc32c of the data.
type RecordWriter struct {
	w io.Writer
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

func (r *RecordWriter) Write(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	for _, chunk := range [][]byte{header[:], data, footer[:]} {
		if _, err := r.w.Write(chunk); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}

// ReadRecord reads one framed record. It returns io.EOF at a clean end of input.
func ReadRecord(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrCorruptRecord)
		}
		return nil, err
	}
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, fmt.Errorf("%w: length checksum", ErrCorruptRecord)
	}

	n := binary.LittleEndian.Uint64(header[:8])
	data := make([]byte, n+4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: truncated data", ErrCorruptRecord)
	}
	if maskedCRC(data[:n]) != binary.LittleEndian.Uint32(data[n:]) {
		return nil, fmt.Errorf("%w: data checksum", ErrCorruptRecord)
	}
	return data[:n], nil
}
