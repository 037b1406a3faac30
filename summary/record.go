package summary

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the masked CRC-32C used by TFRecord framing.
func maskedCRC(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// writeRecord frames data as a TFRecord: little-endian uint64 length, masked
// CRC of the length, data, masked CRC of the data.
func writeRecord(w io.Writer, data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	for _, part := range [][]byte{header[:], data, footer[:]} {
		if _, err := w.Write(part); err != nil {
			return errors.Wrap(err, "writing record")
		}
	}
	return nil
}

// readRecord reads one framed record, verifying both checksums. It returns
// io.EOF at a clean end of stream.
func readRecord(r *bufio.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading record header")
	}
	if maskedCRC(header[:8]) != binary.LittleEndian.Uint32(header[8:]) {
		return nil, errors.New("record length checksum mismatch")
	}
	n := binary.LittleEndian.Uint64(header[:8])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "reading record data")
	}
	var footer [4]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, errors.Wrap(err, "reading record checksum")
	}
	if maskedCRC(data) != binary.LittleEndian.Uint32(footer[:]) {
		return nil, errors.New("record data checksum mismatch")
	}
	return data, nil
}
