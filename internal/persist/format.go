package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/klauspost/compress/zstd"
)

const (
	vectorsMagic   = "RVEC"
	vectorsVersion = 1
	keysVersion    = 1

	headerSize  = 16 // magic, version, dim, count
	trailerSize = 4  // CRC32 over header and rows
)

var errFormat = errors.New("malformed artifact")

// encodeVectors lays rows out as little-endian float32 behind a fixed header,
// followed by a CRC32 of everything before it.
func encodeVectors(dim int, rows [][]float32) ([]byte, error) {
	size := headerSize + len(rows)*dim*4 + trailerSize
	buf := make([]byte, size)
	copy(buf[0:4], vectorsMagic)
	binary.LittleEndian.PutUint32(buf[4:8], vectorsVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(dim))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(rows)))

	off := headerSize
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has dimension %d, want %d", i, len(row), dim)
		}
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}
	binary.LittleEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	return buf, nil
}

func decodeVectors(buf []byte) (dim int, rows [][]float32, err error) {
	if len(buf) < headerSize+trailerSize {
		return 0, nil, fmt.Errorf("%w: vectors file is %d bytes", errFormat, len(buf))
	}
	if string(buf[0:4]) != vectorsMagic {
		return 0, nil, fmt.Errorf("%w: bad magic %q", errFormat, buf[0:4])
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != vectorsVersion {
		return 0, nil, fmt.Errorf("%w: unsupported vectors version %d", errFormat, v)
	}
	d := uint64(binary.LittleEndian.Uint32(buf[8:12]))
	n := uint64(binary.LittleEndian.Uint32(buf[12:16]))
	if d == 0 && n > 0 {
		return 0, nil, fmt.Errorf("%w: %d rows of dimension 0", errFormat, n)
	}
	// Both factors fit in 32 bits, so the product fits in 64 before the *4.
	if rowBytes := uint64(len(buf) - headerSize - trailerSize); n*d > rowBytes/4 || n*d*4 != rowBytes {
		return 0, nil, fmt.Errorf("%w: vectors file is %d bytes, header declares %d rows of dimension %d", errFormat, len(buf), n, d)
	}
	dim, count := int(d), int(n)
	body := len(buf) - trailerSize
	if sum := binary.LittleEndian.Uint32(buf[body:]); sum != crc32.ChecksumIEEE(buf[:body]) {
		return 0, nil, fmt.Errorf("%w: vectors checksum mismatch", errFormat)
	}

	rows = make([][]float32, count)
	off := headerSize
	for i := range rows {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
		rows[i] = row
	}
	return dim, rows, nil
}

type keysFile struct {
	Version int      `json:"version"`
	Count   int      `json:"count"`
	Keys    []string `json:"keys"`
}

// codec compresses the key list. Encoder and decoder are safe for concurrent
// EncodeAll/DecodeAll use.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

func (c *codec) encodeKeys(keys []string) ([]byte, error) {
	if keys == nil {
		keys = []string{}
	}
	raw, err := json.Marshal(keysFile{Version: keysVersion, Count: len(keys), Keys: keys})
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *codec) decodeKeys(buf []byte) ([]string, error) {
	raw, err := c.dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", errFormat, err)
	}
	var kf keysFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("%w: keys: %v", errFormat, err)
	}
	if kf.Version != keysVersion {
		return nil, fmt.Errorf("%w: unsupported keys version %d", errFormat, kf.Version)
	}
	if kf.Count != len(kf.Keys) {
		return nil, fmt.Errorf("%w: keys header says %d, found %d", errFormat, kf.Count, len(kf.Keys))
	}
	return kf.Keys, nil
}
