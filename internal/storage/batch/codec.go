// Package batch converts record sets to and from immutable archive objects
// and owns the naming scheme of those objects.
package batch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/devrev/pairdb/tierstore/internal/errors"
	"github.com/devrev/pairdb/tierstore/internal/model"
)

// Frame layout:
//
//	magic "TSAB" | version u8 | flags u8 | record count u32 | body length u32 | body | crc32 u32
//
// The body is a zstd-compressed msgpack array of wire records. The CRC covers
// every byte before it.
const (
	FormatVersion = 1

	headerSize  = 14
	trailerSize = 4
)

var magic = []byte("TSAB")

// Shared zstd encoder and decoder. Only EncodeAll and DecodeAll are used,
// which are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// Timestamps use the msgpack timestamp extension, which carries full
// seconds and nanoseconds for any year
type wireRecord struct {
	ID           string    `msgpack:"i"`
	PartitionKey string    `msgpack:"p"`
	Timestamp    time.Time `msgpack:"t"`
	Payload      []byte    `msgpack:"d"`
}

// Codec encodes and decodes archive batches. It holds no state and is safe
// for concurrent use.
type Codec struct{}

// NewCodec creates a batch codec
func NewCodec() *Codec {
	return &Codec{}
}

// Encode serializes records, in order, into a single batch object
func (c *Codec) Encode(records []*model.Record) ([]byte, error) {
	wire := make([]wireRecord, 0, len(records))
	for i, r := range records {
		if r == nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("record %d is nil", i), nil)
		}
		wire = append(wire, wireRecord{
			ID:           r.ID,
			PartitionKey: r.PartitionKey,
			Timestamp:    r.Timestamp,
			Payload:      r.Payload,
		})
	}

	raw, err := msgpack.Marshal(wire)
	if err != nil {
		return nil, errors.InternalError("failed to marshal batch records", err)
	}
	body := zstdEncoder.EncodeAll(raw, nil)

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(body)+trailerSize))
	buf.Write(magic)
	buf.WriteByte(FormatVersion)
	buf.WriteByte(0) // flags
	_ = binary.Write(buf, binary.BigEndian, uint32(len(records)))
	_ = binary.Write(buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)
	_ = binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))

	return buf.Bytes(), nil
}

// Decode reverses Encode. Any framing, checksum or payload problem returns a
// CorruptArchive error and no records.
func (c *Codec) Decode(data []byte) ([]*model.Record, error) {
	return c.DecodeNamed("", data)
}

// DecodeNamed is Decode with the batch name attached to errors
func (c *Codec) DecodeNamed(name string, data []byte) ([]*model.Record, error) {
	if len(data) < headerSize+trailerSize {
		return nil, errors.CorruptArchive(name, fmt.Sprintf("truncated: %d bytes", len(data)), nil)
	}

	payload := data[:len(data)-trailerSize]
	want := binary.BigEndian.Uint32(data[len(data)-trailerSize:])
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, errors.CorruptArchive(name,
			fmt.Sprintf("checksum mismatch: expected %08x, got %08x", want, got), nil)
	}

	if !bytes.Equal(payload[:4], magic) {
		return nil, errors.CorruptArchive(name, "bad magic", nil)
	}
	if v := payload[4]; v != FormatVersion {
		return nil, errors.CorruptArchive(name, fmt.Sprintf("unsupported format version %d", v), nil)
	}
	count := binary.BigEndian.Uint32(payload[6:10])
	bodyLen := binary.BigEndian.Uint32(payload[10:14])
	body := payload[headerSize:]
	if uint64(bodyLen) != uint64(len(body)) {
		return nil, errors.CorruptArchive(name,
			fmt.Sprintf("body length %d does not match frame (%d bytes)", bodyLen, len(body)), nil)
	}

	raw, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return nil, errors.CorruptArchive(name, "decompression failed", err)
	}

	var wire []wireRecord
	if err := msgpack.Unmarshal(raw, &wire); err != nil {
		return nil, errors.CorruptArchive(name, "malformed record body", err)
	}
	if uint64(len(wire)) != uint64(count) {
		return nil, errors.CorruptArchive(name,
			fmt.Sprintf("record count %d does not match header %d", len(wire), count), nil)
	}

	records := make([]*model.Record, 0, len(wire))
	for _, w := range wire {
		records = append(records, &model.Record{
			ID:           w.ID,
			PartitionKey: w.PartitionKey,
			Timestamp:    w.Timestamp.UTC(),
			Payload:      w.Payload,
		})
	}
	return records, nil
}
