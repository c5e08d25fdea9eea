// Package persistence frames index snapshots for storage. A snapshot file
// is a fixed header followed by the graph's own binary stream, optionally
// compressed, with a CRC32 trailer for corruption detection.
package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	// MagicNumber identifies snapshot files (ASCII: "SWDB").
	MagicNumber = uint32(0x53574442)

	// Version is the current file format version.
	Version = uint32(1)
)

var (
	// ErrInvalidMagic is returned when a file does not start with the
	// snapshot magic.
	ErrInvalidMagic = errors.New("invalid magic number")

	// ErrInvalidVersion is returned for unsupported format versions.
	ErrInvalidVersion = errors.New("unsupported version")

	// ErrChecksumMismatch is returned when the payload fails CRC
	// verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidCompression is returned for an unknown compression tag.
	ErrInvalidCompression = errors.New("invalid compression")
)

// Compression selects the payload codec.
type Compression uint8

const (
	// CompressionNone stores the payload as written.
	CompressionNone Compression = iota
	// CompressionZstd compresses the payload with zstd. Best ratio,
	// recommended for snapshots that travel over a network.
	CompressionZstd
	// CompressionLZ4 compresses the payload with lz4. Fastest, for
	// frequent local snapshots.
	CompressionLZ4
)

// String implements the Stringer interface.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Options contains configuration for snapshot writing.
type Options struct {
	// Compression selects the payload codec.
	Compression Compression
}

// DefaultOptions are the snapshot defaults.
var DefaultOptions = Options{
	Compression: CompressionNone,
}

// crc32Table is the IEEE polynomial table shared by writer and reader.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// Save writes a framed snapshot of src to w. The payload is src's own
// binary stream, compressed per the options, preceded by a header carrying
// magic, version, compression tag and payload length, and followed by a
// CRC32 of the stored payload.
func Save(w io.Writer, src io.WriterTo, optFns ...func(o *Options)) error {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	var payload bytes.Buffer
	if err := compressTo(&payload, src, opts.Compression); err != nil {
		return err
	}

	header := struct {
		Magic       uint32
		Version     uint32
		Compression uint8
		Reserved    [3]byte
		PayloadLen  uint64
	}{
		Magic:       MagicNumber,
		Version:     Version,
		Compression: uint8(opts.Compression),
		PayloadLen:  uint64(payload.Len()),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	sum := crc32.Checksum(payload.Bytes(), crc32Table)
	if _, err := w.Write(payload.Bytes()); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, sum); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}

	return nil
}

func compressTo(buf *bytes.Buffer, src io.WriterTo, c Compression) error {
	switch c {
	case CompressionNone:
		_, err := src.WriteTo(buf)
		return err

	case CompressionZstd:
		enc, err := zstd.NewWriter(buf)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		if _, err := src.WriteTo(enc); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()

	case CompressionLZ4:
		enc := lz4.NewWriter(buf)
		if _, err := src.WriteTo(enc); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()

	default:
		return fmt.Errorf("%w: %d", ErrInvalidCompression, c)
	}
}

// Load reads a framed snapshot from r into dst. The payload is verified
// against its checksum before any byte reaches dst, so a corrupt file never
// partially applies.
func Load(r io.Reader, dst io.ReaderFrom) error {
	var header struct {
		Magic       uint32
		Version     uint32
		Compression uint8
		Reserved    [3]byte
		PayloadLen  uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if header.Magic != MagicNumber {
		return ErrInvalidMagic
	}
	if header.Version != Version {
		return ErrInvalidVersion
	}

	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var sum uint32
	if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
		return fmt.Errorf("read checksum: %w", err)
	}
	if crc32.Checksum(payload, crc32Table) != sum {
		return ErrChecksumMismatch
	}

	var decoded io.Reader
	switch Compression(header.Compression) {
	case CompressionNone:
		decoded = bytes.NewReader(payload)

	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		decoded = dec

	case CompressionLZ4:
		decoded = lz4.NewReader(bytes.NewReader(payload))

	default:
		return fmt.Errorf("%w: %d", ErrInvalidCompression, header.Compression)
	}

	if _, err := dst.ReadFrom(decoded); err != nil {
		return err
	}

	return nil
}

// SaveFile writes a snapshot to path atomically: the bytes land in a
// temporary file in the same directory, which is fsynced and renamed over
// the destination, so a crash never leaves a half-written snapshot behind.
func SaveFile(path string, src io.WriterTo, optFns ...func(o *Options)) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := Save(tmp, src, optFns...); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return os.Rename(tmp.Name(), path)
}

// LoadFile reads a snapshot from path into dst.
func LoadFile(path string, dst io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	return Load(f, dst)
}
