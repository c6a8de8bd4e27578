package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"ladderflow/models"
)

// Frame layout, big-endian:
//
//	[kind:1][seq:8][pt:8][midLen:2][payloadLen:4] marketID payload [crc:4]
//
// The CRC covers header, marketID and payload. A torn tail or CRC mismatch
// marks the end of the recoverable log.
const frameHeaderLen = 1 + 8 + 8 + 2 + 4

// maxPayloadLen bounds a single payload. Real change messages are a few KB;
// a length field beyond this is corruption and must not drive an allocation.
const maxPayloadLen = 16 << 20

// FileSink appends records to a single log file. Durability comes from
// fsync on Flush and Close.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	done bool
}

// NewFileSink creates (or truncates) the log file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &SinkError{Op: "open", Err: err}
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 64*1024), path: path}, nil
}

// Path returns the log file location.
func (s *FileSink) Path() string { return s.path }

// Append writes one framed record. The context is checked up front so a
// cancelled session stops cleanly at its next suspension point.
func (s *FileSink) Append(ctx context.Context, rec models.StateTransitionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrClosed
	}

	frame, err := encodeFrame(rec)
	if err != nil {
		return &SinkError{Op: "encode", Err: err}
	}
	if _, err := s.w.Write(frame); err != nil {
		return &SinkError{Op: "append", Err: err}
	}
	return nil
}

// Flush drains the buffer and fsyncs the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileSink) flushLocked() error {
	if s.done {
		return ErrClosed
	}
	if err := s.w.Flush(); err != nil {
		return &SinkError{Op: "flush", Err: err}
	}
	if err := s.f.Sync(); err != nil {
		return &SinkError{Op: "sync", Err: err}
	}
	return nil
}

// Close flushes and closes the log file. It is safe to call once.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	flushErr := s.flushLocked()
	s.done = true
	if err := s.f.Close(); err != nil {
		return &SinkError{Op: "close", Err: err}
	}
	return flushErr
}

func encodeFrame(rec models.StateTransitionRecord) ([]byte, error) {
	mid := []byte(rec.MarketID)
	if len(mid) > int(^uint16(0)) {
		return nil, fmt.Errorf("market id too long: %d bytes", len(mid))
	}
	if len(rec.Payload) > maxPayloadLen {
		return nil, fmt.Errorf("payload too long: %d bytes", len(rec.Payload))
	}
	frame := make([]byte, frameHeaderLen+len(mid)+len(rec.Payload)+4)
	frame[0] = byte(rec.Kind)
	binary.BigEndian.PutUint64(frame[1:9], uint64(rec.Seq))
	binary.BigEndian.PutUint64(frame[9:17], uint64(rec.PublishTimeMs))
	binary.BigEndian.PutUint16(frame[17:19], uint16(len(mid)))
	binary.BigEndian.PutUint32(frame[19:23], uint32(len(rec.Payload)))
	copy(frame[frameHeaderLen:], mid)
	copy(frame[frameHeaderLen+len(mid):], rec.Payload)
	sum := crc32.ChecksumIEEE(frame[:frameHeaderLen+len(mid)+len(rec.Payload)])
	binary.BigEndian.PutUint32(frame[len(frame)-4:], sum)
	return frame, nil
}

// Scanner reads framed records back from a log. A clean end of log yields
// io.EOF; a torn or corrupt frame yields a descriptive error after the last
// good record.
type Scanner struct {
	r io.Reader
}

// NewScanner wraps a record log reader.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record, io.EOF at the end of the log, or an error
// describing the corruption that ended the scan.
func (s *Scanner) Next() (models.StateTransitionRecord, error) {
	var rec models.StateTransitionRecord

	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(s.r, header); err != nil {
		if err == io.EOF {
			return rec, io.EOF
		}
		return rec, fmt.Errorf("sink: truncated frame header: %w", err)
	}

	midLen := binary.BigEndian.Uint16(header[17:19])
	payloadLen := binary.BigEndian.Uint32(header[19:23])

	// The length fields are not yet CRC-checked; a corrupt length must fail
	// the scan instead of sizing an allocation.
	if payloadLen > maxPayloadLen {
		return rec, fmt.Errorf("sink: frame payload length %d exceeds limit at seq %d",
			payloadLen, int64(binary.BigEndian.Uint64(header[1:9])))
	}

	body := make([]byte, int(midLen)+int(payloadLen)+4)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return rec, fmt.Errorf("sink: truncated frame body: %w", err)
	}

	sum := binary.BigEndian.Uint32(body[len(body)-4:])
	crc := crc32.ChecksumIEEE(header)
	crc = crc32.Update(crc, crc32.IEEETable, body[:len(body)-4])
	if crc != sum {
		return rec, fmt.Errorf("sink: crc mismatch at seq %d", int64(binary.BigEndian.Uint64(header[1:9])))
	}

	rec.Kind = models.PayloadKind(header[0])
	rec.Seq = int64(binary.BigEndian.Uint64(header[1:9]))
	rec.PublishTimeMs = int64(binary.BigEndian.Uint64(header[9:17]))
	rec.MarketID = string(body[:midLen])
	rec.Payload = append([]byte(nil), body[midLen:len(body)-4]...)
	return rec, nil
}
