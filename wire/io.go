package wire

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// RecordReader reads newline-terminated records from a stream
type RecordReader struct {
	reader *bufio.Reader
}

// NewRecordReader creates a new RecordReader
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{reader: bufio.NewReader(r)}
}

// ReadRecord reads a single record from the stream, stripped of its line
// terminator. It returns io.EOF once the stream ends; a final record without
// a trailing newline is still returned before EOF.
func (rr *RecordReader) ReadRecord() (string, error) {
	line, err := rr.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return trimRecord(line), nil
		}
		return "", err
	}
	return trimRecord(line), nil
}

func trimRecord(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// RecordWriter writes newline-terminated records to a stream. Writes are
// serialized by an internal lock so concurrent writers never interleave
// partial lines.
type RecordWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewRecordWriter creates a new RecordWriter
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{writer: w}
}

// WriteRecord writes a single record followed by a newline. The record and
// terminator go out in one Write call.
func (rw *RecordWriter) WriteRecord(record string) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_, err := io.WriteString(rw.writer, record+"\n")
	return err
}

// WriteEvent encodes an outbound event and writes it as one record.
func (rw *RecordWriter) WriteEvent(event *Event) error {
	return rw.WriteRecord(EncodeOutbound(event))
}
