// Package codec encodes records as protobuf messages.
//
// A record is stored as a google.protobuf.ListValue with one element per
// field. Numbers decode as float64. time.Time and []byte values, which have
// no native protobuf value kind, are wrapped in a single-key struct.
//
// Record streams are length-delimited using protobuf's standard varint
// framing, so they can be appended to and read back incrementally.
package codec

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/obshub/config"
	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/model"
)

const (
	timeKey  = "@time"
	bytesKey = "@bytes"
)

// Encode marshals rec.
func Encode(rec model.Record) ([]byte, error) {
	list, err := toList(rec)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(list)
}

// Decode unmarshals a record produced by Encode.
func Decode(data []byte) (model.Record, error) {
	list := &structpb.ListValue{}
	if err := proto.Unmarshal(data, list); err != nil {
		return nil, fmt.Errorf("decode record: %w: %v", errors.ErrCorrupt, err)
	}
	return fromList(list)
}

func toList(rec model.Record) (*structpb.ListValue, error) {
	values := make([]*structpb.Value, len(rec))
	for i, v := range rec {
		pv, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %d: %w", i, err)
		}
		values[i] = pv
	}
	return &structpb.ListValue{Values: values}, nil
}

func toValue(v any) (*structpb.Value, error) {
	switch t := v.(type) {
	case time.Time:
		return wrapped(timeKey, t.UTC().Format(time.RFC3339Nano)), nil
	case []byte:
		return wrapped(bytesKey, base64.StdEncoding.EncodeToString(t)), nil
	default:
		return structpb.NewValue(v)
	}
}

func wrapped(key, s string) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{key: structpb.NewStringValue(s)},
	})
}

func fromList(list *structpb.ListValue) (model.Record, error) {
	rec := make(model.Record, len(list.GetValues()))
	for i, pv := range list.GetValues() {
		v, err := fromValue(pv)
		if err != nil {
			return nil, fmt.Errorf("decode field %d: %w", i, err)
		}
		rec[i] = v
	}
	return rec, nil
}

func fromValue(pv *structpb.Value) (any, error) {
	s := pv.GetStructValue()
	if s == nil || len(s.GetFields()) != 1 {
		return pv.AsInterface(), nil
	}

	if tv, ok := s.GetFields()[timeKey]; ok {
		ts, err := time.Parse(time.RFC3339Nano, tv.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("%w: bad time value: %v", errors.ErrCorrupt, err)
		}
		return ts, nil
	}
	if bv, ok := s.GetFields()[bytesKey]; ok {
		b, err := base64.StdEncoding.DecodeString(bv.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("%w: bad bytes value: %v", errors.ErrCorrupt, err)
		}
		return b, nil
	}
	return pv.AsInterface(), nil
}

// ============================================================================
// Record streams
// ============================================================================

// Reader reads length-delimited records from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read returns the next record, or io.EOF at the end of the stream.
// Records larger than config.DefaultMaxRecordSize are rejected.
func (r *Reader) Read() (model.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := &structpb.ListValue{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: config.DefaultMaxRecordSize,
	}
	if err := opts.UnmarshalFrom(r.r, list); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return fromList(list)
}

// Writer writes length-delimited records to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes rec with a length prefix.
func (w *Writer) Write(rec model.Record) error {
	list, err := toList(rec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, list); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}
