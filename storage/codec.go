package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/maxpert/servicebus-go/model"
)

// Journal records and snapshots are CBOR encoded. Times keep nanosecond
// precision so a replayed state compares equal to the live one.
//
// Frame format used by the file backend:
//
//	[crc32:4][length:4][cbor payload]
//
// The CRC covers the length field and the payload.
const frameHeaderSize = 8

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor decoder: %v", err))
	}
}

// EncodeRecord serialises a journal record.
func EncodeRecord(rec *model.Record) ([]byte, error) {
	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", rec.Op, err)
	}
	return data, nil
}

// DecodeRecord parses a journal record.
func DecodeRecord(data []byte) (*model.Record, error) {
	var rec model.Record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if rec.Op == 0 {
		return nil, errors.New("failed to decode record: missing op")
	}
	return &rec, nil
}

// EncodeSnapshot serialises a snapshot.
func EncodeSnapshot(snap *model.Snapshot) ([]byte, error) {
	data, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot and checks its version.
func DecodeSnapshot(data []byte) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != model.SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// frame wraps a payload with its CRC and length.
func frame(data []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	copy(buf[frameHeaderSize:], data)
	binary.BigEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// unframe validates one frame at the start of buf. It returns the payload
// and the full frame length. ok is false when the frame is incomplete or its
// checksum does not match.
func unframe(buf []byte) (payload []byte, n int, complete bool, ok bool) {
	if len(buf) < frameHeaderSize {
		return nil, 0, false, false
	}
	dataLen := int(binary.BigEndian.Uint32(buf[4:8]))
	if len(buf)-frameHeaderSize < dataLen {
		return nil, 0, false, false
	}
	n = frameHeaderSize + dataLen
	if binary.BigEndian.Uint32(buf[0:4]) != crc32.ChecksumIEEE(buf[4:n]) {
		return nil, n, true, false
	}
	return buf[frameHeaderSize:n], n, true, true
}

// WriteSnapshotFile exports a snapshot. A .json extension writes indented
// JSON; anything else writes CBOR.
func WriteSnapshotFile(path string, snap *model.Snapshot) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(snap, "", "  ")
	} else {
		data, err = EncodeSnapshot(snap)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return atomicWrite(path, data)
}

// ReadSnapshotFile imports a snapshot written by WriteSnapshotFile.
func ReadSnapshotFile(path string) (*model.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return DecodeSnapshot(data)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var snap model.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file: %w", err)
	}
	if snap.Version != model.SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	for i := range snap.Entities {
		ent := &snap.Entities[i]
		for _, msgs := range [][]*model.Message{ent.Messages, ent.DeadLetters} {
			for _, m := range msgs {
				props, err := model.NormalizeProperties(m.Properties)
				if err != nil {
					return nil, fmt.Errorf("entity %s message %d: %w", ent.Path, m.SequenceNumber, err)
				}
				m.Properties = props
			}
		}
		for j := range ent.Rules {
			if c := ent.Rules[j].Filter.Correlation; c != nil {
				props, err := model.NormalizeProperties(c.Properties)
				if err != nil {
					return nil, fmt.Errorf("entity %s rule %s: %w", ent.Path, ent.Rules[j].Name, err)
				}
				c.Properties = props
			}
		}
	}
	return &snap, nil
}

// atomicWrite writes data to a file atomically using temp file + rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + TempFileExtension
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
