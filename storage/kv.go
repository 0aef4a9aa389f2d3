package storage

import (
	"encoding/binary"
	"fmt"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// Key layout shared by the embedded key-value backends. Journal keys sort by
// LSN because the LSN is stored big-endian.
var (
	logPrefix   = []byte("log/")
	snapshotKey = []byte("snap/current")
)

func logKey(lsn uint64) []byte {
	key := make([]byte, len(logPrefix)+8)
	copy(key, logPrefix)
	binary.BigEndian.PutUint64(key[len(logPrefix):], lsn)
	return key
}

func lsnFromKey(key []byte) (uint64, bool) {
	if len(key) != len(logPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(logPrefix):]), true
}

// logUpperBound is the exclusive upper bound of the journal key range.
func logUpperBound() []byte {
	hi := make([]byte, len(logPrefix))
	copy(hi, logPrefix)
	hi[len(hi)-1]++
	return hi
}

type kvEntry struct {
	key   []byte
	value []byte
}

// replayEntries decodes journal entries in key order. An undecodable final
// entry is a torn write and is reported through dropTail so the backend can
// delete it; any earlier one is corruption.
func replayEntries(backend string, entries []kvEntry, fn func(*model.Record) error, dropTail func(key []byte) error) error {
	for i, e := range entries {
		rec, err := DecodeRecord(e.value)
		if err != nil {
			lsn, _ := lsnFromKey(e.key)
			if i == len(entries)-1 {
				return dropTail(e.key)
			}
			return sberrors.NewCorruptLog(backend, fmt.Sprintf("lsn %d", lsn), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
