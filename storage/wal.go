package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

const (
	// WAL settings
	DefaultWALBatchSize = 256              // Records per group commit
	DefaultWALFileSize  = 64 * 1024 * 1024 // Roll after 64 MB
	WALDir              = "wal"
	WALFileExtension    = ".wal"
	SnapshotFileName    = "snapshot.cbor"
	TempFileExtension   = ".tmp"
	LockFileName        = "LOCK"
)

// FileOptions tunes the file backend.
type FileOptions struct {
	BatchSize    int
	BatchTimeout time.Duration
	FileSize     int64
	SyncWrites   bool
	Logger       *zap.Logger
}

// FileBackend journals records into rolling WAL files under
// <dir>/wal and keeps the latest snapshot in <dir>/snapshot.cbor.
//
// Appends from concurrent callers are group committed: the writer loop
// drains every pending request, writes them with a single write call and
// fsyncs once per batch.
type FileBackend struct {
	dir    string
	walDir string
	opts   FileOptions
	logger *zap.Logger
	lock   *dirLock

	writeChan chan *writeRequest
	stopChan  chan struct{}
	wg        sync.WaitGroup

	// closeMu makes Close wait for senders already inside Append.
	closeMu sync.RWMutex
	closed  bool

	fileMu      sync.Mutex
	currentFile *os.File
	fileNum     uint64
	fileOffset  int64
}

type writeRequest struct {
	data []byte
	done chan error // Caller blocks on this until the batch is synced
}

// OpenFile opens or creates a file backend in dir. A torn final record left
// by a crash is truncated away; an unreadable record before the tail fails
// with a CorruptLog error.
func OpenFile(dir string, opts FileOptions) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file backend: empty data directory")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultWALBatchSize
	}
	if opts.FileSize <= 0 {
		opts.FileSize = DefaultWALFileSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	walDir := filepath.Join(dir, WALDir)
	if err := os.MkdirAll(walDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	lock, err := lockDir(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, err
	}

	fb := &FileBackend{
		dir:       dir,
		walDir:    walDir,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("backend", BackendFile)),
		lock:      lock,
		writeChan: make(chan *writeRequest, opts.BatchSize*4),
		stopChan:  make(chan struct{}),
	}

	if err := fb.recoverTail(); err != nil {
		lock.release()
		return nil, err
	}
	if err := fb.openCurrent(); err != nil {
		lock.release()
		return nil, err
	}

	fb.wg.Add(1)
	go fb.batchWriterLoop()
	return fb, nil
}

// Name implements interfaces.Backend.
func (fb *FileBackend) Name() string {
	return BackendFile
}

// Append writes a record and blocks until its batch is synced. Once the
// request is queued the call no longer honours ctx: returning early would
// let the caller drop a mutation the log already holds.
func (fb *FileBackend) Append(ctx context.Context, rec *model.Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	req := &writeRequest{data: frame(data), done: make(chan error, 1)}

	fb.closeMu.RLock()
	if fb.closed {
		fb.closeMu.RUnlock()
		return errors.New("file backend is closed")
	}
	select {
	case fb.writeChan <- req:
	case <-ctx.Done():
		fb.closeMu.RUnlock()
		return ctx.Err()
	}
	fb.closeMu.RUnlock()

	return <-req.done
}

// batchWriterLoop batches writes and flushes them
func (fb *FileBackend) batchWriterLoop() {
	defer fb.wg.Done()

	batch := make([]*writeRequest, 0, fb.opts.BatchSize)
	for {
		select {
		case req := <-fb.writeChan:
			batch = append(batch, req)
			batch = fb.collect(batch)
			fb.flushBatch(batch)
			batch = batch[:0]

		case <-fb.stopChan:
			// Final flush
		drain:
			for {
				select {
				case req := <-fb.writeChan:
					batch = append(batch, req)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				fb.flushBatch(batch)
			}
			return
		}
	}
}

// collect gathers queued requests up to the batch size, lingering for the
// configured timeout when it is set.
func (fb *FileBackend) collect(batch []*writeRequest) []*writeRequest {
	var linger <-chan time.Time
	if fb.opts.BatchTimeout > 0 {
		timer := time.NewTimer(fb.opts.BatchTimeout)
		defer timer.Stop()
		linger = timer.C
	}
	for len(batch) < fb.opts.BatchSize {
		if linger == nil {
			select {
			case req := <-fb.writeChan:
				batch = append(batch, req)
				continue
			default:
				return batch
			}
		}
		select {
		case req := <-fb.writeChan:
			batch = append(batch, req)
		case <-linger:
			return batch
		}
	}
	return batch
}

// flushBatch writes a batch of records to the current WAL file
func (fb *FileBackend) flushBatch(batch []*writeRequest) {
	fb.fileMu.Lock()
	defer fb.fileMu.Unlock()

	var buf []byte
	for _, req := range batch {
		buf = append(buf, req.data...)
	}

	err := fb.write(buf)
	for _, req := range batch {
		req.done <- err
	}
}

func (fb *FileBackend) write(buf []byte) error {
	n, err := fb.currentFile.Write(buf)
	if err != nil {
		// Cut a partial write so later batches do not land after garbage.
		if n > 0 {
			_ = fb.currentFile.Truncate(fb.fileOffset)
		}
		return fmt.Errorf("WAL write failed: %w", err)
	}
	if fb.opts.SyncWrites {
		if err := fb.currentFile.Sync(); err != nil {
			return fmt.Errorf("WAL fsync failed: %w", err)
		}
	}
	fb.fileOffset += int64(n)

	if fb.fileOffset >= fb.opts.FileSize {
		if err := fb.rollFile(); err != nil {
			fb.logger.Warn("Failed to roll WAL file", zap.Error(err))
		}
	}
	return nil
}

// rollFile closes the current file and starts the next one
func (fb *FileBackend) rollFile() error {
	if err := fb.currentFile.Sync(); err != nil {
		return err
	}
	if err := fb.currentFile.Close(); err != nil {
		return err
	}
	fb.fileNum++
	return fb.openFile(fb.fileNum)
}

func (fb *FileBackend) walPath(num uint64) string {
	return filepath.Join(fb.walDir, fmt.Sprintf("%020d%s", num, WALFileExtension))
}

func (fb *FileBackend) openFile(num uint64) error {
	file, err := os.OpenFile(fb.walPath(num), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	fb.currentFile = file
	fb.fileOffset = info.Size()
	return nil
}

// openCurrent reopens the newest WAL file, or creates the first one.
func (fb *FileBackend) openCurrent() error {
	nums, err := fb.walFiles()
	if err != nil {
		return err
	}
	fb.fileNum = 1
	if len(nums) > 0 {
		fb.fileNum = nums[len(nums)-1]
	}
	return fb.openFile(fb.fileNum)
}

// walFiles lists WAL file numbers in ascending order.
func (fb *FileBackend) walFiles() ([]uint64, error) {
	entries, err := os.ReadDir(fb.walDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}
	var nums []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != WALFileExtension {
			continue
		}
		num, err := strconv.ParseUint(strings.TrimSuffix(name, WALFileExtension), 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, num)
	}
	slices.Sort(nums)
	return nums, nil
}

// scanWALFile walks the frames of one file. It returns the offset just past
// the last good frame and whether the file ends in a torn frame.
func scanWALFile(path string, fn func(payload []byte, offset int64) error) (good int64, torn bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}

	pos := 0
	for pos < len(data) {
		payload, n, complete, ok := unframe(data[pos:])
		if !complete {
			// Header or payload cut short: only a crash mid-append does this.
			return int64(pos), true, nil
		}
		if !ok {
			if pos+n == len(data) {
				return int64(pos), true, nil
			}
			return int64(pos), false, sberrors.NewCorruptLog(BackendFile,
				fmt.Sprintf("%s offset %d", filepath.Base(path), pos), errors.New("checksum mismatch"))
		}
		if fn != nil {
			if err := fn(payload, int64(pos)); err != nil {
				return int64(pos), false, err
			}
		}
		pos += n
	}
	return int64(pos), false, nil
}

// recoverTail validates every WAL file and truncates a torn final record.
func (fb *FileBackend) recoverTail() error {
	nums, err := fb.walFiles()
	if err != nil {
		return err
	}
	for i, num := range nums {
		path := fb.walPath(num)
		good, torn, err := scanWALFile(path, nil)
		if err != nil {
			return err
		}
		if !torn {
			continue
		}
		if i != len(nums)-1 {
			return sberrors.NewCorruptLog(BackendFile,
				fmt.Sprintf("%s offset %d", filepath.Base(path), good), errors.New("truncated record before the last WAL file"))
		}
		fb.logger.Warn("Discarding torn WAL tail",
			zap.String("file", filepath.Base(path)),
			zap.Int64("offset", good))
		if err := os.Truncate(path, good); err != nil {
			return fmt.Errorf("failed to truncate WAL tail: %w", err)
		}
	}
	return nil
}

// Replay implements interfaces.Backend.
func (fb *FileBackend) Replay(ctx context.Context, fn func(*model.Record) error) error {
	fb.fileMu.Lock()
	defer fb.fileMu.Unlock()

	nums, err := fb.walFiles()
	if err != nil {
		return err
	}
	for _, num := range nums {
		path := fb.walPath(num)
		_, _, err := scanWALFile(path, func(payload []byte, offset int64) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := DecodeRecord(payload)
			if err != nil {
				return sberrors.NewCorruptLog(BackendFile, fmt.Sprintf("%s offset %d", filepath.Base(path), offset), err)
			}
			return fn(rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteSnapshot stores the snapshot atomically and starts a fresh WAL.
func (fb *FileBackend) WriteSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(fb.dir, SnapshotFileName), data); err != nil {
		return err
	}

	fb.fileMu.Lock()
	defer fb.fileMu.Unlock()

	nums, err := fb.walFiles()
	if err != nil {
		return err
	}
	if err := fb.currentFile.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %w", err)
	}
	next := fb.fileNum + 1
	if err := fb.openFile(next); err != nil {
		return err
	}
	fb.fileNum = next
	for _, num := range nums {
		if err := os.Remove(fb.walPath(num)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove WAL file: %w", err)
		}
	}
	fb.logger.Debug("Snapshot written", zap.Uint64("lsn", snap.LSN), zap.Int("removed_wal_files", len(nums)))
	return nil
}

// LoadSnapshot implements interfaces.Backend.
func (fb *FileBackend) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(fb.dir, SnapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, sberrors.NewCorruptLog(BackendFile, SnapshotFileName, err)
	}
	return snap, nil
}

// Compact removes empty WAL files other than the current one and leftover
// temp files.
func (fb *FileBackend) Compact(ctx context.Context) error {
	fb.fileMu.Lock()
	defer fb.fileMu.Unlock()

	nums, err := fb.walFiles()
	if err != nil {
		return err
	}
	removed := 0
	for _, num := range nums {
		if num == fb.fileNum {
			continue
		}
		info, err := os.Stat(fb.walPath(num))
		if err == nil && info.Size() == 0 {
			if err := os.Remove(fb.walPath(num)); err == nil {
				removed++
			}
		}
	}
	if err := os.Remove(filepath.Join(fb.dir, SnapshotFileName+TempFileExtension)); err != nil && !os.IsNotExist(err) {
		return err
	}
	fb.logger.Info("Compacted file backend", zap.Int("removed_wal_files", removed))
	return nil
}

// Close flushes pending writes and releases the directory lock.
func (fb *FileBackend) Close() error {
	fb.closeMu.Lock()
	if fb.closed {
		fb.closeMu.Unlock()
		return nil
	}
	fb.closed = true
	close(fb.stopChan)
	fb.closeMu.Unlock()

	fb.wg.Wait()

	fb.fileMu.Lock()
	defer fb.fileMu.Unlock()
	var errs []error
	if err := fb.currentFile.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := fb.currentFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := fb.lock.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
