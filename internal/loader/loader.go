// Package loader runs the single background worker that reads a huge
// file off the UI thread, feeding bytes to both the sparse cache and the
// line map in short, lock-bumped bursts so the renderer never blocks on
// I/O or on a long-running merge.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/kovaxis/gaze/internal/config"
	"github.com/kovaxis/gaze/internal/engine"
	"github.com/kovaxis/gaze/internal/errorkinds"
	"github.com/kovaxis/gaze/internal/linemap"
	"github.com/kovaxis/gaze/internal/sparse"
)

// FileManager is the background worker for one open file: it owns the
// read-side file handle and decides, on every wake-up, which byte range
// to fetch next.
type FileManager struct {
	file     afero.File
	fileSize int64
	ld       *engine.LoadedData
	mapper   *linemap.Mapper
	cfg      config.LoaderConfig
	logCfg   config.LogConfig
	logger   *slog.Logger

	stop      atomic.Bool
	hotOffset atomic.Int64
	wake      chan struct{}
	wg        *conc.WaitGroup
}

// Open opens path through fsys, sizes it, and constructs a FileManager
// ready to Start. It does not spawn the loader goroutine itself.
func Open(fsys afero.Fs, path string, cfg config.LoaderConfig, logCfg config.LogConfig, mapper *linemap.Mapper, logger *slog.Logger) (*FileManager, *engine.LoadedData, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, nil, errorkinds.New(errorkinds.KindOpenFailed, "open file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errorkinds.New(errorkinds.KindOpenFailed, "stat file", err)
	}

	fileSize := info.Size()
	ld := engine.NewLoadedData(fileSize, cfg.MaxLoadedBytes, cfg.MergeBatchSize, cfg.ReallocThreshold)

	fm := &FileManager{
		file:     f,
		fileSize: fileSize,
		ld:       ld,
		mapper:   mapper,
		cfg:      cfg,
		logCfg:   logCfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
	ld.Sparse.Logger = logger
	ld.Sparse.LogSegmentLoad = logCfg.LogSegmentLoad
	return fm, ld, nil
}

// Start spawns the loader goroutine. Panics inside it are caught by conc
// and surfaced only if something later calls Wait; Stop never does, by
// design (see Stop).
func (fm *FileManager) Start(ctx context.Context) {
	fm.wg = conc.NewWaitGroup()
	fm.wg.Go(func() { fm.run(ctx) })
}

// Stop asks the loader to exit and wakes it if it's parked. It does not
// wait for the goroutine to actually finish: the loader may be mid-merge
// on a huge segment, and blocking the caller on that is exactly what
// this whole package exists to avoid.
func (fm *FileManager) Stop() {
	fm.stop.Store(true)
	fm.notify()
}

// SetHotOffset records the renderer's current scroll anchor and wakes
// the loader iff it actually changed, matching FileBuffer::set_hot_area
// unparking the manager thread only on a base-offset change.
func (fm *FileManager) SetHotOffset(offset int64) {
	if fm.hotOffset.Swap(offset) != offset {
		fm.notify()
	}
}

func (fm *FileManager) notify() {
	select {
	case fm.wake <- struct{}{}:
	default:
	}
}

func (fm *FileManager) run(ctx context.Context) {
	for !fm.stop.Load() {
		hotOffset := fm.hotOffset.Load()

		fm.ld.Mu.Lock()
		r := fm.ld.Sparse.NextLoadRange(hotOffset, int64(fm.cfg.ReadSize))
		fm.ld.Mu.Unlock()

		if r.Start < r.End {
			if err := fm.loadSegment(r.Start, r.End-r.Start); err != nil {
				if fm.logger != nil {
					fm.logger.Error("loader read failed", "offset", r.Start, "len", r.End-r.Start, "error", err)
				}
			}
			continue
		}

		select {
		case <-fm.wake:
		case <-ctx.Done():
			return
		}
	}
}

// loadSegment reads [offset, offset+n) off-lock, maps it into the line
// map and inserts it into the sparse cache, then runs cleanup against
// the current hot area.
func (fm *FileManager) loadSegment(offset int64, n int64) error {
	buf := make([]byte, n)
	if err := fm.readAt(offset, buf); err != nil {
		return err
	}

	lineMapHandle := fm.ld.LineMapHandle()
	fm.mapper.ProcessData(lineMapHandle, offset, buf)

	sparseHandle := fm.ld.SparseHandle()
	sparse.InsertData(sparseHandle, offset, buf)

	fm.ld.Mu.Lock()
	hot := fm.ld.Hot
	fm.ld.Mu.Unlock()

	// The loader only knows the hot area's anchor offset, not the
	// renderer's font metrics, so it keeps a load-radius window around
	// that anchor (plus any active selection); the facade is responsible
	// for keeping the anchor itself up to date with the visible extent.
	keep := engine.KeepRange(hot, hot.Corner.BaseOffset, hot.Corner.BaseOffset, int64(fm.cfg.LoadRadius))
	cleanupHandle := fm.ld.SparseHandle()
	sparse.Cleanup(cleanupHandle, keep, sparse.CleanupOptions{
		LogMemRelease: fm.logCfg.LogMemRelease,
		Logger:        fm.logger,
	})

	return nil
}

// readAt seeks and reads exactly len(buf) bytes, retrying transient I/O
// errors (anything that isn't EOF/ErrUnexpectedEOF) a handful of times
// with backoff, since a huge file may live on flaky network storage.
func (fm *FileManager) readAt(offset int64, buf []byte) error {
	return retry.Do(
		func() error {
			if _, err := fm.file.Seek(offset, io.SeekStart); err != nil {
				return errorkinds.New(errorkinds.KindIoTransient, "seek", err)
			}
			if _, err := io.ReadFull(fm.file, buf); err != nil {
				return errorkinds.New(errorkinds.KindIoTransient, "read", err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			if fm.logger != nil {
				fm.logger.Warn("loader retrying read", "attempt", attempt+1, "offset", offset, "error", err)
			}
		}),
	)
}

// FileSize returns the size observed when the file was opened.
func (fm *FileManager) FileSize() int64 {
	return fm.fileSize
}

// HotOffset returns the most recently set hot offset.
func (fm *FileManager) HotOffset() int64 {
	return fm.hotOffset.Load()
}

// Close releases the underlying file handle. Call only after Stop; it
// does not itself signal the loader goroutine.
func (fm *FileManager) Close() error {
	if err := fm.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}
