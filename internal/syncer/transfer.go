package syncer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// MarkerSuffix is appended to a file's name to form its completion marker.
const MarkerSuffix = ".sync_complete"

// errCancelled aborts a chunk loop when the owning operation was cancelled;
// it is bookkeeping, not a failure.
var errCancelled = errors.New("operation cancelled")

// transferFile streams one file from src to dst in chunks, verifies the
// result when configured, and updates the operation's progress counters.
func (e *Engine) transferFile(op *Operation, src, dst string, deleteAfter bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return &TransferError{Path: src, Reason: err.Error()}
	}

	t := &Transfer{
		ID:              uuid.NewString(),
		SourcePath:      src,
		DestinationPath: dst,
		Size:            info.Size(),
		Status:          StatusInProgress,
	}
	e.mu.Lock()
	if tab, ok := e.transfers[op.ID]; ok {
		tab[t.ID] = t
	}
	op.CurrentFile = src
	e.mu.Unlock()

	fail := func(reason string) error {
		e.mu.Lock()
		t.Status = StatusFailed
		t.Error = reason
		e.mu.Unlock()
		return &TransferError{Path: src, Reason: reason}
	}

	if err := e.copyChunked(op.ID, t, src, dst, info); err != nil {
		if errors.Is(err, errCancelled) {
			return nil
		}
		return fail(err.Error())
	}

	if e.cfg.VerifyTransfers {
		srcSum, err := checksumFile(src)
		if err != nil {
			return fail(fmt.Sprintf("checksum source: %v", err))
		}
		dstSum, err := checksumFile(dst)
		if err != nil {
			return fail(fmt.Sprintf("checksum destination: %v", err))
		}
		if srcSum != dstSum {
			// Data-integrity incident: no automatic retry.
			return fail(fmt.Sprintf("checksum mismatch: source %s destination %s", srcSum, dstSum))
		}
		e.mu.Lock()
		t.Checksum = srcSum
		e.mu.Unlock()
	}

	if e.cfg.CreateCompletionMarkers {
		marker := dst + MarkerSuffix
		stamp := e.now().Format(time.RFC3339)
		if err := os.WriteFile(marker, []byte(stamp+"\n"), 0644); err != nil {
			e.log.Warn("could not write completion marker", "path", marker, "err", err)
		}
	}

	if deleteAfter {
		if err := os.Remove(src); err != nil {
			e.log.Warn("could not remove source after sync", "path", src, "err", err)
		}
	}

	e.mu.Lock()
	t.Status = StatusCompleted
	op.ProcessedFiles++
	op.ProcessedSize += t.Size
	e.mu.Unlock()

	e.log.Debug("file transferred", "src", src, "dst", dst, "bytes", t.Size)
	return nil
}

// copyChunked does the actual streaming. The loop polls the operation's
// cancelled flag every chunk so a cancel takes effect at the next chunk
// boundary; a partial destination is removed.
func (e *Engine) copyChunked(opID string, t *Transfer, src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	buf := make([]byte, e.cfg.TransferChunkSize)
	for {
		if e.opCancelled(opID) {
			out.Close()
			os.Remove(dst)
			return errCancelled
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(dst)
				return writeErr
			}
			e.mu.Lock()
			t.Transferred += int64(n)
			e.mu.Unlock()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(dst)
			return readErr
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	// Preserve the source mtime so the newer-wins rule stays stable across
	// future runs and the reverse direction.
	if err := os.Chtimes(dst, time.Now(), info.ModTime()); err != nil {
		e.log.Warn("could not preserve mtime", "path", dst, "err", err)
	}
	return nil
}
