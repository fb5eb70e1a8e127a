// Package syncer is the bidirectional file-transfer engine: it decides per
// file which direction wins, streams copies in chunks, verifies them, and
// keeps the books on operations and transfers.
package syncer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/gajzzs/cardsync/internal/card"
	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/device"
	"github.com/gajzzs/cardsync/internal/events"
	"github.com/gajzzs/cardsync/internal/logging"
)

// Engine owns the operation and transfer arenas. One engine serves all
// devices; the per-device serialization happens in the orchestrator.
type Engine struct {
	cfg        config.Sync
	types      map[string]config.ContentType
	contentDir string
	bus        *events.Bus
	log        *clog.Logger
	sem        *semaphore.Weighted
	now        func() time.Time

	mu        sync.RWMutex
	ops       map[string]*Operation
	transfers map[string]map[string]*Transfer
}

// NewEngine builds the sync engine over the configured content library.
func NewEngine(cfg config.Sync, storage config.Storage, types map[string]config.ContentType, bus *events.Bus) *Engine {
	maxConcurrent := cfg.MaxConcurrentTransfers
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Engine{
		cfg:        cfg,
		types:      types,
		contentDir: storage.ContentDirectory,
		bus:        bus,
		log:        logging.For("syncer"),
		sem:        semaphore.NewWeighted(maxConcurrent),
		now:        time.Now,
		ops:        make(map[string]*Operation),
		transfers:  make(map[string]map[string]*Transfer),
	}
}

// StartSync runs a full sync of every detected content type on the card,
// sequentially, and returns once all of them finished or the first one
// failed. The returned operation id is valid either way.
func (e *Engine) StartSync(ctx context.Context, dev device.Device, an *card.Analysis) (string, error) {
	if an == nil {
		return "", &OperationError{Reason: "nil analysis"}
	}
	if !dev.Mounted || dev.MountPath == "" {
		return "", &OperationError{Reason: fmt.Sprintf("device %s is not mounted", dev.Path)}
	}

	op := &Operation{
		ID:           uuid.NewString(),
		DevicePath:   dev.Path,
		ContentTypes: append([]string(nil), an.DetectedContentTypes...),
		Status:       StatusPending,
		StartTime:    e.now(),
	}

	e.mu.Lock()
	e.ops[op.ID] = op
	e.transfers[op.ID] = make(map[string]*Transfer)
	op.advance(StatusInProgress)
	e.mu.Unlock()

	e.log.Info("sync started", "op", op.ID, "device", dev.Path, "types", op.ContentTypes)
	e.bus.Publish(events.Event{
		Type:        events.SyncStarted,
		DevicePath:  dev.Path,
		OperationID: op.ID,
		Message:     fmt.Sprintf("syncing %s", strings.Join(op.ContentTypes, ", ")),
	})

	for _, name := range op.ContentTypes {
		if e.opCancelled(op.ID) {
			return op.ID, nil
		}

		e.mu.Lock()
		op.CurrentType = name
		e.mu.Unlock()

		if err := e.syncContentType(ctx, op, dev, name); err != nil {
			e.finish(op, StatusFailed, err.Error())
			e.bus.Publish(events.Event{
				Type:        events.SyncFailed,
				DevicePath:  dev.Path,
				OperationID: op.ID,
				Message:     err.Error(),
			})
			return op.ID, &OperationError{OperationID: op.ID, Reason: err.Error()}
		}
	}

	if e.opCancelled(op.ID) {
		return op.ID, nil
	}

	e.finish(op, StatusCompleted, "")
	e.bus.Publish(events.Event{
		Type:        events.SyncCompleted,
		DevicePath:  dev.Path,
		OperationID: op.ID,
		Message:     fmt.Sprintf("synced %d files", e.snapshot(op).ProcessedFiles),
	})
	return op.ID, nil
}

func (e *Engine) finish(op *Operation, s Status, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if op.advance(s) {
		op.EndTime = e.now()
		op.Error = errMsg
	}
	// The operation is over either way; its transfers are no longer active.
	delete(e.transfers, op.ID)
}

// syncContentType syncs one content type in its configured direction(s).
// Already-copied files stay on disk when a later file fails; there is no
// rollback.
func (e *Engine) syncContentType(ctx context.Context, op *Operation, dev device.Device, name string) error {
	ct, ok := e.types[name]
	if !ok {
		return &OperationError{OperationID: op.ID, Reason: fmt.Sprintf("unknown content type %q", name)}
	}

	localRel := ct.LocalPath
	if localRel == "" {
		localRel = name
	}
	localDir := secureJoin(e.contentDir, localRel)
	cardDir := secureJoin(dev.MountPath, ct.CardPath)

	if err := os.MkdirAll(localDir, 0755); err != nil {
		return fmt.Errorf("ensure local dir: %w", err)
	}
	if err := os.MkdirAll(cardDir, 0755); err != nil {
		return fmt.Errorf("ensure card dir: %w", err)
	}

	if ct.SyncDirection == config.ToCard || ct.SyncDirection == config.Bidirectional {
		deleteAfter := e.cfg.DeleteAfterSync && ct.SyncDirection == config.ToCard
		if err := e.syncDirection(ctx, op, localDir, cardDir, ct, deleteAfter); err != nil {
			return err
		}
	}
	if ct.SyncDirection == config.FromCard || ct.SyncDirection == config.Bidirectional {
		if err := e.syncDirection(ctx, op, cardDir, localDir, ct, false); err != nil {
			return err
		}
	}
	return nil
}

// secureJoin joins a configured or card-supplied relative path under base,
// discarding any traversal segments.
func secureJoin(base, rel string) string {
	return filepath.Join(base, filepath.Clean("/"+rel))
}

type plannedCopy struct {
	rel  string
	size int64
}

// syncDirection copies every file that is missing or strictly newer at the
// source into the destination. Last writer wins by filesystem timestamp;
// equal mtimes mean no copy.
func (e *Engine) syncDirection(ctx context.Context, op *Operation, srcDir, dstDir string, ct config.ContentType, deleteAfter bool) error {
	var maxFileSize int64 = -1
	if ct.MaxSize != "" {
		if parsed, err := device.ParseSize(ct.MaxSize); err == nil {
			maxFileSize = int64(parsed)
		}
	}

	var plan []plannedCopy
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !extensionAllowed(d.Name(), ct.FileExtensions) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if maxFileSize >= 0 && info.Size() > maxFileSize {
			e.log.Warn("file exceeds content type size limit, skipping",
				"path", path, "size", info.Size(), "limit", maxFileSize)
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		copyNeeded, err := needsCopy(path, filepath.Join(dstDir, rel))
		if err != nil {
			return err
		}
		if copyNeeded {
			plan = append(plan, plannedCopy{rel: rel, size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", srcDir, err)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].rel < plan[j].rel })

	e.mu.Lock()
	op.TotalFiles += len(plan)
	for _, p := range plan {
		op.TotalSize += p.size
	}
	e.mu.Unlock()

	for _, p := range plan {
		if e.opCancelled(op.ID) {
			return nil
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		err := e.transferFile(op, filepath.Join(srcDir, p.rel), filepath.Join(dstDir, p.rel), deleteAfter)
		e.sem.Release(1)
		if err != nil {
			return err
		}
	}
	return nil
}

// needsCopy applies the conflict policy: copy when the destination is
// absent or the source mtime is strictly newer. Clock skew against cards
// that visited other machines is a documented risk, not special-cased.
func needsCopy(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	dstInfo, err := os.Stat(dst)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return srcInfo.ModTime().After(dstInfo.ModTime()), nil
}

func extensionAllowed(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range extensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

func (e *Engine) opCancelled(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	op, ok := e.ops[id]
	return ok && op.Status == StatusCancelled
}

// Cancel marks the operation cancelled and drops its transfers from the
// active table. Returns false for unknown or already-finished operations.
// In-flight chunk loops notice the flag at their next chunk boundary.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	op, ok := e.ops[id]
	if !ok || !op.advance(StatusCancelled) {
		e.mu.Unlock()
		return false
	}
	op.EndTime = e.now()
	for _, t := range e.transfers[id] {
		if !t.Status.Terminal() {
			t.Status = StatusCancelled
		}
	}
	delete(e.transfers, id)
	devPath := op.DevicePath
	e.mu.Unlock()

	e.log.Info("sync cancelled", "op", id, "device", devPath)
	e.bus.Publish(events.Event{
		Type:        events.SyncCancelled,
		DevicePath:  devPath,
		OperationID: id,
		Message:     "sync cancelled",
	})
	return true
}

// CancelForDevice cancels every live operation touching the device. Called
// when the card is yanked.
func (e *Engine) CancelForDevice(devPath string) []string {
	e.mu.RLock()
	var ids []string
	for id, op := range e.ops {
		if op.DevicePath == devPath && !op.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		e.Cancel(id)
	}
	return ids
}

// Maintain force-cancels operations stuck in_progress past maxAge and
// prunes finished operations of the same age from memory. Returns the ids
// of force-cancelled operations.
func (e *Engine) Maintain(maxAge time.Duration) []string {
	cutoff := e.now().Add(-maxAge)

	e.mu.RLock()
	var stale, prune []string
	for id, op := range e.ops {
		switch {
		case !op.Status.Terminal() && op.StartTime.Before(cutoff):
			stale = append(stale, id)
		case op.Status.Terminal() && !op.EndTime.IsZero() && op.EndTime.Before(cutoff):
			prune = append(prune, id)
		}
	}
	e.mu.RUnlock()

	sort.Strings(stale)
	for _, id := range stale {
		e.log.Warn("force-cancelling stale operation", "op", id, "older_than", maxAge)
		e.Cancel(id)
	}

	e.mu.Lock()
	for _, id := range prune {
		delete(e.ops, id)
	}
	e.mu.Unlock()

	return stale
}

// Operation returns a snapshot of one operation.
func (e *Engine) Operation(id string) (Operation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	op, ok := e.ops[id]
	if !ok {
		return Operation{}, false
	}
	return e.copyOp(op), true
}

// ActiveOperations returns snapshots of all operations that are not yet
// finished, ordered by start time.
func (e *Engine) ActiveOperations() []Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Operation
	for _, op := range e.ops {
		if !op.Status.Terminal() {
			out = append(out, e.copyOp(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ActiveTransfers returns the live transfers of one operation.
func (e *Engine) ActiveTransfers(opID string) []Transfer {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Transfer
	for _, t := range e.transfers[opID] {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourcePath < out[j].SourcePath })
	return out
}

// Stats aggregates every operation the engine still remembers.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Stats{TotalOperations: len(e.ops)}
	for _, op := range e.ops {
		switch op.Status {
		case StatusCompleted:
			s.CompletedOperations++
		case StatusFailed:
			s.FailedOperations++
		case StatusCancelled:
			s.CancelledOperations++
		default:
			s.ActiveOperations++
		}
		s.FilesTransferred += op.ProcessedFiles
		s.BytesTransferred += op.ProcessedSize
	}
	return s
}

func (e *Engine) copyOp(op *Operation) Operation {
	out := *op
	out.ContentTypes = append([]string(nil), op.ContentTypes...)
	return out
}

func (e *Engine) snapshot(op *Operation) Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.copyOp(op)
}
