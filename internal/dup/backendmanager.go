package dup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dup-go/internal/blockhash"
	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// Spool is the local directory volumes pass through on their way to and
// from the backend.
type Spool interface {
	Dir() string
	Add(path string, size int64)
	Remove(path string)
	Full() bool
}

// UploadItem is a sealed, encrypted volume waiting in the spool.
type UploadItem struct {
	Name string
	Type model.VolumeType
	Path string
	Size int64
	Hash string
}

type stateUpdate struct {
	name  string
	state model.VolumeState
	size  int64
	hash  string
}

// BackendManager wraps a Backend with an asynchronous upload queue, retries,
// encryption of whole volumes and buffering of database messages. Uploads
// run in background goroutines; everything touching the database happens on
// the caller's goroutine through FlushDbMessages and WaitForComplete.
type BackendManager struct {
	backend Backend
	enc     Encryptor
	dec     DecryptionContext
	spool   Spool
	metrics *Metrics
	logger  Logger
	clock   Clock
	opts    *Options
	hashAlg blockhash.Algorithm

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu            sync.Mutex
	operationID   int64
	updates       []stateUpdate
	logs          []model.LogEntry
	remoteOps     []model.RemoteOperation
	uploadErr     error
	folderCreated bool
}

// NewBackendManager creates the adapter. enc and dec may be nil for an
// unencrypted backend; dec may also be nil when only uploading.
func NewBackendManager(backend Backend, enc Encryptor, dec DecryptionContext, spool Spool, metrics *Metrics, logger Logger, clk Clock, opts *Options) (*BackendManager, error) {
	hashAlg, err := blockhash.Lookup(opts.FileHashAlgorithm)
	if err != nil {
		return nil, newError(KindInvalidHashAlgorithm, err, "volume hash")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	limit := opts.AsynchronousUploadLimit
	if limit < 1 {
		limit = 1
	}
	return &BackendManager{
		backend: backend,
		enc:     enc,
		dec:     dec,
		spool:   spool,
		metrics: metrics,
		logger:  logger,
		clock:   clk,
		opts:    opts,
		hashAlg: hashAlg,
		sem:     semaphore.NewWeighted(int64(limit)),
	}, nil
}

// EncryptionModule is the tag new volume names carry, or "" when unencrypted.
func (bm *BackendManager) EncryptionModule() string {
	if bm.enc == nil {
		return ""
	}
	return bm.enc.Module()
}

// TempDir is where volume writers should create their files.
func (bm *BackendManager) TempDir() string {
	return bm.spool.Dir()
}

// Metrics returns the collectors the adapter updates.
func (bm *BackendManager) Metrics() *Metrics {
	return bm.metrics
}

// SetOperation sets the operation buffered log entries are attributed to.
func (bm *BackendManager) SetOperation(id int64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.operationID = id
}

// Prepare encrypts a sealed volume into the spool and computes the hash and
// size of the bytes that will be uploaded. The plaintext file is removed.
func (bm *BackendManager) Prepare(file *volume.File) (*UploadItem, error) {
	defer os.Remove(file.Path)

	in, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("opening volume %s: %w", file.Name, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(bm.spool.Dir(), "dup-up-*")
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	h := bm.hashAlg.New()
	counter := &countingWriter{w: io.MultiWriter(out, h)}

	if bm.enc != nil {
		err = bm.enc.Encrypt(in, counter)
	} else {
		_, err = io.Copy(counter, in)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("preparing volume %s: %w", file.Name, err)
	}

	bm.spool.Add(out.Name(), counter.n)
	return &UploadItem{
		Name: file.Name.String(),
		Type: file.Name.Type,
		Path: out.Name(),
		Size: counter.n,
		Hash: blockhash.Encode(h.Sum(nil)),
	}, nil
}

// Discard drops a prepared item without uploading it.
func (bm *BackendManager) Discard(item *UploadItem) {
	if item != nil {
		bm.spool.Remove(item.Path)
	}
}

// Put queues item, and then its companion index volume if given, for upload.
// It blocks while the queue is full. Failures surface from WaitForComplete.
func (bm *BackendManager) Put(ctx context.Context, item, index *UploadItem) error {
	if bm.opts.DryRun {
		for _, it := range []*UploadItem{item, index} {
			if it == nil {
				continue
			}
			bm.logger.Info("Would upload volume", "name", it.Name, "size", it.Size)
			bm.spool.Remove(it.Path)
		}
		return nil
	}

	if bm.spool.Full() {
		bm.logger.Debug("staging area full, waiting for uploads")
		bm.wg.Wait()
	}
	if err := bm.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	bm.wg.Add(1)
	bm.metrics.queued.Inc()
	go func() {
		defer bm.wg.Done()
		defer bm.sem.Release(1)
		defer bm.metrics.queued.Dec()

		for _, it := range []*UploadItem{item, index} {
			if it == nil {
				continue
			}
			err := bm.upload(ctx, it)
			bm.spool.Remove(it.Path)
			if err != nil {
				bm.mu.Lock()
				if bm.uploadErr == nil {
					bm.uploadErr = err
				}
				bm.mu.Unlock()
				if index != nil && it == item {
					bm.spool.Remove(index.Path)
				}
				return
			}
			bm.mu.Lock()
			bm.updates = append(bm.updates, stateUpdate{name: it.Name, state: model.StateUploaded, size: it.Size, hash: it.Hash})
			bm.mu.Unlock()
		}
	}()
	return nil
}

func (bm *BackendManager) upload(ctx context.Context, item *UploadItem) error {
	return bm.withRetry(ctx, "put", item.Name, func() error {
		err := bm.putFile(ctx, item)
		if errors.Is(err, ErrFolderMissing) && bm.opts.AutoCreateFolder && bm.markFolderCreated() {
			if cerr := bm.backend.CreateFolder(ctx); cerr != nil {
				return cerr
			}
			bm.logger.Info("created remote folder")
			err = bm.putFile(ctx, item)
		}
		if err == nil {
			bm.metrics.bytes.WithLabelValues("up").Add(float64(item.Size))
			bm.recordRemote("put", item.Name, map[string]any{"Size": item.Size, "Hash": item.Hash})
		}
		return err
	})
}

func (bm *BackendManager) putFile(ctx context.Context, item *UploadItem) error {
	f, err := os.Open(item.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	return bm.backend.Put(ctx, item.Name, f, item.Size)
}

func (bm *BackendManager) markFolderCreated() bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.folderCreated {
		return false
	}
	bm.folderCreated = true
	return true
}

// FlushDbMessages writes buffered volume state changes, log entries and
// remote operation records. Call only from the goroutine that owns tx.
func (bm *BackendManager) FlushDbMessages(ctx context.Context, tx Tx) error {
	bm.mu.Lock()
	updates, logs, ops, opID := bm.updates, bm.logs, bm.remoteOps, bm.operationID
	bm.updates, bm.logs, bm.remoteOps = nil, nil, nil
	bm.mu.Unlock()

	for _, u := range updates {
		if err := tx.UpdateRemoteVolume(ctx, u.name, u.state, u.size, u.hash); err != nil {
			return fmt.Errorf("recording upload of %s: %w", u.name, err)
		}
	}
	if opID == 0 {
		return nil
	}
	if err := tx.InsertLogEntries(ctx, opID, logs); err != nil {
		return fmt.Errorf("writing log entries: %w", err)
	}
	if err := tx.InsertRemoteOperations(ctx, opID, ops); err != nil {
		return fmt.Errorf("writing remote operations: %w", err)
	}
	return nil
}

// WaitForComplete blocks until every queued upload has finished, records the
// results in tx and returns the first upload failure.
func (bm *BackendManager) WaitForComplete(ctx context.Context, tx Tx) error {
	done := make(chan struct{})
	go func() {
		bm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	bm.mu.Lock()
	uploadErr := bm.uploadErr
	bm.uploadErr = nil
	bm.mu.Unlock()

	if tx != nil {
		if err := bm.FlushDbMessages(ctx, tx); err != nil {
			return err
		}
	}
	return uploadErr
}

// Get downloads a volume, verifies it against the expected size and hash
// (skipped when size is negative or hash empty) and decrypts it. The returned
// plaintext path must be passed to Release.
func (bm *BackendManager) Get(ctx context.Context, name string, size int64, hash string) (string, error) {
	var encrypted string
	err := bm.withRetry(ctx, "get", name, func() error {
		f, err := os.CreateTemp(bm.spool.Dir(), "dup-down-*")
		if err != nil {
			return err
		}
		h := bm.hashAlg.New()
		counter := &countingWriter{w: io.MultiWriter(f, h)}
		err = bm.backend.Get(ctx, name, counter)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err == nil && size >= 0 && counter.n != size {
			err = newError(KindContentVerificationFailed, nil, "downloaded %s has size %d, expected %d", name, counter.n, size)
		}
		if err == nil && hash != "" && blockhash.Encode(h.Sum(nil)) != hash {
			err = newError(KindContentVerificationFailed, nil, "downloaded %s has hash %s, expected %s", name, blockhash.Encode(h.Sum(nil)), hash)
		}
		if err != nil {
			os.Remove(f.Name())
			return err
		}
		bm.metrics.bytes.WithLabelValues("down").Add(float64(counter.n))
		bm.recordRemote("get", name, map[string]any{"Size": counter.n})
		encrypted = f.Name()
		return nil
	})
	if err != nil {
		return "", err
	}

	parsed, perr := volume.ParseName(name)
	if perr != nil || parsed.Encryption == "" {
		bm.spool.Add(encrypted, fileSize(encrypted))
		return encrypted, nil
	}
	defer os.Remove(encrypted)
	if bm.dec == nil {
		return "", newError(KindInvalidConfiguration, nil, "%s is encrypted with %s but no passphrase was given", name, parsed.Encryption)
	}

	in, err := os.Open(encrypted)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.CreateTemp(bm.spool.Dir(), "dup-plain-*")
	if err != nil {
		return "", err
	}
	err = bm.dec.Decrypt(in, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", newError(KindContentVerificationFailed, err, "decrypting %s", name)
	}
	bm.spool.Add(out.Name(), fileSize(out.Name()))
	return out.Name(), nil
}

// Release removes a file returned by Get.
func (bm *BackendManager) Release(path string) {
	bm.spool.Remove(path)
}

type download struct {
	vol  model.RemoteVolume
	path string
}

// DownloadAll fetches vols in parallel and calls fn for each one, in
// completion order, on the calling goroutine. The file passed to fn is
// released when fn returns. The first error stops all downloads.
func (bm *BackendManager) DownloadAll(ctx context.Context, vols []model.RemoteVolume, fn func(vol model.RemoteVolume, path string) error) error {
	if len(vols) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := bm.opts.AsynchronousDownloadLimit
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	results := make(chan download, limit)
	errc := make(chan error, 1)
	go func() {
		for _, v := range vols {
			g.Go(func() error {
				path, err := bm.Get(gctx, v.Name, v.Size, v.Hash)
				if err != nil {
					return err
				}
				select {
				case results <- download{vol: v, path: path}:
					return nil
				case <-gctx.Done():
					bm.Release(path)
					return gctx.Err()
				}
			})
		}
		errc <- g.Wait()
		close(results)
	}()

	var fnErr error
	for d := range results {
		if fnErr == nil {
			if err := fn(d.vol, d.path); err != nil {
				fnErr = err
				cancel()
			}
		}
		bm.Release(d.path)
	}
	if err := <-errc; err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// Delete removes a remote object. A missing object is not an error.
func (bm *BackendManager) Delete(ctx context.Context, name string, size int64) error {
	if bm.opts.DryRun {
		bm.logger.Info("Would delete remote file", "name", name, "size", size)
		return nil
	}
	err := bm.withRetry(ctx, "delete", name, func() error {
		return bm.backend.Delete(ctx, name)
	})
	if errors.Is(err, ErrFileNotFound) {
		bm.logger.Warn("remote file already deleted", "name", name)
		return nil
	}
	if err == nil {
		bm.recordRemote("delete", name, map[string]any{"Size": size})
	}
	return err
}

// List returns the remote listing.
func (bm *BackendManager) List(ctx context.Context) ([]RemoteFile, error) {
	var files []RemoteFile
	err := bm.withRetry(ctx, "list", "", func() error {
		var err error
		files, err = bm.backend.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	bm.recordRemote("list", "", map[string]any{"Count": len(files)})
	return files, nil
}

// CreateFolder creates the remote folder.
func (bm *BackendManager) CreateFolder(ctx context.Context) error {
	if bm.opts.DryRun {
		bm.logger.Info("Would create folder")
		return nil
	}
	if err := bm.withRetry(ctx, "create-folder", "", func() error { return bm.backend.CreateFolder(ctx) }); err != nil {
		return err
	}
	bm.recordRemote("create-folder", "", nil)
	return nil
}

// Test checks that the backend is reachable.
func (bm *BackendManager) Test(ctx context.Context) error {
	return bm.withRetry(ctx, "test", "", func() error { return bm.backend.Test(ctx) })
}

// Close waits for outstanding uploads without recording their results.
func (bm *BackendManager) Close() error {
	bm.wg.Wait()
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.uploadErr
}

func isFatalBackendError(err error) bool {
	return errors.Is(err, ErrFolderMissing) ||
		errors.Is(err, ErrFileNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (bm *BackendManager) withRetry(ctx context.Context, op, name string, fn func() error) error {
	delay := bm.opts.RetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = fn()
			return lastErr
		},
		IsFatalError: isFatalBackendError,
		NotifyFunc: func(err error, attempt int) {
			bm.metrics.retries.Inc()
			bm.logger.Warn("backend call failed", "operation", op, "name", name, "attempt", attempt, "error", err)
		},
		Attempts:    bm.opts.Retries + 1,
		Delay:       delay,
		MaxDelay:    5 * time.Minute,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		bm.metrics.operations.WithLabelValues(op, "success").Inc()
		return nil
	}
	if (retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err)) && lastErr != nil {
		err = lastErr
	}
	bm.metrics.operations.WithLabelValues(op, "failure").Inc()
	if errors.Is(err, ErrFolderMissing) {
		return newError(KindFolderMissing, err, "%s %s", op, name)
	}
	if name == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func (bm *BackendManager) recordRemote(op, name string, data map[string]any) {
	var encoded string
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			encoded = string(b)
		}
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.remoteOps = append(bm.remoteOps, model.RemoteOperation{
		Timestamp: bm.clock.Now(),
		Operation: op,
		Path:      name,
		Data:      encoded,
	})
}

func (bm *BackendManager) recordLog(level, msg string, args []any) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.logs = append(bm.logs, model.LogEntry{
		Timestamp: bm.clock.Now(),
		Level:     level,
		Message:   msg,
		Detail:    formatArgs(args),
	})
}

// DatabaseLogger returns a Logger that forwards to inner and also buffers
// Info, Warn and Error messages for the log_data table.
func (bm *BackendManager) DatabaseLogger(inner Logger) Logger {
	return &dbLogger{inner: inner, bm: bm}
}

type dbLogger struct {
	inner Logger
	bm    *BackendManager
}

func (l *dbLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

func (l *dbLogger) Info(msg string, args ...any) {
	l.inner.Info(msg, args...)
	l.bm.recordLog("Information", msg, args)
}

func (l *dbLogger) Warn(msg string, args ...any) {
	l.inner.Warn(msg, args...)
	l.bm.recordLog("Warning", msg, args)
}

func (l *dbLogger) Error(msg string, args ...any) {
	l.inner.Error(msg, args...)
	l.bm.recordLog("Error", msg, args)
}

func formatArgs(args []any) string {
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
	}
	return b.String()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
