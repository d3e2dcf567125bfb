package gnutella

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/gnutella/download"
	"github.com/anacrolix/gnutella/internal/runner"
	"github.com/anacrolix/gnutella/library"
	"github.com/anacrolix/gnutella/memento"
	"github.com/anacrolix/gnutella/slots"
	"github.com/anacrolix/gnutella/upload"
)

// Core wires the shared file library, upload admission and the download scheduler together, and
// drives their periodic work.
type Core struct {
	cfg       Config
	logger    log.Logger
	callbacks Callbacks
	// Background work such as snapshot writes.
	runner *runner.Runner
	store  memento.Store
	closed chansync.SetOnce

	Library       *library.Library
	Slots         *slots.Manager
	Uploads       *upload.Manager
	UploadHandler *upload.Handler
	Incomplete    *download.IncompleteFileManager
	Downloads     *download.Scheduler
}

func openStore(cfg *Config, logger log.Logger) (memento.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, err
	}
	switch cfg.SnapshotBackend {
	case SnapshotFile, "":
		return memento.NewFileStore(filepath.Join(cfg.DataDir, "downloads.dat"), logger), nil
	case SnapshotBolt:
		return memento.OpenBoltStore(filepath.Join(cfg.DataDir, "downloads.bolt"))
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}

func NewCore(cfg *Config) (_ *Core, err error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	logger := cfg.Logger
	c := &Core{
		cfg:       *cfg,
		logger:    logger.WithNames("core"),
		callbacks: cfg.Callbacks,
	}
	c.store, err = openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	c.runner = runner.New(logger)
	c.Library = library.New(logger)
	defer func() {
		if err != nil {
			c.runner.Close()
			c.Library.Close()
			c.store.Close()
		}
	}()
	c.Slots = slots.New(cfg.HardMaxUploads, cfg.UploadQueueSize)
	cb := coreCallbacks{c}
	c.Uploads, err = upload.NewManager(upload.Config{
		ConnectionSpeed:     cfg.ConnectionSpeed,
		UploadSpeedPercent:  cfg.UploadSpeedPercent,
		UploadsPerPerson:    cfg.UploadsPerPerson,
		AllowPartialSharing: cfg.AllowPartialSharing,
		QueueMinPollTime:    cfg.QueueMinPollTime,
		QueueMaxPollTime:    cfg.QueueMaxPollTime,
		RetryAfter:          cfg.RetryAfter,
		Now:                 cfg.now,
		Logger:              logger,
		Registerer:          cfg.Registerer,
	}, c.Slots, c.Library, cb)
	if err != nil {
		return nil, err
	}
	c.UploadHandler = upload.NewHandler(c.Uploads, logger)
	c.Incomplete = download.NewIncompleteFileManager(cfg.incompleteDir(), logger)
	c.Downloads, err = download.NewScheduler(
		download.Config{
			MaxSimDownloads: cfg.MaxSimDownloads,
			SaveDir:         cfg.saveDir(),
			Store:           c.store,
			Logger:          logger,
			Registerer:      cfg.Registerer,
		},
		c.Incomplete,
		&download.JobFactory{
			Incomplete:    c.Incomplete,
			Client:        cfg.HTTPClient,
			Limiter:       cfg.DownloadRateLimiter,
			MaxAttempts:   cfg.DownloadMaxAttempts,
			RetryInterval: cfg.DownloadRetryInterval,
			Now:           cfg.now,
			Logger:        logger,
		},
		cb,
		cb,
		c.runner,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ShareDir shares every regular file under dir.
func (c *Core) ShareDir(dir string) (n int, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, err := c.Library.Share(path); err != nil {
			c.logger.Levelf(log.Warning, "sharing %q: %v", path, err)
			return nil
		}
		n++
		return nil
	})
	return
}

// RestoreDownloads loads the download snapshot written by a previous run.
func (c *Core) RestoreDownloads(ctx context.Context) (download.LoadResult, error) {
	res, err := c.Downloads.LoadSnapshot(ctx)
	if err != nil {
		return res, err
	}
	switch {
	case res.NoneRead():
		c.logger.Levelf(log.Debug, "no downloads to restore")
	case res.AllFailed():
		c.logger.Levelf(log.Error, "none of %v saved downloads could be restored", res.Read)
	case res.SomeFailed():
		c.logger.Levelf(log.Warning, "%v of %v saved downloads could not be restored", res.Failed, res.Read)
	default:
		c.logger.Levelf(log.Info, "restored %v downloads", res.Loaded)
	}
	return res, nil
}

// NewHTTPServer returns a server that serves uploads on addr.
func (c *Core) NewHTTPServer(addr string, h http.Handler) *http.Server {
	if h == nil {
		h = c.UploadHandler
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ConnContext:       c.UploadHandler.ConnContext,
		ConnState:         c.UploadHandler.ConnState,
		ReadHeaderTimeout: c.cfg.QueueMaxPollTime,
	}
}

// Run drives the periodic work until ctx is done or the Core is closed.
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	var g errgroup.Group
	c.every(&g, ctx, "pump", c.cfg.PumpInterval, func(context.Context) {
		c.Downloads.Pump()
	})
	c.every(&g, ctx, "checkpoint", c.cfg.CheckpointInterval, func(ctx context.Context) {
		if err := c.Downloads.Checkpoint(ctx); err != nil {
			c.logger.Levelf(log.Warning, "checkpoint: %v", err)
		}
	})
	c.every(&g, ctx, "measure", c.cfg.MeasureInterval, func(context.Context) {
		c.MeasureBandwidth()
	})
	g.Wait()
	if c.closed.IsSet() {
		return nil
	}
	return ctx.Err()
}

func (c *Core) every(g *errgroup.Group, ctx context.Context, name string, interval time.Duration, f func(context.Context)) {
	if interval <= 0 {
		c.logger.Levelf(log.Debug, "%v disabled", name)
		return
	}
	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			c.tick(ctx, name, f)
		}
	})
}

func (c *Core) tick(ctx context.Context, name string, f func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Levelf(log.Error, "%v panicked: %v", name, r)
		}
	}()
	f(ctx)
}

// MeasureBandwidth samples all transfers.
func (c *Core) MeasureBandwidth() {
	c.Uploads.MeasureBandwidth()
	c.Uploads.MeasuredBandwidth()
	c.Downloads.MeasureBandwidth()
	c.Downloads.MeasuredBandwidth()
}

// Status is a one line summary of transfers.
func (c *Core) Status() string {
	kib := func(v float64) string {
		return humanize.IBytes(uint64(v * 1024))
	}
	return fmt.Sprintf(
		"%v shared, %v uploading (%v queued), %v downloading (%v waiting), up %s/s, down %s/s",
		c.Library.NumFiles(),
		c.Uploads.UploadsInProgress(),
		c.Uploads.NumQueuedUploads(),
		c.Downloads.NumActiveDownloads(),
		c.Downloads.NumWaitingDownloads(),
		kib(c.Uploads.LastMeasuredBandwidth()),
		kib(c.Downloads.LastMeasuredBandwidth()),
	)
}

// Close saves the downloads, stops them, and releases resources. Downloads stopped here stay in
// the snapshot.
func (c *Core) Close() error {
	if !c.closed.Set() {
		return nil
	}
	var errs []error
	if err := c.Downloads.WriteSnapshot(context.Background()); err != nil {
		errs = append(errs, err)
	}
	// No snapshot writes after this, so stopping downloads below doesn't drop them from it.
	c.runner.Close()
	for _, d := range c.Downloads.All() {
		d.Stop()
	}
	c.Library.Close()
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
