package gnutella

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	SnapshotFile = "file"
	SnapshotBolt = "bolt"
)

// Probably not safe to modify this after it's given to a Core.
type Config struct {
	// Declared connection speed in kbit/s.
	ConnectionSpeed int `arg:"--connection-speed" help:"connection speed in kbit/s"`
	// Percentage of the connection given to uploads. 100 leaves uploads unlimited.
	UploadSpeedPercent int `arg:"--upload-percent" help:"percentage of bandwidth for uploads, 100 is unlimited"`
	// Maximum concurrent uploads to, and queued requests from, one host.
	UploadsPerPerson int `arg:"--uploads-per-person"`
	// Upload slots.
	HardMaxUploads  int `arg:"--max-uploads"`
	UploadQueueSize int `arg:"--upload-queue"`
	// Downloads running at once, not counting in-network and store downloads.
	MaxSimDownloads int `arg:"--max-downloads"`
	// Serve parts of files that are still downloading.
	AllowPartialSharing bool `arg:"--partial-sharing"`

	QueueMinPollTime time.Duration `arg:"--queue-min-poll"`
	QueueMaxPollTime time.Duration `arg:"--queue-max-poll"`
	// Suggested wait sent to requesters that were turned away.
	RetryAfter time.Duration `arg:"--retry-after"`

	PumpInterval       time.Duration `arg:"--pump-interval"`
	CheckpointInterval time.Duration `arg:"--checkpoint-interval"`
	MeasureInterval    time.Duration `arg:"--measure-interval"`

	// Rounds of failed sources before a download gives up.
	DownloadMaxAttempts   int           `arg:"--download-attempts"`
	DownloadRetryInterval time.Duration `arg:"--download-retry"`

	// Holds the download snapshot and incomplete files.
	DataDir string `arg:"--data-dir" help:"directory for snapshots and incomplete files"`
	// Where downloads are saved. Defaults to "saved" in DataDir.
	SaveDir string `arg:"--save-dir"`
	// Either SnapshotFile or SnapshotBolt.
	SnapshotBackend string `arg:"--snapshot-backend" help:"file or bolt"`

	// Limits the combined rate of downloads. Nil is unlimited.
	DownloadRateLimiter *rate.Limiter `arg:"-"`
	// Used by downloads. Defaults to http.DefaultClient.
	HTTPClient *http.Client          `arg:"-"`
	Logger     log.Logger            `arg:"-"`
	Registerer prometheus.Registerer `arg:"-"`
	// Defaults to time.Now.
	Now       func() time.Time `arg:"-"`
	Callbacks Callbacks        `arg:"-"`
}

func NewDefaultConfig() *Config {
	return &Config{
		ConnectionSpeed:       1000,
		UploadSpeedPercent:    100,
		UploadsPerPerson:      3,
		HardMaxUploads:        10,
		UploadQueueSize:       10,
		MaxSimDownloads:       8,
		AllowPartialSharing:   true,
		QueueMinPollTime:      45 * time.Second,
		QueueMaxPollTime:      2 * time.Minute,
		RetryAfter:            time.Minute,
		PumpInterval:          time.Second,
		CheckpointInterval:    30 * time.Second,
		MeasureInterval:       time.Second,
		DownloadMaxAttempts:   5,
		DownloadRetryInterval: time.Minute,
		DataDir:               ".",
		SnapshotBackend:       SnapshotFile,
		Logger:                log.Default,
	}
}

func (cfg *Config) saveDir() string {
	if cfg.SaveDir != "" {
		return cfg.SaveDir
	}
	return filepath.Join(cfg.DataDir, "saved")
}

func (cfg *Config) incompleteDir() string {
	return filepath.Join(cfg.DataDir, "incomplete")
}

func (cfg *Config) now() time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return time.Now()
}
