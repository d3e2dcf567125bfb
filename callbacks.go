package gnutella

import (
	"github.com/anacrolix/log"

	"github.com/anacrolix/gnutella/download"
	"github.com/anacrolix/gnutella/upload"
)

// These are called synchronously, without the managers' locks held, and do not pass ownership.
// nil functions are not called.
type Callbacks struct {
	UploadAdded   func(*upload.Uploader)
	UploadRemoved func(*upload.Uploader)
	// A download was added, or restored from the snapshot.
	DownloadAdded func(download.Downloader)
	// The download is no longer listed. It may have completed, failed or been stopped.
	DownloadRemoved func(download.Downloader)
	// The download started by a query is over, so the query can be dropped.
	QueryDownloadFinished func(download.GUID)
}

// coreCallbacks receives events from the managers on behalf of a Core.
type coreCallbacks struct {
	c *Core
}

var (
	_ upload.Callback       = coreCallbacks{}
	_ download.Callback     = coreCallbacks{}
	_ download.QueryTracker = coreCallbacks{}
)

func (me coreCallbacks) AddUpload(u *upload.Uploader) {
	me.c.logger.Levelf(log.Debug, "upload added: %v", u)
	if f := me.c.callbacks.UploadAdded; f != nil {
		f(u)
	}
}

func (me coreCallbacks) RemoveUpload(u *upload.Uploader) {
	me.c.logger.Levelf(log.Debug, "upload removed: %v", u)
	if f := me.c.callbacks.UploadRemoved; f != nil {
		f(u)
	}
}

func (me coreCallbacks) UploadsComplete() {
	me.c.logger.Levelf(log.Debug, "no uploads in progress")
}

func (me coreCallbacks) HandleSharedFileUpdate(path string) {
	me.c.logger.Levelf(log.Debug, "shared file %q changed", path)
}

func (me coreCallbacks) AddDownload(d download.Downloader) {
	me.c.logger.Levelf(log.Debug, "download added: %v", d)
	if f := me.c.callbacks.DownloadAdded; f != nil {
		f(d)
	}
}

// Completed downloads are shared.
func (me coreCallbacks) RemoveDownload(d download.Downloader) {
	me.c.logger.Levelf(log.Debug, "download removed: %v", d)
	if j, ok := d.(*download.Job); ok && j.State() == download.Complete && !me.c.closed.IsSet() {
		if _, err := me.c.Library.Share(j.SaveFile()); err != nil {
			me.c.logger.Levelf(log.Warning, "sharing completed download: %v", err)
		}
	}
	if f := me.c.callbacks.DownloadRemoved; f != nil {
		f(d)
	}
}

func (me coreCallbacks) DownloadsComplete() {
	me.c.logger.Levelf(log.Info, "all downloads complete")
}

func (me coreCallbacks) DownloadFinished(guid download.GUID) {
	if f := me.c.callbacks.QueryDownloadFinished; f != nil {
		f(guid)
	}
}
