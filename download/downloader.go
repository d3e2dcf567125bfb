package download

import (
	"github.com/anacrolix/generics"

	"github.com/anacrolix/gnutella/bandwidth"
	"github.com/anacrolix/gnutella/memento"
	"github.com/anacrolix/gnutella/urn"
)

// Remover is how a Downloader hands itself back to the scheduler that owns it.
type Remover interface {
	// Completed downloads are finished. Otherwise the download goes back to waiting.
	Remove(d Downloader, completed bool)
}

// Downloader is one download job as the Scheduler sees it. The Scheduler calls these methods with
// its lock held, so implementations must not call back into the Scheduler synchronously from
// them.
type Downloader interface {
	Type() Type
	// Zero if unknown.
	SHA1() urn.URN
	FileName() string
	// -1 if unknown.
	Size() int64
	SaveFile() string
	IncompleteFile() string
	QueryGUID() generics.Option[GUID]

	// Initialize prepares resources. Called once, before the Downloader is first listed.
	Initialize(r Remover)
	// The download is doing work and should be left alone.
	IsAlive() bool
	// The download is over, and should be dropped from waiting.
	ShouldBeRemoved() bool
	// The download wants to run when there's room.
	ShouldBeRestarted() bool
	// The download accepts a position among the inactive downloads.
	IsQueuable() bool
	SetInactivePriority(p int)
	// Called each pump for downloads left waiting.
	HandleInactivity()
	StartDownload()
	// Stop aborts the download. It removes itself from its Remover asynchronously.
	Stop()
	// Finish releases resources once the download is no longer listed.
	Finish()

	// Conflicts reports whether the download is for the same content: the same hash, or without
	// one, the same size and a file name matching one of paths.
	Conflicts(sha1 urn.URN, size int64, paths ...string) bool
	ConflictsSaveFile(path string) bool
	ConflictsWithIncompleteFile(path string) bool

	Memento() memento.Memento

	bandwidth.Measurer
}

// Params describes a download to create.
type Params struct {
	Type     Type
	SHA1     urn.URN
	FileName string
	// -1 if unknown.
	Size      int64
	SaveFile  string
	QueryGUID generics.Option[GUID]
	Sources   []string
	// For resumed downloads. Otherwise one is assigned.
	IncompleteFile string
	Overwrite      bool
}

// Factory creates downloaders for the Scheduler.
type Factory interface {
	NewDownloader(p Params) (Downloader, error)
}

// Callback is told about downloads coming and going. Never called with the Scheduler's lock held.
type Callback interface {
	AddDownload(d Downloader)
	RemoveDownload(d Downloader)
	// The last download was removed.
	DownloadsComplete()
}

// QueryTracker is told when the download for a query finishes, so the query can be dropped.
type QueryTracker interface {
	DownloadFinished(guid GUID)
}

// ParamsFromMemento reverses Downloader.Memento.
func ParamsFromMemento(m memento.Memento) (p Params, err error) {
	p.Type, err = ParseType(m.Type)
	if err != nil {
		return
	}
	if m.SHA1 != "" {
		p.SHA1, err = urn.Parse(m.SHA1)
		if err != nil {
			return
		}
	}
	if m.QueryGUID != "" {
		var g GUID
		g, err = ParseGUID(m.QueryGUID)
		if err != nil {
			return
		}
		p.QueryGUID = generics.Some(g)
	}
	p.FileName = m.FileName
	p.Size = m.Size
	p.SaveFile = m.SaveFile
	p.IncompleteFile = m.IncompleteFile
	p.Sources = m.Sources
	// The save file may be our own partial output from before the restart.
	p.Overwrite = true
	return
}
