package upload

import (
	"fmt"
)

// State of an Uploader. Uploaders start Connecting, move to at most one response state, and end
// Complete or Interrupted.
type State int

const (
	Connecting State = iota
	Uploading
	ThexRequest
	UnavailableRange
	FileNotFound
	Queued
	LimitReached
	BannedGreedy
	BrowseHost
	UpdateFile
	PushProxy
	MalformedRequest
	Complete
	Interrupted
)

var stateNames = [...]string{
	Connecting:       "connecting",
	Uploading:        "uploading",
	ThexRequest:      "thex request",
	UnavailableRange: "unavailable range",
	FileNotFound:     "file not found",
	Queued:           "queued",
	LimitReached:     "limit reached",
	BannedGreedy:     "banned greedy",
	BrowseHost:       "browse host",
	UpdateFile:       "update file",
	PushProxy:        "push proxy",
	MalformedRequest: "malformed request",
	Complete:         "complete",
	Interrupted:      "interrupted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) IsDone() bool {
	return s == Complete || s == Interrupted
}

// IsTransfer is true for states where file content was actually sent.
func (s State) IsTransfer() bool {
	return s == Uploading || s == ThexRequest
}

// canTransition reports whether a move from s to to keeps the state machine monotonic.
func (s State) canTransition(to State) bool {
	switch {
	case s.IsDone():
		return false
	case s == Connecting:
		return to != Connecting
	default:
		// A queued request that's later granted a slot on the same connection starts a new
		// Uploader, so response states only move to the terminal ones.
		return to.IsDone()
	}
}

// Kind is what an upload request is for.
type Kind int

const (
	SharedFile Kind = iota
	// Files that are always served and don't consume slots.
	ForcedShare
	HeadRequest
	InvalidURN
	Malformed
	BrowseHostRequest
	UpdateFileRequest
	PushProxyRequest
)

// IsInternal is true for requests that don't count towards a shared file's statistics.
func (k Kind) IsInternal() bool {
	return k != SharedFile
}

// QueueStatus is the outcome of admission.
type QueueStatus int

const (
	// Admission doesn't apply, for example for HEAD requests and already admitted connections.
	StatusBypass QueueStatus = iota
	StatusAccepted
	StatusQueued
	StatusRejected
	StatusBanned
)

func (qs QueueStatus) String() string {
	switch qs {
	case StatusBypass:
		return "bypass"
	case StatusAccepted:
		return "accepted"
	case StatusQueued:
		return "queued"
	case StatusRejected:
		return "rejected"
	case StatusBanned:
		return "banned"
	}
	return fmt.Sprintf("QueueStatus(%d)", int(qs))
}
