package events

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// DownloadStarted fires when a block file stream begins.
type DownloadStarted struct {
	Ticket string
	Host   string
	Hashes []string
}

func (DownloadStarted) EventName() string { return "download_started" }

// DownloadFinished fires when a batch for one host is done.
type DownloadFinished struct {
	Ticket     string
	Host       string
	Downloaded int
	Failed     int
}

func (DownloadFinished) EventName() string { return "download_finished" }

// UploadFinished fires when an upload batch completes.
type UploadFinished struct {
	Uploaded  int
	Skipped   int
	Forbidden int
}

func (UploadFinished) EventName() string { return "upload_finished" }

// BandwidthChanged fires when the per-slot download limit is recomputed.
type BandwidthChanged struct {
	PerSlot     int64
	ActiveSlots int64
}

func (BandwidthChanged) EventName() string { return "bandwidth_changed" }

// ConfigReloaded fires after the configuration file was re-read.
type ConfigReloaded struct {
	Err error
}

func (ConfigReloaded) EventName() string { return "config_reloaded" }

// TransferFailed is the user-facing notification about files that could
// not be moved.
type TransferFailed struct {
	Deferred
	Direction string
	Hashes    []string
	Bytes     int64
}

func (TransferFailed) EventName() string { return "transfer_failed" }

// Text renders the notification shown to the user.
func (t TransferFailed) Text() string {
	shown := t.Hashes
	more := ""
	if len(shown) > 5 {
		more = fmt.Sprintf(" and %d more", len(shown)-5)
		shown = shown[:5]
	}
	return fmt.Sprintf("%d file(s) failed to %s (%s): %s%s",
		len(t.Hashes), t.Direction, humanize.Bytes(uint64(max(t.Bytes, 0))), strings.Join(shown, ", "), more)
}
