package transfer

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Relay endpoints, relative to a host's base URI.
const (
	PathCacheGet          = "/cache/get"
	PathRequestEnqueue    = "/request/enqueue"
	PathRequestCheck      = "/request/check"
	PathRequestCancel     = "/request/cancel"
	PathFilesGetSizes     = "/files/getFileSizes"
	PathFilesSend         = "/files/filesSend"
	PathFilesUpload       = "/files/upload/"
	PathFilesUploadMunged = "/files/uploadMunged/"
	PathFilesDeleteAll    = "/files/deleteAll"
)

// DownloadFileDTO is one entry of the getFileSizes response.
type DownloadFileDTO struct {
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	RawSize     int64  `json:"rawSize"`
	URL         string `json:"url"`
	IsForbidden bool   `json:"isForbidden"`
	ForbiddenBy string `json:"forbiddenBy"`
}

// FilesSendDTO asks the relay which of FileHashes it still needs.
type FilesSendDTO struct {
	FileHashes []string `json:"fileHashes"`
	UIDs       []string `json:"uids"`
}

// UploadFileDTO is one entry of the filesSend response. Every returned hash
// either needs uploading or is forbidden.
type UploadFileDTO struct {
	Hash        string `json:"hash"`
	IsForbidden bool   `json:"isForbidden"`
	ForbiddenBy string `json:"forbiddenBy"`
}

// Endpoint joins base and path and optionally sets the requestId query.
func Endpoint(base *url.URL, path string, ticket *uuid.UUID) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	if ticket != nil {
		q := url.Values{}
		q.Set("requestId", ticket.String())
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// CacheGetURL is GET /cache/get?requestId={ticket}.
func CacheGetURL(base *url.URL, ticket uuid.UUID) string {
	return Endpoint(base, PathCacheGet, &ticket)
}

// EnqueueURL is POST /request/enqueue.
func EnqueueURL(base *url.URL) string { return Endpoint(base, PathRequestEnqueue, nil) }

// CheckURL is GET /request/check?requestId={ticket}.
func CheckURL(base *url.URL, ticket uuid.UUID) string {
	return Endpoint(base, PathRequestCheck, &ticket)
}

// CancelURL is GET /request/cancel?requestId={ticket}.
func CancelURL(base *url.URL, ticket uuid.UUID) string {
	return Endpoint(base, PathRequestCancel, &ticket)
}

// GetSizesURL is GET /files/getFileSizes.
func GetSizesURL(base *url.URL) string { return Endpoint(base, PathFilesGetSizes, nil) }

// FilesSendURL is POST /files/filesSend.
func FilesSendURL(base *url.URL) string { return Endpoint(base, PathFilesSend, nil) }

// UploadURL is POST /files/upload/{hash} or /files/uploadMunged/{hash}.
func UploadURL(base *url.URL, hash string, munged bool) string {
	if munged {
		return Endpoint(base, PathFilesUploadMunged+hash, nil)
	}
	return Endpoint(base, PathFilesUpload+hash, nil)
}

// DeleteAllURL is POST /files/deleteAll.
func DeleteAllURL(base *url.URL) string { return Endpoint(base, PathFilesDeleteAll, nil) }

// HostKey groups URLs by host:port, filling in the scheme's default port.
func HostKey(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}
