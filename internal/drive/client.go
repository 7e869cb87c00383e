// Package drive talks to the Google Drive v3 REST API. It covers only the
// surface the ingestion pipeline needs: the changes feed, file metadata,
// content download, folder moves, and watch channel management.
package drive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors for Drive client failures.
var (
	ErrDriveUnreachable = errors.New("drive unreachable")
	ErrDriveTimeout     = errors.New("drive request timeout")
	ErrDriveAuth        = errors.New("drive authentication failed")
	ErrDriveQuota       = errors.New("drive quota exceeded")
	ErrDriveRequest     = errors.New("drive request error")
	ErrFileNotFound     = errors.New("drive file not found")
)

// File is the subset of Drive file metadata the pipeline reads.
type File struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MimeType    string   `json:"mimeType"`
	Parents     []string `json:"parents"`
	WebViewLink string   `json:"webViewLink"`
	Trashed     bool     `json:"trashed"`
}

// Change is one entry in the changes feed.
type Change struct {
	FileID  string `json:"fileId"`
	Removed bool   `json:"removed"`
	File    *File  `json:"file"`
}

// ChangesPage is one page of the changes feed. Exactly one of NextPageToken
// and NewStartPageToken is set: NextPageToken when more pages follow,
// NewStartPageToken when the feed is drained.
type ChangesPage struct {
	Changes           []Change `json:"changes"`
	NextPageToken     string   `json:"nextPageToken"`
	NewStartPageToken string   `json:"newStartPageToken"`
}

// Channel describes a push notification channel on the changes feed.
type Channel struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	// Expiration is milliseconds since epoch, as Drive reports it.
	Expiration int64 `json:"expiration,string"`
}

// Client is the interface for Drive operations. Implementations serialize
// calls internally so callers may share one client across goroutines.
type Client interface {
	// StartPageToken returns the token marking "now" in the changes feed.
	StartPageToken(ctx context.Context) (string, error)
	// Changes fetches one page of the changes feed starting at pageToken.
	Changes(ctx context.Context, pageToken string) (*ChangesPage, error)
	// ListFolder returns the non-trashed files directly under folderID.
	ListFolder(ctx context.Context, folderID string) ([]File, error)
	// GetFile fetches metadata for a single file.
	GetFile(ctx context.Context, fileID string) (*File, error)
	// Download fetches the raw content of a file.
	Download(ctx context.Context, fileID string) ([]byte, error)
	// Move reparents a file from one folder to another.
	Move(ctx context.Context, fileID, fromFolderID, toFolderID string) error
	// Watch registers a push channel on the changes feed.
	Watch(ctx context.Context, pageToken string, ch Channel, address, token string) (*Channel, error)
	// StopWatch tears down a push channel.
	StopWatch(ctx context.Context, ch Channel) error
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDriveTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrDriveTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrDriveUnreachable, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrDriveUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrDriveUnreachable, err)
}

// retryable reports whether an error is worth another attempt. Auth and
// quota failures are permanent for the life of a request; retrying them
// only burns quota faster.
func retryable(err error) bool {
	if errors.Is(err, ErrDriveAuth) || errors.Is(err, ErrDriveQuota) || errors.Is(err, ErrFileNotFound) {
		return false
	}
	return errors.Is(err, ErrDriveTimeout) || errors.Is(err, ErrDriveUnreachable) || errors.Is(err, ErrDriveRequest)
}

// backoffDelay returns the delay before retry attempt n (0-based), with
// jitter so concurrent callers do not stampede.
func backoffDelay(n int, jitter func() float64) time.Duration {
	base := time.Duration(1<<uint(n)) * 500 * time.Millisecond
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	return base + time.Duration(jitter()*float64(500*time.Millisecond))
}
