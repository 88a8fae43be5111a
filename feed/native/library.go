package native

import (
	"fmt"

	"github.com/padraicbc/racesync/feed"
)

// Library is the vendor client API. Methods return vendor status codes; the
// error result is reserved for failures of the binding itself.
type Library interface {
	Init(sid string) (int, error)
	Open(spec, fromTime string, option int) (OpenResult, error)
	Read() (ReadResult, error)
	Close() (int, error)
}

type OpenResult struct {
	Code          int
	ReadCount     int
	DownloadCount int
	LastStamp     string
}

// ReadResult is one Read call. Code > 0 is the record length.
type ReadResult struct {
	Code  int
	Data  []byte
	File  string
	Stamp string // YYYYMMDDhhmmss of File
}

// Open options. Incrementals read normally; bulk runs a setup read without
// the vendor dialog.
const (
	OptionNormal     = 1
	OptionSetupQuiet = 4
)

// Read and Open status codes.
const (
	codeEnd         = 0
	codeFileSwitch  = -1
	codeDownloading = -3
	codeNoData      = -1 // returned by Open when nothing is newer than fromTime
	codeAuthFirst   = -303
	codeAuthLast    = -301
	codeBusy        = -202
)

// codeErr maps a negative vendor code to the feed error taxonomy.
func codeErr(op string, code int) error {
	switch {
	case code >= codeAuthFirst && code <= codeAuthLast:
		return fmt.Errorf("%w: %s returned %d", feed.ErrAuthentication, op, code)
	case code == codeBusy:
		return &feed.RateLimitedError{RetryAfter: busyRetryAfter}
	}
	return fmt.Errorf("%w: %s returned %d", feed.ErrConnection, op, code)
}
