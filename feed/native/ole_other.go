//go:build !windows

package native

import "github.com/padraicbc/racesync/feed"

// OLE is only available on Windows, where the vendor library is installed.
func OLE(progID string) Binding {
	return Binding{Open: func() (Library, error) { return nil, feed.ErrUnsupported }}
}
