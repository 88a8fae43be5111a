//go:build windows

package native

import (
	"fmt"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"golang.org/x/text/encoding/japanese"
)

// largest record the vendor emits
const readBufferSize = 110000

// OLE binds to the vendor COM server registered under progID.
func OLE(progID string) Binding {
	var disp *ole.IDispatch
	return Binding{
		Setup: func() error {
			return ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED)
		},
		Open: func() (Library, error) {
			unk, err := oleutil.CreateObject(progID)
			if err != nil {
				return nil, fmt.Errorf("create %s: %w", progID, err)
			}
			defer unk.Release()
			d, err := unk.QueryInterface(ole.IID_IDispatch)
			if err != nil {
				return nil, fmt.Errorf("dispatch %s: %w", progID, err)
			}
			disp = d
			return &oleLibrary{disp: d}, nil
		},
		Teardown: func() {
			if disp != nil {
				disp.Release()
			}
			ole.CoUninitialize()
		},
	}
}

type oleLibrary struct {
	disp *ole.IDispatch
}

func code(v *ole.VARIANT) int {
	defer v.Clear()
	return int(int32(v.Val))
}

func (l *oleLibrary) Init(sid string) (int, error) {
	v, err := oleutil.CallMethod(l.disp, "JVInit", sid)
	if err != nil {
		return 0, err
	}
	return code(v), nil
}

func (l *oleLibrary) Open(spec, fromTime string, option int) (OpenResult, error) {
	var (
		readCount, downloadCount int32
		last                     string
	)
	v, err := oleutil.CallMethod(l.disp, "JVOpen", spec, fromTime, int32(option), &readCount, &downloadCount, &last)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{Code: code(v), ReadCount: int(readCount), DownloadCount: int(downloadCount), LastStamp: last}, nil
}

func (l *oleLibrary) Read() (ReadResult, error) {
	var (
		buf  string
		size int32 = readBufferSize
		file string
	)
	v, err := oleutil.CallMethod(l.disp, "JVRead", &buf, &size, &file)
	if err != nil {
		return ReadResult{}, err
	}
	rr := ReadResult{Code: code(v), File: file}
	if rr.Code > 0 {
		// the binding hands back UTF-16; the normalizer expects the vendor's Shift-JIS bytes
		data, err := japanese.ShiftJIS.NewEncoder().String(buf)
		if err != nil {
			return ReadResult{}, fmt.Errorf("re-encode record from %s: %w", file, err)
		}
		rr.Data = []byte(data)
	}
	return rr, nil
}

func (l *oleLibrary) Close() (int, error) {
	v, err := oleutil.CallMethod(l.disp, "JVClose")
	if err != nil {
		return 0, err
	}
	return code(v), nil
}
