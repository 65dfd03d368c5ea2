package specstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"
)

func TestExclusiveCreateConflict(t *testing.T) {
	exists := func(string) (os.FileInfo, error) { return nil, nil }
	missing := func(string) (os.FileInfo, error) { return nil, fs.ErrNotExist }
	notCalled := func(string) (os.FileInfo, error) {
		t.Error("stat called for an already classified error")
		return nil, fs.ErrNotExist
	}

	if !exclusiveCreateConflict(fs.ErrExist, notCalled, "p") {
		t.Error("fs.ErrExist must be a conflict without a stat round trip")
	}
	if exclusiveCreateConflict(fs.ErrNotExist, notCalled, "p") {
		t.Error("missing parent is not a conflict")
	}
	if exclusiveCreateConflict(fs.ErrPermission, notCalled, "p") {
		t.Error("permission failure is not a conflict")
	}

	// A generic failure is a conflict only when the path turns out to exist.
	generic := fmt.Errorf("sftp: %q (SSH_FX_FAILURE)", "Failure")
	if !exclusiveCreateConflict(generic, exists, "p") {
		t.Error("generic failure with the file present must be a conflict")
	}
	if exclusiveCreateConflict(generic, missing, "p") {
		t.Error("generic failure with no file must not be a conflict")
	}
	if exclusiveCreateConflict(errors.New("connection lost"), missing, "p") {
		t.Error("transport failure must not be a conflict")
	}
}
