// Package transport supplies one concrete, optional way of moving a
// rowsync.SyncChangeSet between two stores: a JSON-encoded file or stream.
// spec.md §6 leaves transport unspecified; this package exists so cmd/rowsync
// has something to drive.
package transport

import (
	"io"
	"os"

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"

	"gitlab.com/tozd/go/rowsync"
)

// WriteChangeSet encodes changeSet as JSON to w, using the same
// no-HTML-escaping policy the teacher applies to every JSON body it writes.
func WriteChangeSet(w io.Writer, changeSet rowsync.SyncChangeSet) errors.E {
	data, errE := x.MarshalWithoutEscapeHTML(changeSet)
	if errE != nil {
		return errE
	}
	if _, err := w.Write(data); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReadChangeSet decodes a rowsync.SyncChangeSet from r, rejecting unknown
// fields so a stale or mistyped transport file fails loudly instead of
// silently dropping data.
func ReadChangeSet(r io.Reader) (rowsync.SyncChangeSet, errors.E) {
	data, err := io.ReadAll(r)
	if err != nil {
		return rowsync.SyncChangeSet{}, errors.WithStack(err)
	}

	var changeSet rowsync.SyncChangeSet
	if errE := x.UnmarshalWithoutUnknownFields(data, &changeSet); errE != nil {
		return rowsync.SyncChangeSet{}, errE
	}
	return changeSet, nil
}

// WriteChangeSetFile writes changeSet to path, creating or truncating it. An
// empty path means stdout.
func WriteChangeSetFile(path string, changeSet rowsync.SyncChangeSet) errors.E {
	if path == "" {
		return WriteChangeSet(os.Stdout, changeSet)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	return WriteChangeSet(f, changeSet)
}

// ReadChangeSetFile reads a rowsync.SyncChangeSet from path. An empty path
// means stdin.
func ReadChangeSetFile(path string) (rowsync.SyncChangeSet, errors.E) {
	if path == "" {
		return ReadChangeSet(os.Stdin)
	}

	f, err := os.Open(path)
	if err != nil {
		return rowsync.SyncChangeSet{}, errors.WithStack(err)
	}
	defer f.Close()

	return ReadChangeSet(f)
}
