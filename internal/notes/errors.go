package notes

import "errors"

var (
	// ErrCreate is returned when the server does not acknowledge a new note.
	ErrCreate = errors.New("notes: server rejected note creation")

	// ErrUnsaved is returned when an update or delete is attempted on a note
	// that has never been persisted. It is a caller bug, not a server state.
	ErrUnsaved = errors.New("notes: note has no etag")

	ErrNoUID            = errors.New("notes: note has no uid")
	ErrDetached         = errors.New("notes: note is not attached to a calendar")
	ErrCalendarNotFound = errors.New("notes: calendar not found")
	ErrNoteNotFound     = errors.New("notes: note not found")
)
