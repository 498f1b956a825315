package types

import (
	"github.com/gofrs/uuid"
)

type (
	// File unique identifier
	FileUIDType = uuid.UUID
	// Job (Temporal workflow) identifier
	JobIDType = string
)

// FileStatus is the pipeline state of a file.
type FileStatus string

const (
	FileStatusUploaded    FileStatus = "uploaded"
	FileStatusParsing     FileStatus = "parsing"
	FileStatusParsed      FileStatus = "parsed"
	FileStatusParseFailed FileStatus = "parse_failed"
	FileStatusIndexing    FileStatus = "indexing"
	FileStatusIndexed     FileStatus = "indexed"
	FileStatusIndexFailed FileStatus = "index_failed"
)

var fileStatuses = map[FileStatus]bool{
	FileStatusUploaded:    true,
	FileStatusParsing:     true,
	FileStatusParsed:      true,
	FileStatusParseFailed: true,
	FileStatusIndexing:    true,
	FileStatusIndexed:     true,
	FileStatusIndexFailed: true,
}

// IsValid reports whether s is a known status.
func (s FileStatus) IsValid() bool {
	return fileStatuses[s]
}

// IsTransient returns true for the "-ing" states, the only ones in which a
// file may hold a task claim.
func (s FileStatus) IsTransient() bool {
	return s == FileStatusParsing || s == FileStatusIndexing
}

// IsTerminal returns true when no further automatic transition follows s.
func (s FileStatus) IsTerminal() bool {
	switch s {
	case FileStatusParsed, FileStatusParseFailed, FileStatusIndexed, FileStatusIndexFailed:
		return true
	}
	return false
}

// TaskKind is the pipeline stage performed by a claimed job.
type TaskKind string

const (
	TaskKindParse TaskKind = "parse"
	TaskKindIndex TaskKind = "index"
	// TaskKindResetIndex jobs operate on a collection and never claim a file.
	TaskKindResetIndex TaskKind = "reset_index"
)

// IsValid reports whether k is a file-claiming task kind.
func (k TaskKind) IsValid() bool {
	return k == TaskKindParse || k == TaskKindIndex
}

// InProgress returns the status a file takes while a task of this kind runs.
func (k TaskKind) InProgress() FileStatus {
	switch k {
	case TaskKindParse:
		return FileStatusParsing
	case TaskKindIndex:
		return FileStatusIndexing
	}
	return ""
}

// Succeeded returns the terminal success status for the kind.
func (k TaskKind) Succeeded() FileStatus {
	switch k {
	case TaskKindParse:
		return FileStatusParsed
	case TaskKindIndex:
		return FileStatusIndexed
	}
	return ""
}

// Failed returns the terminal failure status for the kind.
func (k TaskKind) Failed() FileStatus {
	switch k {
	case TaskKindParse:
		return FileStatusParseFailed
	case TaskKindIndex:
		return FileStatusIndexFailed
	}
	return ""
}

// ClaimableFrom lists the statuses from which a task of this kind can be
// claimed. Parsing can be re-run from any settled state; indexing needs
// extracted text.
func (k TaskKind) ClaimableFrom() []FileStatus {
	switch k {
	case TaskKindParse:
		return []FileStatus{
			FileStatusUploaded,
			FileStatusParsed,
			FileStatusParseFailed,
			FileStatusIndexed,
			FileStatusIndexFailed,
		}
	case TaskKindIndex:
		return []FileStatus{
			FileStatusParsed,
			FileStatusIndexed,
			FileStatusIndexFailed,
		}
	}
	return nil
}

// TaskKindFromStatus maps a transient status back to the kind of task that
// produced it.
func TaskKindFromStatus(s FileStatus) (TaskKind, bool) {
	switch s {
	case FileStatusParsing:
		return TaskKindParse, true
	case FileStatusIndexing:
		return TaskKindIndex, true
	}
	return "", false
}

// ProgressNotStarted is the progress sentinel of a stage that never ran.
const ProgressNotStarted = -1.0
