// Package workspace holds the shared folder/file/reading hierarchy of a scope
// and the pure functions that turn untrusted input into a well-formed value.
//
// Nothing in this package performs I/O. Every exported normalization entry
// point is total: malformed input degrades to "absent" field by field, and
// the result always carries the default topology and one companion file per
// reading.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type FileType string

const (
	FileTypeCanvas  FileType = "canvas"
	FileTypeReading FileType = "reading"
)

// MaxReadingContentChars caps Reading.Content, counted in runes.
const MaxReadingContentChars = 18000

type Folder struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ParentID  *string `json:"parentId"`
	CreatedAt int64   `json:"createdAt"`
}

type File struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ParentID  *string  `json:"parentId"`
	Type      FileType `json:"type"`
	CreatedAt int64    `json:"createdAt"`
	CanvasKey string   `json:"canvasKey"`
	ReadingID *string  `json:"readingId,omitempty"`
}

type Reading struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

type WorkspaceState struct {
	Folders []Folder `json:"folders"`
	Files   []File   `json:"files"`
}

// Snapshot is the unit of authoritative truth for one scope.
type Snapshot struct {
	Workspace WorkspaceState `json:"workspace"`
	Readings  []Reading      `json:"readings"`
	Revision  int64          `json:"revision"`
	UpdatedAt int64          `json:"updatedAt"`
}

// ReadingFileID is the id of the navigation entry that belongs to a reading.
func ReadingFileID(readingID string) string {
	return "reading-" + readingID
}

// ReadingCanvasKey names the content document of a reading's companion file.
func ReadingCanvasKey(readingID string) string {
	return "reading-canvas-" + readingID
}

// FindFile returns the file with the given id.
func (w WorkspaceState) FindFile(id string) (File, bool) {
	for _, file := range w.Files {
		if file.ID == id {
			return file, true
		}
	}
	return File{}, false
}

// FindFolder returns the folder with the given id.
func (w WorkspaceState) FindFolder(id string) (Folder, bool) {
	for _, folder := range w.Folders {
		if folder.ID == id {
			return folder, true
		}
	}
	return Folder{}, false
}

// Clone returns a deep copy; pointer fields are not shared with w.
func (w WorkspaceState) Clone() WorkspaceState {
	out := WorkspaceState{
		Folders: make([]Folder, 0, len(w.Folders)),
		Files:   make([]File, 0, len(w.Files)),
	}
	for _, folder := range w.Folders {
		folder.ParentID = cloneString(folder.ParentID)
		out.Folders = append(out.Folders, folder)
	}
	for _, file := range w.Files {
		file.ParentID = cloneString(file.ParentID)
		file.ReadingID = cloneString(file.ReadingID)
		out.Files = append(out.Files, file)
	}
	return out
}

func CloneReadings(readings []Reading) []Reading {
	out := make([]Reading, len(readings))
	copy(out, readings)
	return out
}

type fingerprintPayload struct {
	Workspace WorkspaceState `json:"workspace"`
	Readings  []Reading      `json:"readings"`
}

// Fingerprint is a canonical digest of an already normalized workspace and
// reading list. Two states with the same fingerprint are semantically equal.
func Fingerprint(ws WorkspaceState, readings []Reading) string {
	payload := fingerprintPayload{
		Workspace: WorkspaceState{
			Folders: ws.Folders,
			Files:   ws.Files,
		},
		Readings: readings,
	}
	if payload.Workspace.Folders == nil {
		payload.Workspace.Folders = []Folder{}
	}
	if payload.Workspace.Files == nil {
		payload.Workspace.Files = []File{}
	}
	if payload.Readings == nil {
		payload.Readings = []Reading{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Only plain strings and integers reach here.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func stringPtr(value string) *string {
	return &value
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	return stringPtr(*value)
}
