package workspace

const (
	CoreFolderID        = "folder-core"
	ReadingsFolderID    = "folder-readings"
	SketchesFolderID    = "folder-sketches"
	WeeklyPrepFileID    = "file-weekly-prep"
	QuestionSpaceFileID = "file-question-space"
)

// Topology is the set of folders and files that must exist in every
// workspace, plus the folder that hosts reading companion files.
// CreatedAt on the seed entries is ignored.
type Topology struct {
	Folders          []Folder
	Files            []File
	ReadingsFolderID string
}

func DefaultTopology() Topology {
	return Topology{
		Folders: []Folder{
			{ID: CoreFolderID, Name: "Core Workspace"},
			{ID: ReadingsFolderID, Name: "Readings"},
			{ID: SketchesFolderID, Name: "Sketches"},
		},
		Files: []File{
			{
				ID:        WeeklyPrepFileID,
				Name:      "Weekly Prep",
				ParentID:  stringPtr(CoreFolderID),
				Type:      FileTypeCanvas,
				CanvasKey: "canvas-weekly-prep",
			},
			{
				ID:        QuestionSpaceFileID,
				Name:      "Question Space",
				ParentID:  stringPtr(CoreFolderID),
				Type:      FileTypeCanvas,
				CanvasKey: "canvas-question-space",
			},
		},
		ReadingsFolderID: ReadingsFolderID,
	}
}

func (t Topology) isZero() bool {
	return len(t.Folders) == 0 && len(t.Files) == 0 && t.ReadingsFolderID == ""
}

// DefaultWorkspace returns the topology's folders and files, all created at ts.
func (t Topology) DefaultWorkspace(ts int64) WorkspaceState {
	out := WorkspaceState{
		Folders: make([]Folder, 0, len(t.Folders)),
		Files:   make([]File, 0, len(t.Files)),
	}
	for _, folder := range t.Folders {
		out.Folders = append(out.Folders, t.defaultFolder(folder, ts))
	}
	for _, file := range t.Files {
		out.Files = append(out.Files, t.defaultFile(file, ts))
	}
	sortFolders(out.Folders)
	sortFiles(out.Files)
	return out
}

func (t Topology) defaultFolder(seed Folder, ts int64) Folder {
	seed.ParentID = cloneString(seed.ParentID)
	seed.CreatedAt = ts
	return seed
}

func (t Topology) defaultFile(seed File, ts int64) File {
	seed.ParentID = cloneString(seed.ParentID)
	seed.ReadingID = cloneString(seed.ReadingID)
	if seed.Type == "" {
		seed.Type = FileTypeCanvas
	}
	seed.CreatedAt = ts
	return seed
}
