package workspace

import (
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func fixedClock() time.Time { return time.UnixMilli(testNow) }

func idGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z0-9]{1,6}`)
}

func readingGenerator() *rapid.Generator[Reading] {
	return rapid.Custom(func(t *rapid.T) Reading {
		return Reading{
			ID:        idGenerator().Draw(t, "readingID"),
			Title:     rapid.StringMatching(`[A-Za-z ]{0,12}`).Draw(t, "title"),
			Content:   rapid.StringMatching(`[a-z \n\t]{0,40}`).Draw(t, "content"),
			CreatedAt: rapid.Int64Range(-5, 50).Draw(t, "createdAt"),
		}
	})
}

func optionalIDGenerator() *rapid.Generator[*string] {
	return rapid.Custom(func(t *rapid.T) *string {
		if rapid.Bool().Draw(t, "hasID") {
			return nil
		}
		id := rapid.SampledFrom([]string{CoreFolderID, ReadingsFolderID, "f1", "f2", "f3", ""}).Draw(t, "ref")
		return &id
	})
}

func workspaceGenerator() *rapid.Generator[WorkspaceState] {
	return rapid.Custom(func(t *rapid.T) WorkspaceState {
		folders := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Folder {
			return Folder{
				ID:        rapid.SampledFrom([]string{CoreFolderID, SketchesFolderID, "f1", "f2", "f3"}).Draw(t, "folderID"),
				Name:      rapid.StringMatching(`[A-Za-z]{0,6}`).Draw(t, "folderName"),
				ParentID:  optionalIDGenerator().Draw(t, "folderParent"),
				CreatedAt: rapid.Int64Range(0, 50).Draw(t, "folderCreatedAt"),
			}
		}), 0, 6).Draw(t, "folders")
		files := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) File {
			file := File{
				ID:        rapid.SampledFrom([]string{WeeklyPrepFileID, "g1", "g2", "reading-a", "reading-b"}).Draw(t, "fileID"),
				Name:      rapid.StringMatching(`[A-Za-z]{0,6}`).Draw(t, "fileName"),
				ParentID:  optionalIDGenerator().Draw(t, "fileParent"),
				Type:      rapid.SampledFrom([]FileType{FileTypeCanvas, FileTypeReading, "other"}).Draw(t, "type"),
				CreatedAt: rapid.Int64Range(0, 50).Draw(t, "fileCreatedAt"),
				CanvasKey: rapid.StringMatching(`[a-z]{0,4}`).Draw(t, "canvasKey"),
			}
			if rapid.Bool().Draw(t, "hasReadingID") {
				file.ReadingID = stringPtr(idGenerator().Draw(t, "fileReadingID"))
			}
			return file
		}), 0, 6).Draw(t, "files")
		return WorkspaceState{Folders: folders, Files: files}
	})
}

func testEnsureReadingFilesIdempotent(t *rapid.T) {
	n := Normalizer{Topology: DefaultTopology(), Now: fixedClock}
	ws := workspaceGenerator().Draw(t, "workspace")
	readings := rapid.SliceOfN(readingGenerator(), 0, 6).Draw(t, "readings")

	once := n.EnsureReadingFiles(ws, readings)
	twice := n.EnsureReadingFiles(once, readings)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("EnsureReadingFiles is not idempotent:\n%+v\n%+v", once, twice)
	}
}

func TestEnsureReadingFilesIdempotentProperty(t *testing.T) {
	rapid.Check(t, testEnsureReadingFilesIdempotent)
}

func testReadingLinkTotality(t *rapid.T) {
	n := Normalizer{Topology: DefaultTopology(), Now: fixedClock}
	ws := workspaceGenerator().Draw(t, "workspace")
	readings := n.NormalizeReadings(rapid.SliceOfN(readingGenerator(), 0, 8).Draw(t, "readings"))

	out := n.EnsureReadingFiles(ws, readings)
	for _, reading := range readings {
		id := ReadingFileID(reading.ID)
		if got := countFile(out, id); got != 1 {
			t.Fatalf("expected exactly one file %s, got %d", id, got)
		}
		link, _ := out.FindFile(id)
		if link.Type != FileTypeReading || link.ReadingID == nil || *link.ReadingID != reading.ID {
			t.Fatalf("link %s is not a reading file: %+v", id, link)
		}
		if link.ParentID == nil || *link.ParentID != ReadingsFolderID {
			t.Fatalf("link %s is not under the readings folder: %+v", id, link)
		}
		if link.Name != reading.Title {
			t.Fatalf("link %s name %q does not match title %q", id, link.Name, reading.Title)
		}
	}
}

func TestReadingLinkTotalityProperty(t *testing.T) {
	rapid.Check(t, testReadingLinkTotality)
}

func testDefaultInjection(t *rapid.T) {
	n := Normalizer{Topology: DefaultTopology(), Now: fixedClock}
	ws := n.NormalizeWorkspace(workspaceGenerator().Draw(t, "workspace"))
	for _, id := range []string{CoreFolderID, ReadingsFolderID, SketchesFolderID} {
		if got := countFolder(ws, id); got != 1 {
			t.Fatalf("expected exactly one %s, got %d", id, got)
		}
	}
	for _, id := range []string{WeeklyPrepFileID, QuestionSpaceFileID} {
		if got := countFile(ws, id); got != 1 {
			t.Fatalf("expected exactly one %s, got %d", id, got)
		}
	}
	for _, folder := range ws.Folders {
		if folder.ParentID != nil && *folder.ParentID == folder.ID {
			t.Fatalf("folder %s is its own parent", folder.ID)
		}
	}
}

func TestDefaultInjectionProperty(t *testing.T) {
	rapid.Check(t, testDefaultInjection)
}

func TestEnsureReadingFilesDoesNotMutateInput(t *testing.T) {
	n := testNormalizer()
	ws := n.NormalizeWorkspace(nil)
	before := ws.Clone()
	_ = n.EnsureReadingFiles(ws, []Reading{{ID: "r1", Title: "Intro", CreatedAt: 5}})
	if !reflect.DeepEqual(ws, before) {
		t.Fatalf("expected input workspace to be unchanged")
	}
}

func TestEnsureReadingFilesRepairsDriftedLink(t *testing.T) {
	n := testNormalizer()
	ws := n.NormalizeWorkspace(WorkspaceState{Files: []File{{
		ID:        ReadingFileID("r1"),
		Name:      "Old title",
		ParentID:  stringPtr(SketchesFolderID),
		Type:      FileTypeCanvas,
		CreatedAt: 9,
		CanvasKey: "custom-key",
	}}})
	out := n.EnsureReadingFiles(ws, []Reading{{ID: "r1", Title: "New title", CreatedAt: 5}})
	link, _ := out.FindFile(ReadingFileID("r1"))
	if link.Name != "New title" || link.Type != FileTypeReading || *link.ParentID != ReadingsFolderID {
		t.Fatalf("expected drifted link to be repaired, got %+v", link)
	}
	if link.CanvasKey != "custom-key" || link.CreatedAt != 9 {
		t.Fatalf("expected canvasKey and createdAt kept, got %+v", link)
	}
}

func TestEnsureReadingFilesDistinctCanvasKeys(t *testing.T) {
	n := testNormalizer()
	out := n.EnsureReadingFiles(n.NormalizeWorkspace(nil), []Reading{
		{ID: "r1", Title: "Same", CreatedAt: 1},
		{ID: "r2", Title: "Same", CreatedAt: 1},
	})
	a, _ := out.FindFile(ReadingFileID("r1"))
	b, _ := out.FindFile(ReadingFileID("r2"))
	if a.CanvasKey == b.CanvasKey {
		t.Fatalf("expected distinct canvas keys, both %q", a.CanvasKey)
	}
}
