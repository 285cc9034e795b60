package workspace

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Normalizer coerces untrusted values into well-formed workspace state.
// The zero value uses DefaultTopology and the wall clock.
type Normalizer struct {
	Topology Topology
	Now      func() time.Time
}

func NewNormalizer() Normalizer {
	return Normalizer{Topology: DefaultTopology(), Now: time.Now}
}

func (n Normalizer) topology() Topology {
	if n.Topology.isZero() {
		return DefaultTopology()
	}
	return n.Topology
}

// NowMillis is the normalizer's clock in Unix milliseconds.
func (n Normalizer) NowMillis() int64 {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return now().UnixMilli()
}

// DefaultWorkspace seeds a brand-new scope.
func (n Normalizer) DefaultWorkspace() WorkspaceState {
	return n.topology().DefaultWorkspace(n.NowMillis())
}

// NormalizeWorkspace accepts decoded JSON (map[string]any) or a typed
// WorkspaceState. Anything else yields the default workspace.
func (n Normalizer) NormalizeWorkspace(raw any) WorkspaceState {
	now := n.NowMillis()
	var (
		folders []Folder
		files   []File
	)
	switch v := raw.(type) {
	case WorkspaceState:
		folders, files = n.cleanTyped(v, now)
	case *WorkspaceState:
		if v == nil {
			return n.topology().DefaultWorkspace(now)
		}
		folders, files = n.cleanTyped(*v, now)
	case map[string]any:
		for _, item := range asList(v["folders"]) {
			if folder, ok := folderFromRecord(item, now); ok {
				folders = append(folders, folder)
			}
		}
		for _, item := range asList(v["files"]) {
			if file, ok := fileFromRecord(item, now); ok {
				files = append(files, file)
			}
		}
	default:
		return n.topology().DefaultWorkspace(now)
	}
	return n.finishWorkspace(folders, files, now)
}

// NormalizeReadings accepts a decoded JSON list or a typed []Reading.
func (n Normalizer) NormalizeReadings(raw any) []Reading {
	now := n.NowMillis()
	out := make([]Reading, 0)
	switch v := raw.(type) {
	case []Reading:
		for _, reading := range v {
			if cleaned, ok := cleanReading(reading, now); ok {
				out = append(out, cleaned)
			}
		}
	case []any:
		for _, item := range v {
			if reading, ok := readingFromRecord(item, now); ok {
				out = append(out, reading)
			}
		}
	}
	out = collapseReadings(out)
	sortReadings(out)
	return out
}

// NormalizeSnapshot rebuilds a snapshot from a decoded persisted record,
// including reading companion files. A non-record yields the default
// snapshot at revision 0.
func (n Normalizer) NormalizeSnapshot(raw any) Snapshot {
	now := n.NowMillis()
	record, ok := raw.(map[string]any)
	if !ok {
		return Snapshot{
			Workspace: n.topology().DefaultWorkspace(now),
			Readings:  []Reading{},
			UpdatedAt: now,
		}
	}
	readings := n.NormalizeReadings(record["readings"])
	ws := n.EnsureReadingFiles(n.NormalizeWorkspace(record["workspace"]), readings)
	return Snapshot{
		Workspace: ws,
		Readings:  readings,
		Revision:  coerceRevision(record["revision"]),
		UpdatedAt: coerceTimestamp(record["updatedAt"], now),
	}
}

// Normalize re-normalizes a typed snapshot received from an untrusted peer.
func (n Normalizer) Normalize(snapshot Snapshot) Snapshot {
	readings := n.NormalizeReadings(snapshot.Readings)
	ws := n.EnsureReadingFiles(n.NormalizeWorkspace(snapshot.Workspace), readings)
	revision := snapshot.Revision
	if revision < 0 {
		revision = 0
	}
	updatedAt := snapshot.UpdatedAt
	if updatedAt <= 0 {
		updatedAt = n.NowMillis()
	}
	return Snapshot{
		Workspace: ws,
		Readings:  readings,
		Revision:  revision,
		UpdatedAt: updatedAt,
	}
}

func (n Normalizer) cleanTyped(ws WorkspaceState, now int64) ([]Folder, []File) {
	folders := make([]Folder, 0, len(ws.Folders))
	for _, folder := range ws.Folders {
		if cleaned, ok := cleanFolder(folder, now); ok {
			folders = append(folders, cleaned)
		}
	}
	files := make([]File, 0, len(ws.Files))
	for _, file := range ws.Files {
		if cleaned, ok := cleanFile(file, now); ok {
			files = append(files, cleaned)
		}
	}
	return folders, files
}

func (n Normalizer) finishWorkspace(folders []Folder, files []File, now int64) WorkspaceState {
	topology := n.topology()
	folders = collapseFolders(folders)
	files = collapseFiles(files)

	present := make(map[string]struct{}, len(folders))
	for _, folder := range folders {
		present[folder.ID] = struct{}{}
	}
	for _, seed := range topology.Folders {
		if _, ok := present[seed.ID]; !ok {
			folders = append(folders, topology.defaultFolder(seed, now))
		}
	}
	present = make(map[string]struct{}, len(files))
	for _, file := range files {
		present[file.ID] = struct{}{}
	}
	for _, seed := range topology.Files {
		if _, ok := present[seed.ID]; !ok {
			files = append(files, topology.defaultFile(seed, now))
		}
	}

	sortFolders(folders)
	sortFiles(files)
	breakFolderCycles(folders)
	return WorkspaceState{Folders: folders, Files: files}
}

func cleanFolder(folder Folder, now int64) (Folder, bool) {
	folder.ID = strings.TrimSpace(folder.ID)
	folder.Name = strings.TrimSpace(folder.Name)
	if folder.ID == "" || folder.Name == "" {
		return Folder{}, false
	}
	folder.ParentID = cleanOptional(folder.ParentID)
	if folder.CreatedAt <= 0 {
		folder.CreatedAt = now
	}
	return folder, true
}

func cleanFile(file File, now int64) (File, bool) {
	file.ID = strings.TrimSpace(file.ID)
	file.Name = strings.TrimSpace(file.Name)
	file.CanvasKey = strings.TrimSpace(file.CanvasKey)
	if file.ID == "" || file.Name == "" || file.CanvasKey == "" {
		return File{}, false
	}
	file.ParentID = cleanOptional(file.ParentID)
	file.ReadingID = cleanOptional(file.ReadingID)
	if file.Type == FileTypeReading && file.ReadingID != nil {
		file.Type = FileTypeReading
	} else {
		file.Type = FileTypeCanvas
		file.ReadingID = nil
	}
	if file.CreatedAt <= 0 {
		file.CreatedAt = now
	}
	return file, true
}

func cleanReading(reading Reading, now int64) (Reading, bool) {
	reading.ID = strings.TrimSpace(reading.ID)
	reading.Title = strings.TrimSpace(reading.Title)
	if reading.ID == "" || reading.Title == "" {
		return Reading{}, false
	}
	reading.Content = CleanContent(reading.Content)
	if reading.CreatedAt <= 0 {
		reading.CreatedAt = now
	}
	return reading, true
}

func folderFromRecord(item any, now int64) (Folder, bool) {
	record, ok := item.(map[string]any)
	if !ok {
		return Folder{}, false
	}
	return cleanFolder(Folder{
		ID:        asString(record["id"]),
		Name:      asString(record["name"]),
		ParentID:  optionalString(record["parentId"]),
		CreatedAt: coerceTimestamp(record["createdAt"], now),
	}, now)
}

func fileFromRecord(item any, now int64) (File, bool) {
	record, ok := item.(map[string]any)
	if !ok {
		return File{}, false
	}
	return cleanFile(File{
		ID:        asString(record["id"]),
		Name:      asString(record["name"]),
		ParentID:  optionalString(record["parentId"]),
		Type:      FileType(strings.TrimSpace(asString(record["type"]))),
		CreatedAt: coerceTimestamp(record["createdAt"], now),
		CanvasKey: asString(record["canvasKey"]),
		ReadingID: optionalString(record["readingId"]),
	}, now)
}

func readingFromRecord(item any, now int64) (Reading, bool) {
	record, ok := item.(map[string]any)
	if !ok {
		return Reading{}, false
	}
	return cleanReading(Reading{
		ID:        asString(record["id"]),
		Title:     asString(record["title"]),
		Content:   contentString(record["content"]),
		CreatedAt: coerceTimestamp(record["createdAt"], now),
	}, now)
}

// CleanContent collapses whitespace runs to one space, trims, and truncates
// to MaxReadingContentChars runes.
func CleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) > MaxReadingContentChars {
		content = strings.TrimSpace(string(runes[:MaxReadingContentChars]))
	}
	return content
}

func asList(value any) []any {
	list, _ := value.([]any)
	return list
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func optionalString(value any) *string {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	return cleanOptional(&s)
}

func cleanOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func contentString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func asNumber(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func coerceTimestamp(value any, now int64) int64 {
	f, ok := asNumber(value)
	if !ok || f < 1 || f >= math.MaxInt64 {
		return now
	}
	return int64(f)
}

func coerceRevision(value any) int64 {
	f, ok := asNumber(value)
	if !ok || f < 0 || f >= math.MaxInt64 || f != math.Trunc(f) {
		return 0
	}
	return int64(f)
}

// Later entries win on duplicate ids; position is irrelevant because the
// result is sorted afterwards.
func collapseFolders(in []Folder) []Folder {
	index := make(map[string]int, len(in))
	out := make([]Folder, 0, len(in))
	for _, folder := range in {
		if i, ok := index[folder.ID]; ok {
			out[i] = folder
			continue
		}
		index[folder.ID] = len(out)
		out = append(out, folder)
	}
	return out
}

func collapseFiles(in []File) []File {
	index := make(map[string]int, len(in))
	out := make([]File, 0, len(in))
	for _, file := range in {
		if i, ok := index[file.ID]; ok {
			out[i] = file
			continue
		}
		index[file.ID] = len(out)
		out = append(out, file)
	}
	return out
}

func collapseReadings(in []Reading) []Reading {
	index := make(map[string]int, len(in))
	out := make([]Reading, 0, len(in))
	for _, reading := range in {
		if i, ok := index[reading.ID]; ok {
			out[i] = reading
			continue
		}
		index[reading.ID] = len(out)
		out = append(out, reading)
	}
	return out
}

func sortFolders(folders []Folder) {
	sort.SliceStable(folders, func(i, j int) bool {
		return entryLess(folders[i].CreatedAt, folders[i].Name, folders[i].ID, folders[j].CreatedAt, folders[j].Name, folders[j].ID)
	})
}

func sortFiles(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		return entryLess(files[i].CreatedAt, files[i].Name, files[i].ID, files[j].CreatedAt, files[j].Name, files[j].ID)
	})
}

func sortReadings(readings []Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return entryLess(readings[i].CreatedAt, readings[i].Title, readings[i].ID, readings[j].CreatedAt, readings[j].Title, readings[j].ID)
	})
}

func entryLess(aCreated int64, aName, aID string, bCreated int64, bName, bID string) bool {
	if aCreated != bCreated {
		return aCreated < bCreated
	}
	if aName != bName {
		return aName < bName
	}
	return aID < bID
}
