package workspace

// EnsureReadingFiles gives every reading exactly one companion file under the
// readings folder. A missing companion is synthesized with the reading's
// createdAt, so independent clients produce identical entries; an existing
// one has its type, readingId, parent and name brought back in line. The
// result is normalized and ws is left untouched.
func (n Normalizer) EnsureReadingFiles(ws WorkspaceState, readings []Reading) WorkspaceState {
	topology := n.topology()
	readings = n.NormalizeReadings(readings)

	next := ws.Clone()
	index := make(map[string]int, len(next.Files))
	for i, file := range next.Files {
		index[file.ID] = i
	}
	for _, reading := range readings {
		id := ReadingFileID(reading.ID)
		if i, ok := index[id]; ok {
			existing := next.Files[i]
			existing.Name = reading.Title
			existing.Type = FileTypeReading
			existing.ReadingID = stringPtr(reading.ID)
			existing.ParentID = stringPtr(topology.ReadingsFolderID)
			if existing.CanvasKey == "" {
				existing.CanvasKey = ReadingCanvasKey(reading.ID)
			}
			next.Files[i] = existing
			continue
		}
		index[id] = len(next.Files)
		next.Files = append(next.Files, File{
			ID:        id,
			Name:      reading.Title,
			ParentID:  stringPtr(topology.ReadingsFolderID),
			Type:      FileTypeReading,
			CreatedAt: reading.CreatedAt,
			CanvasKey: ReadingCanvasKey(reading.ID),
			ReadingID: stringPtr(reading.ID),
		})
	}
	return n.NormalizeWorkspace(next)
}
