package workspace

// MergeWorkspaces unions both sides by id. On a collision the local entry
// wins. The result is re-normalized.
func (n Normalizer) MergeWorkspaces(base, local WorkspaceState) WorkspaceState {
	merged := WorkspaceState{
		Folders: make([]Folder, 0, len(base.Folders)+len(local.Folders)),
		Files:   make([]File, 0, len(base.Files)+len(local.Files)),
	}
	b := base.Clone()
	l := local.Clone()
	merged.Folders = append(merged.Folders, b.Folders...)
	merged.Folders = append(merged.Folders, l.Folders...)
	merged.Files = append(merged.Files, b.Files...)
	merged.Files = append(merged.Files, l.Files...)
	return n.NormalizeWorkspace(merged)
}

// MergeReadings is MergeWorkspaces for reading lists.
func (n Normalizer) MergeReadings(base, local []Reading) []Reading {
	merged := make([]Reading, 0, len(base)+len(local))
	merged = append(merged, base...)
	merged = append(merged, local...)
	return n.NormalizeReadings(merged)
}
