package workspace

// breakFolderCycles re-roots every folder whose parent chain leads back to
// itself. Folders are expected in sorted order, so the earliest member of a
// cycle is the one detached. Parents that name a missing folder are kept.
func breakFolderCycles(folders []Folder) {
	index := make(map[string]int, len(folders))
	for i, folder := range folders {
		index[folder.ID] = i
	}
	for i := range folders {
		start := folders[i].ID
		seen := map[string]struct{}{start: {}}
		current := folders[i].ParentID
		for current != nil {
			if *current == start {
				folders[i].ParentID = nil
				break
			}
			if _, loop := seen[*current]; loop {
				// A cycle further up that does not include this folder.
				break
			}
			seen[*current] = struct{}{}
			j, ok := index[*current]
			if !ok {
				break
			}
			current = folders[j].ParentID
		}
	}
}

// Node is one folder in the navigation tree with its direct children.
type Node struct {
	Folder  Folder
	Folders []*Node
	Files   []File
}

// Tree arranges a workspace for display. Folders whose parent is missing are
// shown at the root, as are files whose parent folder is missing. Order
// follows the workspace order.
type Tree struct {
	Folders []*Node
	Files   []File
}

func BuildTree(ws WorkspaceState) Tree {
	nodes := make(map[string]*Node, len(ws.Folders))
	for _, folder := range ws.Folders {
		nodes[folder.ID] = &Node{Folder: folder}
	}
	var tree Tree
	for _, folder := range ws.Folders {
		node := nodes[folder.ID]
		parent := resolveParent(nodes, folder.ParentID, folder.ID)
		if parent == nil {
			tree.Folders = append(tree.Folders, node)
			continue
		}
		parent.Folders = append(parent.Folders, node)
	}
	for _, file := range ws.Files {
		parent := resolveParent(nodes, file.ParentID, "")
		if parent == nil {
			tree.Files = append(tree.Files, file)
			continue
		}
		parent.Files = append(parent.Files, file)
	}
	return tree
}

func resolveParent(nodes map[string]*Node, parentID *string, self string) *Node {
	if parentID == nil || *parentID == self {
		return nil
	}
	return nodes[*parentID]
}

// Walk visits folders depth first. depth is 0 for root entries. A folder is
// visited at most once.
func (t Tree) Walk(visitFolder func(depth int, folder Folder), visitFile func(depth int, file File)) {
	seen := map[string]struct{}{}
	var walk func(depth int, node *Node)
	walk = func(depth int, node *Node) {
		if _, ok := seen[node.Folder.ID]; ok {
			return
		}
		seen[node.Folder.ID] = struct{}{}
		if visitFolder != nil {
			visitFolder(depth, node.Folder)
		}
		for _, child := range node.Folders {
			walk(depth+1, child)
		}
		if visitFile != nil {
			for _, file := range node.Files {
				visitFile(depth+1, file)
			}
		}
	}
	for _, node := range t.Folders {
		walk(0, node)
	}
	if visitFile != nil {
		for _, file := range t.Files {
			visitFile(0, file)
		}
	}
}
