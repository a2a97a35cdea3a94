package tether

// translationTable maps wire ids announced by one peer to local ids. The mapping is kept
// bijective: announcing a name under a new remote id moves the binding of its local id.
type translationTable struct {
	toLocal  map[int32]int32
	toRemote map[int32]int32
	names    map[int32]string
}

func newTranslationTable() *translationTable {
	return &translationTable{
		toLocal:  map[int32]int32{},
		toRemote: map[int32]int32{},
		names:    map[int32]string{},
	}
}

// Map binds remote id to local id.
func (t *translationTable) Map(remote int32, name string, local int32) {
	if prevLocal, exists := t.toLocal[remote]; exists && prevLocal != local {
		delete(t.toRemote, prevLocal)
	}
	if prevRemote, exists := t.toRemote[local]; exists && prevRemote != remote {
		delete(t.toLocal, prevRemote)
		delete(t.names, prevRemote)
	}

	t.toLocal[remote] = local
	t.toRemote[local] = remote
	t.names[remote] = name
}

func (t *translationTable) Local(remote int32) (int32, bool) {
	local, exists := t.toLocal[remote]
	return local, exists
}

func (t *translationTable) Remote(local int32) (int32, bool) {
	remote, exists := t.toRemote[local]
	return remote, exists
}

func (t *translationTable) Name(remote int32) (string, bool) {
	name, exists := t.names[remote]
	return name, exists
}

func (t *translationTable) Len() int {
	return len(t.toLocal)
}
