package tether

// nameTable assigns consecutive ids to names. Registering a known name returns its existing id.
type nameTable struct {
	ids   map[string]int32
	names []string
}

func newNameTable() *nameTable {
	return &nameTable{
		ids: map[string]int32{},
	}
}

func (t *nameTable) Register(name string) (int32, bool) {
	if id, exists := t.ids[name]; exists {
		return id, false
	}

	id := int32(len(t.names))
	t.ids[name] = id
	t.names = append(t.names, name)
	return id, true
}

func (t *nameTable) ID(name string) (int32, bool) {
	id, exists := t.ids[name]
	return id, exists
}

func (t *nameTable) Name(id int32) (string, bool) {
	if id < 0 || int(id) >= len(t.names) {
		return "", false
	}
	return t.names[id], true
}

func (t *nameTable) Len() int {
	return len(t.names)
}
