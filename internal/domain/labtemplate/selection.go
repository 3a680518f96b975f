package labtemplate

// selection is an insertion-ordered set of template ids. It is not safe for
// concurrent use; the Store guards it with its own mutex.
type selection struct {
	ids   []string
	index map[string]struct{}
}

func newSelection() *selection {
	return &selection{index: make(map[string]struct{})}
}

// add reports whether id was inserted.
func (s *selection) add(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// remove reports whether id was present.
func (s *selection) remove(id string) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i:i], s.ids[i+1:]...)
			break
		}
	}
	return true
}

func (s *selection) clear() {
	s.ids = nil
	s.index = make(map[string]struct{})
}

func (s *selection) list() []string {
	return append([]string{}, s.ids...)
}
