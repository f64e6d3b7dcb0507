package tui

// ScrollState manages the cursor and scroll offset of the status list.
// While Follow is set the cursor tracks the newest entry as entries arrive.
type ScrollState struct {
	Cursor      int // Selected entry index
	Offset      int // First visible entry index
	VisibleRows int // Set on window resize
	Follow      bool
}

// Up moves the cursor up by one and stops following.
// Returns true if the cursor changed.
func (s *ScrollState) Up() bool {
	if s.Cursor <= 0 {
		return false
	}
	s.Follow = false
	s.Cursor--
	if s.Cursor < s.Offset {
		s.Offset = s.Cursor
	}
	return true
}

// Down moves the cursor down by one.
// Returns true if the cursor changed.
func (s *ScrollState) Down(count int) bool {
	if s.Cursor >= count-1 {
		return false
	}
	s.SetCursorTo(s.Cursor + 1)
	return true
}

// PageUp moves the cursor up by one screen and stops following.
func (s *ScrollState) PageUp() {
	if s.Cursor == 0 {
		return
	}
	s.Follow = false
	s.SetCursorTo(max(s.Cursor-s.page(), 0))
}

// PageDown moves the cursor down by one screen.
func (s *ScrollState) PageDown(count int) {
	if count <= 0 {
		return
	}
	s.SetCursorTo(min(s.Cursor+s.page(), count-1))
}

func (s *ScrollState) page() int {
	if s.VisibleRows > 1 {
		return s.VisibleRows - 1
	}
	return 1
}

// First moves the cursor to the oldest entry and stops following.
func (s *ScrollState) First() {
	s.Follow = false
	s.Cursor = 0
	s.Offset = 0
}

// Last moves the cursor to the newest entry, adjusting the offset to show it.
func (s *ScrollState) Last(count int) {
	if count <= 0 {
		s.Cursor, s.Offset = 0, 0
		return
	}
	s.Cursor = count - 1
	if s.VisibleRows > 0 && s.Cursor >= s.VisibleRows {
		s.Offset = s.Cursor - s.VisibleRows + 1
	} else {
		s.Offset = 0
	}
}

// Sync reconciles the state with a new entry count: it jumps to the newest
// entry while following and otherwise keeps the cursor in range.
func (s *ScrollState) Sync(count int) {
	if s.Follow {
		s.Last(count)
		return
	}
	if s.Cursor >= count {
		s.Cursor = count - 1
	}
	if s.Cursor < 0 {
		s.Cursor = 0
	}
	if s.Offset > s.Cursor {
		s.Offset = s.Cursor
	}
	if s.VisibleRows > 0 && s.Cursor >= s.Offset+s.VisibleRows {
		s.Offset = s.Cursor - s.VisibleRows + 1
	}
}

// VisibleRange returns the start (inclusive) and end (exclusive) indices
// of entries to render.
func (s *ScrollState) VisibleRange(count int) (start, end int) {
	start = s.Offset
	end = s.Offset + s.VisibleRows
	if end > count {
		end = count
	}
	if start > end {
		start = end
	}
	return start, end
}

// SetCursorTo moves the cursor to index, adjusting the offset to keep it
// visible.
func (s *ScrollState) SetCursorTo(index int) {
	s.Cursor = index
	if s.Cursor < s.Offset {
		s.Offset = s.Cursor
	}
	if s.VisibleRows > 0 && s.Cursor >= s.Offset+s.VisibleRows {
		s.Offset = s.Cursor - s.VisibleRows + 1
	}
}
