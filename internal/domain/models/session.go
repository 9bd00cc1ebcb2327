package models

// SessionState is the server-persisted per-user editing session: which
// documents were open and which was active. It is a hint for other devices,
// not authoritative for document existence.
type SessionState struct {
	OpenDocumentIDs  []string `json:"openDocumentIds"`
	ActiveDocumentID *string  `json:"activeDocumentId"`
}

// Clone returns a copy with its own backing slice.
func (s *SessionState) Clone() *SessionState {
	c := &SessionState{
		OpenDocumentIDs: append([]string(nil), s.OpenDocumentIDs...),
	}
	if s.ActiveDocumentID != nil {
		v := *s.ActiveDocumentID
		c.ActiveDocumentID = &v
	}
	return c
}

// Equal reports whether two session snapshots describe the same open set and
// active document, in the same order.
func (s *SessionState) Equal(other *SessionState) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.OpenDocumentIDs) != len(other.OpenDocumentIDs) {
		return false
	}
	for i, id := range s.OpenDocumentIDs {
		if other.OpenDocumentIDs[i] != id {
			return false
		}
	}
	if (s.ActiveDocumentID == nil) != (other.ActiveDocumentID == nil) {
		return false
	}
	if s.ActiveDocumentID != nil && *s.ActiveDocumentID != *other.ActiveDocumentID {
		return false
	}
	return true
}
