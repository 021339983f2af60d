// Package cursor provides the total-order token used as a message
// watermark, both globally ("seen") and per group ("delivered").
package cursor

// Cursor orders messages by timestamp with the message ID as a
// lexicographic tiebreak. The zero value sorts before everything.
type Cursor struct {
	Timestamp int64  `json:"ts"`
	ID        string `json:"id"`
}

// After reports whether c is strictly after other. Equal cursors are
// not after each other.
func (c Cursor) After(other Cursor) bool {
	if c.Timestamp != other.Timestamp {
		return c.Timestamp > other.Timestamp
	}
	return c.ID > other.ID
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.Timestamp == 0 && c.ID == ""
}

// Max returns the later of the two cursors.
func Max(a, b Cursor) Cursor {
	if b.After(a) {
		return b
	}
	return a
}
