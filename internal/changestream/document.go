package changestream

import (
	"github.com/rzbill/changeflo/internal/changecoll"
	"github.com/rzbill/changeflo/internal/resumetoken"
)

// Document is an event as delivered to clients, with the token that resumes
// right after it.
type Document struct {
	ID resumetoken.Token `json:"_id"`
	changecoll.Event
}

// Document wraps an event emitted by this cursor.
func (c *Cursor) Document(ev changecoll.Event) Document {
	return Document{ID: c.w.codec.Encode(resumetoken.FromEvent(ev)), Event: ev}
}
