package collab

// the rich text editing widget, treated as an opaque component.
// content is a serializable value the core never interprets.

type EditSource string

const (
	// caused by direct user input
	EditSourceUser EditSource = "user"
	// caused by a programmatic content/selection update
	EditSourceApi EditSource = "api"
)

// a selection range inside the editor content
type CursorRange struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

type EditorChangeFunction = func(source EditSource)
type EditorSelectionFunction = func(r *CursorRange, source EditSource)

type Editor interface {
	GetContent() string
	SetContent(content string, emitEvent bool)

	AddChangeCallback(callback EditorChangeFunction) func()
	AddSelectionCallback(callback EditorSelectionFunction) func()

	Cursors() CursorOverlay
}

// remote collaborator cursor placeholders rendered over the editor
type CursorOverlay interface {
	CreateCursor(id Id, label string, color string)
	MoveCursor(id Id, r *CursorRange)
	RemoveCursor(id Id)
	ListCursors() []Id
}
