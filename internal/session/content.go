package session

import (
	"sort"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

// Content is the document a session carries. The session drives synchronization and routing;
// the content only knows its own messages.
type Content interface {
	// SyncMessages returns the messages that transfer the full state.
	SyncMessages() []*protocol.Message
	// ApplySync consumes one content message of an incoming synchronization.
	ApplySync(msg *protocol.Message) error
	// Received applies a live message.
	Received(msg *protocol.Message) error
	// Save returns the persistent form.
	Save() *protocol.Message
	// Load replaces the state from its persistent form.
	Load(doc *protocol.Message) error
}

// Factory creates empty content of one note type.
type Factory func() Content

var factories = map[string]Factory{
	TextType: func() Content { return NewText("") },
}

// Register adds a note type. It is meant to be called from init functions.
func Register(typ string, f Factory) { factories[typ] = f }

// NewContent returns empty content of typ.
func NewContent(typ string) (Content, bool) {
	f, ok := factories[typ]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Types returns the registered note types.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TextType is the type of plain text notes.
const TextType = "text"

const (
	syncContent = "sync-content"
	setContent  = "set-content"
	docContent  = "content"
)

// Text is a plain text document replicated by whole-content replacement.
type Text struct {
	text      string
	listeners []func(string)
}

// NewText returns a document holding s.
func NewText(s string) *Text { return &Text{text: s} }

func (t *Text) String() string { return t.text }

// OnChange registers fn to run after every change.
func (t *Text) OnChange(fn func(string)) { t.listeners = append(t.listeners, fn) }

// SetMessage builds the live message replacing the text on behalf of user.
func (t *Text) SetMessage(user uint32, text string) *protocol.Message {
	return protocol.NewMessage(setContent).SetUint(protocol.AttrUser, uint64(user)).SetText(text)
}

func (t *Text) set(s string) {
	t.text = s
	for _, fn := range t.listeners {
		fn(s)
	}
}

func (t *Text) SyncMessages() []*protocol.Message {
	return []*protocol.Message{protocol.NewMessage(syncContent).SetText(t.text)}
}

func (t *Text) ApplySync(msg *protocol.Message) error {
	if msg.Name() != syncContent {
		return errs.Newf(errs.DomainSession, errs.CodeSyncUnexpectedMessage,
			"unexpected '%s' in text synchronization", msg.Name())
	}
	t.set(msg.Text)
	return nil
}

func (t *Text) Received(msg *protocol.Message) error {
	if msg.Name() != setContent {
		return errs.Newf(errs.DomainRequest, errs.CodeUnexpectedMessage,
			"unexpected '%s' for text note", msg.Name())
	}
	t.set(msg.Text)
	return nil
}

func (t *Text) Save() *protocol.Message {
	return protocol.NewMessage(docContent).SetText(t.text)
}

func (t *Text) Load(doc *protocol.Message) error {
	c := doc.Child(docContent)
	if c == nil {
		return errs.Newf(errs.DomainStorage, errs.CodeInvalidFormat, "text note has no <%s>", docContent)
	}
	t.text = c.Text
	return nil
}
