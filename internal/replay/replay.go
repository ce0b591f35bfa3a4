// Package replay reads recorded note sessions and plays them back against a live session.
//
// A record looks like
//
//	<record type="text">
//	  <initial>
//	    <user name="ann"/>
//	    <content>first draft</content>
//	  </initial>
//	  <user name="bob"/>
//	  <request user="bob"><set-content>second draft</set-content></request>
//	  <leave name="bob"/>
//	</record>
//
// Users are referenced by name; ids are assigned by whoever accepts the joins.
package replay

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/storage"
)

const (
	elemRecord  = "record"
	elemInitial = "initial"
	elemUser    = "user"
	elemRequest = "request"
	elemLeave   = "leave"
)

// StepKind says what a Step does.
type StepKind int

const (
	StepJoin StepKind = iota
	StepRequest
	StepLeave
)

func (k StepKind) String() string {
	switch k {
	case StepJoin:
		return "join"
	case StepRequest:
		return "request"
	case StepLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Step is one recorded event. Message is set for requests only.
type Step struct {
	Kind    StepKind
	User    string
	Message *protocol.Message
}

// Record is a parsed session record.
type Record struct {
	Type    string
	Initial *protocol.Message
	Steps   []Step
}

func invalid(format string, args ...any) error {
	return errs.Newf(errs.DomainStorage, errs.CodeInvalidFormat, format, args...)
}

// Parse reads a record document.
func Parse(r io.Reader) (*Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	doc, err := storage.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if doc.Name() != elemRecord {
		return nil, invalid("expected <%s>, got <%s>", elemRecord, doc.Name())
	}
	typ, ok := doc.Attr(protocol.AttrType)
	if !ok {
		typ = session.TextType
	}
	if _, ok := session.NewContent(typ); !ok {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeTypeUnknown, "note type %q is not supported", typ)
	}

	rec := &Record{Type: typ}
	for i, c := range doc.Children {
		switch c.Name() {
		case elemInitial:
			if i != 0 {
				return nil, invalid("<%s> must come first", elemInitial)
			}
			rec.Initial = c
		case elemUser, elemLeave:
			name, err := c.Required(protocol.AttrName)
			if err != nil {
				return nil, err
			}
			kind := StepJoin
			if c.Name() == elemLeave {
				kind = StepLeave
			}
			rec.Steps = append(rec.Steps, Step{Kind: kind, User: name})
		case elemRequest:
			name, err := c.Required(protocol.AttrUser)
			if err != nil {
				return nil, err
			}
			if len(c.Children) != 1 {
				return nil, invalid("request of %q must hold exactly one message", name)
			}
			rec.Steps = append(rec.Steps, Step{Kind: StepRequest, User: name, Message: c.Children[0]})
		default:
			return nil, invalid("unexpected <%s> in record", c.Name())
		}
	}
	return rec, nil
}

// InitialUsers returns the names of the users present when recording started.
func (r *Record) InitialUsers() []string {
	if r.Initial == nil {
		return nil
	}
	var names []string
	for _, c := range r.Initial.Children {
		if c.Name() != elemUser {
			continue
		}
		if name, ok := c.Attr(protocol.AttrName); ok {
			names = append(names, name)
		}
	}
	return names
}

// InitialSession builds the session the record starts from. Initial users are restored
// unavailable, with ids in order of appearance.
func (r *Record) InitialSession(log *zap.Logger) (*session.Session, error) {
	doc := protocol.NewMessage("note").Set(protocol.AttrType, r.Type)
	if r.Initial != nil {
		var id uint32
		for _, c := range r.Initial.Children {
			if c.Name() == elemUser {
				id++
				u := c.Clone()
				if !u.Has(protocol.AttrID) {
					u.SetUint(protocol.AttrID, uint64(id))
				}
				doc.Add(u)
				continue
			}
			doc.Add(c.Clone())
		}
	}
	if doc.Child("content") == nil && r.Type == session.TextType {
		doc.Add(session.NewText("").Save())
	}
	return session.FromDocument(log, doc)
}

// Target is a session that a record is played against.
type Target interface {
	// Join adds a user and returns the id it got.
	Join(ctx context.Context, name string) (uint32, error)
	Leave(ctx context.Context, id uint32) error
	// Apply performs a content change already addressed to its user.
	Apply(ctx context.Context, msg *protocol.Message) error
}

// Stats summarizes a playback.
type Stats struct {
	Joins    int
	Requests int
	Leaves   int
}

// Play joins the initial users, then replays every step in order. It stops at the first
// failing step.
func (r *Record) Play(ctx context.Context, t Target) (Stats, error) {
	var st Stats
	ids := make(map[string]uint32)

	join := func(name string) error {
		if _, ok := ids[name]; ok {
			return invalid("user %q joined twice", name)
		}
		id, err := t.Join(ctx, name)
		if err != nil {
			return fmt.Errorf("join %q: %w", name, err)
		}
		ids[name] = id
		st.Joins++
		return nil
	}

	for _, name := range r.InitialUsers() {
		if err := join(name); err != nil {
			return st, err
		}
	}

	for i, s := range r.Steps {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		var err error
		switch s.Kind {
		case StepJoin:
			err = join(s.User)
		case StepLeave:
			id, ok := ids[s.User]
			if !ok {
				return st, invalid("step %d: %q left without joining", i, s.User)
			}
			if err = t.Leave(ctx, id); err == nil {
				delete(ids, s.User)
				st.Leaves++
			}
		case StepRequest:
			id, ok := ids[s.User]
			if !ok {
				return st, invalid("step %d: request from %q who has not joined", i, s.User)
			}
			msg := s.Message.Clone().SetUint(protocol.AttrUser, uint64(id))
			if err = t.Apply(ctx, msg); err == nil {
				st.Requests++
			}
		}
		if err != nil {
			return st, fmt.Errorf("step %d (%s %q): %w", i, s.Kind, s.User, err)
		}
	}
	return st, nil
}
