package replay

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
	"github.com/and161185/gophnotes/internal/proxy"
	"github.com/and161185/gophnotes/internal/session"
	"github.com/and161185/gophnotes/internal/transport"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<record type="text">
  <initial>
    <user name="ann" hue="0.25"/>
    <content>first draft</content>
  </initial>
  <user name="bob"/>
  <request user="bob"><set-content>second draft</set-content></request>
  <leave name="bob"/>
  <request user="ann"><set-content>final</set-content></request>
</record>`

func TestParse(t *testing.T) {
	t.Parallel()

	rec, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, session.TextType, rec.Type)
	require.Equal(t, []string{"ann"}, rec.InitialUsers())
	require.Len(t, rec.Steps, 4)
	require.Equal(t, StepJoin, rec.Steps[0].Kind)
	require.Equal(t, StepRequest, rec.Steps[1].Kind)
	require.Equal(t, "set-content", rec.Steps[1].Message.Name())
	require.Equal(t, StepLeave, rec.Steps[2].Kind)
	require.Equal(t, "ann", rec.Steps[3].User)
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"root":          `<note type="text"/>`,
		"type":          `<record type="drawing"/>`,
		"element":       `<record><cursor user="a"/></record>`,
		"late initial":  `<record><user name="a"/><initial/></record>`,
		"empty request": `<record><request user="a"/></record>`,
	} {
		_, err := Parse(strings.NewReader(doc))
		require.Error(t, err, name)
	}

	_, err := Parse(strings.NewReader(`<record><user/></record>`))
	require.ErrorIs(t, err, errs.New(errs.DomainRequest, errs.CodeNoSuchAttribute))
}

func TestInitialSession(t *testing.T) {
	t.Parallel()

	rec, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	sess, err := rec.InitialSession(zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, "first draft", sess.Content().(*session.Text).String())
	ann, ok := sess.Users().LookupName("ann")
	require.True(t, ok)
	require.Equal(t, uint32(1), ann.ID)
	require.Equal(t, 0.25, ann.Hue)
	require.Equal(t, session.UserUnavailable, ann.Status)
}

func newLocal(t *testing.T, rec *Record) (*proxy.Proxy, *Local) {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := transport.NewManager(log)
	g, err := m.OpenGroup(protocol.SessionGroup(1), transport.MethodCentral, nil)
	require.NoError(t, err)
	sess, err := rec.InitialSession(log)
	require.NoError(t, err)
	p := proxy.New(log, sess, g, proxy.Options{})
	t.Cleanup(p.Close)
	return p, NewLocal(p)
}

func TestPlay_Local(t *testing.T) {
	t.Parallel()

	rec, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	p, target := newLocal(t, rec)

	st, err := rec.Play(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, Stats{Joins: 2, Requests: 2, Leaves: 1}, st)

	sess := p.Session()
	require.Equal(t, "final", sess.Content().(*session.Text).String())

	ann, ok := sess.Users().LookupName("ann")
	require.True(t, ok)
	require.Equal(t, uint32(1), ann.ID, "initial user rejoins under its stored id")
	require.Equal(t, session.UserAvailable, ann.Status)

	bob, ok := sess.Users().LookupName("bob")
	require.True(t, ok)
	require.Equal(t, uint32(2), bob.ID)
	require.Equal(t, session.UserUnavailable, bob.Status)
	require.Len(t, p.LocalUsers(), 1)
}

func TestPlay_StepErrors(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"request before join": `<record><request user="x"><set-content>a</set-content></request></record>`,
		"leave before join":   `<record><leave name="x"/></record>`,
		"double join":         `<record><user name="x"/><user name="x"/></record>`,
	} {
		rec, err := Parse(strings.NewReader(doc))
		require.NoError(t, err, name)
		_, target := newLocal(t, rec)
		_, err = rec.Play(context.Background(), target)
		require.ErrorIs(t, err, errs.New(errs.DomainStorage, errs.CodeInvalidFormat), name)
	}

	rec, err := Parse(strings.NewReader(`<record><user name="x"/><request user="x"><cursor/></request></record>`))
	require.NoError(t, err)
	_, target := newLocal(t, rec)
	st, err := rec.Play(context.Background(), target)
	require.ErrorIs(t, err, errs.New(errs.DomainRequest, errs.CodeUnexpectedMessage))
	require.Equal(t, 1, st.Joins)
}

func TestPlay_Cancelled(t *testing.T) {
	t.Parallel()

	rec, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	_, target := newLocal(t, rec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rec.Play(ctx, target)
	require.ErrorIs(t, err, context.Canceled)
}
