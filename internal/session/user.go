package session

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

// UserStatus tells whether a user currently participates.
type UserStatus int

const (
	UserAvailable UserStatus = iota
	UserUnavailable
)

func (s UserStatus) String() string {
	if s == UserAvailable {
		return "available"
	}
	return "unavailable"
}

// ParseUserStatus parses the wire form of a status.
func ParseUserStatus(s string) (UserStatus, error) {
	switch s {
	case "available":
		return UserAvailable, nil
	case "unavailable":
		return UserUnavailable, nil
	}
	return 0, errs.Newf(errs.DomainRequest, errs.CodeInvalidAttribute, "invalid user status %q", s)
}

// UserFlags qualify how a user was introduced.
type UserFlags uint8

// FlagLocal marks users introduced on this side without a connection.
const FlagLocal UserFlags = 1 << iota

// User is a participant of a session. ID and Name never change once the user exists.
type User struct {
	ID     uint32
	Name   string
	Status UserStatus
	Flags  UserFlags
	Hue    float64
}

// Local reports whether the user was introduced without a connection.
func (u *User) Local() bool { return u.Flags&FlagLocal != 0 }

// Props are the properties of a user join. Pointer fields are optional.
type Props struct {
	ID     *uint32
	Name   string
	Status *UserStatus
	Hue    *float64
}

// PropsFromXML reads user properties from a join-user, user-join or sync-user element.
func PropsFromXML(msg *protocol.Message) (Props, error) {
	var p Props
	p.Name, _ = msg.Attr(protocol.AttrName)
	if msg.Has(protocol.AttrID) {
		id, err := msg.Uint32(protocol.AttrID)
		if err != nil {
			return p, err
		}
		p.ID = &id
	}
	if v, ok := msg.Attr(protocol.AttrStatus); ok {
		st, err := ParseUserStatus(v)
		if err != nil {
			return p, err
		}
		p.Status = &st
	}
	if v, ok := msg.Attr(protocol.AttrHue); ok {
		hue, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, errs.Newf(errs.DomainRequest, errs.CodeInvalidAttribute, "invalid hue %q", v)
		}
		p.Hue = &hue
	}
	return p, nil
}

// ToXML writes the properties a join-user request carries.
func (p Props) ToXML(msg *protocol.Message) *protocol.Message {
	if p.Name != "" {
		msg.Set(protocol.AttrName, p.Name)
	}
	if p.ID != nil {
		msg.SetUint(protocol.AttrID, uint64(*p.ID))
	}
	if p.Status != nil {
		msg.Set(protocol.AttrStatus, p.Status.String())
	}
	if p.Hue != nil {
		msg.Set(protocol.AttrHue, strconv.FormatFloat(*p.Hue, 'g', -1, 64))
	}
	return msg
}

// UserToXML writes the full user record onto msg.
func UserToXML(u *User, msg *protocol.Message) *protocol.Message {
	return msg.
		SetUint(protocol.AttrID, uint64(u.ID)).
		Set(protocol.AttrName, u.Name).
		Set(protocol.AttrStatus, u.Status.String()).
		Set(protocol.AttrHue, strconv.FormatFloat(u.Hue, 'g', -1, 64))
}

// UserFromXML reads a complete user record; id and name are mandatory.
func UserFromXML(msg *protocol.Message) (*User, error) {
	p, err := PropsFromXML(msg)
	if err != nil {
		return nil, err
	}
	if p.ID == nil {
		return nil, errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute, "'%s' has no 'id'", msg.Name())
	}
	if p.Name == "" {
		return nil, errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute, "'%s' has no 'name'", msg.Name())
	}
	u := &User{ID: *p.ID, Name: p.Name, Status: UserAvailable}
	if p.Status != nil {
		u.Status = *p.Status
	}
	if p.Hue != nil {
		u.Hue = *p.Hue
	}
	return u, nil
}

// Roster holds every user a session has seen. Users are never removed.
type Roster struct {
	byID map[uint32]*User
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{byID: map[uint32]*User{}}
}

// Lookup returns the user with id.
func (r *Roster) Lookup(id uint32) (*User, bool) {
	u, ok := r.byID[id]
	return u, ok
}

// LookupName returns the user called name.
func (r *Roster) LookupName(name string) (*User, bool) {
	for _, u := range r.byID {
		if u.Name == name {
			return u, true
		}
	}
	return nil, false
}

// Users returns all users ordered by id.
func (r *Roster) Users() []*User {
	out := make([]*User, 0, len(r.byID))
	for _, u := range r.byID {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of users, available or not.
func (r *Roster) Len() int { return len(r.byID) }

// MaxID returns the highest id in the roster, 0 when empty.
func (r *Roster) MaxID() uint32 {
	var max uint32
	for id := range r.byID {
		if id > max {
			max = id
		}
	}
	return max
}

// Validate checks p against every user except exclude.
func (r *Roster) Validate(p Props, exclude *User) error {
	if p.Name == "" {
		return errs.Newf(errs.DomainRequest, errs.CodeNoSuchAttribute,
			"Request does not contain required attribute 'name'")
	}
	if u, ok := r.LookupName(p.Name); ok && u != exclude {
		return errs.New(errs.DomainUserJoin, errs.CodeNameInUse)
	}
	if p.ID != nil {
		if u, ok := r.byID[*p.ID]; ok && u != exclude {
			return errs.Newf(errs.DomainUserJoin, errs.CodeIDProvided, "user id %d is already taken", *p.ID)
		}
	}
	return nil
}

// Add validates u and inserts it.
func (r *Roster) Add(u *User) error {
	id := u.ID
	if err := r.Validate(Props{ID: &id, Name: u.Name}, nil); err != nil {
		return fmt.Errorf("add user %q: %w", u.Name, err)
	}
	r.byID[u.ID] = u
	return nil
}
