package errs

import (
	"errors"
	"fmt"
)

// Domain namespaces protocol error codes on the wire.
type Domain string

// Error domains.
const (
	DomainRequest   Domain = "request"
	DomainUserJoin  Domain = "user-join"
	DomainUserLeave Domain = "user-leave"
	DomainDirectory Domain = "directory"
	DomainSession   Domain = "session"
	DomainStorage   Domain = "storage"
)

// Code is a numeric error code, unique within its Domain.
type Code uint

// DomainRequest codes.
const (
	CodeNoSuchAttribute Code = iota
	CodeInvalidAttribute
	CodeUnexpectedMessage
	CodeFailed
)

// DomainUserJoin codes.
const (
	CodeNameInUse Code = iota
	CodeIDProvided
	CodeStatusProvided
)

// DomainUserLeave codes.
const (
	CodeIDNotPresent Code = iota
	CodeNoSuchUser
	CodeNotJoined
)

// DomainDirectory codes.
const (
	CodeNoSuchNode Code = iota
	CodeNotSubdirectory
	CodeNotNote
	CodeNotExplored
	CodeAlreadyExplored
	CodeNodeExists
	CodeTypeUnknown
	CodeRootNodeRemove
	CodeAlreadySubscribed
	CodeSessionNotRunning
	CodeInvalidName
)

// DomainSession codes.
const (
	CodeSyncUnexpectedMessage Code = iota
	CodeSyncCountMismatch
	CodeSyncCancelled
	CodeSyncInvalidContent
)

// DomainStorage codes.
const (
	CodeInvalidPath Code = iota
	CodeRemoveFiles
	CodeInvalidFormat
	CodeIOFailed
)

type codeInfo struct {
	kind error
	text string
}

var codes = map[Domain]map[Code]codeInfo{
	DomainRequest: {
		CodeNoSuchAttribute:   {ErrValidation, "Request does not contain a required attribute"},
		CodeInvalidAttribute:  {ErrValidation, "Request contains an invalid attribute value"},
		CodeUnexpectedMessage: {ErrValidation, "Unexpected message"},
		CodeFailed:            {ErrState, "Request failed"},
	},
	DomainUserJoin: {
		CodeNameInUse:      {ErrConflict, "Name is already in use"},
		CodeIDProvided:     {ErrValidation, "'id' attribute provided in request"},
		CodeStatusProvided: {ErrValidation, "'status' attribute provided in request"},
	},
	DomainUserLeave: {
		CodeIDNotPresent: {ErrValidation, "'id' attribute not present in request"},
		CodeNoSuchUser:   {ErrConflict, "There is no user with the given ID"},
		CodeNotJoined:    {ErrConflict, "User did not join via this connection"},
	},
	DomainDirectory: {
		CodeNoSuchNode:        {ErrNoSuchNode, "Node does not exist"},
		CodeNotSubdirectory:   {ErrState, "Node is not a subdirectory"},
		CodeNotNote:           {ErrState, "Node is not a note"},
		CodeNotExplored:       {ErrState, "Subdirectory has not been explored"},
		CodeAlreadyExplored:   {ErrState, "Subdirectory has already been explored"},
		CodeNodeExists:        {ErrAlreadyExists, "A node with this name exists already"},
		CodeTypeUnknown:       {ErrValidation, "Note type is not supported"},
		CodeRootNodeRemove:    {ErrState, "The root node cannot be removed"},
		CodeAlreadySubscribed: {ErrAlreadySubscribed, "The connection is already subscribed to this session"},
		CodeSessionNotRunning: {ErrSessionNotRunning, "The session is not running"},
		CodeInvalidName:       {ErrValidation, "Node name is invalid"},
	},
	DomainSession: {
		CodeSyncUnexpectedMessage: {ErrValidation, "Unexpected message during synchronization"},
		CodeSyncCountMismatch:     {ErrValidation, "Number of synchronization messages does not match"},
		CodeSyncCancelled:         {ErrState, "Synchronization was cancelled"},
		CodeSyncInvalidContent:    {ErrValidation, "Synchronized content is invalid"},
	},
	DomainStorage: {
		CodeInvalidPath:   {ErrStorage, "Invalid storage path"},
		CodeRemoveFiles:   {ErrStorage, "Failed to remove stored files"},
		CodeInvalidFormat: {ErrStorage, "Stored document has an invalid format"},
		CodeIOFailed:      {ErrStorage, "Storage I/O failed"},
	},
}

// ProtocolError is an error that can travel in a request-failed message.
type ProtocolError struct {
	Domain  Domain
	Code    Code
	Message string
}

// New returns a ProtocolError with the code's default text.
func New(domain Domain, code Code) *ProtocolError {
	return &ProtocolError{Domain: domain, Code: code, Message: codes[domain][code].text}
}

// Newf returns a ProtocolError with a formatted message.
func Newf(domain Domain, code Code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Domain: domain, Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromWire rebuilds an error received in a request-failed message.
func FromWire(domain string, code uint64, text string) *ProtocolError {
	pe := &ProtocolError{Domain: Domain(domain), Code: Code(code), Message: text}
	if pe.Message == "" {
		pe.Message = codes[pe.Domain][pe.Code].text
	}
	return pe
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s error %d", e.Domain, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Domain, e.Message)
}

// Kind returns the kind sentinel of the code, nil for codes this build does not know.
func (e *ProtocolError) Kind() error {
	return codes[e.Domain][e.Code].kind
}

// Is matches other protocol errors by domain and code, and sentinels by kind.
func (e *ProtocolError) Is(target error) bool {
	var pe *ProtocolError
	if errors.As(target, &pe) {
		return pe.Domain == e.Domain && pe.Code == e.Code
	}
	if k := e.Kind(); k != nil {
		return errors.Is(k, target)
	}
	return false
}

// ToProtocol converts an arbitrary error into something that can be sent back to a peer.
// Errors that carry no protocol meaning are reported as a generic failure without their text.
func ToProtocol(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	var conv interface{ Protocol() *ProtocolError }
	if errors.As(err, &conv) {
		return conv.Protocol()
	}
	switch {
	case errors.Is(err, ErrNoSuchNode):
		return New(DomainDirectory, CodeNoSuchNode)
	case errors.Is(err, ErrAlreadyExists):
		return New(DomainDirectory, CodeNodeExists)
	case errors.Is(err, ErrAlreadySubscribed):
		return New(DomainDirectory, CodeAlreadySubscribed)
	case errors.Is(err, ErrSessionNotRunning):
		return New(DomainDirectory, CodeSessionNotRunning)
	case errors.Is(err, ErrStorage):
		return New(DomainStorage, CodeIOFailed)
	}
	return Newf(DomainRequest, CodeFailed, "internal error")
}
