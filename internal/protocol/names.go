package protocol

import "strconv"

// Group names.
const (
	DirectoryGroup = "directory"
	sessionPrefix  = "session/"
)

// SessionGroup returns the group name of the session behind node id.
func SessionGroup(nodeID uint32) string {
	return sessionPrefix + strconv.FormatUint(uint64(nodeID), 10)
}

// Directory messages.
const (
	ExploreRequest   = "explore-request"
	ExploreResponse  = "explore-response"
	NodeElement      = "node"
	AddNode          = "add-node"
	RemoveNode       = "remove-node"
	SubscribeSession = "subscribe-session"
	SubscribeChild   = "subscribe"
	SyncInChild      = "sync-in"
)

// Session messages.
const (
	SyncBegin          = "sync-begin"
	SyncUser           = "sync-user"
	SyncEnd            = "sync-end"
	SyncAck            = "sync-ack"
	SyncError          = "sync-error"
	SyncCancel         = "sync-cancel"
	JoinUser           = "join-user"
	UserJoin           = "user-join"
	UserRejoin         = "user-rejoin"
	LeaveUser          = "leave-user"
	UserLeave          = "user-leave"
	UserStatusChange   = "user-status-change"
	SessionUnsubscribe = "session-unsubscribe"
	SessionClose       = "session-close"
	RequestFailedName  = "request-failed"
)

// Attributes.
const (
	AttrSeq         = "seq"
	AttrID          = "id"
	AttrParent      = "parent"
	AttrName        = "name"
	AttrType        = "type"
	AttrGroup       = "group"
	AttrStatus      = "status"
	AttrHue         = "hue"
	AttrDomain      = "domain"
	AttrCode        = "code"
	AttrSubscribe   = "subscribe"
	AttrSyncIn      = "sync-in"
	AttrNumMessages = "num-messages"
	AttrUser        = "user"
)

// SubdirectoryType is the type attribute of directory nodes.
const SubdirectoryType = "subdirectory"

// Kind classifies session group messages for dispatch.
type Kind int

const (
	KindContent Kind = iota
	KindJoinUser
	KindLeaveUser
	KindUnsubscribe
	KindSync
	KindUserJoin
	KindUserRejoin
	KindUserLeave
	KindUserStatusChange
	KindSessionClose
	KindRequestFailed
)

var kinds = map[string]Kind{
	JoinUser:           KindJoinUser,
	LeaveUser:          KindLeaveUser,
	SessionUnsubscribe: KindUnsubscribe,
	SyncBegin:          KindSync,
	SyncUser:           KindSync,
	SyncEnd:            KindSync,
	SyncAck:            KindSync,
	SyncError:          KindSync,
	SyncCancel:         KindSync,
	UserJoin:           KindUserJoin,
	UserRejoin:         KindUserRejoin,
	UserLeave:          KindUserLeave,
	UserStatusChange:   KindUserStatusChange,
	SessionClose:       KindSessionClose,
	RequestFailedName:  KindRequestFailed,
}

// KindOf returns the dispatch kind of msg; anything unknown is session content.
func KindOf(msg *Message) Kind {
	if k, ok := kinds[msg.Name()]; ok {
		return k
	}
	return KindContent
}
