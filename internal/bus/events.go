package bus

// Channel names the daemon subscribes to. These are fixed at startup; there is no dynamic subscription management.
const (
	ChannelStorageUpdate         = "notify_storage_update"
	ChannelGroupMembershipUpdate = "notify_group_membership_update"
	ChannelUserShareCreated      = "notify_user_share_created"
	ChannelActivity              = "notify_activity"
	ChannelNotification          = "notify_notification"
	ChannelCustom                = "notify_custom"
	ChannelPreAuth               = "notify_pre_auth"
	ChannelTestCookie            = "notify_test_cookie"
	ChannelConfig                = "notify_config"
	ChannelSignal                = "notify_signal"
	ChannelQuery                 = "notify_query"
)

// Channels lists every channel the subscriber subscribes to, in the fixed set required at startup.
var Channels = []string{
	ChannelStorageUpdate,
	ChannelGroupMembershipUpdate,
	ChannelUserShareCreated,
	ChannelActivity,
	ChannelNotification,
	ChannelCustom,
	ChannelPreAuth,
	ChannelTestCookie,
	ChannelConfig,
	ChannelSignal,
	ChannelQuery,
}

// StorageUpdate is the payload of notify_storage_update.
type StorageUpdate struct {
	Storage int64  `json:"storage"`
	Path    string `json:"path"`
	FileID  int64  `json:"file_id"`
}

// GroupMembershipUpdate is the payload of notify_group_membership_update.
type GroupMembershipUpdate struct {
	User  string `json:"user"`
	Group string `json:"group"`
}

// UserShareCreated is the payload of notify_user_share_created.
type UserShareCreated struct {
	User string `json:"user"`
}

// UserEvent is the shared payload shape of notify_activity and notify_notification.
type UserEvent struct {
	User string `json:"user"`
}

// CustomEvent is the payload of notify_custom.
type CustomEvent struct {
	User    string `json:"user"`
	Message string `json:"message"`
	Body    any    `json:"body,omitempty"`
}

// PreAuth is the payload of notify_pre_auth.
type PreAuth struct {
	User  string `json:"user"`
	Token string `json:"token"`
}

// ConfigMessage is the payload of notify_config: either the literal string "log_restore" or an object
// {"log_spec": "<level>"}. Decode handles both shapes.
type ConfigMessage struct {
	Restore bool
	LogSpec string
}

// Event is a decoded bus message tagged by its originating channel. Exactly one of the typed fields is populated,
// matching the channel the event arrived on.
type Event struct {
	Channel string

	StorageUpdate         *StorageUpdate
	GroupMembershipUpdate *GroupMembershipUpdate
	UserShareCreated      *UserShareCreated
	Activity              *UserEvent
	Notification          *UserEvent
	Custom                *CustomEvent
	PreAuth               *PreAuth
	TestCookie            *int64
	Config                *ConfigMessage
	Signal                *string
	Query                 *string
}
