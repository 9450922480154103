package emq

// Command identifies a request, reply or push frame.
type Command byte

// Connection-level commands.
const (
	CmdAuth       Command = 0x01
	CmdPing       Command = 0x02
	CmdStat       Command = 0x03
	CmdSave       Command = 0x04
	CmdFlush      Command = 0x05
	CmdDisconnect Command = 0x06
)

// User management commands.
const (
	CmdUserCreate  Command = 0x10
	CmdUserList    Command = 0x11
	CmdUserRename  Command = 0x12
	CmdUserSetPerm Command = 0x13
	CmdUserDelete  Command = 0x14
)

// Queue commands.
const (
	CmdQueueCreate      Command = 0x20
	CmdQueueDeclare     Command = 0x21
	CmdQueueExist       Command = 0x22
	CmdQueueList        Command = 0x23
	CmdQueueRename      Command = 0x24
	CmdQueueSize        Command = 0x25
	CmdQueuePush        Command = 0x26
	CmdQueueGet         Command = 0x27
	CmdQueuePop         Command = 0x28
	CmdQueueConfirm     Command = 0x29
	CmdQueueSubscribe   Command = 0x2A
	CmdQueueUnsubscribe Command = 0x2B
	CmdQueuePurge       Command = 0x2C
	CmdQueueDelete      Command = 0x2D
)

// Route commands.
const (
	CmdRouteCreate Command = 0x30
	CmdRouteExist  Command = 0x31
	CmdRouteList   Command = 0x32
	CmdRouteKeys   Command = 0x33
	CmdRouteRename Command = 0x34
	CmdRouteBind   Command = 0x35
	CmdRouteUnbind Command = 0x36
	CmdRoutePush   Command = 0x37
	CmdRouteDelete Command = 0x38
)

// Channel commands.
const (
	CmdChannelCreate       Command = 0x40
	CmdChannelExist        Command = 0x41
	CmdChannelList         Command = 0x42
	CmdChannelRename       Command = 0x43
	CmdChannelPublish      Command = 0x44
	CmdChannelSubscribe    Command = 0x45
	CmdChannelPsubscribe   Command = 0x46
	CmdChannelUnsubscribe  Command = 0x47
	CmdChannelPunsubscribe Command = 0x48
	CmdChannelDelete       Command = 0x49
)

// Push events. These are server-initiated and never correlated to a request.
const (
	EventQueueMessage          Command = 0x80
	EventQueueNotify           Command = 0x81
	EventChannelMessage        Command = 0x82
	EventChannelPatternMessage Command = 0x83
)

var commandNames = map[Command]string{
	CmdAuth:                    "auth",
	CmdPing:                    "ping",
	CmdStat:                    "stat",
	CmdSave:                    "save",
	CmdFlush:                   "flush",
	CmdDisconnect:              "disconnect",
	CmdUserCreate:              "user.create",
	CmdUserList:                "user.list",
	CmdUserRename:              "user.rename",
	CmdUserSetPerm:             "user.set_perm",
	CmdUserDelete:              "user.delete",
	CmdQueueCreate:             "queue.create",
	CmdQueueDeclare:            "queue.declare",
	CmdQueueExist:              "queue.exist",
	CmdQueueList:               "queue.list",
	CmdQueueRename:             "queue.rename",
	CmdQueueSize:               "queue.size",
	CmdQueuePush:               "queue.push",
	CmdQueueGet:                "queue.get",
	CmdQueuePop:                "queue.pop",
	CmdQueueConfirm:            "queue.confirm",
	CmdQueueSubscribe:          "queue.subscribe",
	CmdQueueUnsubscribe:        "queue.unsubscribe",
	CmdQueuePurge:              "queue.purge",
	CmdQueueDelete:             "queue.delete",
	CmdRouteCreate:             "route.create",
	CmdRouteExist:              "route.exist",
	CmdRouteList:               "route.list",
	CmdRouteKeys:               "route.keys",
	CmdRouteRename:             "route.rename",
	CmdRouteBind:               "route.bind",
	CmdRouteUnbind:             "route.unbind",
	CmdRoutePush:               "route.push",
	CmdRouteDelete:             "route.delete",
	CmdChannelCreate:           "channel.create",
	CmdChannelExist:            "channel.exist",
	CmdChannelList:             "channel.list",
	CmdChannelRename:           "channel.rename",
	CmdChannelPublish:          "channel.publish",
	CmdChannelSubscribe:        "channel.subscribe",
	CmdChannelPsubscribe:       "channel.psubscribe",
	CmdChannelUnsubscribe:      "channel.unsubscribe",
	CmdChannelPunsubscribe:     "channel.punsubscribe",
	CmdChannelDelete:           "channel.delete",
	EventQueueMessage:          "event.queue_message",
	EventQueueNotify:           "event.queue_notify",
	EventChannelMessage:        "event.channel_message",
	EventChannelPatternMessage: "event.channel_pattern_message",
}

// String returns the string representation of the command.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// Valid returns true if the command is known.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// IsEvent returns true if the command is a push event.
func (c Command) IsEvent() bool {
	return c >= EventQueueMessage && c <= EventChannelPatternMessage
}
