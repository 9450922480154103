package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/vitalvas/emq"
)

// errUsage is returned for an unknown command or wrong arguments.
var errUsage = errors.New("invalid usage")

type env struct {
	ctx    context.Context
	client *emq.Client
	out    io.Writer
}

type command struct {
	path  string
	usage string
	run   func(e *env, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"ping", "ping", runPing},
		{"stat", "stat", runStat},

		{"queue create", "queue create NAME [--max-messages N] [--max-message-size N] [--force-push] [--auto-delete] [--round-robin]", runQueueCreate},
		{"queue list", "queue list", runQueueList},
		{"queue size", "queue size NAME", runQueueSize},
		{"queue push", "queue push NAME DATA [--ttl DURATION]", runQueuePush},
		{"queue pop", "queue pop NAME [--wait DURATION] [--no-confirm]", runQueuePop},
		{"queue purge", "queue purge NAME", runQueuePurge},
		{"queue delete", "queue delete NAME", runQueueDelete},

		{"route create", "route create NAME [--auto-delete] [--round-robin]", runRouteCreate},
		{"route list", "route list", runRouteList},
		{"route keys", "route keys NAME", runRouteKeys},
		{"route bind", "route bind NAME QUEUE KEY", runRouteBind},
		{"route unbind", "route unbind NAME QUEUE KEY", runRouteUnbind},
		{"route push", "route push NAME KEY DATA [--ttl DURATION]", runRoutePush},
		{"route delete", "route delete NAME", runRouteDelete},

		{"channel create", "channel create NAME [--auto-delete] [--round-robin]", runChannelCreate},
		{"channel list", "channel list", runChannelList},
		{"channel publish", "channel publish NAME TOPIC DATA [--ttl DURATION]", runChannelPublish},
		{"channel subscribe", "channel subscribe NAME TOPIC [--count N] [--duration DURATION]", runChannelSubscribe},
		{"channel psubscribe", "channel psubscribe NAME PATTERN [--count N] [--duration DURATION]", runChannelPsubscribe},
		{"channel delete", "channel delete NAME", runChannelDelete},

		{"user create", "user create NAME PASSWORD [--perm queue,route,channel,admin]", runUserCreate},
		{"user list", "user list", runUserList},
		{"user perm", "user perm NAME PERMS", runUserPerm},
		{"user delete", "user delete NAME", runUserDelete},
	}
}

// lookup finds the command named by the leading words of args.
func lookup(args []string) (command, []string, error) {
	if len(args) == 0 {
		return command{}, nil, fmt.Errorf("%w: no command given", errUsage)
	}

	for _, cmd := range commands {
		words := strings.Fields(cmd.path)
		if len(args) < len(words) {
			continue
		}
		if strings.Join(args[:len(words)], " ") == cmd.path {
			return cmd, args[len(words):], nil
		}
	}
	return command{}, nil, fmt.Errorf("%w: unknown command %q", errUsage, strings.Join(args, " "))
}

// parseArgs parses per-command flags and checks the positional count.
func parseArgs(name string, args []string, want int, define func(fs *pflag.FlagSet)) ([]string, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if define != nil {
		define(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if fs.NArg() != want {
		return nil, fmt.Errorf("%w: %s takes %d argument(s), got %d", errUsage, name, want, fs.NArg())
	}
	return fs.Args(), nil
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func payload(data string, ttl time.Duration) *emq.Message {
	m := emq.NewTextMessage(data)
	if ttl > 0 {
		m.SetTTL(ttl)
	}
	return m
}

// flagIf returns flag when set is true.
func flagIf(set bool, flag uint32) uint32 {
	if set {
		return flag
	}
	return 0
}

func runPing(e *env, args []string) error {
	if _, err := parseArgs("ping", args, 0, nil); err != nil {
		return err
	}
	start := time.Now()
	if err := e.client.Ping(); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "PONG %s\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func runStat(e *env, args []string) error {
	if _, err := parseArgs("stat", args, 0, nil); err != nil {
		return err
	}
	st, err := e.client.Stat()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "version:\t%s\n", st.Version)
	fmt.Fprintf(tw, "uptime:\t%s\n", st.Uptime)
	fmt.Fprintf(tw, "used_cpu_sys:\t%.2f\n", st.UsedCPUSys)
	fmt.Fprintf(tw, "used_cpu_user:\t%.2f\n", st.UsedCPUUser)
	fmt.Fprintf(tw, "used_memory:\t%d\n", st.UsedMemory)
	fmt.Fprintf(tw, "used_memory_rss:\t%d\n", st.UsedMemoryRSS)
	fmt.Fprintf(tw, "fragmentation_ratio:\t%.2f\n", st.FragmentationRatio)
	fmt.Fprintf(tw, "clients:\t%d\n", st.Clients)
	fmt.Fprintf(tw, "users:\t%d\n", st.Users)
	fmt.Fprintf(tw, "queues:\t%d\n", st.Queues)
	fmt.Fprintf(tw, "routes:\t%d\n", st.Routes)
	fmt.Fprintf(tw, "channels:\t%d\n", st.Channels)
	return tw.Flush()
}

func runQueueCreate(e *env, args []string) error {
	var (
		maxMessages, maxSize              uint32
		forcePush, autoDelete, roundRobin bool
	)
	pos, err := parseArgs("queue create", args, 1, func(fs *pflag.FlagSet) {
		fs.Uint32Var(&maxMessages, "max-messages", 0, "queue capacity, 0 for the default")
		fs.Uint32Var(&maxSize, "max-message-size", 0, "largest message in bytes, 0 for the default")
		fs.BoolVar(&forcePush, "force-push", false, "drop the oldest message when full")
		fs.BoolVar(&autoDelete, "auto-delete", false, "delete when the last declarer leaves")
		fs.BoolVar(&roundRobin, "round-robin", false, "rotate deliveries between subscribers")
	})
	if err != nil {
		return err
	}

	flags := flagIf(forcePush, emq.QueueForcePush) |
		flagIf(autoDelete, emq.QueueAutoDelete) |
		flagIf(roundRobin, emq.QueueRoundRobin)
	return e.client.Queues().Create(pos[0], maxMessages, maxSize, flags)
}

func runQueueList(e *env, args []string) error {
	if _, err := parseArgs("queue list", args, 0, nil); err != nil {
		return err
	}
	queues, err := e.client.Queues().List()
	if err != nil {
		return err
	}

	tw := newTable(e.out, "NAME", "SIZE", "MAX_MESSAGES", "MAX_MESSAGE_SIZE", "FLAGS", "DECLARED", "SUBSCRIBED")
	for _, q := range queues {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%d\t%d\n",
			q.Name, q.Size, q.MaxMessages, q.MaxMessageSize, queueFlags(q.Flags), q.DeclaredClients, q.SubscribedClients)
	}
	return tw.Flush()
}

func runQueueSize(e *env, args []string) error {
	pos, err := parseArgs("queue size", args, 1, nil)
	if err != nil {
		return err
	}
	n, err := e.client.Queues().Size(pos[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, n)
	return nil
}

func runQueuePush(e *env, args []string) error {
	var ttl time.Duration
	pos, err := parseArgs("queue push", args, 2, func(fs *pflag.FlagSet) {
		fs.DurationVar(&ttl, "ttl", 0, "message time to live")
	})
	if err != nil {
		return err
	}

	queues := e.client.Queues()
	if err := queues.Declare(pos[0]); err != nil {
		return err
	}
	return queues.Push(pos[0], payload(pos[1], ttl))
}

func runQueuePop(e *env, args []string) error {
	var (
		wait      time.Duration
		noConfirm bool
	)
	pos, err := parseArgs("queue pop", args, 1, func(fs *pflag.FlagSet) {
		fs.DurationVar(&wait, "wait", 0, "how long to wait for a message")
		fs.BoolVar(&noConfirm, "no-confirm", false, "leave the message unconfirmed so it is requeued")
	})
	if err != nil {
		return err
	}

	queues := e.client.Queues()
	if err := queues.Declare(pos[0]); err != nil {
		return err
	}

	msg, err := queues.Pop(pos[0], wait)
	if err != nil {
		if errors.Is(err, emq.ErrQueueEmpty) {
			fmt.Fprintln(e.out, "(empty)")
			return nil
		}
		return err
	}
	defer msg.Release()

	fmt.Fprintln(e.out, msg.String())
	if noConfirm {
		return nil
	}
	return queues.Confirm(pos[0], msg.Tag())
}

func runQueuePurge(e *env, args []string) error {
	pos, err := parseArgs("queue purge", args, 1, nil)
	if err != nil {
		return err
	}
	return e.client.Queues().Purge(pos[0])
}

func runQueueDelete(e *env, args []string) error {
	pos, err := parseArgs("queue delete", args, 1, nil)
	if err != nil {
		return err
	}
	return e.client.Queues().Delete(pos[0])
}

func runRouteCreate(e *env, args []string) error {
	var autoDelete, roundRobin bool
	pos, err := parseArgs("route create", args, 1, func(fs *pflag.FlagSet) {
		fs.BoolVar(&autoDelete, "auto-delete", false, "delete when the last binding goes")
		fs.BoolVar(&roundRobin, "round-robin", false, "deliver each message to one bound queue")
	})
	if err != nil {
		return err
	}
	flags := flagIf(autoDelete, emq.RouteAutoDelete) | flagIf(roundRobin, emq.RouteRoundRobin)
	return e.client.Routes().Create(pos[0], flags)
}

func runRouteList(e *env, args []string) error {
	if _, err := parseArgs("route list", args, 0, nil); err != nil {
		return err
	}
	routes, err := e.client.Routes().List()
	if err != nil {
		return err
	}

	tw := newTable(e.out, "NAME", "FLAGS", "KEYS")
	for _, r := range routes {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", r.Name, routeFlags(r.Flags), r.Keys)
	}
	return tw.Flush()
}

func runRouteKeys(e *env, args []string) error {
	pos, err := parseArgs("route keys", args, 1, nil)
	if err != nil {
		return err
	}
	keys, err := e.client.Routes().Keys(pos[0])
	if err != nil {
		return err
	}

	tw := newTable(e.out, "KEY", "QUEUE")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k.Key, k.Queue)
	}
	return tw.Flush()
}

func runRouteBind(e *env, args []string) error {
	pos, err := parseArgs("route bind", args, 3, nil)
	if err != nil {
		return err
	}
	return e.client.Routes().Bind(pos[0], pos[1], pos[2])
}

func runRouteUnbind(e *env, args []string) error {
	pos, err := parseArgs("route unbind", args, 3, nil)
	if err != nil {
		return err
	}
	return e.client.Routes().Unbind(pos[0], pos[1], pos[2])
}

func runRoutePush(e *env, args []string) error {
	var ttl time.Duration
	pos, err := parseArgs("route push", args, 3, func(fs *pflag.FlagSet) {
		fs.DurationVar(&ttl, "ttl", 0, "message time to live")
	})
	if err != nil {
		return err
	}
	return e.client.Routes().Push(pos[0], pos[1], payload(pos[2], ttl))
}

func runRouteDelete(e *env, args []string) error {
	pos, err := parseArgs("route delete", args, 1, nil)
	if err != nil {
		return err
	}
	return e.client.Routes().Delete(pos[0])
}

func runChannelCreate(e *env, args []string) error {
	var autoDelete, roundRobin bool
	pos, err := parseArgs("channel create", args, 1, func(fs *pflag.FlagSet) {
		fs.BoolVar(&autoDelete, "auto-delete", false, "delete when the last subscription goes")
		fs.BoolVar(&roundRobin, "round-robin", false, "deliver each publish to one subscriber")
	})
	if err != nil {
		return err
	}
	flags := flagIf(autoDelete, emq.ChannelAutoDelete) | flagIf(roundRobin, emq.ChannelRoundRobin)
	return e.client.Channels().Create(pos[0], flags)
}

func runChannelList(e *env, args []string) error {
	if _, err := parseArgs("channel list", args, 0, nil); err != nil {
		return err
	}
	channels, err := e.client.Channels().List()
	if err != nil {
		return err
	}

	tw := newTable(e.out, "NAME", "FLAGS", "TOPICS", "PATTERNS")
	for _, ch := range channels {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", ch.Name, channelFlags(ch.Flags), ch.Topics, ch.Patterns)
	}
	return tw.Flush()
}

func runChannelPublish(e *env, args []string) error {
	var ttl time.Duration
	pos, err := parseArgs("channel publish", args, 3, func(fs *pflag.FlagSet) {
		fs.DurationVar(&ttl, "ttl", 0, "message time to live")
	})
	if err != nil {
		return err
	}
	return e.client.Channels().Publish(pos[0], pos[1], payload(pos[2], ttl))
}

func runChannelSubscribe(e *env, args []string) error {
	return subscribe(e, "channel subscribe", args, e.client.Channels().Subscribe)
}

func runChannelPsubscribe(e *env, args []string) error {
	return subscribe(e, "channel psubscribe", args, e.client.Channels().Psubscribe)
}

// subscribe prints channel messages until count is reached, the duration
// passes or the context ends.
func subscribe(e *env, name string, args []string, sub func(name, topic string, h emq.Handler) error) error {
	var (
		count    int
		duration time.Duration
	)
	pos, err := parseArgs(name, args, 2, func(fs *pflag.FlagSet) {
		fs.IntVar(&count, "count", 0, "exit after this many messages, 0 for no limit")
		fs.DurationVar(&duration, "duration", 0, "exit after this long, 0 for no limit")
	})
	if err != nil {
		return err
	}

	received := 0
	handler := func(_ *emq.Client, ev *emq.Event) emq.HandlerResult {
		fmt.Fprintf(e.out, "%s\t%s\n", ev.Topic, ev.Message.String())
		received++
		if count > 0 && received >= count {
			return emq.Stop
		}
		return emq.Continue
	}
	if err := sub(pos[0], pos[1], handler); err != nil {
		return err
	}

	ctx := e.ctx
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	err = e.client.Process(ctx)
	if errors.Is(err, emq.ErrTimeout) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runChannelDelete(e *env, args []string) error {
	pos, err := parseArgs("channel delete", args, 1, nil)
	if err != nil {
		return err
	}
	return e.client.Channels().Delete(pos[0])
}

func runUserCreate(e *env, args []string) error {
	var perms string
	pos, err := parseArgs("user create", args, 2, func(fs *pflag.FlagSet) {
		fs.StringVar(&perms, "perm", "queue,route,channel", "comma separated permissions")
	})
	if err != nil {
		return err
	}
	perm, err := parsePerm(perms)
	if err != nil {
		return err
	}
	return e.client.Users().Create(pos[0], pos[1], perm)
}

func runUserList(e *env, args []string) error {
	if _, err := parseArgs("user list", args, 0, nil); err != nil {
		return err
	}
	users, err := e.client.Users().List()
	if err != nil {
		return err
	}

	tw := newTable(e.out, "NAME", "PERMISSIONS")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\n", u.Name, formatPerm(u.Perm))
	}
	return tw.Flush()
}

func runUserPerm(e *env, args []string) error {
	pos, err := parseArgs("user perm", args, 2, nil)
	if err != nil {
		return err
	}
	perm, err := parsePerm(pos[1])
	if err != nil {
		return err
	}
	return e.client.Users().SetPerm(pos[0], perm)
}

func runUserDelete(e *env, args []string) error {
	pos, err := parseArgs("user delete", args, 1, nil)
	if err != nil {
		return err
	}
	return e.client.Users().Delete(pos[0])
}

var permNames = []struct {
	name string
	perm emq.Perm
}{
	{"queue", emq.PermQueue},
	{"route", emq.PermRoute},
	{"channel", emq.PermChannel},
	{"admin", emq.PermAdmin},
	{"notchange", emq.PermNotChange},
}

// parsePerm parses a comma separated permission list. "all" grants every
// permission and "none" or an empty list grants nothing.
func parsePerm(s string) (emq.Perm, error) {
	var perm emq.Perm
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "", "none":
			continue
		case "all":
			perm |= emq.PermAll
			continue
		}

		found := false
		for _, p := range permNames {
			if p.name == part {
				perm |= p.perm
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown permission %q", part)
		}
	}
	return perm, nil
}

func formatPerm(perm emq.Perm) string {
	var names []string
	for _, p := range permNames {
		if perm.Has(p.perm) {
			names = append(names, p.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func formatFlags(flags uint32, names map[uint32]string) string {
	var parts []string
	for bit := uint32(1); bit != 0 && bit <= flags; bit <<= 1 {
		if flags&bit == 0 {
			continue
		}
		if name, ok := names[bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("0x%x", bit))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func queueFlags(flags uint32) string {
	return formatFlags(flags, map[uint32]string{
		emq.QueueAutoDelete: "auto-delete",
		emq.QueueForcePush:  "force-push",
		emq.QueueRoundRobin: "round-robin",
	})
}

func routeFlags(flags uint32) string {
	return formatFlags(flags, map[uint32]string{
		emq.RouteAutoDelete: "auto-delete",
		emq.RouteRoundRobin: "round-robin",
	})
}

func channelFlags(flags uint32) string {
	return formatFlags(flags, map[uint32]string{
		emq.ChannelAutoDelete: "auto-delete",
		emq.ChannelRoundRobin: "round-robin",
	})
}
