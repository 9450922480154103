package emq

import (
	"fmt"
	"time"
)

// ProtocolVersion is the protocol revision implemented by this package.
// The broker reports its own revision in the auth reply.
const ProtocolVersion = 13

// Library version.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// DefaultPort is the default broker TCP port.
const DefaultPort = 7851

// Default queue limits.
const (
	MaxMessages    = 65536
	MaxMessageSize = 1024 * 1024
)

// Perm is a user permission bitmask.
type Perm uint32

// User permissions.
const (
	PermQueue Perm = 1 << iota
	PermRoute
	PermChannel
	PermAdmin
	PermNotChange

	PermNone Perm = 0
	PermAll       = PermQueue | PermRoute | PermChannel | PermAdmin
)

// Has reports whether all bits of p are set.
func (p Perm) Has(perm Perm) bool {
	return p&perm == perm
}

// Queue creation flags.
const (
	QueueNone       uint32 = 0
	QueueAutoDelete uint32 = 1 << 0
	QueueForcePush  uint32 = 1 << 1
	QueueRoundRobin uint32 = 1 << 2
)

// Queue subscription flags.
const (
	// SubscribeMsg delivers each message and removes it from the queue.
	SubscribeMsg uint32 = 1 << 0
	// SubscribeNotify delivers a notification without the message.
	SubscribeNotify uint32 = 1 << 1
)

// Route creation flags.
const (
	RouteNone       uint32 = 0
	RouteAutoDelete uint32 = 1 << 0
	RouteRoundRobin uint32 = 1 << 1
)

// Channel creation flags.
const (
	ChannelNone       uint32 = 0
	ChannelAutoDelete uint32 = 1 << 0
	ChannelRoundRobin uint32 = 1 << 1
)

// Flush flags select which entity kinds are removed.
const (
	FlushUser uint32 = 1 << iota
	FlushQueue
	FlushRoute
	FlushChannel

	FlushAll = FlushUser | FlushQueue | FlushRoute | FlushChannel
)

// User is a broker account as reported by the user list command.
type User struct {
	Name     string
	Password string
	Perm     Perm
}

// Queue describes a broker queue.
type Queue struct {
	Name              string
	MaxMessages       uint32
	MaxMessageSize    uint32
	Flags             uint32
	Size              uint32
	DeclaredClients   uint32
	SubscribedClients uint32
}

// Route describes a broker route (exchange).
type Route struct {
	Name  string
	Flags uint32
	Keys  uint32
}

// RouteKey is one binding of a routing key to a queue.
type RouteKey struct {
	Key   string
	Queue string
}

// Channel describes a publish/subscribe channel.
type Channel struct {
	Name     string
	Flags    uint32
	Topics   uint32
	Patterns uint32
}

// Version is a semantic version triple.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// String returns the version as major.minor.patch.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Stat is the broker status snapshot returned by the stat command.
type Stat struct {
	Version            Version
	Uptime             time.Duration
	UsedCPUSys         float64
	UsedCPUUser        float64
	UsedMemory         uint64
	UsedMemoryRSS      uint64
	FragmentationRatio float64
	Clients            uint32
	Users              uint32
	Queues             uint32
	Routes             uint32
	Channels           uint32
}

// record codecs shared by the client and the reference broker

func encodeUser(e *Encoder, u User) {
	e.List(3).Text(u.Name).Text(u.Password).Uint(uint64(u.Perm))
}

func decodeUser(d *Decoder) (User, error) {
	var u User
	if err := expectList(d, 3); err != nil {
		return u, err
	}
	var err error
	if u.Name, err = d.Text(); err != nil {
		return u, err
	}
	if u.Password, err = d.Text(); err != nil {
		return u, err
	}
	perm, err := d.Uint32()
	u.Perm = Perm(perm)
	return u, err
}

func encodeQueue(e *Encoder, q Queue) {
	e.List(7).Text(q.Name).
		Uint(uint64(q.MaxMessages)).
		Uint(uint64(q.MaxMessageSize)).
		Uint(uint64(q.Flags)).
		Uint(uint64(q.Size)).
		Uint(uint64(q.DeclaredClients)).
		Uint(uint64(q.SubscribedClients))
}

func decodeQueue(d *Decoder) (Queue, error) {
	var q Queue
	if err := expectList(d, 7); err != nil {
		return q, err
	}
	var err error
	if q.Name, err = d.Text(); err != nil {
		return q, err
	}
	for _, dst := range []*uint32{&q.MaxMessages, &q.MaxMessageSize, &q.Flags, &q.Size, &q.DeclaredClients, &q.SubscribedClients} {
		if *dst, err = d.Uint32(); err != nil {
			return q, err
		}
	}
	return q, nil
}

func encodeRoute(e *Encoder, r Route) {
	e.List(3).Text(r.Name).Uint(uint64(r.Flags)).Uint(uint64(r.Keys))
}

func decodeRoute(d *Decoder) (Route, error) {
	var r Route
	if err := expectList(d, 3); err != nil {
		return r, err
	}
	var err error
	if r.Name, err = d.Text(); err != nil {
		return r, err
	}
	if r.Flags, err = d.Uint32(); err != nil {
		return r, err
	}
	r.Keys, err = d.Uint32()
	return r, err
}

func encodeRouteKey(e *Encoder, k RouteKey) {
	e.List(2).Text(k.Key).Text(k.Queue)
}

func decodeRouteKey(d *Decoder) (RouteKey, error) {
	var k RouteKey
	if err := expectList(d, 2); err != nil {
		return k, err
	}
	var err error
	if k.Key, err = d.Text(); err != nil {
		return k, err
	}
	k.Queue, err = d.Text()
	return k, err
}

func encodeChannel(e *Encoder, c Channel) {
	e.List(4).Text(c.Name).Uint(uint64(c.Flags)).Uint(uint64(c.Topics)).Uint(uint64(c.Patterns))
}

func decodeChannel(d *Decoder) (Channel, error) {
	var c Channel
	if err := expectList(d, 4); err != nil {
		return c, err
	}
	var err error
	if c.Name, err = d.Text(); err != nil {
		return c, err
	}
	for _, dst := range []*uint32{&c.Flags, &c.Topics, &c.Patterns} {
		if *dst, err = d.Uint32(); err != nil {
			return c, err
		}
	}
	return c, nil
}

func encodeStat(e *Encoder, s Stat) {
	e.Uint(uint64(s.Version.Major)).
		Uint(uint64(s.Version.Minor)).
		Uint(uint64(s.Version.Patch)).
		Uint(uint64(s.Uptime / time.Second)).
		Float(s.UsedCPUSys).
		Float(s.UsedCPUUser).
		Uint(s.UsedMemory).
		Uint(s.UsedMemoryRSS).
		Float(s.FragmentationRatio).
		Uint(uint64(s.Clients)).
		Uint(uint64(s.Users)).
		Uint(uint64(s.Queues)).
		Uint(uint64(s.Routes)).
		Uint(uint64(s.Channels))
}

func decodeStat(d *Decoder) (Stat, error) {
	var s Stat
	var err error

	var version [3]uint64
	for i := range version {
		if version[i], err = d.Uint(); err != nil {
			return s, err
		}
	}
	s.Version = Version{Major: uint8(version[0]), Minor: uint8(version[1]), Patch: uint8(version[2])}

	uptime, err := d.Uint()
	if err != nil {
		return s, err
	}
	s.Uptime = time.Duration(uptime) * time.Second

	if s.UsedCPUSys, err = d.Float(); err != nil {
		return s, err
	}
	if s.UsedCPUUser, err = d.Float(); err != nil {
		return s, err
	}
	if s.UsedMemory, err = d.Uint(); err != nil {
		return s, err
	}
	if s.UsedMemoryRSS, err = d.Uint(); err != nil {
		return s, err
	}
	if s.FragmentationRatio, err = d.Float(); err != nil {
		return s, err
	}
	for _, dst := range []*uint32{&s.Clients, &s.Users, &s.Queues, &s.Routes, &s.Channels} {
		if *dst, err = d.Uint32(); err != nil {
			return s, err
		}
	}
	return s, nil
}

func expectList(d *Decoder, n int) error {
	got, err := d.List()
	if err != nil {
		return err
	}
	if got != n {
		return ErrMalformedFrame
	}
	return nil
}

// decodeRecords reads a list of fixed-shape records, preserving order.
func decodeRecords[T any](d *Decoder, decode func(*Decoder) (T, error)) ([]T, error) {
	n, err := d.List()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for range n {
		rec, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
