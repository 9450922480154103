package emq

// ChannelControl manages publish/subscribe channels. Obtain it with Client.Channels.
type ChannelControl struct {
	exec executor
}

// Create creates a channel.
func (ch *ChannelControl) Create(name string, flags uint32) error {
	if err := checkNames(name); err != nil {
		return err
	}
	_, err := ch.exec.roundTrip(request{
		cmd:    CmdChannelCreate,
		encode: func(e *Encoder) { e.Text(name).Uint(uint64(flags)) },
	})
	return err
}

// Exist reports whether the channel exists. A missing channel is (false, nil).
func (ch *ChannelControl) Exist(name string) (bool, error) {
	return exist(ch.exec, CmdChannelExist, name)
}

// List returns every channel in broker order.
func (ch *ChannelControl) List() ([]Channel, error) {
	return list(ch.exec, CmdChannelList, decodeChannel)
}

// Rename renames a channel.
func (ch *ChannelControl) Rename(from, to string) error {
	return rename(ch.exec, CmdChannelRename, from, to)
}

// Publish sends a message to every subscription matching topic.
// The payload is only read during the call.
func (ch *ChannelControl) Publish(name, topic string, p Payload) error {
	if err := checkNames(name, topic); err != nil {
		return err
	}
	if isNilPayload(p) {
		return ErrNilPayload
	}

	p = ch.exec.produce(name, p)
	if p == nil {
		return nil
	}

	_, err := ch.exec.roundTrip(request{
		cmd: CmdChannelPublish,
		encode: func(e *Encoder) {
			e.Text(name).Text(topic)
			encodeMessage(e, p, 0)
		},
	})
	return err
}

// Subscribe registers h for messages published to exactly topic.
func (ch *ChannelControl) Subscribe(name, topic string, h Handler) error {
	if err := checkNames(name, topic); err != nil {
		return err
	}
	return ch.subscribe(CmdChannelSubscribe, topicKey(name, topic), h)
}

// Psubscribe registers h for messages whose topic matches the glob pattern.
// See PatternMatch for the syntax.
func (ch *ChannelControl) Psubscribe(name, pattern string, h Handler) error {
	if err := checkNames(name); err != nil {
		return err
	}
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	return ch.subscribe(CmdChannelPsubscribe, patternKey(name, pattern), h)
}

func (ch *ChannelControl) subscribe(cmd Command, key handlerKey, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	_, err := ch.exec.roundTrip(request{
		cmd:    cmd,
		result: true,
		encode: func(e *Encoder) { e.Text(key.name).Text(key.sub) },
	})
	if err != nil {
		return err
	}

	ch.exec.setHandler(key, h)
	return nil
}

// Unsubscribe cancels a topic subscription. The local handler is removed
// even when the broker reports an error.
func (ch *ChannelControl) Unsubscribe(name, topic string) error {
	return ch.unsubscribe(CmdChannelUnsubscribe, topicKey(name, topic))
}

// Punsubscribe cancels a pattern subscription. The local handler is removed
// even when the broker reports an error.
func (ch *ChannelControl) Punsubscribe(name, pattern string) error {
	return ch.unsubscribe(CmdChannelPunsubscribe, patternKey(name, pattern))
}

func (ch *ChannelControl) unsubscribe(cmd Command, key handlerKey) error {
	ch.exec.removeHandler(key)

	if err := checkNames(key.name, key.sub); err != nil {
		return err
	}
	_, err := ch.exec.roundTrip(request{
		cmd:    cmd,
		encode: func(e *Encoder) { e.Text(key.name).Text(key.sub) },
	})
	return err
}

// Delete removes the channel and its subscriptions.
func (ch *ChannelControl) Delete(name string) error {
	return simple(ch.exec, CmdChannelDelete, name)
}
