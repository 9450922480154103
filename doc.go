// Package emq provides a client and a reference broker for the emq message
// queue protocol.
//
// A broker holds three kinds of entities: queues store messages for
// consumers, routes forward a message to every queue bound to a key, and
// channels broadcast messages to topic and pattern subscribers without
// storing them. Accounts carry a permission mask that decides which of those
// a connection may use.
//
// # Wire Format
//
// Every request, reply and push is a Frame: a 12-byte header followed by a
// body of length-prefixed fields.
//
//	f := emq.NewRequest(emq.CmdPing, 1, nil)
//	n, err := emq.WriteFrame(conn, f, emq.MaxFrameSizeDefault)
//
//	reply, n, err := emq.ReadFrame(conn, emq.MaxFrameSizeDefault)
//
// Bodies are built with Encoder and read with Decoder.
//
// # Client
//
// Dial connects and authenticates:
//
//	client, err := emq.Dial("tcp://localhost:7851",
//	    emq.WithCredentials("eagle", "eagle"),
//	)
//	defer client.Close()
//
// Supported schemes are tcp://, tls://, unix://, quic://, ws:// and wss://.
// A bare path selects a unix socket and a bare host selects tcp.
//
// Entities are managed through facades:
//
//	q := client.Queues()
//	q.Create("jobs", 0, 0, emq.QueueNone)
//	q.Declare("jobs")
//	q.Push("jobs", emq.NewTextMessage("hello"))
//	m, err := q.Pop("jobs", time.Second)
//
//	client.Routes().Bind("orders", "jobs", "created")
//	client.Channels().Publish("events", "orders.created", emq.NewTextMessage("42"))
//
// # Subscriptions
//
// Queue and channel subscriptions deliver pushes to a Handler. Process runs
// handlers until one returns Stop or the context ends:
//
//	client.Channels().Psubscribe("events", "orders.*", func(c *emq.Client, ev *emq.Event) emq.HandlerResult {
//	    log.Println(ev.Topic, ev.Message.String())
//	    return emq.Continue
//	})
//	err := client.Process(ctx)
//
// The event message is released after the handler returns. Use Clone to
// keep it.
//
// # Server
//
//	srv, err := emq.NewServer("tcp://:7851",
//	    emq.WithServerUser("app", "secret", emq.PermQueue|emq.PermChannel),
//	    emq.OnConnect(func(c *emq.ServerClient) { ... }),
//	)
//	go srv.ListenAndServe()
//	defer srv.Close()
//
// WSServer serves the same protocol over WebSocket as an http.Handler:
//
//	ws := emq.NewWSServer()
//	http.Handle("/emq", ws)
//
// # Bridges
//
// A Bridge consumes queues and channels on one connection and hands every
// delivery to a Forwarder. NewQueueForwarder and NewRouteForwarder feed
// another broker; package amqpbridge publishes to RabbitMQ.
//
// # Metrics and Logging
//
//	metrics := emq.NewMemoryMetrics()
//	logger := emq.NewStdLogger(os.Stdout, emq.LogLevelInfo)
//
//	client, err := emq.Dial(addr, emq.WithMetrics(metrics), emq.WithLogger(logger))
package emq
