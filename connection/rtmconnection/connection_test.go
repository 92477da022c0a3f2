package rtmconnection

import (
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/NotEvenANeko/objc-sdk/connection"
	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
	"github.com/NotEvenANeko/objc-sdk/connection/lifecycle"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

var _ = Describe("RTM Connection", func() {
	logger := logger.MockLogger(GinkgoWriter)

	var clock *fakeClock
	var sockets *socketHarness
	var notifier *lifecycle.Notifier
	var options Options
	var floor time.Duration
	var manager *Manager
	var app Application
	var delegate *recordingDelegate

	BeforeEach(func() {
		clock = newFakeClock()
		sockets = newSocketHarness()
		notifier = lifecycle.NewNotifier()
		delegate = newRecordingDelegate()
		floor = time.Hour

		app = Application{
			ID:        "fakeapp",
			ServerURL: "wss://rtm.example.com",
		}

		options = Options{
			PingInterval: 10 * time.Second,
			PingTimeout:  4 * time.Second,
			CommandTTL:   30 * time.Second,

			// heartbeats are driven by hand through heartbeatTick
			TickInterval: time.Hour,

			SocketFactory: sockets.factory,
			AppState:      notifier,
			Clock:         clock,
		}
	})

	JustBeforeEach(func() {
		manager = NewManager(logger, WithDelayBounds(floor, 4*floor), WithConnectionOptions(options))
	})

	AfterEach(func() {
		manager.Close()
	})

	register := func(protocol Protocol, peerId string, d Delegate) *Connection {
		conn, err := manager.Register(app, ServiceInstantMessaging, protocol, peerId, dispatch.Goroutine, d)
		Expect(err).ToNot(HaveOccurred())
		return conn
	}

	// registers alice and brings the connection up
	connect := func(protocol Protocol) (*Connection, *fakeSocket) {
		conn := register(protocol, "alice", delegate)
		socket := sockets.next()
		socket.open()

		Eventually(conn.IsConnected).Should(BeTrue())
		Eventually(delegate.connected).Should(Receive())
		return conn, socket
	}

	sendAs := func(conn *Connection, service Service, command frame.Command) chan result {
		results, callback := collect()
		conn.Send("alice", service, command, dispatch.Goroutine, callback)
		return results
	}

	send := func(conn *Connection, command frame.Command) chan result {
		return sendAs(conn, ServiceInstantMessaging, command)
	}

	tick := func(conn *Connection) {
		Expect(conn.queue.Sync(conn.heartbeatTick)).To(Succeed())
	}

	inFlight := func(conn *Connection) int {
		n := -1
		conn.queue.Sync(func() {
			n = 0
			if conn.timer != nil {
				n = conn.timer.inFlight()
			}
		})
		return n
	}

	Context("Sending while not connected", func() {
		It("fails every command without writing anything", func() {
			conn := register(Protocol3, "alice", delegate)
			socket := sockets.next()
			Expect(conn.State()).To(Equal(Connecting))

			for i := 0; i < 5; i++ {
				var r result
				Eventually(send(conn, frame.NewRawCommand("conv.query", []byte{byte(i)}))).Should(Receive(&r))
				Expect(r.err).To(BeAssignableToTypeOf(&connection.NotConnectedError{}))
			}

			socket.AssertNotCalled(GinkgoT(), "Send", mock.Anything)
		})

		It("fails commands sent after the connection closed", func() {
			conn, _ := connect(Protocol3)
			conn.Close()

			var r result
			Eventually(send(conn, frame.NewRawCommand("conv.query", nil))).Should(Receive(&r))
			Expect(r.err).To(BeAssignableToTypeOf(&connection.NotConnectedError{}))
		})
	})

	Context("Sending while connected", func() {
		var conn *Connection
		var socket *fakeSocket

		JustBeforeEach(func() {
			conn, socket = connect(Protocol3)
		})

		It("resolves a command with its acknowledgement", func() {
			results := send(conn, frame.NewRawCommand("conv.start", []byte("hi")))

			written := socket.nextWritten()
			Expect(written.Kind).To(Equal(frame.CommandFrame))
			Expect(written.Index).To(Equal(int32(1)))
			Expect(written.PeerId).To(Equal("alice"))
			Expect(written.Op).To(Equal("conv.start"))

			socket.receive(&frame.Frame{Kind: frame.AckFrame, PeerId: "alice", Index: written.Index, Payload: []byte("ok")})

			var r result
			Eventually(results).Should(Receive(&r))
			Expect(r.err).ToNot(HaveOccurred())
			Expect(r.ack.Payload).To(Equal([]byte("ok")))
			Expect(inFlight(conn)).To(Equal(0))
		})

		It("writes an equivalent command once and answers every submission", func() {
			first := send(conn, frame.NewRawCommand("conv.query", []byte("same")))
			second := send(conn, frame.NewRawCommand("conv.query", []byte("same")))
			other := send(conn, frame.NewRawCommand("conv.query", []byte("different")))

			queried := socket.nextWritten()
			different := socket.nextWritten()
			Consistently(socket.written, 100*time.Millisecond).ShouldNot(Receive())
			Expect(different.Payload).To(Equal([]byte("different")))

			socket.receive(&frame.Frame{Kind: frame.AckFrame, Index: queried.Index})

			var r1, r2 result
			Eventually(first).Should(Receive(&r1))
			Eventually(second).Should(Receive(&r2))
			Expect(r1.err).ToNot(HaveOccurred())
			Expect(r2.err).ToNot(HaveOccurred())
			Expect(r1.ack).To(BeIdenticalTo(r2.ack))
			Consistently(other, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("tags each command with the service it was sent for", func() {
			_, err := manager.Register(app, ServiceLiveQuery, Protocol3, "alice", dispatch.Goroutine, newRecordingDelegate())
			Expect(err).ToNot(HaveOccurred())

			for i := 0; i < 20; i++ {
				payload := []byte(fmt.Sprintf("%d", i))

				sendAs(conn, ServiceLiveQuery, frame.NewRawCommand("query.subscribe", payload))
				Expect(socket.nextWritten().Service).To(Equal(frame.LiveQuery))

				sendAs(conn, ServiceInstantMessaging, frame.NewRawCommand("query.subscribe", payload))
				Expect(socket.nextWritten().Service).To(Equal(frame.InstantMessaging))
			}
		})

		It("gives every command in flight its own index", func() {
			for i := 0; i < 50; i++ {
				send(conn, frame.NewRawCommand("conv.query", []byte{byte(i)}))
			}

			seen := map[int32]bool{}
			for i := 0; i < 50; i++ {
				f := socket.nextWritten()
				Expect(seen).ToNot(HaveKey(f.Index))
				Expect(f.Index).ToNot(BeZero())
				seen[f.Index] = true
			}
			Expect(inFlight(conn)).To(Equal(50))
		})

		It("only resolves the command an acknowledgement is for", func() {
			first := send(conn, frame.NewRawCommand("conv.query", []byte("a")))
			second := send(conn, frame.NewRawCommand("conv.query", []byte("b")))
			socket.nextWritten()
			secondFrame := socket.nextWritten()

			socket.receive(&frame.Frame{Kind: frame.AckFrame, Index: secondFrame.Index})
			Eventually(second).Should(Receive())
			Consistently(first, 100*time.Millisecond).ShouldNot(Receive())

			// nothing is waiting on this one
			socket.receive(&frame.Frame{Kind: frame.AckFrame, Index: 999})
			Expect(inFlight(conn)).To(Equal(1))
		})

		It("hands server rejections to the caller", func() {
			results := send(conn, frame.NewRawCommand("conv.add", nil))
			written := socket.nextWritten()

			socket.receive(&frame.Frame{
				Kind:  frame.ErrorFrame,
				Index: written.Index,
				Error: &frame.ErrorInfo{Code: 4301, Reason: "PERMISSION_DENIED"},
			})

			var r result
			Eventually(results).Should(Receive(&r))
			var serverErr *connection.ServerError
			Expect(errors.As(r.err, &serverErr)).To(BeTrue())
			Expect(serverErr.Code).To(Equal(int32(4301)))
			Expect(serverErr.Reason).To(Equal("PERMISSION_DENIED"))
		})

		It("times a command out exactly once", func() {
			results := send(conn, frame.NewRawCommand("conv.query", nil))
			written := socket.nextWritten()

			clock.Advance(29 * time.Second)
			tick(conn)
			Consistently(results, 50*time.Millisecond).ShouldNot(Receive())

			clock.Advance(time.Second)
			tick(conn)

			var r result
			Eventually(results).Should(Receive(&r))
			Expect(r.err).To(BeAssignableToTypeOf(&connection.TimeoutError{}))

			// a late answer changes nothing
			socket.receive(&frame.Frame{Kind: frame.AckFrame, Index: written.Index})
			Consistently(results, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("answers a ping from the server", func() {
			socket.receive(&frame.Frame{Kind: frame.PingFrame})

			pong := socket.nextWritten()
			Expect(pong.Kind).To(Equal(frame.PongFrame))
		})

		It("delivers pushes to the peer they name", func() {
			bob := newRecordingDelegate()
			Expect(register(Protocol3, "bob", bob)).To(BeIdenticalTo(conn))
			Eventually(bob.connected).Should(Receive())

			socket.receive(&frame.Frame{Kind: frame.PushFrame, PeerId: "bob", Op: "direct"})

			var f *frame.Frame
			Eventually(bob.frames).Should(Receive(&f))
			Expect(f.Op).To(Equal("direct"))
			Consistently(delegate.frames, 100*time.Millisecond).ShouldNot(Receive())

			// unknown peers are dropped
			socket.receive(&frame.Frame{Kind: frame.PushFrame, PeerId: "carol", Op: "direct"})
			Consistently(bob.frames, 100*time.Millisecond).ShouldNot(Receive())
		})

		When("the transport refuses writes", func() {
			BeforeEach(func() {
				sockets.sendErr = errors.New("broken pipe")
			})

			It("fails the command and forgets it", func() {
				var r result
				Eventually(send(conn, frame.NewRawCommand("conv.query", nil))).Should(Receive(&r))
				Expect(r.err).To(BeAssignableToTypeOf(&connection.SendError{}))
				Expect(inFlight(conn)).To(Equal(0))
			})
		})
	})

	Context("Protocol 1", func() {
		It("carries a single instant messaging peer", func() {
			conn := register(Protocol1, "alice", delegate)
			Expect(register(Protocol1, "alice", delegate)).To(BeIdenticalTo(conn))

			_, err := manager.Register(app, ServiceInstantMessaging, Protocol1, "bob", dispatch.Goroutine, newRecordingDelegate())
			var duplicate *connection.DuplicatePeerError
			Expect(errors.As(err, &duplicate)).To(BeTrue())
			Expect(duplicate.Existing).To(Equal("alice"))
		})

		It("sends without peer ids and routes untagged pushes to the peer", func() {
			conn, socket := connect(Protocol1)

			send(conn, frame.NewRawCommand("conv.query", nil))
			Expect(socket.nextWritten().PeerId).To(BeEmpty())

			socket.receive(&frame.Frame{Kind: frame.PushFrame, Op: "direct"})
			Eventually(delegate.frames).Should(Receive())
		})

		It("puts live query peers on protocol 3", func() {
			conn, err := manager.Register(app, ServiceLiveQuery, Protocol1, "query", dispatch.Goroutine, delegate)
			Expect(err).ToNot(HaveOccurred())
			Expect(conn.Protocol()).To(Equal(Protocol3))
		})
	})

	Context("Losing the socket", func() {
		It("fails what is in flight and schedules a reconnect", func() {
			conn, socket := connect(Protocol3)
			results := send(conn, frame.NewRawCommand("conv.query", nil))
			socket.nextWritten()

			socket.handler.OnClose(socket, errors.New("connection reset"))

			var r result
			Eventually(results).Should(Receive(&r))
			var lost *connection.ConnectionLostError
			Expect(errors.As(r.err, &lost)).To(BeTrue())
			Consistently(results, 100*time.Millisecond).ShouldNot(Receive())

			Eventually(delegate.disconnected).Should(Receive())
			Expect(conn.State()).To(Equal(Disconnected))

			pending := false
			conn.queue.Sync(func() { pending = conn.pendingConnect.Pending() })
			Expect(pending).To(BeTrue())

			// the reconnect used up the floor
			Expect(manager.NextConnectingDelay(app)).To(Equal(2 * floor))
		})

		It("ignores events from a socket it already dropped", func() {
			conn, socket := connect(Protocol3)
			socket.receive(&frame.Frame{Kind: frame.GoawayFrame})
			replacement := sockets.next()
			Eventually(delegate.disconnected).Should(Receive())

			socket.handler.OnClose(socket, errors.New("late"))
			Consistently(delegate.disconnected, 100*time.Millisecond).ShouldNot(Receive())
			Consistently(conn.State, 100*time.Millisecond).Should(Equal(Connecting))

			replacement.open()
			Eventually(conn.IsConnected).Should(BeTrue())
		})

		When("the reconnect delay is short", func() {
			BeforeEach(func() {
				floor = 20 * time.Millisecond
			})

			It("opens a new socket and starts over from the floor", func() {
				conn, socket := connect(Protocol3)
				socket.handler.OnClose(socket, errors.New("connection reset"))

				replacement := sockets.next()
				Eventually(delegate.connecting).Should(Receive())
				replacement.open()
				Eventually(conn.IsConnected).Should(BeTrue())

				Expect(manager.NextConnectingDelay(app)).To(Equal(floor))
			})
		})

		It("tears the socket down when pongs stop coming", func() {
			conn, socket := connect(Protocol3)

			tick(conn)
			socket.AssertNotCalled(GinkgoT(), "Ping")

			clock.Advance(10 * time.Second)
			tick(conn)
			socket.AssertNumberOfCalls(GinkgoT(), "Ping", 1)

			socket.handler.OnPong(socket)
			Expect(conn.queue.Sync(func() {})).To(Succeed())

			clock.Advance(10 * time.Second)
			tick(conn)
			socket.AssertNumberOfCalls(GinkgoT(), "Ping", 2)

			// still inside 1.5 times the ping timeout
			clock.Advance(5 * time.Second)
			tick(conn)
			Expect(conn.IsConnected()).To(BeTrue())

			clock.Advance(2 * time.Second)
			tick(conn)
			Expect(conn.State()).To(Equal(Disconnected))
			socket.AssertCalled(GinkgoT(), "Close", mock.Anything)
			socket.AssertNumberOfCalls(GinkgoT(), "Ping", 2)
			Eventually(delegate.disconnected).Should(Receive())
		})
	})

	Context("Application lifecycle", func() {
		It("closes in the background and reopens in the foreground", func() {
			conn, socket := connect(Protocol3)

			notifier.EnterBackground()
			Eventually(conn.State).Should(Equal(Disconnected))
			socket.AssertCalled(GinkgoT(), "Close", mock.Anything)
			Eventually(delegate.disconnected).Should(Receive())

			pending := true
			conn.queue.Sync(func() { pending = conn.pendingConnect.Pending() })
			Expect(pending).To(BeFalse())
			Consistently(sockets.sockets, 100*time.Millisecond).ShouldNot(Receive())

			// the floor is an hour, so only an immediate open gets a socket here
			notifier.EnterForeground()
			sockets.next().open()
			Eventually(conn.IsConnected).Should(BeTrue())
		})

		It("does not open while in the background", func() {
			notifier.EnterBackground()
			conn := register(Protocol3, "alice", delegate)

			Consistently(sockets.sockets, 100*time.Millisecond).ShouldNot(Receive())
			Expect(conn.State()).To(Equal(Disconnected))
		})
	})

	Context("Network reachability", func() {
		var reachability *fakeReachability

		BeforeEach(func() {
			reachability = &fakeReachability{status: lifecycle.Reachable}
			options.Reachability = reachability
		})

		It("closes when the network goes away and reopens when it returns", func() {
			conn, socket := connect(Protocol3)

			reachability.set(lifecycle.NotReachable)
			Eventually(conn.State).Should(Equal(Disconnected))
			socket.AssertCalled(GinkgoT(), "Close", mock.Anything)
			Consistently(sockets.sockets, 100*time.Millisecond).ShouldNot(Receive())

			reachability.set(lifecycle.Reachable)
			sockets.next().open()
			Eventually(conn.IsConnected).Should(BeTrue())
		})
	})

	Context("Network reachability settling", func() {
		var reachability *fakeReachability

		BeforeEach(func() {
			reachability = &fakeReachability{status: lifecycle.Unknown}
			options.Reachability = reachability
		})

		It("keeps the reconnect delay when an unknown network turns out reachable", func() {
			conn := register(Protocol3, "alice", delegate)
			socket := sockets.next()
			socket.handler.OnClose(socket, errors.New("connection refused"))
			Eventually(delegate.disconnected).Should(Receive())

			pending := false
			conn.queue.Sync(func() { pending = conn.pendingConnect.Pending() })
			Expect(pending).To(BeTrue())

			reachability.set(lifecycle.Reachable)
			Consistently(sockets.sockets, 100*time.Millisecond).ShouldNot(Receive())
			Expect(conn.State()).To(Equal(Disconnected))

			conn.queue.Sync(func() { pending = conn.pendingConnect.Pending() })
			Expect(pending).To(BeTrue())
		})
	})

	Context("Looking up the server", func() {
		var resolver *fakeResolver

		BeforeEach(func() {
			floor = 20 * time.Millisecond
			resolver = newFakeResolver("wss://rtm-1.example.com")
			options.Router = resolver

			app.ServerURL = ""
			app.RouterURL = "https://router.example.com"
		})

		It("switches servers after a failed open", func() {
			register(Protocol3, "alice", delegate)

			var call resolverCall
			Eventually(resolver.calls).Should(Receive(&call))
			Expect(call.secondary).To(BeFalse())

			socket := sockets.next()
			Eventually(socket.endpoints).Should(Receive(Equal(resolver.endpoint)))
			socket.handler.OnClose(socket, errors.New("refused"))

			Eventually(resolver.calls).Should(Receive(&call))
			Expect(call.secondary).To(BeTrue())
		})

		It("forgets the cached server on goaway and reconnects straight away", func() {
			conn := register(Protocol3, "alice", delegate)
			Eventually(resolver.calls).Should(Receive())
			socket := sockets.next()
			socket.open()
			Eventually(conn.IsConnected).Should(BeTrue())

			socket.receive(&frame.Frame{Kind: frame.GoawayFrame})

			Eventually(resolver.invalidated).Should(Receive(Equal("fakeapp")))
			Eventually(resolver.calls).Should(Receive())
			socket.AssertCalled(GinkgoT(), "Close", mock.Anything)
			sockets.next()
		})
	})

	Context("Closing", func() {
		It("fails what is in flight without waiting for the socket", func() {
			conn, socket := connect(Protocol3)
			results := send(conn, frame.NewRawCommand("conv.query", nil))
			socket.nextWritten()

			conn.Close()
			conn.Close()

			var r result
			Eventually(results).Should(Receive(&r))
			var lost *connection.ConnectionLostError
			Expect(errors.As(r.err, &lost)).To(BeTrue())

			Eventually(delegate.disconnected).Should(Receive())
			Expect(conn.State()).To(Equal(Disconnected))
			socket.AssertCalled(GinkgoT(), "Close", mock.Anything)
			Eventually(conn.queue.Done()).Should(BeClosed())
		})
	})

	Context("States", func() {
		It("starts disconnected and names every state", func() {
			var state State
			Expect(state).To(Equal(Disconnected))
			Expect([]string{Disconnected.String(), Connecting.String(), Connected.String(), Closing.String()}).
				To(Equal([]string{"Disconnected", "Connecting", "Connected", "Closing"}))

			conn := register(Protocol3, "alice", delegate)
			sockets.next()
			Eventually(conn.State).Should(Equal(Connecting))
		})
	})

	Context("Unregistering", func() {
		It("closes the connection once its last peer leaves", func() {
			conn, socket := connect(Protocol3)
			register(Protocol3, "bob", newRecordingDelegate())

			manager.Unregister(app, ServiceInstantMessaging, Protocol3, "alice")
			Expect(conn.IsConnected()).To(BeTrue())
			Expect(manager.Connections()).To(HaveLen(1))

			manager.Unregister(app, ServiceInstantMessaging, Protocol3, "bob")
			socket.AssertCalled(GinkgoT(), "Close", mock.Anything)
			Expect(conn.State()).To(Equal(Disconnected))
			Expect(manager.Connections()).To(BeEmpty())
		})
	})
})
