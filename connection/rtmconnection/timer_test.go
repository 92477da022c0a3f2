package rtmconnection

import (
	"errors"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NotEvenANeko/objc-sdk/connection"
	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

var _ = Describe("Timer", func() {
	logger := logger.MockLogger(GinkgoWriter)

	var clock *fakeClock
	var queue *dispatch.Queue
	var pings int
	var t *timer

	config := timerConfig{
		pingInterval: 10 * time.Second,
		pingTimeout:  4 * time.Second,
		commandTTL:   30 * time.Second,
	}

	track := func(op string, peerId string) (int32, *outCommand, chan result) {
		results, callback := collect()
		oc := newOutCommand(peerId, frame.InstantMessaging, frame.NewRawCommand(op, nil), dispatch.Goroutine, callback, clock.Now().Add(config.commandTTL))
		index := t.nextIndex()
		t.append(oc, index)
		return index, oc, results
	}

	BeforeEach(func() {
		clock = newFakeClock()
		queue = dispatch.NewQueue()
		pings = 0
		t = newTimer(logger, clock, queue, config, func() error {
			pings++
			return nil
		})
	})

	AfterEach(func() {
		queue.Close()
	})

	Context("Indices", func() {
		It("counts up from one", func() {
			Expect(t.nextIndex()).To(Equal(int32(1)))
			Expect(t.nextIndex()).To(Equal(int32(2)))
		})

		It("wraps past the largest index and skips ones still in use", func() {
			t.index = math.MaxInt32 - 1
			track("conv.query", "alice")
			Expect(t.index).To(Equal(int32(math.MaxInt32)))

			t.index = 0
			track("conv.query", "alice")
			Expect(t.index).To(Equal(int32(1)))

			t.append(newOutCommand("alice", frame.InstantMessaging, frame.NewRawCommand("conv.query", nil), dispatch.Goroutine, nil, clock.Now()), 2)
			t.index = math.MaxInt32
			Expect(t.nextIndex()).To(Equal(int32(3)))
		})
	})

	Context("Merging", func() {
		It("folds an equivalent command from the same peer", func() {
			track("conv.query", "alice")
			Expect(t.tryThrottle(frame.NewRawCommand("conv.query", nil), "alice", frame.InstantMessaging, dispatch.Goroutine, nil)).To(BeTrue())
		})

		It("keeps commands from different peers apart", func() {
			track("conv.query", "alice")
			Expect(t.tryThrottle(frame.NewRawCommand("conv.query", nil), "bob", frame.InstantMessaging, dispatch.Goroutine, nil)).To(BeFalse())
		})

		It("keeps the services of one peer apart", func() {
			track("conv.query", "alice")
			Expect(t.tryThrottle(frame.NewRawCommand("conv.query", nil), "alice", frame.LiveQuery, dispatch.Goroutine, nil)).To(BeFalse())
		})

		It("does not fold into an expired command", func() {
			track("conv.query", "alice")
			clock.Advance(config.commandTTL)
			Expect(t.tryThrottle(frame.NewRawCommand("conv.query", nil), "alice", frame.InstantMessaging, dispatch.Goroutine, nil)).To(BeFalse())
		})
	})

	Context("Acknowledgements", func() {
		It("resolves and forgets the command", func() {
			index, _, results := track("conv.query", "alice")

			Expect(t.handleAck(&frame.Frame{Kind: frame.AckFrame, Index: index})).To(BeTrue())
			Expect(t.inFlight()).To(Equal(0))
			Eventually(results).Should(Receive())

			Expect(t.handleAck(&frame.Frame{Kind: frame.AckFrame, Index: index})).To(BeFalse())
		})
	})

	Context("Expiry", func() {
		It("expires from the oldest command and stops at the first live one", func() {
			_, _, first := track("conv.query", "alice")
			clock.Advance(10 * time.Second)
			_, _, second := track("conv.update", "alice")

			Expect(t.sweepExpired(clock.Now().Add(20 * time.Second))).To(Equal(1))
			Expect(t.inFlight()).To(Equal(1))

			var r result
			Eventually(first).Should(Receive(&r))
			Expect(r.err).To(BeAssignableToTypeOf(&connection.TimeoutError{}))
			Consistently(second, 50*time.Millisecond).ShouldNot(Receive())
		})
	})

	Context("Heartbeat", func() {
		It("pings once the socket has been quiet for an interval", func() {
			_, err := t.tick(clock.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(pings).To(Equal(0))

			clock.Advance(config.pingInterval)
			_, err = t.tick(clock.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(pings).To(Equal(1))
		})

		It("does not ping while pongs are recent", func() {
			clock.Advance(config.pingInterval)
			t.receivePong()

			_, err := t.tick(clock.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(pings).To(Equal(0))
		})

		It("gives up when the pong is more than half a timeout late", func() {
			clock.Advance(config.pingInterval)
			t.tick(clock.Now())

			clock.Advance(6 * time.Second)
			_, err := t.tick(clock.Now())
			Expect(err).ToNot(HaveOccurred())

			clock.Advance(time.Millisecond)
			_, err = t.tick(clock.Now())
			Expect(err).To(HaveOccurred())
		})

		It("reports a ping that could not be written", func() {
			t.ping = func() error { return errors.New("broken pipe") }

			clock.Advance(config.pingInterval)
			_, err := t.tick(clock.Now())
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Cleaning", func() {
		It("fails everything in flight exactly once", func() {
			_, oc, first := track("conv.query", "alice")
			_, _, second := track("conv.update", "alice")

			reason := errors.New("socket closed")
			t.clean(reason, true)
			Expect(t.inFlight()).To(Equal(0))

			for _, results := range []chan result{first, second} {
				var r result
				Eventually(results).Should(Receive(&r))
				Expect(errors.Is(r.err, reason)).To(BeTrue())
			}

			oc.resolve(nil, nil)
			Consistently(first, 50*time.Millisecond).ShouldNot(Receive())
		})

		It("moves onto the queue when called from outside it", func() {
			_, _, results := track("conv.query", "alice")

			queue.Sync(func() {
				t.clean(errors.New("from elsewhere"), false)
				Expect(t.inFlight()).To(Equal(1))
			})

			var r result
			Eventually(results).Should(Receive(&r))
			Expect(r.err).To(BeAssignableToTypeOf(&connection.ConnectionLostError{}))
		})
	})
})
