package rtmconnection

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

var _ = Describe("Manager", func() {
	logger := logger.MockLogger(GinkgoWriter)

	var manager *Manager

	app := Application{ID: "fakeapp", ServerURL: "wss://rtm.example.com"}

	AfterEach(func() {
		manager.Close()
	})

	Context("Reconnect delays", func() {
		BeforeEach(func() {
			manager = NewManager(logger)
		})

		It("doubles from one second up to a minute", func() {
			expected := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
			for _, seconds := range expected {
				Expect(manager.NextConnectingDelay(app)).To(Equal(seconds * time.Second))
			}
		})

		It("starts over after a reset", func() {
			manager.NextConnectingDelay(app)
			manager.NextConnectingDelay(app)
			manager.ResetConnectingDelay(app)

			Expect(manager.NextConnectingDelay(app)).To(Equal(time.Second))
		})

		It("keeps applications apart", func() {
			other := Application{ID: "fakeapp", ServerURL: "wss://rtm.eu.example.com"}
			Expect(other.Identity()).ToNot(Equal(app.Identity()))

			manager.NextConnectingDelay(app)
			manager.NextConnectingDelay(app)
			Expect(manager.NextConnectingDelay(other)).To(Equal(time.Second))
		})

		It("honours custom bounds", func() {
			manager.Close()
			manager = NewManager(logger, WithDelayBounds(100*time.Millisecond, 300*time.Millisecond))

			Expect(manager.NextConnectingDelay(app)).To(Equal(100 * time.Millisecond))
			Expect(manager.NextConnectingDelay(app)).To(Equal(200 * time.Millisecond))
			Expect(manager.NextConnectingDelay(app)).To(Equal(300 * time.Millisecond))
		})
	})

	Context("Registration", func() {
		BeforeEach(func() {
			manager = NewManager(logger, WithConnectionOptions(Options{
				SocketFactory: newSocketHarness().factory,
				TickInterval:  time.Hour,
			}))
		})

		It("refuses a peer without an id", func() {
			_, err := manager.Register(app, ServiceInstantMessaging, Protocol3, "", dispatch.Goroutine, nil)
			Expect(err).To(HaveOccurred())
		})

		It("shares one connection per application and protocol", func() {
			first, err := manager.Register(app, ServiceInstantMessaging, Protocol3, "alice", nil, nil)
			Expect(err).ToNot(HaveOccurred())
			second, err := manager.Register(app, ServiceInstantMessaging, Protocol3, "bob", nil, nil)
			Expect(err).ToNot(HaveOccurred())
			third, err := manager.Register(app, ServiceInstantMessaging, Protocol1, "carol", nil, nil)
			Expect(err).ToNot(HaveOccurred())

			Expect(second).To(BeIdenticalTo(first))
			Expect(third).ToNot(BeIdenticalTo(first))
			Expect(manager.Connections()).To(HaveLen(2))
		})
	})
})
