package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/NotEvenANeko/objc-sdk/config"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
	"github.com/NotEvenANeko/objc-sdk/connection/lifecycle"
	"github.com/NotEvenANeko/objc-sdk/connection/router"
	"github.com/NotEvenANeko/objc-sdk/connection/router/redisroute"
	"github.com/NotEvenANeko/objc-sdk/connection/rtmconnection"
	"github.com/NotEvenANeko/objc-sdk/connection/transporter/websocket"
	"github.com/NotEvenANeko/objc-sdk/logger"
	"github.com/NotEvenANeko/objc-sdk/relay/natsrelay"
	"github.com/NotEvenANeko/objc-sdk/telemetry"
	"github.com/NotEvenANeko/objc-sdk/telemetry/metrics"
)

const (
	statusInterval = time.Minute

	natsReconnectWait = 500 * time.Millisecond
	natsTimeout       = 3 * time.Second

	redisPingTimeout = 3 * time.Second

	metricsShutdownTimeout = 5 * time.Second
)

type Client struct {
	logger     *logger.Logger
	config     *config.Config
	configPath string

	app      rtmconnection.Application
	protocol rtmconnection.Protocol
	manager  *rtmconnection.Manager
	notifier *lifecycle.Notifier
	probe    *lifecycle.ProbeMonitor
	metrics  *metrics.Metrics

	nc    *nats.Conn
	relay *natsrelay.Relay
	rdb   *redis.Client

	// the newest websocket per subprotocol, for the status line
	socketsLock sync.Mutex
	sockets     map[string]*websocket.Websocket
}

func New(logger *logger.Logger, cfg *config.Config, configPath string) (*Client, error) {
	c := &Client{
		logger:     logger,
		config:     cfg,
		configPath: configPath,
		app: rtmconnection.Application{
			ID:        cfg.App.ID,
			Key:       cfg.App.Key,
			ServerURL: cfg.App.ServerURL,
			RouterURL: cfg.App.RouterURL,
		},
		protocol: rtmconnection.Protocol(cfg.Connection.Protocol),
		notifier: lifecycle.NewNotifier(),
		sockets:  make(map[string]*websocket.Websocket),
	}

	var err error
	if c.metrics, err = metrics.New(); err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	if cfg.Nats.URL != "" {
		c.nc, err = nats.Connect(cfg.Nats.URL,
			nats.Name("rtmclient-"+cfg.App.ID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(natsReconnectWait),
			nats.Timeout(natsTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.Nats.URL, err)
		}
		c.relay = natsrelay.New(logger, c.nc, cfg.Nats.Prefix, cfg.App.ID)
	}

	routerOpts := []router.Option{}
	if cfg.Redis.Address != "" {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		// an unreachable redis only means every lookup goes to the router
		pingCtx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		if err := c.rdb.Ping(pingCtx).Err(); err != nil {
			logger.Errorf("Redis at %s is not answering, routes will be looked up every time: %s", cfg.Redis.Address, err)
		}
		cancel()

		routerOpts = append(routerOpts, router.WithCache(redisroute.New(c.rdb, cfg.Redis.Prefix)))
	}

	options := rtmconnection.Options{
		PingInterval: cfg.Connection.PingInterval,
		PingTimeout:  cfg.Connection.PingTimeout,
		CommandTTL:   cfg.Connection.CommandTTL,
		SocketFactory: websocket.NewFactory(logger.GetComponentLogger("Websocket"), func(w *websocket.Websocket) {
			c.trackSocket(w)
		}),
		Router:   router.New(logger, routerOpts...),
		Headers:  http.Header{"User-Agent": {"rtmclient/" + version}},
		AppState: c.notifier,
		Metrics:  c.metrics,
	}

	if cfg.Probe.Address != "" {
		c.probe = lifecycle.NewProbeMonitor(logger, cfg.Probe.Address, cfg.Probe.Interval)
		options.Reachability = c.probe
	}

	c.manager = rtmconnection.NewManager(logger,
		rtmconnection.WithDelayBounds(cfg.Connection.DelayFloor, cfg.Connection.DelayCeiling),
		rtmconnection.WithConnectionOptions(options),
	)

	return c, nil
}

// Run registers the configured peers and serves until ctx is done
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	metricsServer := c.serveMetrics()

	for _, peer := range c.config.Peers {
		if err := c.register(peer); err != nil {
			return err
		}
	}

	if c.configPath != "" {
		if err := config.Watch(ctx, c.logger, c.configPath, c.reload); err != nil {
			c.logger.Errorf("Not watching config for changes: %s", err)
		}
	}

	signals := make(chan os.Signal, 1)
	if appSignals := appStateSignals(); len(appSignals) > 0 {
		signal.Notify(signals, appSignals...)
		defer signal.Stop(signals)
	}

	status := time.NewTicker(statusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Infof("Shutting down")
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
				metricsServer.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		case sig := <-signals:
			switch sig {
			case backgroundSignal:
				c.logger.Infof("Received %s, entering background", sig)
				c.notifier.EnterBackground()
			case foregroundSignal:
				c.logger.Infof("Received %s, entering foreground", sig)
				c.notifier.EnterForeground()
			}
		case <-status.C:
			c.logStatus()
		}
	}
}

func (c *Client) register(peer config.PeerConfig) error {
	service := rtmconnection.ServiceInstantMessaging
	if peer.Service == config.ServiceLiveQuery {
		service = rtmconnection.ServiceLiveQuery
	}

	var delegate rtmconnection.Delegate = &logDelegate{logger: c.logger.GetPeerLogger(peer.ID)}
	if c.relay != nil {
		delegate = c.relay.Peer(service, peer.ID)
	}

	conn, err := c.manager.Register(c.app, service, c.protocol, peer.ID, nil, delegate)
	if err != nil {
		return fmt.Errorf("failed to register peer %s: %w", peer.ID, err)
	}

	if c.relay != nil {
		if err := c.relay.Serve(c.nc, conn, service, peer.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) serveMetrics() *http.Server {
	if c.config.Metrics.Address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	server := &http.Server{
		Addr:              c.config.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		c.logger.Infof("Serving metrics on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Errorf("Metrics server stopped: %s", err)
		}
	}()
	return server
}

// only the log level can change while running
func (c *Client) reload(cfg *config.Config) {
	if cfg.Log.Level != c.config.Log.Level {
		c.logger.Infof("Changing log level from %s to %s", c.config.Log.Level, cfg.Log.Level)
		c.logger.SetLevel(logger.ToLogLevel(cfg.Log.Level))
		c.config.Log.Level = cfg.Log.Level
	}
}

func (c *Client) trackSocket(w *websocket.Websocket) {
	c.socketsLock.Lock()
	defer c.socketsLock.Unlock()

	c.sockets[w.Subprotocol()] = w
}

func (c *Client) logStatus() {
	memory, _ := json.Marshal(telemetry.GetMemoryStats())
	c.logger.Infof("Memory: %s", memory)

	for _, conn := range c.manager.Connections() {
		c.logger.Infof("Connection %s (%s) is %s", conn.Id(), conn.Protocol(), conn.State())
	}

	c.socketsLock.Lock()
	defer c.socketsLock.Unlock()
	for subprotocol, w := range c.sockets {
		stats, _ := json.Marshal(w.Stats())
		c.logger.Infof("Throughput on %s: %s", subprotocol, stats)
	}
}

func (c *Client) Close() {
	c.manager.Close()

	if c.probe != nil {
		c.probe.Close()
	}
	if c.relay != nil {
		c.relay.Close()
	}
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.logger.Errorf("Failed to drain nats connection: %s", err)
		}
	}
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.logger.Errorf("Failed to close redis client: %s", err)
		}
	}
}

// logDelegate stands in for the relay when nats is not configured
type logDelegate struct {
	logger *logger.Logger
}

func (l *logDelegate) ConnectionInConnecting(conn *rtmconnection.Connection) {
	l.logger.Infof("Connecting on %s", conn.Id())
}

func (l *logDelegate) DidConnect(conn *rtmconnection.Connection) {
	l.logger.Infof("Connected on %s", conn.Id())
}

func (l *logDelegate) DidDisconnect(conn *rtmconnection.Connection, reason error) {
	l.logger.Infof("Disconnected from %s: %s", conn.Id(), reason)
}

func (l *logDelegate) DidReceiveFrame(conn *rtmconnection.Connection, f *frame.Frame) {
	l.logger.Infof("Received %s %s (%d bytes)", f.Kind, f.Op, len(f.Payload))
}
