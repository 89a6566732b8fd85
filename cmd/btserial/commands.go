//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bluetooth-serial/internal/bluez"
	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/devicestore"
	"bluetooth-serial/internal/eventbus"
	"bluetooth-serial/internal/logger"
	"bluetooth-serial/internal/metrics"
	"bluetooth-serial/internal/status"
)

const (
	shutdownTimeout     = 5 * time.Second
	discoverableTimeout = 5 * time.Minute
	adapterCallTimeout  = 5 * time.Second
)

// env is everything a command needs, built from flags and configuration.
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	store *devicestore.Store
	bluez *bluez.Transport
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if v := c.GlobalString("http"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := c.GlobalString("transport"); v != "" {
		cfg.Transport = v
	}
	if c.GlobalBool("verbose") {
		cfg.Logging.Level = "DEBUG"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	store, err := devicestore.Open(cfg.StorePath)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &env{
		cfg:   cfg,
		log:   log,
		store: store,
		bluez: bluez.New(bluezOptions(cfg, log)),
	}, nil
}

func bluezOptions(cfg *config.Config, log *zap.Logger) bluez.Options {
	return bluez.Options{
		Adapter:     cfg.Adapter,
		ServiceUUID: cfg.ServiceUUID,
		ServiceName: cfg.ServiceName,
		Channel:     uint8(cfg.Channel),
		Logger:      log,
	}
}

func (e *env) close() error {
	err := multierr.Append(e.bluez.Close(), e.store.Close())
	_ = e.log.Sync()
	return err
}

// transport returns the configured connmgr.Transport. The raw RFCOMM transport
// still uses BlueZ to stop discovery before dialing.
func (e *env) transport() connmgr.Transport {
	if e.cfg.Transport == config.TransportRFCOMM {
		return bluez.NewRFCOMM(bluezOptions(e.cfg, e.log), e.bluez)
	}
	return e.bluez
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func scanCommand(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.close()) }()

	ctx, cancel := signalContext()
	defer cancel()
	devs, err := scan(ctx, e, c.Duration("timeout"))
	if err != nil {
		return err
	}
	printDevices(devs)
	return nil
}

func scan(ctx context.Context, e *env, d time.Duration) ([]bluez.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	fmt.Printf("Scanning for %s...\n", d)
	return e.bluez.Scan(ctx)
}

func printDevices(devs []bluez.Device) {
	if len(devs) == 0 {
		fmt.Println("no serial port devices found")
		return
	}
	for i, d := range devs {
		fmt.Printf("[%d] %s  %s  (%s)\n", i, d.MAC, d.DisplayName(), d.Path)
	}
}

func connectCommand(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.close()) }()

	ctx, cancel := signalContext()
	defer cancel()

	address := c.Args().First()
	if address == "" && !c.Bool("select") {
		last, err := e.store.Last(ctx)
		switch {
		case err == nil:
			address = last.Address
			fmt.Printf("Reconnecting to %s (%s)\n", last.Name, last.Address)
		case !errors.Is(err, devicestore.ErrNotFound):
			return err
		}
	}
	if address == "" {
		dev, err := choose(ctx, e, c.Duration("scan-timeout"))
		if err != nil {
			return err
		}
		address = deviceAddress(dev)
	}
	return runSession(ctx, e, address, func(m *connmgr.Manager) { m.Connect(address) })
}

func choose(ctx context.Context, e *env, d time.Duration) (bluez.Device, error) {
	devs, err := scan(ctx, e, d)
	if err != nil {
		return bluez.Device{}, err
	}
	if len(devs) == 0 {
		return bluez.Device{}, errors.New("no serial port devices found")
	}
	printDevices(devs)
	fmt.Print("Choose index: ")
	return devs[readIndex(len(devs))], nil
}

// deviceAddress is what Connect accepts for d: its MAC, or its object path when
// BlueZ has not reported one.
func deviceAddress(d bluez.Device) string {
	if d.MAC != "" {
		return d.MAC
	}
	return d.Path
}

func readIndex(n int) int {
	r := bufio.NewReader(os.Stdin)
	for {
		line, _ := r.ReadString('\n')
		i, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && i >= 0 && i < n {
			return i
		}
		fmt.Printf("enter 0..%d: ", n-1)
	}
}

func listenCommand(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.close()) }()

	ctx, cancel := signalContext()
	defer cancel()
	if c.Bool("discoverable") {
		if err := setDiscoverable(ctx, e, c.Duration("discoverable-timeout")); err != nil {
			return err
		}
		fmt.Println("Adapter is discoverable.")
	}
	return runSession(ctx, e, "", func(m *connmgr.Manager) { m.Listen() })
}

func setDiscoverable(ctx context.Context, e *env, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, adapterCallTimeout)
	defer cancel()
	return e.bluez.SetDiscoverable(ctx, d)
}

func devicesCommand(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.close()) }()

	devs, err := e.store.List(context.Background())
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no remembered devices")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tLAST USED")
	for _, d := range devs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Address, d.Name, d.LastUsed.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func selectCommand(c *cli.Context) (err error) {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.close()) }()

	ctx, cancel := signalContext()
	defer cancel()
	dev, err := choose(ctx, e, c.Duration("timeout"))
	if err != nil {
		return err
	}
	saved, err := rememberChoice(ctx, e.store, dev)
	if err != nil {
		return err
	}
	fmt.Printf("Remembered %s (%s)\n", saved.Name, saved.Address)
	return nil
}

// rememberChoice stores d as the most recently used device.
func rememberChoice(ctx context.Context, store *devicestore.Store, d bluez.Device) (devicestore.Device, error) {
	saved := devicestore.Device{Address: deviceAddress(d), Name: d.DisplayName()}
	if err := store.Remember(ctx, saved); err != nil {
		return devicestore.Device{}, err
	}
	return saved, nil
}

// lastDevice returns the address of the most recently used device, if any.
func lastDevice(store *devicestore.Store, log *zap.Logger) func() (string, bool) {
	return func() (string, bool) {
		d, err := store.Last(context.Background())
		if err != nil {
			if !errors.Is(err, devicestore.ErrNotFound) {
				log.Warn("btserial: last device lookup failed", zap.Error(err))
			}
			return "", false
		}
		return d.Address, true
	}
}

func forgetCommand(c *cli.Context) (err error) {
	address := c.Args().First()
	if address == "" {
		return errors.New("forget: address required")
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, e.close()) }()
	return e.store.Forget(context.Background(), address)
}

// runSession wires a Manager to the console, the device store, the event feed
// and metrics, calls begin, and chats until /quit or a signal.
func runSession(ctx context.Context, e *env, target string, begin func(*connmgr.Manager)) error {
	ind := status.New(os.Stdout)
	feed := eventbus.New()
	col := metrics.New()
	con := newConsole(os.Stdout, target)
	con.lastDevice = lastDevice(e.store, e.log)
	con.discoverable = func() error { return setDiscoverable(ctx, e, discoverableTimeout) }

	m := connmgr.New(e.transport(),
		connmgr.WithLogger(e.log),
		connmgr.WithStatusPresenter(ind),
		connmgr.WithEventSink(connmgr.Sinks{con, e.store.Sink(e.log), feed, col}),
	)
	con.attach(m)

	g, ctx := errgroup.WithContext(ctx)
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	if e.cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              e.cfg.HTTPAddr,
			Handler:           newMux(feed, col, ind, e.log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			e.log.Info("btserial: http listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer quit()
		fmt.Println("Type /help for commands.")
		m.Start()
		begin(m)
		return con.run(ctx, os.Stdin)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(err, m.Shutdown(sctx))
}
