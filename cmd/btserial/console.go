//go:build linux

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"bluetooth-serial/internal/connmgr"
)

const consoleHelp = `commands:
  /connect [address]  connect to address, or to the last device
  /disconnect         close the session
  /toggle             connect if idle, disconnect otherwise
  /listen             wait for a device to connect to us
  /discoverable       let nearby devices find this adapter
  /status             print the session status
  /quit               leave
anything else is sent to the peer`

// session is the subset of *connmgr.Manager the console drives.
type session interface {
	State() connmgr.State
	Peer() (connmgr.Peer, bool)
	Connect(address string)
	Listen()
	Stop()
	Send(p []byte)
}

// console prints the chat transcript and turns input lines into session
// operations. It is an EventSink; install it on the Manager it drives.
type console struct {
	out io.Writer

	mu     sync.Mutex
	sess   session
	peer   string
	target string

	// lastDevice supplies the remembered address when there is no target.
	lastDevice func() (string, bool)
	// discoverable makes the local adapter visible for incoming sessions.
	discoverable func() error
}

var _ connmgr.EventSink = (*console)(nil)

func newConsole(out io.Writer, target string) *console {
	return &console{out: out, target: target}
}

func (c *console) attach(s session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *console) HandleEvent(ev connmgr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case connmgr.EventDeviceIdentified:
		c.peer = ev.Peer.DisplayName()
		if ev.Peer.Address != "" {
			c.target = ev.Peer.Address
		}
		fmt.Fprintf(c.out, "* connected to %s\n", c.peer)
	case connmgr.EventDataReceived:
		fmt.Fprintf(c.out, "%s: %s\n", c.peer, trimLine(ev.Data))
	case connmgr.EventDataSent:
		fmt.Fprintf(c.out, "Me: %s\n", trimLine(ev.Data))
	case connmgr.EventNotice:
		fmt.Fprintf(c.out, "! %s\n", ev.Text)
	case connmgr.EventStateChanged:
		if ev.State == connmgr.StateListening {
			fmt.Fprintln(c.out, "* waiting for a device to connect")
		}
	}
}

func trimLine(b []byte) string {
	return strings.TrimRight(string(b), "\r\n")
}

// run reads commands from in until /quit, end of input or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handleLine(line); quit {
				return nil
			}
		}
	}
}

func (c *console) handleLine(line string) (quit bool) {
	c.mu.Lock()
	sess, target := c.sess, c.target
	c.mu.Unlock()

	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "/") {
		if text == "" {
			return false
		}
		if sess.State() != connmgr.StateConnected {
			c.printf("! not connected\n")
			return false
		}
		sess.Send([]byte(line))
		return false
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/connect":
		if arg == "" {
			arg = c.fallback(target)
		}
		c.connect(sess, arg)
	case "/disconnect":
		sess.Stop()
	case "/toggle":
		switch sess.State() {
		case connmgr.StateNone, connmgr.StateListening:
			c.connect(sess, c.fallback(target))
		default:
			sess.Stop()
		}
	case "/listen":
		sess.Listen()
	case "/discoverable":
		if c.discoverable == nil {
			c.printf("! discoverable is not available\n")
			return false
		}
		if err := c.discoverable(); err != nil {
			c.printf("! discoverable: %v\n", err)
			return false
		}
		c.printf("* adapter is discoverable\n")
	case "/status":
		peer, _ := sess.Peer()
		c.printf("* %s\n", connmgr.StatusText(sess.State(), peer))
	default:
		c.printf("%s\n", consoleHelp)
	}
	return false
}

func (c *console) fallback(target string) string {
	if target != "" || c.lastDevice == nil {
		return target
	}
	if addr, ok := c.lastDevice(); ok {
		return addr
	}
	return ""
}

func (c *console) connect(sess session, address string) {
	if address == "" {
		c.printf("! no device to connect to; use /connect <address>\n")
		return
	}
	c.mu.Lock()
	c.target = address
	c.mu.Unlock()
	sess.Connect(address)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
