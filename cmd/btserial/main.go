//go:build linux

// Command btserial chats with a Bluetooth serial (RFCOMM/SPP) device.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile and raw RFCOMM sockets usually need root: run with sudo.
//
// Usage
//
//	btserial scan -t 15s                 list nearby SPP devices
//	btserial connect AA:BB:CC:DD:EE:FF   open a session and chat
//	btserial connect                     reconnect to the last device, or scan and choose
//	btserial listen -d                   become discoverable and wait for a device
//	btserial devices                     list remembered devices
//	btserial devices select              scan, choose and remember a device
//
// With --http (or http_addr in the config file) the session is also served on
// /events (websocket), /metrics (Prometheus) and /status.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "btserial"
	app.Usage = "chat with a Bluetooth serial port device"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "YAML configuration file",
			EnvVar: "BTSERIAL_CONFIG",
		},
		cli.StringFlag{
			Name:  "http",
			Usage: "serve /events, /metrics and /status on this address",
		},
		cli.StringFlag{
			Name:  "transport",
			Usage: "bluez (D-Bus profiles) or rfcomm (raw sockets)",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "log at debug level",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "scan",
			Usage:  "List nearby devices offering the serial port service",
			Action: scanCommand,
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "timeout, t",
					Value: 10 * time.Second,
					Usage: "how long to scan",
				},
			},
		},
		cli.Command{
			Name:      "connect",
			Usage:     "Connect to a device and start chatting",
			ArgsUsage: "[address]",
			Action:    connectCommand,
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "scan-timeout",
					Value: 10 * time.Second,
					Usage: "scan duration when no address is given or remembered",
				},
				cli.BoolFlag{
					Name:  "select, s",
					Usage: "scan and choose even if a device is remembered",
				},
			},
		},
		cli.Command{
			Name:   "listen",
			Usage:  "Wait for a device to connect, then start chatting",
			Action: listenCommand,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "discoverable, d",
					Usage: "make the adapter discoverable before listening",
				},
				cli.DurationFlag{
					Name:  "discoverable-timeout",
					Value: 5 * time.Minute,
					Usage: "how long the adapter stays discoverable, 0 for no limit",
				},
			},
		},
		cli.Command{
			Name:   "devices",
			Usage:  "List remembered devices, most recent first",
			Action: devicesCommand,
			Subcommands: []cli.Command{
				cli.Command{
					Name:   "select",
					Usage:  "Scan, choose a device and remember it for connect",
					Action: selectCommand,
					Flags: []cli.Flag{
						cli.DurationFlag{
							Name:  "timeout, t",
							Value: 10 * time.Second,
							Usage: "how long to scan",
						},
					},
				},
				cli.Command{
					Name:      "forget",
					Usage:     "Forget a remembered device",
					ArgsUsage: "<address>",
					Action:    forgetCommand,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "btserial:", err)
		os.Exit(1)
	}
}
