// Command meshctl talks to a meshbus node: it publishes and listens over a
// peer link and reads node state from the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/danmuck/meshbus/internal/config"
	"github.com/danmuck/meshbus/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

// cli holds the root flags shared by every subcommand.
type cli struct {
	out     io.Writer
	rootfs  *flag.FlagSet
	profile string
	addr    string
	admin   string
	name    string
	timeout time.Duration
}

func run(ctx context.Context, args []string, out io.Writer) error {
	c := &cli{out: out}
	root := c.command()
	if err := root.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	err := root.Run(ctx)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func (c *cli) command() *ffcli.Command {
	c.rootfs = newFlagSet("meshctl")
	c.rootfs.StringVar(&c.profile, "profile", "", "client profile (toml)")
	c.rootfs.StringVar(&c.addr, "addr", "", "node stream address; overrides the profile")
	c.rootfs.StringVar(&c.admin, "admin", "", "node admin address; overrides the profile")
	c.rootfs.StringVar(&c.name, "name", "", "local registry name; overrides the profile")
	c.rootfs.DurationVar(&c.timeout, "timeout", 0, "connect timeout; overrides the profile")

	return &ffcli.Command{
		Name:       "meshctl",
		ShortUsage: "meshctl [flags] <subcommand> [command flags]",
		ShortHelp:  "Publish to and inspect a meshbus node.",
		LongHelp: strings.TrimSpace(`
Root flags may also be set from MESHCTL_* environment variables, for
example MESHCTL_PROFILE or MESHCTL_ADDR. Flags win over the profile.
`),
		FlagSet: c.rootfs,
		Options: []ff.Option{ff.WithEnvVarPrefix("MESHCTL")},
		Subcommands: []*ffcli.Command{
			c.sendCommand(),
			c.listenCommand(),
			c.groupsCommand(),
			c.statusCommand(),
		},
		Exec: func(context.Context, []string) error { return flag.ErrHelp },
	}
}

// loadProfile reads the profile and applies root flags that were set.
func (c *cli) loadProfile() (config.ClientProfile, error) {
	p, err := config.LoadClientProfile(c.profile)
	if err != nil {
		return config.ClientProfile{}, err
	}
	c.rootfs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			p.Addr = c.addr
		case "admin":
			p.AdminAddr = c.admin
		case "name":
			p.Name = c.name
		case "timeout":
			p.ConnectTimeout = c.timeout
		}
	})
	if err := p.Validate(); err != nil {
		return config.ClientProfile{}, err
	}
	return p, nil
}
