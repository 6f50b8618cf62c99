package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/danmuck/meshbus/internal/bus"
	"github.com/danmuck/meshbus/internal/config"
	"github.com/danmuck/meshbus/internal/message"
	"github.com/danmuck/meshbus/internal/node"
)

var errUsage = errors.New("missing arguments")

func connectTimeout(p config.ClientProfile) time.Duration {
	if p.ConnectTimeout > 0 {
		return p.ConnectTimeout
	}
	return config.DefaultClientProfile().ConnectTimeout
}

func (c *cli) sendCommand() *ffcli.Command {
	fs := newFlagSet("send")
	cid := fs.Uint64("cid", 0, "conversation id")
	wait := fs.Duration("wait", -1, "how long to print replies; negative uses the profile reply timeout, 0 exits after sending")
	asJSON := fs.Bool("json", false, "send the payload as a JSON value")

	return &ffcli.Command{
		Name:       "send",
		ShortUsage: "meshctl send [flags] <topic> [payload...]",
		ShortHelp:  "Publish one message and print what comes back.",
		LongHelp: strings.TrimSpace(`
The payload words are joined with spaces and sent as text, or parsed as
JSON with -json. Replies and group traffic that reach this client during
-wait are printed one per line.
`),
		FlagSet: fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("send: %w: topic", errUsage)
			}
			topic := args[0]
			var payload any = strings.Join(args[1:], " ")
			if *asJSON {
				var v any
				if err := json.Unmarshal([]byte(payload.(string)), &v); err != nil {
					return fmt.Errorf("send: payload is not json: %w", err)
				}
				payload = v
			}

			p, err := c.loadProfile()
			if err != nil {
				return err
			}
			window := *wait
			if window < 0 {
				window = p.ReplyTimeout
			}

			s, err := openSession(ctx, p)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.waitTopic(topic, connectTimeout(p)); err != nil {
				return err
			}
			delivered, err := s.client.Send(topic, payload, *cid)
			if err != nil {
				return err
			}
			if !delivered {
				return fmt.Errorf("send: no route to %q", topic)
			}
			if window == 0 {
				return s.drain(connectTimeout(p))
			}
			return s.print(c.out, window, 0)
		},
	}
}

func (c *cli) listenCommand() *ffcli.Command {
	fs := newFlagSet("listen")
	count := fs.Int("count", 0, "exit after this many messages; 0 runs until interrupted")

	return &ffcli.Command{
		Name:       "listen",
		ShortUsage: "meshctl listen [flags] <topic> [topic...]",
		ShortHelp:  "Subscribe to topics and print every message.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("listen: %w: topic", errUsage)
			}
			p, err := c.loadProfile()
			if err != nil {
				return err
			}
			s, err := openSession(ctx, p)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, topic := range args {
				if !s.client.Subscribe(topic) {
					return fmt.Errorf("listen: cannot subscribe to %q", topic)
				}
			}
			if err := s.waitConnected(connectTimeout(p)); err != nil {
				return err
			}
			return s.print(c.out, 0, *count)
		},
	}
}

func (c *cli) groupsCommand() *ffcli.Command {
	fs := newFlagSet("groups")
	all := fs.Bool("all", false, "include plain topics")

	return &ffcli.Command{
		Name:       "groups",
		ShortUsage: "meshctl groups [flags]",
		ShortHelp:  "List the groups known to the node.",
		FlagSet:    fs,
		Exec: func(ctx context.Context, _ []string) error {
			p, err := c.loadProfile()
			if err != nil {
				return err
			}
			var snap bus.Snapshot
			if err := getAdmin(ctx, p, "/topics", &snap); err != nil {
				return err
			}
			slices.SortFunc(snap.Topics, func(a, b bus.TopicInfo) int { return strings.Compare(a.Name, b.Name) })

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tMEMBERS")
			for _, t := range snap.Topics {
				kind := "topic"
				if t.Group {
					kind = "group"
				} else if !*all {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\n", t.Name, kind, t.Members)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) statusCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "status",
		ShortUsage: "meshctl status",
		ShortHelp:  "Show the node's links and accepted peers.",
		FlagSet:    newFlagSet("status"),
		Exec: func(ctx context.Context, _ []string) error {
			p, err := c.loadProfile()
			if err != nil {
				return err
			}
			var view node.BridgesView
			if err := getAdmin(ctx, p, "/bridges", &view); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DIRECTION\tNAME\tKIND\tADDR\tCONNECTED\tQUEUED\tCYCLE")
			for _, l := range view.Links {
				fmt.Fprintf(tw, "out\t%s\t%s\t%s\t%t\t%d\t%t\n", l.Name, l.Kind, l.Addr, l.Connected, l.Queued, l.Bridge.CycleDetect)
			}
			for _, peer := range view.Peers {
				fmt.Fprintf(tw, "in\t%s\t%s\t%s\t%t\t%d\t%t\n", peer.Name, peer.Kind, peer.Remote, true, peer.Queued, peer.Bridge.CycleDetect)
			}
			return tw.Flush()
		},
	}
}

// print writes delivered messages until window passes (0 waits forever), count
// messages were written (0 is unlimited), or the session ends.
func (s *busSession) print(out io.Writer, window time.Duration, count int) error {
	var expired <-chan time.Time
	if window > 0 {
		t := time.NewTimer(window)
		defer t.Stop()
		expired = t.C
	}
	for seen := 0; count == 0 || seen < count; seen++ {
		select {
		case msg := <-s.msgs:
			printMessage(out, msg)
		case <-expired:
			return nil
		case <-s.ctx.Done():
			return nil
		}
	}
	return nil
}

func printMessage(out io.Writer, msg *message.Message) {
	fmt.Fprintf(out, "%s\t%d\t%s\n", msg.Topic(), msg.ConversationID(), msg.Text())
}

func getAdmin(ctx context.Context, p config.ClientProfile, path string, out any) error {
	if p.AdminAddr == "" || p.AdminAddr == config.Disabled {
		return fmt.Errorf("no admin address configured")
	}
	base := p.AdminAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout(p))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
