package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rubiojr/tavern/pkg/api"
	"github.com/rubiojr/tavern/pkg/config"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/eventid"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	kindStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	textStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
)

// TailCommand creates a CLI command that follows a mailbox over the
// WebSocket endpoint and writes events as NDJSON to stdout.
//
// Typical usage:
//
//	tavern tail --mailbox <space id> --key <bearer key>
//	tavern tail --mailbox <space id> --pretty
//	tavern tail --mailbox <space id> | jq -r 'select(.body.type=="NEW_MESSAGE") | .body.message.text'
//
// It reconnects with exponential backoff and resumes after the last event it
// printed, so nothing still cached by the server is missed.
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream the events of a mailbox (NDJSON) from a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mailbox",
				Usage:    "Space id to follow",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Server URL (defaults to ws://<listen> from config)",
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "Bearer key sent in the Authorization header",
				Sources: cli.EnvVars("TAVERN_KEY"),
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Print session frames (APP_INFO, INITIALIZED) too",
				Value: false,
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Render events for humans instead of raw JSON",
				Value: false,
			},
			&cli.BoolFlag{
				Name:  "no-retry",
				Usage: "Do not retry on failures; exit on first connection error",
				Value: false,
			},
			&cli.DurationFlag{
				Name:  "initial-backoff",
				Usage: "Initial reconnect backoff",
				Value: 1 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "max-backoff",
				Usage: "Maximum reconnect backoff",
				Value: 30 * time.Second,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			mailboxID, err := uuid.Parse(c.String("mailbox"))
			if err != nil {
				return fmt.Errorf("invalid mailbox: %w", err)
			}

			server := c.String("server")
			if server == "" {
				cfg, err := config.LoadConfig(c.String("config"))
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				server = "ws://" + cfg.Listen
			}

			opts := tailOptions{
				server:         server,
				mailbox:        mailboxID,
				key:            c.String("key"),
				includeAll:     c.Bool("all"),
				pretty:         c.Bool("pretty"),
				noRetry:        c.Bool("no-retry"),
				initialBackoff: c.Duration("initial-backoff"),
				maxBackoff:     c.Duration("max-backoff"),
				stdout:         os.Stdout,
				stderr:         os.Stderr,
			}
			return tailMailbox(ctx, opts)
		},
	}
}

type tailOptions struct {
	server         string
	mailbox        uuid.UUID
	key            string
	includeAll     bool
	pretty         bool
	noRetry        bool
	initialBackoff time.Duration
	maxBackoff     time.Duration
	stdout         io.Writer
	stderr         io.Writer
}

// rejectedError is an ERROR frame from the server. Retrying will not help.
type rejectedError struct {
	body *event.Error
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("server rejected session: %s (%s)", e.body.Code, e.body.Reason)
}

// tailState survives reconnects.
type tailState struct {
	last *eventid.ID
}

func tailMailbox(ctx context.Context, opts tailOptions) error {
	if opts.initialBackoff <= 0 {
		opts.initialBackoff = time.Second
	}
	if opts.maxBackoff < opts.initialBackoff {
		opts.maxBackoff = 30 * time.Second
	}

	state := &tailState{}
	backoff := opts.initialBackoff
	_, _ = fmt.Fprintf(opts.stderr, "Tail: following %s on %s\n", opts.mailbox, opts.server)

	for {
		conn, err := dialMailbox(ctx, opts, state.last)
		if err != nil {
			if opts.noRetry {
				return fmt.Errorf("dial: %w", err)
			}
			_, _ = fmt.Fprintf(opts.stderr, "Tail: dial failed (%v), retrying in %s\n", err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > opts.maxBackoff {
				backoff = opts.maxBackoff
			}
			continue
		}

		_, _ = fmt.Fprintf(opts.stderr, "Tail: connected (backoff reset)\n")
		backoff = opts.initialBackoff

		err = streamMailbox(ctx, conn, opts, state)
		_ = conn.Close()
		var rejected *rejectedError
		switch {
		case errors.As(err, &rejected):
			return err
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case opts.noRetry:
			return err
		}
		_, _ = fmt.Fprintf(opts.stderr, "Tail: disconnected (%v), reconnecting...\n", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// connectURL builds the WebSocket URL, resuming after last when set.
func connectURL(server string, mailboxID uuid.UUID, last *eventid.ID) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/events/connect"

	q := url.Values{"mailbox": {mailboxID.String()}}
	if last != nil {
		q.Set("after", strconv.FormatInt(last.Timestamp, 10))
		q.Set("seq", strconv.FormatUint(uint64(last.Seq), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dialMailbox(ctx context.Context, opts tailOptions, last *eventid.ID) (*websocket.Conn, error) {
	target, err := connectURL(opts.server, opts.mailbox, last)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.key != "" {
		header.Set("Authorization", "Bearer "+opts.key)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	return conn, err
}

func streamMailbox(ctx context.Context, conn *websocket.Conn, opts tailOptions, state *tailState) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read error: %w", err)
		}

		if string(data) == api.HeartbeatFrame {
			// Answer so the server's idle timeout never fires.
			if err := conn.WriteMessage(websocket.TextMessage, []byte(api.PongFrame)); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
			continue
		}

		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			if opts.includeAll {
				_, _ = fmt.Fprintln(opts.stdout, string(data))
			}
			continue
		}

		switch body := ev.Body.(type) {
		case *event.Error:
			printEvent(opts, &ev, data)
			return &rejectedError{body: body}
		case *event.AppInfo, *event.Initialized:
			if opts.includeAll {
				printEvent(opts, &ev, data)
			}
			continue
		}

		if state.last != nil && !state.last.Less(ev.ID) {
			continue
		}
		id := ev.ID
		state.last = &id
		printEvent(opts, &ev, data)
	}
}

func printEvent(opts tailOptions, ev *event.Event, raw []byte) {
	if !opts.pretty {
		_, _ = fmt.Fprintln(opts.stdout, string(raw))
		return
	}
	_, _ = fmt.Fprintln(opts.stdout, renderEvent(ev))
}

var kindTitle = cases.Title(language.English)

// kindLabel turns NEW_MESSAGE into "New Message".
func kindLabel(kind event.Kind) string {
	return kindTitle.String(strings.ReplaceAll(strings.ToLower(string(kind)), "_", " "))
}

func renderEvent(ev *event.Event) string {
	when := ev.ID.Time().Format("15:04:05.000")
	head := kindStyle.Render(kindLabel(ev.Body.Kind())) + " " + idStyle.Render(when+" "+ev.ID.String())

	var detail string
	switch body := ev.Body.(type) {
	case *event.NewMessage:
		detail = fmt.Sprintf("%s: %s", body.Message.Name, body.Message.Text)
	case *event.MessageEdited:
		detail = fmt.Sprintf("%s: %s", body.Message.Name, body.Message.Text)
	case *event.MessageDeleted:
		detail = body.MessageID.String()
	case *event.MessagePreview:
		if body.Preview.Clear {
			detail = body.Preview.Name + " stopped typing"
		} else {
			detail = fmt.Sprintf("%s is typing: %s", body.Preview.Name, body.Preview.Text)
		}
	case *event.Members:
		detail = fmt.Sprintf("%d members in %s", len(body.Members), body.ChannelID)
	case *event.ChannelEdited:
		detail = body.Channel.Name
	case *event.ChannelDeleted:
		detail = body.ChannelID.String()
	case *event.StatusMap:
		counts := map[string]int{}
		for _, st := range body.StatusMap {
			counts[strings.ToLower(string(st.Kind))]++
		}
		detail = fmt.Sprintf("online %d, away %d, offline %d", counts["online"], counts["away"], counts["offline"])
	case *event.SpaceUpdated:
		detail = body.Space.Name
	case *event.Batch:
		detail = fmt.Sprintf("%d events", len(body.EncodedEvents))
	case *event.AppInfo:
		detail = fmt.Sprintf("server %s, node %d", body.Version, body.Node)
	case *event.Initialized:
		detail = "live"
	case *event.Error:
		return head + " " + errorStyle.Render(body.Code+": "+body.Reason)
	}
	if detail == "" {
		return head
	}
	return head + " " + textStyle.Render(detail)
}
