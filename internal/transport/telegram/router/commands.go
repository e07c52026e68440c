package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streamcast/internal/channel"
	"streamcast/internal/history"
	"streamcast/internal/queue"
	rtsup "streamcast/internal/runtime/supervisor"
	kit "streamcast/internal/transport"
	"streamcast/internal/watchdog"
)

// Ports are the playback services the command set drives. History may be nil.
type Ports struct {
	Manager  *channel.Manager
	Queue    *queue.Service
	Watchdog *watchdog.Service
	History  history.Store
	Sup      *rtsup.Supervisor
}

// BuildCommands returns the playback command set. State-changing commands
// are owner-only; status surfaces are open.
func BuildCommands(p Ports) []Command {
	return []Command{
		{
			Name:        "play",
			Description: "queue a source and start playback",
			Usage:       "/play <channel> <source>",
			Access:      AccessOwnerOnly,
			Handle:      cmdPlay(p, false),
		},
		{
			Name:        "playnext",
			Aliases:     []string{"pn"},
			Description: "queue a source at the front",
			Usage:       "/playnext <channel> <source>",
			Access:      AccessOwnerOnly,
			Handle:      cmdPlay(p, true),
		},
		{
			Name:        "radio",
			Description: "start continuous playback of a live source",
			Usage:       "/radio <channel> <url> [title]",
			Access:      AccessOwnerOnly,
			Handle:      cmdRadio(p),
		},
		{
			Name:        "queue",
			Aliases:     []string{"q"},
			Description: "list queued items",
			Usage:       "/queue <channel> [page]",
			Handle:      cmdQueue(p),
		},
		{
			Name:        "remove",
			Aliases:     []string{"rm"},
			Description: "remove a queued item by id",
			Usage:       "/remove <channel> <item_id>",
			Access:      AccessOwnerOnly,
			Handle:      cmdRemove(p),
		},
		{
			Name:        "move",
			Description: "move a queued item to a position",
			Usage:       "/move <channel> <item_id> <position>",
			Access:      AccessOwnerOnly,
			Handle:      cmdMove(p),
		},
		{
			Name:        "skip",
			Description: "skip the current track",
			Usage:       "/skip <channel>",
			Access:      AccessOwnerOnly,
			Handle:      cmdSkip(p),
		},
		{
			Name:        "pause",
			Description: "pause the current track",
			Usage:       "/pause <channel>",
			Access:      AccessOwnerOnly,
			Handle:      cmdPause(p),
		},
		{
			Name:        "resume",
			Description: "resume a paused track",
			Usage:       "/resume <channel>",
			Access:      AccessOwnerOnly,
			Handle:      cmdResume(p),
		},
		{
			Name:        "stop",
			Description: "stop playback on a channel",
			Usage:       "/stop <channel>",
			Access:      AccessOwnerOnly,
			Handle:      cmdStop(p),
		},
		{
			Name:        "clear",
			Description: "clear the playback queue",
			Usage:       "/clear <channel>",
			Access:      AccessOwnerOnly,
			Handle:      cmdClear(p),
		},
		{
			Name:        "speed",
			Description: "set the tempo multiplier (0.5 - 2.0)",
			Usage:       "/speed <channel> <factor>",
			Access:      AccessOwnerOnly,
			Handle:      cmdSpeed(p),
		},
		{
			Name:        "eq",
			Description: "set the equalizer preset",
			Usage:       "/eq <channel> <flat|bass_boost|voice|treble>",
			Access:      AccessOwnerOnly,
			Handle:      cmdEqualizer(p),
		},
		{
			Name:        "extend",
			Description: "extend the idle auto-end timer",
			Usage:       "/extend <channel> <duration>",
			Access:      AccessOwnerOnly,
			Handle:      cmdExtend(p),
		},
		{
			Name:        "status",
			Aliases:     []string{"st"},
			Description: "show channel states",
			Usage:       "/status [channel]",
			Handle:      cmdStatus(p),
		},
		{
			Name:        "played",
			Description: "show recently played tracks",
			Usage:       "/played <channel> [n]",
			Handle:      cmdHistory(p),
		},
	}
}

func reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func parseChannelArg(args []string) (int64, []string, error) {
	if len(args) == 0 {
		return 0, nil, errors.New("channel id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id == 0 {
		return 0, nil, fmt.Errorf("bad channel id %q", args[0])
	}
	return id, args[1:], nil
}

func cmdPlay(p Ports, front bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if len(rest) == 0 {
			return reply(ctx, req, "usage: "+req.Command+" <channel> <source>")
		}
		item := queue.Item{Source: strings.Join(rest, " ")}

		var id string
		if front {
			id, err = p.Queue.EnqueuePriority(ctx, ch, item)
		} else {
			id, err = p.Queue.Enqueue(ctx, ch, item)
		}
		if err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				return reply(ctx, req, "queue is full")
			}
			return reply(ctx, req, "enqueue failed: "+err.Error())
		}

		// Kick the channel if it is not already running.
		if st, ok := p.Manager.GetState(ch); !ok || st.Status == channel.StatusStopped || st.Status == channel.StatusError {
			if serr := p.Manager.StartPlayback(ctx, p.Sup, ch); serr != nil {
				if errors.Is(serr, channel.ErrConcurrencyLimit) {
					return reply(ctx, req, "queued "+id+", but all channel slots are busy")
				}
				return reply(ctx, req, "queued "+id+", start failed: "+serr.Error())
			}
		}
		return reply(ctx, req, "queued "+id)
	}
}

func cmdRadio(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if len(rest) == 0 {
			return reply(ctx, req, "usage: /radio <channel> <url> [title]")
		}
		source := rest[0]
		title := strings.Join(rest[1:], " ")
		if title == "" {
			title = "radio"
		}
		if err := p.Manager.StartRadio(ctx, p.Sup, ch, source, title); err != nil {
			if errors.Is(err, channel.ErrConcurrencyLimit) {
				return reply(ctx, req, "all channel slots are busy")
			}
			return reply(ctx, req, "radio start failed: "+err.Error())
		}
		return reply(ctx, req, "radio started on channel "+strconv.FormatInt(ch, 10))
	}
}

func cmdQueue(p Ports) HandlerFunc {
	const pageSize = 10
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		page := 1
		if len(rest) > 0 {
			if n, perr := strconv.Atoi(rest[0]); perr == nil && n > 0 {
				page = n
			}
		}
		items, total, err := p.Queue.List(ctx, ch, pageSize, (page-1)*pageSize)
		if err != nil {
			return reply(ctx, req, "queue read failed: "+err.Error())
		}
		if total == 0 {
			return reply(ctx, req, "queue is empty")
		}

		var b strings.Builder
		fmt.Fprintf(&b, "queue for channel %d (%d items, page %d):\n", ch, total, page)
		for i, it := range items {
			title := it.Title
			if title == "" {
				title = it.Source
			}
			fmt.Fprintf(&b, "%d. %s  [%s]\n", (page-1)*pageSize+i+1, title, it.ID)
		}
		return reply(ctx, req, b.String())
	}
}

func cmdRemove(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if len(rest) != 1 {
			return reply(ctx, req, "usage: /remove <channel> <item_id>")
		}
		ok, err := p.Queue.Remove(ctx, ch, rest[0])
		if err != nil {
			return reply(ctx, req, "remove failed: "+err.Error())
		}
		if !ok {
			return reply(ctx, req, "item not found")
		}
		return reply(ctx, req, "removed")
	}
}

func cmdMove(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if len(rest) != 2 {
			return reply(ctx, req, "usage: /move <channel> <item_id> <position>")
		}
		pos, perr := strconv.Atoi(rest[1])
		if perr != nil {
			return reply(ctx, req, "bad position "+rest[1])
		}
		// Positions are 1-based for operators.
		if _, err := p.Queue.Move(ctx, ch, rest[0], pos-1); err != nil {
			switch {
			case errors.Is(err, queue.ErrItemNotFound):
				return reply(ctx, req, "item not found")
			case errors.Is(err, queue.ErrInvalidPosition):
				return reply(ctx, req, "position out of range")
			default:
				return reply(ctx, req, "move failed: "+err.Error())
			}
		}
		return reply(ctx, req, "moved")
	}
}

func cmdSkip(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, _, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if !p.Manager.Skip(ch) {
			return reply(ctx, req, "nothing is playing")
		}
		return reply(ctx, req, "skipped")
	}
}

func cmdPause(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, _, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if !p.Manager.Pause(ch) {
			return reply(ctx, req, "channel is not playing")
		}
		return reply(ctx, req, "paused")
	}
}

func cmdResume(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, _, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if !p.Manager.Resume(ch) {
			return reply(ctx, req, "channel is not paused")
		}
		return reply(ctx, req, "resumed")
	}
}

func cmdStop(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, _, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if err := p.Manager.StopChannel(ctx, ch); err != nil {
			if errors.Is(err, channel.ErrUnknownChannel) {
				return reply(ctx, req, "channel is not running")
			}
			return reply(ctx, req, "stop failed: "+err.Error())
		}
		return reply(ctx, req, "stopped")
	}
}

func cmdClear(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, _, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		n, err := p.Queue.Clear(ctx, ch)
		if err != nil {
			return reply(ctx, req, "clear failed: "+err.Error())
		}
		return reply(ctx, req, fmt.Sprintf("cleared %d items", n))
	}
}

func cmdSpeed(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if len(rest) != 1 {
			return reply(ctx, req, "usage: /speed <channel> <factor>")
		}
		f, perr := strconv.ParseFloat(rest[0], 64)
		if perr != nil {
			return reply(ctx, req, "bad factor "+rest[0])
		}
		if err := p.Manager.SetSpeed(ch, f); err != nil {
			return reply(ctx, req, err.Error())
		}
		return reply(ctx, req, fmt.Sprintf("speed set to %.2f (applies to the next track)", f))
	}
}

func cmdEqualizer(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if len(rest) != 1 {
			return reply(ctx, req, "usage: /eq <channel> <preset>")
		}
		if err := p.Manager.SetEqualizer(ch, rest[0]); err != nil {
			return reply(ctx, req, err.Error())
		}
		return reply(ctx, req, "eq preset set to "+rest[0]+" (applies to the next track)")
	}
}

func cmdExtend(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		if len(rest) != 1 {
			return reply(ctx, req, "usage: /extend <channel> <duration>")
		}
		by, perr := time.ParseDuration(rest[0])
		if perr != nil || by <= 0 {
			return reply(ctx, req, "bad duration "+rest[0])
		}
		if err := p.Watchdog.Extend(ctx, ch, by); err != nil {
			return reply(ctx, req, "extend failed: "+err.Error())
		}
		remaining, armed, _ := p.Watchdog.Remaining(ctx, ch)
		if !armed {
			return reply(ctx, req, "timer extended")
		}
		return reply(ctx, req, "timer extended, "+remaining.Round(time.Second).String()+" remaining")
	}
}

func cmdStatus(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) > 0 {
			ch, _, err := parseChannelArg(req.Args)
			if err != nil {
				return reply(ctx, req, err.Error())
			}
			st, ok := p.Manager.GetState(ch)
			if !ok {
				return reply(ctx, req, "channel is not running")
			}
			return reply(ctx, req, formatState(st))
		}

		states := p.Manager.Snapshot()
		if len(states) == 0 {
			return reply(ctx, req, "no active channels")
		}
		var b strings.Builder
		for _, st := range states {
			b.WriteString(formatState(st))
			b.WriteString("\n")
		}
		return reply(ctx, req, b.String())
	}
}

func formatState(st channel.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "channel %d: %s", st.ChannelID, st.Status)
	if st.Current != nil {
		title := st.Current.Title
		if title == "" {
			title = st.Current.Source
		}
		fmt.Fprintf(&b, " | %s", title)
	}
	if st.QueueLen > 0 {
		fmt.Fprintf(&b, " | %d queued", st.QueueLen)
	}
	if st.Speed != 1.0 {
		fmt.Fprintf(&b, " | speed %.2f", st.Speed)
	}
	if st.EQPreset != "" {
		fmt.Fprintf(&b, " | eq %s", st.EQPreset)
	}
	if st.Message != "" {
		fmt.Fprintf(&b, " | %s", st.Message)
	}
	return b.String()
}

func cmdHistory(p Ports) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if p.History == nil {
			return reply(ctx, req, "history is disabled")
		}
		ch, rest, err := parseChannelArg(req.Args)
		if err != nil {
			return reply(ctx, req, err.Error())
		}
		n := 10
		if len(rest) > 0 {
			if v, perr := strconv.Atoi(rest[0]); perr == nil && v > 0 && v <= 50 {
				n = v
			}
		}
		entries, err := p.History.Recent(ctx, ch, n)
		if err != nil {
			return reply(ctx, req, "history read failed: "+err.Error())
		}
		if len(entries) == 0 {
			return reply(ctx, req, "no history for channel "+strconv.FormatInt(ch, 10))
		}
		var b strings.Builder
		fmt.Fprintf(&b, "recently played on channel %d:\n", ch)
		for _, e := range entries {
			title := e.Title
			if title == "" {
				title = e.Source
			}
			fmt.Fprintf(&b, "%s  %s (%s)\n", e.At.Local().Format("15:04"), title, e.Reason)
		}
		return reply(ctx, req, b.String())
	}
}
