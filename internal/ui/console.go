// Package ui renders an operation's event stream as a live console view.
// All terminal writes happen inside the Run goroutine.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/redgraph/redgraph/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiBlue   = "\033[34m"
)

var kindColor = map[types.EventKind]string{
	types.EventGraphChanged:         ansiBlue,
	types.EventGraphRejected:        ansiRed,
	types.EventStepCompleted:        ansiYellow,
	types.EventInterventionRequired: ansiRed,
	types.EventInterventionResolved: ansiCyan,
	types.EventPhaseChanged:         ansiCyan,
	types.EventMissionAccomplished:  ansiGreen,
	types.EventOperationAborted:     ansiRed,
}

var roleBadge = map[types.Role]string{
	types.RolePlanner:   "📐",
	types.RoleExecutor:  "⚙️ ",
	types.RoleReflector: "🔍",
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Console animates one operation's events. Mode controls how much of the
// stream is shown: simple keeps phases and outcomes, default adds graph and
// step activity, debug shows everything including LLM traffic.
type Console struct {
	events  <-chan types.Event
	mode    types.OutputMode
	started time.Time
	status  string
	spinIdx int
}

// New creates a Console reading from events.
func New(events <-chan types.Event, mode types.OutputMode) *Console {
	if mode == "" {
		mode = types.OutputDefault
	}
	return &Console{events: events, mode: mode}
}

// Run renders until ctx is cancelled or the stream closes.
func (c *Console) Run(ctx context.Context) {
	c.started = time.Now()
	c.status = "starting..."
	fmt.Printf("\n%s┌─── ⚡ redgraph operation %s%s\n", ansiDim, strings.Repeat("─", 36), ansiReset)

	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			c.close("⏹")
			return
		case ev, ok := <-c.events:
			if !ok {
				fmt.Print("\r\033[K")
				c.close("•")
				return
			}
			if !c.visible(ev) {
				continue
			}
			fmt.Print("\r\033[K")
			fmt.Println(eventLine(ev))
			c.status = statusFor(ev)
			switch ev.Event {
			case types.EventMissionAccomplished:
				c.close("✅")
				return
			case types.EventOperationAborted:
				c.close("❌")
				return
			}
		case <-ticker.C:
			frame := spinRunes[c.spinIdx%len(spinRunes)]
			c.spinIdx++
			fmt.Printf("\r%s%s%s %s", ansiCyan, string(frame), ansiReset, c.status)
		}
	}
}

func (c *Console) close(icon string) {
	elapsed := time.Since(c.started).Round(time.Millisecond)
	fmt.Printf("\r\033[K%s└─── %s  %v %s%s\n", ansiDim, icon, elapsed, strings.Repeat("─", 32), ansiReset)
}

// visible applies the output mode filter.
func (c *Console) visible(ev types.Event) bool {
	switch c.mode {
	case types.OutputDebug:
		return true
	case types.OutputSimple:
		switch ev.Event {
		case types.EventPhaseChanged, types.EventMissionAccomplished,
			types.EventOperationAborted, types.EventInterventionRequired,
			types.EventInterventionResolved:
			return true
		}
		return false
	default:
		switch ev.Event {
		case types.EventLLMRequest, types.EventLLMResponse, types.EventHeartbeat:
			return false
		}
		return true
	}
}

// eventLine renders one flow line.
func eventLine(ev types.Event) string {
	color := kindColor[ev.Event]
	if color == "" {
		color = ansiDim
	}
	badge := roleBadge[ev.Role]
	if badge == "" {
		badge = "•"
	}
	label := string(ev.Event)
	if det := detail(ev); det != "" {
		label += ": " + det
	}
	return fmt.Sprintf("  %s ──[%s%s%s]──► #%d", badge, color, label, ansiReset, ev.Seq)
}

func detail(ev types.Event) string {
	switch ev.Event {
	case types.EventPhaseChanged:
		if p, ok := ev.Data["phase"].(string); ok {
			return p
		}
	case types.EventStepCompleted:
		tool, _ := ev.Data["tool"].(string)
		status, _ := ev.Data["status"].(string)
		if tool != "" {
			return clip(tool+" "+status, 50)
		}
	case types.EventGraphRejected:
		if r, ok := ev.Data["reason"].(string); ok {
			return clip(r, 50)
		}
	case types.EventInterventionRequired:
		if r, ok := ev.Data["reason"].(string); ok {
			return clip(r, 50)
		}
		if th, ok := ev.Data["thought"].(string); ok {
			return clip(th, 50)
		}
	case types.EventOperationAborted:
		if n, ok := ev.Data["note"].(string); ok {
			return clip(n, 50)
		}
	}
	return ""
}

func statusFor(ev types.Event) string {
	switch ev.Event {
	case types.EventPhaseChanged:
		if p, _ := ev.Data["phase"].(string); p != "" {
			return p + "..."
		}
	case types.EventStepCompleted:
		return "executing..."
	case types.EventInterventionRequired:
		return "waiting for operator..."
	}
	return "working..."
}

// clip truncates s to a display width of at most n columns, appending "…"
// if trimmed. Width-aware so CJK observations do not shear the box.
func clip(s string, n int) string {
	if runewidth.StringWidth(s) <= n {
		return s
	}
	return runewidth.Truncate(s, n, "…")
}
