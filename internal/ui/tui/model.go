// Package tui is the full-screen progress view, built on Bubble Tea.
package tui

import (
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/stats"
	"github.com/bamsammich/diskbeam/internal/ui"
)

const maxLogLines = 200

// Bubble Tea messages.
type sessionEventMsg struct{ ev event.Event }
type channelDoneMsg struct{}
type tickMsg time.Time
type saveResultMsg struct{ err error }

// readNextEvent returns a tea.Cmd that blocks on the event channel.
func readNextEvent(ch <-chan event.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return channelDoneMsg{}
		}
		return sessionEventMsg{ev}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// saveModal is the text input for the report path.
type saveModal struct {
	active bool
	input  string
}

type opRow struct {
	kind   event.OpKind
	target string
	done   bool
}

// Model is the root Bubble Tea model.
type Model struct {
	events <-chan event.Event
	stats  *stats.Collector
	title  string
	cancel func()

	ops    []opRow
	log    []string
	scroll int

	width     int
	height    int
	statusMsg string
	done      bool
	failed    bool
	cancelled bool
	quitting  bool

	lastSnap  stats.Snapshot
	lastSpeed float64
	lastETA   time.Duration

	save saveModal
}

// NewModel creates a new TUI model. cancel may be nil.
func NewModel(events <-chan event.Event, collector *stats.Collector, title string, cancel func()) Model {
	return Model{
		events: events,
		stats:  collector,
		title:  title,
		cancel: cancel,
		width:  80,
		height: 24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(readNextEvent(m.events), tickCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case sessionEventMsg:
		m.handleEvent(msg.ev)
		return m, readNextEvent(m.events)

	case channelDoneMsg:
		m.done = true
		m.lastSnap = m.stats.Snapshot()
		m.lastETA = 0
		return m, nil

	case tickMsg:
		if m.done {
			return m, nil
		}
		m.stats.Tick()
		m.lastSnap = m.stats.Snapshot()
		m.lastSpeed = m.stats.RollingSpeed(10)
		m.lastETA = m.stats.ETA()
		return m, tickCmd()

	case saveResultMsg:
		if msg.err != nil {
			m.statusMsg = fmt.Sprintf("save failed: %v", msg.err)
		} else {
			m.statusMsg = "saved to " + m.save.input
		}
		m.save.active = false
		return m, nil
	}
	return m, nil
}

func (m *Model) handleEvent(ev event.Event) {
	switch ev := ev.(type) {
	case event.OperationEvent:
		switch ev.Change {
		case event.Added:
			m.ops = append(m.ops, opRow{kind: ev.Kind, target: ev.Target})
		case event.Completed:
			for i := range m.ops {
				if op := &m.ops[i]; op.kind == ev.Kind && op.target == ev.Target && !op.done {
					op.done = true
					break
				}
			}
		}
	case event.GeneralEvent:
		switch ev.Kind {
		case event.NewConnection:
			m.addLog(styleDone.Render("↔") + " connected " + ev.Target)
		case event.CancelExecution:
			m.failed = true
			m.addLog(styleFailed.Render("✗ session failed"))
		case event.FinishExecution:
			m.addLog(styleDone.Render("✓ session finished"))
		}
	case event.Notification:
		m.addLog(styleWarning.Render("!") + " " + ev.Message)
	}
}

func (m *Model) addLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.save.active {
		return m.handleSaveKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		if m.done || m.cancelled {
			m.quitting = true
			return m, tea.Quit
		}
		m.cancelled = true
		m.statusMsg = "cancelling, press q again to leave"
		if m.cancel != nil {
			m.cancel()
		}
		return m, nil

	case "j", "down":
		m.scroll = min(m.scroll+1, max(len(m.ops)-1, 0))
		return m, nil

	case "k", "up":
		m.scroll = max(m.scroll-1, 0)
		return m, nil

	case "s":
		if m.done {
			m.save.active = true
			m.save.input = fmt.Sprintf("diskbeam-%s.log", time.Now().Format("2006-01-02-150405"))
			m.statusMsg = ""
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleSaveKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEscape:
		m.save.active = false
		return m, nil
	case tea.KeyEnter:
		return m, m.writeReport(m.save.input)
	case tea.KeyBackspace:
		if n := len(m.save.input); n > 0 {
			m.save.input = m.save.input[:n-1]
		}
		return m, nil
	case tea.KeyRunes:
		m.save.input += string(msg.Runes)
		return m, nil
	}
	return m, nil
}

// writeReport saves the operation list and summary of a finished session.
func (m Model) writeReport(path string) tea.Cmd {
	snap := m.lastSnap
	title := m.title
	ops := make([]opRow, len(m.ops))
	copy(ops, m.ops)

	return func() tea.Msg {
		var b strings.Builder
		fmt.Fprintf(&b, "diskbeam report: %s\n", title)
		fmt.Fprintf(&b, "completed: %s\n", time.Now().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "%s\n\n--- operations ---\n", ui.CompletionSummary(snap))
		for _, op := range ops {
			mark := "x"
			if op.done {
				mark = "v"
			}
			fmt.Fprintf(&b, "%s  %s\n", mark, ui.FormatOp(op.kind, op.target))
		}
		err := os.WriteFile(path, []byte(b.String()), 0o644) //nolint:gosec // user-chosen path for report output
		return saveResultMsg{err: err}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	// Operations take what the log panel leaves.
	logHeight := min(len(m.log), max(m.height/3, 3))
	opsHeight := max(m.height-6-logHeight, 3)
	b.WriteString(m.renderOps(opsHeight))
	b.WriteByte('\n')
	for _, line := range m.log[len(m.log)-logHeight:] {
		b.WriteString("  " + line + "\n")
	}

	switch {
	case m.save.active:
		b.WriteString("  Save to: " + m.save.input + "█\n")
	case m.statusMsg != "":
		b.WriteString(styleStatus.Render("  "+m.statusMsg) + "\n")
	default:
		b.WriteByte('\n')
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	snap := m.lastSnap
	title := styleTitle.Render("diskbeam")
	if m.title != "" {
		title += " " + m.title
	}

	if m.done {
		state := styleDone.Render("done")
		if m.failed {
			state = styleFailed.Render("failed")
		}
		return styleHeader.Render(fmt.Sprintf("  %s  %s  %s  ops %d/%d  %s",
			title, state,
			ui.FormatBytes(snap.BytesMoved),
			snap.OpsCompleted, snap.OpsPlanned,
			ui.FormatDuration(snap.Elapsed),
		))
	}

	spark := ui.Sparkline(m.stats.SparklineData(20), 20)
	return styleHeader.Render(fmt.Sprintf("  %s  %3.0f%%  %s  %s / %s  %s  %s  eta %s",
		title,
		snap.Fraction()*100,
		styleProgress.Render(ui.ProgressBar(snap.Fraction(), 10)),
		ui.FormatBytes(snap.BytesMoved),
		ui.FormatBytes(snap.BytesTotal),
		styleSparkline.Render(spark),
		ui.FormatRate(m.lastSpeed),
		ui.FormatETA(m.lastETA),
	))
}

func (m Model) renderOps(height int) string {
	var b strings.Builder
	end := min(m.scroll+height, len(m.ops))
	for _, op := range m.ops[min(m.scroll, end):end] {
		mark := stylePending.Render("·")
		if op.done {
			mark = styleDone.Render("✓")
		}
		fmt.Fprintf(&b, "  %s  %s\n", mark, ui.FormatOp(op.kind, op.target))
	}
	return b.String()
}

func (m Model) renderFooter() string {
	binds := [][2]string{{"q", "cancel"}, {"j/k", "scroll"}}
	if m.done {
		binds = [][2]string{{"q", "quit"}, {"s", "save"}, {"j/k", "scroll"}}
	}
	parts := make([]string, len(binds))
	for i, kb := range binds {
		parts[i] = styleKeybindKey.Render(kb[0]) + " " + styleKeybindLabel.Render(kb[1])
	}
	return "  " + strings.Join(parts, "   ")
}
