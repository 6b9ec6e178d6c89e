package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/autobuild/internal/orchestrator"
	"github.com/Iron-Ham/autobuild/internal/tui/styles"
)

// DefaultPollInterval is how often the monitor refreshes its snapshot.
const DefaultPollInterval = 250 * time.Millisecond

// fetchTimeout bounds a single snapshot read.
const fetchTimeout = 2 * time.Second

// snapshotMsg carries the result of one poll.
type snapshotMsg struct {
	snap orchestrator.Snapshot
	err  error
}

// pollMsg schedules the next poll.
type pollMsg time.Time

// Model is the bubbletea model for the monitor.
type Model struct {
	source   Source
	interval time.Duration
	now      func() time.Time

	spinner spinner.Model
	snap    orchestrator.Snapshot
	loaded  bool
	err     error

	width    int
	height   int
	quitting bool
}

// NewModel creates a monitor model polling source every interval.
func NewModel(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return Model{
		source:   source,
		interval: interval,
		now:      time.Now,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(styles.Secondary),
		),
		width:  100,
		height: 40,
	}
}

// Init starts the spinner and the first poll.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m Model) fetch() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := source.Snapshot(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

// Update handles key presses, resizes, spinner ticks, and poll results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case snapshotMsg:
		if msg.err != nil {
			// Keep the last good snapshot on screen
			m.err = msg.err
		} else {
			m.snap = msg.snap
			m.loaded = true
			m.err = nil
		}
		return m, m.schedule()

	case pollMsg:
		return m, m.fetch()
	}
	return m, nil
}
