package watch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/bcibot/internal/api"
	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/events"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

const (
	statusPoll = time.Second
	healthPoll = 5 * time.Second
	retryDelay = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string
	// lower-case channel name passed to /events, empty for all
	channel string

	width  int
	height int

	health   HealthState
	status   api.StatusResponse
	eventLog []events.Event
	lastID   int64
	// last payload seen per channel, keyed by lower-case name
	lastCommand map[string]string

	spinner  Spinner
	theme    Theme
	channels table.Model

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the daemon at apiURL.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Channel", Width: 8},
			{Title: "State", Width: 10},
			{Title: "Done", Width: 5},
			{Title: "Queued", Width: 6},
			{Title: "Sent", Width: 6},
			{Title: "Failed", Width: 6},
			{Title: "Rejected", Width: 8},
			{Title: "Last command", Width: 28},
		}),
		table.WithHeight(len(channelOrder)+1),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	return &Model{
		apiURL:      strings.TrimRight(apiURL, "/"),
		apiKey:      apiKey,
		lastCommand: make(map[string]string),
		theme:       NewDefaultTheme(),
		channels:    t,
		hubEvents:   make(chan events.Event, 100),
	}
}

var channelOrder = []string{"move", "speak", "gripper", "camera"}

// FilterChannel limits the event log to one channel's events.
func (m *Model) FilterChannel(tag protocol.Tag) {
	m.channel = strings.ToLower(tag.String())
}

func (m Model) eventsURL() string {
	if m.channel == "" {
		return m.apiURL + "/events"
	}
	return m.apiURL + "/events?channel=" + url.QueryEscape(m.channel)
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.eventsURL(), m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.eventLog = nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		if e.Type == events.TypeCommandSent {
			var f eventFields
			if err := json.Unmarshal(e.Data, &f); err == nil && f.Channel != "" {
				m.lastCommand[f.Channel] = strings.TrimRight(f.Payload, "\r\n")
			}
		}
		m.spinner.OnEvent()
		m.health.Connected = true
		m.lastError = ""
		m.channels.SetRows(m.channelRows())
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.status = api.StatusResponse(msg)
		m.health.Connected = true
		m.channels.SetRows(m.channelRows())
		return m, tea.Tick(statusPoll, func(time.Time) tea.Msg { return fetchStatus(m.apiURL, m.apiKey) })

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.QueueDepth = msg.QueueDepth
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(healthPoll, func(time.Time) tea.Msg { return fetchHealth(m.apiURL, m.apiKey) })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(retryDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.eventsURL(), m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthPoll, func(time.Time) tea.Msg { return fetchHealth(m.apiURL, m.apiKey) })
	}

	return m, nil
}

func (m Model) channelRows() []table.Row {
	byName := make(map[string]channel.Stats, len(m.status.Channels))
	for _, st := range m.status.Channels {
		byName[strings.ToLower(st.Channel.String())] = st
	}

	rows := make([]table.Row, 0, len(channelOrder))
	for _, name := range channelOrder {
		st, ok := byName[name]
		if !ok {
			rows = append(rows, table.Row{name, "-", "-", "-", "-", "-", "-", m.lastCommand[name]})
			continue
		}
		done := "no"
		if st.Done {
			done = "yes"
		}
		queued := st.Queued
		if st.InFlight {
			queued++
		}
		rows = append(rows, table.Row{
			name,
			st.State.String(),
			done,
			strconv.Itoa(queued),
			strconv.FormatInt(st.Sent, 10),
			strconv.FormatInt(st.Failed, 10),
			strconv.FormatInt(st.Rejected, 10),
			m.lastCommand[name],
		})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to bcibot..."
	}

	header := renderHeader(m.health, m.status.AllDone || len(m.status.Channels) == 0, m.spinner, m.theme, m.width)
	channels := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("CHANNELS"), m.channels.View()),
	)
	stream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, channels, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [c] Clear events"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
