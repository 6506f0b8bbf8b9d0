// Package ui is the terminal client: a message log, a command line
// and a status bar over a live session.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/roster"
	"github.com/peerchat/peerchat/internal/session"
)

// InboundMsg is sent into the program when the session delivers a
// message.
type InboundMsg struct {
	From jid.JID
	Body string
}

// StateMsg is sent on a connection state poll tick.
type StateMsg session.State

var (
	styleStatus = lipgloss.NewStyle().
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)
	styleFrom   = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	styleSelf   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	styleSystem = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	stylePrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
)

// Model is the root Bubble Tea model.
type Model struct {
	sess    *session.Session
	account string

	width  int
	height int

	lines    []string
	input    string
	lastPeer jid.JID
	state    session.State
	quitting bool
}

// NewModel creates the root model for one connected session.
func NewModel(sess *session.Session, account string) Model {
	return Model{
		sess:    sess,
		account: account,
		state:   sess.State(),
		lines: []string{
			styleSystem.Render("commands: /msg <jid> <text>, /subscribe <jid>, /authorize, /reject, /roster, /quit"),
		},
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.EnterAltScreen, pollState(m.sess))
}

func pollState(s *session.Session) tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return StateMsg(s.State())
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StateMsg:
		m.state = session.State(msg)
		return m, pollState(m.sess)

	case InboundMsg:
		m.lastPeer = msg.From
		m.append(fmt.Sprintf("%s %s", styleFrom.Render(msg.From.String()+":"), msg.Body))
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyBackspace:
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
			return m, nil
		case tea.KeyRunes, tea.KeySpace:
			if msg.Type == tea.KeySpace {
				m.input += " "
			} else {
				m.input += string(msg.Runes)
			}
			return m, nil
		}
	}
	return m, nil
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input)
	m.input = ""
	if line == "" {
		return m, nil
	}

	if !strings.HasPrefix(line, "/") {
		// Bare text goes to the last correspondent.
		if m.lastPeer.Equal(jid.JID{}) {
			m.append(styleSystem.Render("no current peer, use /msg <jid> <text>"))
			return m, nil
		}
		m.sess.Send(m.lastPeer, line)
		m.append(fmt.Sprintf("%s %s", styleSelf.Render("me:"), line))
		return m, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		m.quitting = true
		return m, tea.Quit

	case "/authorize":
		m.sess.AuthorizeSubscriptions()
		m.append(styleSystem.Render("authorizing incoming subscription requests"))

	case "/reject":
		m.sess.RejectSubscriptions()
		m.append(styleSystem.Render("rejecting incoming subscription requests"))

	case "/subscribe", "/unsubscribe":
		if len(fields) < 2 {
			m.append(styleSystem.Render("usage: " + fields[0] + " <jid>"))
			break
		}
		target, err := jid.Parse(fields[1])
		if err != nil {
			m.append(styleSystem.Render("invalid identifier: " + fields[1]))
			break
		}
		if fields[0] == "/subscribe" {
			m.sess.Subscribe(target)
		} else {
			m.sess.Unsubscribe(target)
		}
		m.append(styleSystem.Render(fields[0][1:] + " request sent to " + target.Bare().String()))

	case "/msg":
		if len(fields) < 3 {
			m.append(styleSystem.Render("usage: /msg <jid> <text>"))
			break
		}
		target, err := jid.Parse(fields[1])
		if err != nil {
			m.append(styleSystem.Render("invalid identifier: " + fields[1]))
			break
		}
		body := strings.Join(fields[2:], " ")
		m.lastPeer = target.Bare()
		m.sess.Send(target, body)
		m.append(fmt.Sprintf("%s %s", styleSelf.Render("me → "+target.Bare().String()+":"), body))

	case "/roster":
		entries := m.sess.Roster()
		if len(entries) == 0 {
			m.append(styleSystem.Render("roster is empty"))
			break
		}
		for key, e := range entries {
			m.append(styleSystem.Render(fmt.Sprintf("%s  subscription=%s presence=%s", key, e.Subscription, e.Presence)))
			if e.Subscription == roster.SubscriptionBoth {
				m.lastPeer = e.JID
			}
		}

	default:
		m.append(styleSystem.Render("unknown command " + fields[0]))
	}
	return m, nil
}

func (m *Model) append(line string) {
	m.lines = append(m.lines, line)
	if max := 500; len(m.lines) > max {
		m.lines = m.lines[len(m.lines)-max:]
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	logHeight := m.height - 2
	if logHeight < 1 {
		logHeight = 1
	}
	lines := m.lines
	if len(lines) > logHeight {
		lines = lines[len(lines)-logHeight:]
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines, "\n"))
	for i := len(lines); i < logHeight; i++ {
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(stylePrompt.Render("> ") + m.input)
	b.WriteString("\n")

	status := fmt.Sprintf("%s  [%s]", m.account, m.state)
	b.WriteString(styleStatus.Width(m.width).Render(status))
	return b.String()
}
