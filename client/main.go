// Command linkup-chat is a terminal client for the realtime messaging
// session: it logs in, opens one conversation and renders the live
// transcript with optimistic sends, reconnect status and history
// paging.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/linkup/chat-client/pkg/api"
	"github.com/linkup/chat-client/pkg/model"
	"github.com/linkup/chat-client/pkg/session"
	"github.com/linkup/chat-client/pkg/wsconn"
)

var (
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	otherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	headerStyle  = lipgloss.NewStyle().Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
)

type transcriptMsg []model.Message

type connStateMsg wsconn.State

type connLostMsg struct{ err error }

type errMsg struct{ err error }

type chatModel struct {
	sess   *session.Session
	userID string
	roomID string

	viewport  viewport.Model
	input     textinput.Model
	ready     bool
	transcr   []model.Message
	connState wsconn.State
	connLost  bool
	status    string
}

func newChatModel(sess *session.Session, userID, roomID string) chatModel {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Focus()
	input.CharLimit = 4096

	return chatModel{
		sess:      sess,
		userID:    userID,
		roomID:    roomID,
		input:     input,
		connState: wsconn.StateConnecting,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.input.Width = msg.Width - 4
		m.viewport.SetContent(renderTranscript(m.transcr, m.userID))
		m.viewport.GotoBottom()
		return m, nil

	case transcriptMsg:
		m.transcr = msg
		if m.ready {
			atBottom := m.viewport.AtBottom()
			m.viewport.SetContent(renderTranscript(m.transcr, m.userID))
			if atBottom {
				m.viewport.GotoBottom()
			}
		}
		return m, nil

	case connStateMsg:
		m.connState = wsconn.State(msg)
		if m.connState == wsconn.StateOpen {
			m.connLost = false
			m.status = ""
		}
		return m, nil

	case connLostMsg:
		m.connLost = true
		m.status = "connection lost, press ctrl+r to reconnect"
		return m, nil

	case errMsg:
		m.status = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyCtrlR:
			// A failed message takes priority over the connection: the
			// resend runs over the HTTP fallback even while offline.
			if localID, ok := lastFailedID(m.transcr); ok {
				if _, err := m.sess.RetryFailed(localID); err != nil {
					m.status = err.Error()
				} else {
					m.status = "resending..."
				}
				return m, nil
			}
			if m.connLost {
				m.sess.RetryConnection()
				m.status = "reconnecting..."
			}
			return m, nil

		case tea.KeyPgUp:
			if m.sess.HasOlder() {
				return m, loadOlderCmd(m.sess)
			}
			return m, nil

		case tea.KeyEnter:
			body := strings.TrimSpace(m.input.Value())
			if body == "" {
				return m, nil
			}
			m.input.Reset()
			if _, err := m.sess.Send(body, nil); err != nil {
				m.status = err.Error()
			}
			return m, nil
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m chatModel) View() string {
	if !m.ready {
		return "loading..."
	}

	header := headerStyle.Render(fmt.Sprintf("room %s — %s (%s)", m.roomID, m.userID, connLabel(m.connState, m.connLost)))
	footer := m.input.View()
	if m.status != "" {
		footer += "\n" + statusStyle.Render(m.status)
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}

// connLabel is the passive connection indicator: reconnection is
// automatic, the label just says so.
func connLabel(st wsconn.State, lost bool) string {
	if lost {
		return "offline"
	}
	switch st {
	case wsconn.StateOpen:
		return "online"
	case wsconn.StateConnecting, wsconn.StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

func renderTranscript(msgs []model.Message, self string) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(formatMessage(&m, self))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatMessage(m *model.Message, self string) string {
	ts := timeStyle.Render(m.CreatedAt.Local().Format("15:04"))

	sender := m.SenderID
	style := otherStyle
	if m.SenderID == self {
		sender = "you"
		style = selfStyle
	}

	body := m.Content
	if m.FileName != "" {
		body = strings.TrimSpace(body + " [" + m.FileName + "]")
	}

	switch m.Delivery {
	case model.DeliveryPending:
		return fmt.Sprintf("%s %s: %s", ts, style.Render(sender), pendingStyle.Render(body+" ..."))
	case model.DeliveryFailed:
		return fmt.Sprintf("%s %s: %s", ts, style.Render(sender), failedStyle.Render(body+" (failed, ctrl+r to resend)"))
	default:
		return fmt.Sprintf("%s %s: %s", ts, style.Render(sender), body)
	}
}

// lastFailedID picks the most recent failed entry as the resend target.
func lastFailedID(msgs []model.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Delivery == model.DeliveryFailed {
			return msgs[i].LocalID, true
		}
	}
	return "", false
}

func loadOlderCmd(sess *session.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := sess.LoadOlder(ctx); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8000", "api base url")
	wsAddr := flag.String("ws", "ws://localhost:8000", "gateway base url")
	userID := flag.String("user", "alice", "user id")
	roomID := flag.String("room", "42", "conversation id")
	flag.Parse()

	// The TUI owns the terminal; keep library logs out of it.
	logFile, err := os.OpenFile("linkup-chat.log", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open log file:", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	token, err := api.Login(ctx, *apiAddr, *userID)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "login failed:", err)
		os.Exit(1)
	}

	var program *tea.Program

	sess := session.New(session.Config{
		APIBaseURL: *apiAddr,
		WSBaseURL:  *wsAddr,
		Token:      token,
		UserID:     *userID,
		Logger:     logger,
		OnTranscript: func(msgs []model.Message) {
			if program != nil {
				program.Send(transcriptMsg(msgs))
			}
		},
		OnConnState: func(st wsconn.State) {
			if program != nil {
				program.Send(connStateMsg(st))
			}
		},
		OnConnLost: func(err error) {
			if program != nil {
				program.Send(connLostMsg{err})
			}
		},
	})
	defer sess.Close()

	program = tea.NewProgram(newChatModel(sess, *userID, *roomID), tea.WithAltScreen())

	go func() {
		openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := sess.Open(openCtx, *roomID); err != nil {
			program.Send(errMsg{fmt.Errorf("history unavailable: %w", err)})
		}
	}()

	if _, err := program.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
