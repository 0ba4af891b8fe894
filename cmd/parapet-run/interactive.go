package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parapet-dev/parapet"
	"github.com/parapet-dev/parapet/object"
	"github.com/parapet-dev/parapet/telemetry"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	addrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	matchStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	cleanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectAddress modelState = iota
	stateInputValue
	stateShowResult
)

type interactiveModel struct {
	err        error
	handle     *parapet.Handle
	ctx        *parapet.Context
	metrics    *telemetry.Metrics
	source     string
	budget     time.Duration
	addresses  []string
	input      textinput.Model
	result     *parapet.Result
	runs       int
	selected   int
	persistent bool
	state      modelState
}

type runResultMsg struct {
	err error
	res *parapet.Result
}

func newInteractiveModel(handle *parapet.Handle, source string, budget time.Duration, metrics *telemetry.Metrics) (*interactiveModel, error) {
	ctx, err := handle.NewContext()
	if err != nil {
		return nil, err
	}
	ti := textinput.New()
	ti.Placeholder = `"value" or {"key": "value"}`
	ti.Prompt = "value: "
	ti.Width = 60
	return &interactiveModel{
		handle:    handle,
		ctx:       ctx,
		metrics:   metrics,
		source:    source,
		budget:    budget,
		addresses: handle.KnownAddresses(),
		input:     ti,
		state:     stateSelectAddress,
	}, nil
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.ctx.Close()
			return m, tea.Quit

		case "q":
			if m.state != stateInputValue {
				m.ctx.Close()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectAddress && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectAddress && m.selected < len(m.addresses)-1 {
				m.selected++
			}

		case "p":
			if m.state == stateSelectAddress {
				m.persistent = !m.persistent
			}

		case "n":
			if m.state == stateSelectAddress {
				return m, m.resetContext()
			}

		case "enter":
			switch m.state {
			case stateSelectAddress:
				m.input.SetValue("")
				m.input.Focus()
				m.state = stateInputValue

			case stateInputValue:
				m.input.Blur()
				return m, m.runValue

			case stateShowResult:
				m.state = stateSelectAddress
				m.result = nil
				m.err = nil
			}

		case "esc":
			switch m.state {
			case stateInputValue:
				m.input.Blur()
				m.state = stateSelectAddress
			case stateShowResult:
				m.state = stateSelectAddress
				m.result = nil
				m.err = nil
			}
		}

	case runResultMsg:
		m.err = msg.err
		m.result = msg.res
		m.runs++
		m.state = stateShowResult
	}

	if m.state == stateInputValue {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	return m, nil
}

// resetContext replaces the live context, dropping everything persistent.
func (m *interactiveModel) resetContext() tea.Cmd {
	m.ctx.Close()
	ctx, err := m.handle.NewContext()
	if err != nil {
		m.err = err
		m.state = stateShowResult
		return nil
	}
	m.ctx = ctx
	m.runs = 0
	return nil
}

func (m *interactiveModel) runValue() tea.Msg {
	address := m.addresses[m.selected]
	value := parseValue(m.input.Value())

	in := parapet.RunInput{}
	entry := map[string]any{address: value}
	if m.persistent {
		in.Persistent = entry
	} else {
		in.Ephemeral = entry
	}

	res, err := m.ctx.Run(in, m.budget)
	if err != nil {
		return runResultMsg{err: err}
	}

	m.metrics.RecordRun(res.Match(), res.TimedOut, res.Duration)
	for _, ev := range res.Events {
		m.metrics.RecordMatch(ev.Rule.ID)
	}
	for typ := range res.Actions {
		m.metrics.RecordAction(typ)
	}
	for reason, sizes := range res.Truncations {
		m.metrics.RecordTruncation(reason.String(), len(sizes))
	}
	return runResultMsg{res: res}
}

// parseValue interprets the typed value as JSON, falling back to a raw
// string so that plain text needs no quoting.
func parseValue(s string) any {
	obj, err := object.FromJSON([]byte(s))
	if err != nil {
		return s
	}
	return obj
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("parapet"))
	b.WriteString(" ")
	b.WriteString(m.source)
	b.WriteString(metaStyle.Render(fmt.Sprintf("  %d rules, %d runs", len(m.handle.RuleIDs()), m.runs)))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectAddress:
		mode := "ephemeral"
		if m.persistent {
			mode = "persistent"
		}
		b.WriteString(fmt.Sprintf("Select an address (%s):\n\n", metaStyle.Render(mode)))
		for i, addr := range m.addresses {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + addr))
			} else {
				b.WriteString(cursor + addrStyle.Render(addr))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter value • p toggle persistence • n new context • q quit"))

	case stateInputValue:
		b.WriteString(fmt.Sprintf("Value for %s\n\n", addrStyle.Render(m.addresses[m.selected])))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter run • esc back"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
			b.WriteString("\n\n")
			b.WriteString(helpStyle.Render("enter continue • q quit"))
			break
		}
		if m.result.Match() {
			b.WriteString(matchStyle.Render("MATCH"))
		} else {
			b.WriteString(cleanStyle.Render("clean"))
		}
		if m.result.TimedOut {
			b.WriteString(errorStyle.Render("  (timed out)"))
		}
		b.WriteString(metaStyle.Render(fmt.Sprintf("  %s", m.result.Duration)))
		b.WriteString("\n\n")

		for _, ev := range m.result.Events {
			b.WriteString(fmt.Sprintf("%s %s\n", matchStyle.Render(ev.Rule.ID), ev.Rule.Name))
			for _, match := range ev.Matches {
				b.WriteString(fmt.Sprintf("  %s at %s%v\n", match.Operator, addrStyle.Render(match.Address), match.KeyPath))
				b.WriteString(fmt.Sprintf("  value: %s\n", match.Value))
			}
		}
		if len(m.result.Actions) > 0 {
			b.WriteString("\nActions:\n")
			for typ, params := range m.result.Actions {
				data, err := json.Marshal(params)
				if err != nil {
					data = []byte(err.Error())
				}
				b.WriteString(fmt.Sprintf("  %s %s\n", typ, metaStyle.Render(string(data))))
			}
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func runInteractive(handle *parapet.Handle, source string, budget time.Duration, metrics *telemetry.Metrics) error {
	model, err := newInteractiveModel(handle, source, budget, metrics)
	if err != nil {
		return err
	}
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
