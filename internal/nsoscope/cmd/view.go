package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"

	"nsoscope/internal/facade"
	"nsoscope/internal/function"
	"nsoscope/internal/ui/colorize"
)

type viewMode int

const (
	viewSummary viewMode = iota
	viewFunctions
	viewPseudocode
	viewStrings
)

type funcItem struct {
	fn *function.Function
}

func (i funcItem) Title() string {
	return fmt.Sprintf("%x  %s", i.fn.Address, i.fn.Name)
}
func (i funcItem) FilterValue() string { return i.fn.Name }

type funcDelegate struct{}

func (d funcDelegate) Height() int                               { return 1 }
func (d funcDelegate) Spacing() int                              { return 0 }
func (d funcDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d funcDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(funcItem)
	if !ok {
		return
	}
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	indicator := " "
	if index == m.Index() {
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	}
	flags := ""
	if i.fn.IsLeaf {
		flags += "L"
	}
	if i.fn.IsThunk {
		flags += "T"
	}
	if i.fn.IsNoreturn {
		flags += "N"
	}
	fmt.Fprintf(w, " %s  %s  %-6s %s", indicator, addrStyle.Render(fmt.Sprintf("%x", i.fn.Address)), flags, i.fn.Name)
}

type stringItem struct {
	address uint64
	value   string
}

func (i stringItem) Title() string       { return fmt.Sprintf("%x  %s", i.address, i.value) }
func (i stringItem) FilterValue() string { return i.value }

type stringDelegate struct{}

func (d stringDelegate) Height() int                               { return 1 }
func (d stringDelegate) Spacing() int                              { return 0 }
func (d stringDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d stringDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(stringItem)
	if !ok {
		return
	}
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if index == m.Index() {
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	}
	fmt.Fprintf(w, " %s  %s", addrStyle.Render(fmt.Sprintf("%x", i.address)), i.value)
}

// model is the top-level bubbletea model: a summary view plus browsable
// function and string lists, with a pseudocode viewport for the
// currently selected function.
type model struct {
	az            *facade.Analyzer
	summaryView   viewport.Model
	functionsList list.Model
	stringsList   list.Model
	pseudoView    viewport.Model
	mode          viewMode
	width, height int
}

func NewModel(az *facade.Analyzer) model {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	funcs, _ := az.Functions()
	items := make([]list.Item, 0, len(funcs))
	for _, fn := range funcs {
		items = append(items, funcItem{fn: fn})
	}
	functionsList := list.New(items, funcDelegate{}, 80, 24)
	functionsList.Title = "Functions"
	functionsList.SetShowStatusBar(false)
	functionsList.SetFilteringEnabled(true)
	functionsList.Styles.Title = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).MarginLeft(2)

	strs, _ := az.SearchStrings("")
	strItems := make([]list.Item, 0, len(strs))
	for _, s := range strs {
		strItems = append(strItems, stringItem{address: s.Address, value: s.Value})
	}
	stringsList := list.New(strItems, stringDelegate{}, 80, 24)
	stringsList.Title = "Strings"
	stringsList.SetShowStatusBar(false)
	stringsList.SetFilteringEnabled(true)
	stringsList.Styles.Title = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).MarginLeft(2)

	pv := viewport.New()
	pv.SetWidth(80)
	pv.SetHeight(24)

	m := model{
		az:            az,
		summaryView:   vp,
		functionsList: functionsList,
		stringsList:   stringsList,
		pseudoView:    pv,
		mode:          viewSummary,
		width:         80,
		height:        24,
	}
	m.summaryView.SetContent(m.renderSummary())
	return m
}

func (m model) renderSummary() string {
	buildID, _ := m.az.BuildID()
	funcs, _ := m.az.Functions()
	strs, _ := m.az.SearchStrings("")
	return fmt.Sprintf("build id: %s\nfunctions: %d\nstrings: %d\n", buildID, len(funcs), len(strs))
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.summaryView.SetWidth(msg.Width)
		m.summaryView.SetHeight(msg.Height - 2)
		m.functionsList.SetWidth(msg.Width)
		m.functionsList.SetHeight(msg.Height - 2)
		m.stringsList.SetWidth(msg.Width)
		m.stringsList.SetHeight(msg.Height - 2)
		m.pseudoView.SetWidth(msg.Width)
		m.pseudoView.SetHeight(msg.Height - 2)

	case tea.KeyMsg:
		filtering := m.mode == viewFunctions && m.functionsList.FilterState() == list.Filtering
		filtering = filtering || (m.mode == viewStrings && m.stringsList.FilterState() == list.Filtering)
		if !filtering {
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "i":
				m.mode = viewSummary
				return m, nil
			case "f":
				m.mode = viewFunctions
				return m, nil
			case "s":
				m.mode = viewStrings
				return m, nil
			case "tab":
				m.mode = (m.mode + 1) % 4
				return m, nil
			case "enter":
				if m.mode == viewFunctions {
					if selected, ok := m.functionsList.SelectedItem().(funcItem); ok {
						code, err := m.az.PseudocodeAt(selected.fn.Address)
						if err == nil {
							colorized, cErr := colorize.ColorizeAssembly(code)
							if cErr == nil {
								code = colorized
							}
							m.pseudoView.SetContent(code)
							m.pseudoView.GotoTop()
							m.mode = viewPseudocode
						}
					}
				}
				return m, nil
			}
		}
	}

	switch m.mode {
	case viewFunctions:
		m.functionsList, cmd = m.functionsList.Update(msg)
	case viewStrings:
		m.stringsList, cmd = m.stringsList.Update(msg)
	case viewPseudocode:
		m.pseudoView, cmd = m.pseudoView.Update(msg)
	default:
		m.summaryView, cmd = m.summaryView.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	var content string
	switch m.mode {
	case viewFunctions:
		content = m.functionsList.View()
	case viewStrings:
		content = m.stringsList.View()
	case viewPseudocode:
		content = m.pseudoView.View()
	default:
		content = m.summaryView.View()
	}

	menu := " I: summary  F: functions  S: strings  Enter: pseudocode  Tab: cycle  Q: quit "
	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}
