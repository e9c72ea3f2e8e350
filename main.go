package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	rotation "credential-rotator/db-rotation"
	"credential-rotator/db-rotation/app"
	"credential-rotator/db-rotation/config"
	"credential-rotator/deployment"
)

const rotatorBanner = `
┏━┓┏━┓╺┳╸┏━┓╺┳╸┏━┓┏━┓
┣┳┛┃ ┃ ┃ ┣━┫ ┃ ┃ ┃┣┳┛
╹┗╸┗━┛ ╹ ╹ ╹ ╹ ┗━┛╹┗╸
`

// Styles holds the lipgloss styles for the UI.
type Styles struct {
	App      lipgloss.Style
	Title    lipgloss.Style
	Choice   lipgloss.Style
	Selected lipgloss.Style
	Info     lipgloss.Style
	Error    lipgloss.Style
}

func defaultStyles() *Styles {
	s := new(Styles)
	s.App = lipgloss.NewStyle().Padding(1, 2)
	s.Title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 0, 1, 0)
	s.Choice = lipgloss.NewStyle().PaddingLeft(2)
	s.Selected = lipgloss.NewStyle().PaddingLeft(1).Foreground(lipgloss.Color("39")).SetString("> ")
	s.Info = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	s.Error = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	return s
}

type model struct {
	providerChoices   []string
	cursor            int
	state             appState
	configInputs      []textinput.Model
	provider          string
	notifierChoices   []string
	selectedNotifiers map[int]struct{}
	spinner           spinner.Model
	styles            *Styles
	message           string
	initialAction     initialAction

	getenv func(string) string
	newApp func(ctx context.Context, cfg config.Config) (*app.App, error)
}

type appState int
type initialAction int

const (
	choosingAction appState = iota
	choosingProvider
	enteringConfig
	choosingNotifier
	choosingMode
	working
	done
	appError
)

const (
	actionRotate initialAction = iota
	actionCheckStatus
)

var providerNames = map[string]string{"AWS": config.ProviderAWS, "GCP": config.ProviderGCP}

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	return model{
		providerChoices:   []string{"AWS", "GCP"},
		state:             choosingAction,
		notifierChoices:   []string{"Sentry", "Slack"},
		selectedNotifiers: make(map[int]struct{}),
		spinner:           s,
		styles:            defaultStyles(),
		getenv:            os.Getenv,
		newApp: func(ctx context.Context, cfg config.Config) (*app.App, error) {
			// the terminal belongs to the UI
			return app.New(ctx, cfg, app.WithLogger(zerolog.Nop()))
		},
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.state {
		case choosingAction:
			return updateChoosingAction(msg, m)
		case choosingProvider:
			return updateChoosingProvider(msg, m)
		case enteringConfig:
			return updateEnteringConfig(msg, m)
		case choosingNotifier:
			return updateChoosingNotifier(msg, m)
		case choosingMode:
			return updateChoosingMode(msg, m)
		case working, done, appError:
			switch msg.String() {
			case "ctrl+c", "q":
				return m, tea.Quit
			}
		}
	case *rotationMsg:
		m.state = done
		m.message = msg.String()
		return m, tea.Quit
	case *rotationErrMsg:
		m.state = appError
		m.message = "Error: " + msg.err.Error()
		return m, tea.Quit
	case *scriptGeneratedMsg:
		m.state = done
		m.message = "Deployment script generated: " + msg.filename
		return m, tea.Quit
	case *statusMsg:
		m.state = done
		m.message = msg.status.String()
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func updateChoosingAction(msg tea.KeyMsg, m model) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < 1 {
			m.cursor++
		}
	case "enter":
		m.initialAction = initialAction(m.cursor)
		m.state = choosingProvider
		m.cursor = 0
	}
	return m, nil
}

func updateChoosingProvider(msg tea.KeyMsg, m model) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.providerChoices)-1 {
			m.cursor++
		}
	case "enter":
		m.provider = m.providerChoices[m.cursor]
		m.state = enteringConfig
		m.cursor = 0
		m.configInputs = setupConfigInputs(m.provider)
		return m, m.configInputs[0].Focus()
	}
	return m, nil
}

func updateEnteringConfig(msg tea.KeyMsg, m model) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "enter":
		if m.cursor == len(m.configInputs) {
			if m.initialAction == actionCheckStatus {
				m.state = working
				return m, tea.Batch(checkStatus(m), m.spinner.Tick)
			}
			m.state = choosingNotifier
			m.cursor = 0
			return m, nil
		}
		m.configInputs[m.cursor].Blur()
		m.cursor++
		if m.cursor < len(m.configInputs) {
			cmds = append(cmds, m.configInputs[m.cursor].Focus())
		}
		return m, tea.Batch(cmds...)
	case "up":
		if m.cursor > 0 {
			if m.cursor < len(m.configInputs) {
				m.configInputs[m.cursor].Blur()
			}
			m.cursor--
			cmds = append(cmds, m.configInputs[m.cursor].Focus())
		}
		return m, tea.Batch(cmds...)
	case "down":
		if m.cursor < len(m.configInputs) {
			m.configInputs[m.cursor].Blur()
			m.cursor++
			if m.cursor < len(m.configInputs) {
				cmds = append(cmds, m.configInputs[m.cursor].Focus())
			}
		}
		return m, tea.Batch(cmds...)
	}

	for i := range m.configInputs {
		var cmd tea.Cmd
		m.configInputs[i], cmd = m.configInputs[i].Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func updateChoosingNotifier(msg tea.KeyMsg, m model) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.notifierChoices) { // +1 for the done button
			m.cursor++
		}
	case " ":
		if _, ok := m.selectedNotifiers[m.cursor]; ok {
			delete(m.selectedNotifiers, m.cursor)
		} else if m.cursor < len(m.notifierChoices) {
			m.selectedNotifiers[m.cursor] = struct{}{}
		}
	case "enter":
		m.state = choosingMode
		m.cursor = 0
	}
	return m, nil
}

func updateChoosingMode(msg tea.KeyMsg, m model) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < 1 {
			m.cursor++
		}
	case "enter":
		m.state = working
		if m.cursor == 0 {
			m.message = "Rotating secret..."
			return m, tea.Batch(runRotation(m), m.spinner.Tick)
		}
		m.message = "Generating deployment script..."
		return m, generateScriptCmd(m)
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render(rotatorBanner))
	b.WriteString("\n")

	switch m.state {
	case choosingAction:
		b.WriteString(m.styles.Title.Render("What would you like to do?"))
		b.WriteString("\n")
		m.renderChoices(&b, []string{"Rotate Database Credential", "Check Rotation Status"})
	case choosingProvider:
		b.WriteString(m.styles.Title.Render("Select the secret store:"))
		b.WriteString("\n")
		m.renderChoices(&b, m.providerChoices)
	case enteringConfig:
		b.WriteString(m.styles.Title.Render(fmt.Sprintf("Enter configuration for %s:", m.provider)))
		b.WriteString("\n")
		for i, input := range m.configInputs {
			b.WriteString(input.View())
			if m.cursor == i {
				b.WriteString(" <")
			}
			b.WriteString("\n")
		}

		submit := "[Submit]"
		if m.cursor == len(m.configInputs) {
			submit = m.styles.Selected.Render("[Submit]")
		}
		b.WriteString("\n" + submit + "\n")

	case choosingNotifier:
		b.WriteString(m.styles.Title.Render("Select notification channels (space to select, enter to continue):"))
		b.WriteString("\n")
		for i, choice := range m.notifierChoices {
			selected := " "
			if _, ok := m.selectedNotifiers[i]; ok {
				selected = "x"
			}
			line := fmt.Sprintf("[%s] %s", selected, choice)
			if m.cursor == i {
				b.WriteString(m.styles.Selected.Render(line))
			} else {
				b.WriteString(m.styles.Choice.Render(line))
			}
			b.WriteString("\n")
		}

		doneButton := "[Done]"
		if m.cursor == len(m.notifierChoices) {
			doneButton = m.styles.Selected.Render("[Done]")
		}
		b.WriteString("\n" + doneButton + "\n")

	case choosingMode:
		b.WriteString(m.styles.Title.Render("How do you want to run the rotation?"))
		b.WriteString("\n\n")
		m.renderChoices(&b, []string{"Run once", "Run on a schedule (deploy to cloud)"})
	case working:
		message := m.message
		if message == "" {
			message = "Reading rotation status..."
		}
		b.WriteString(fmt.Sprintf("%s %s", m.spinner.View(), message))
	case done:
		b.WriteString(m.styles.Title.Render(m.message))
	case appError:
		b.WriteString(m.styles.Error.Render(m.message))
	}

	b.WriteString(m.styles.Info.Render("\nPress 'q' or 'ctrl+c' to quit.\n"))
	return m.styles.App.Render(b.String())
}

func (m model) renderChoices(b *strings.Builder, choices []string) {
	for i, choice := range choices {
		if m.cursor == i {
			b.WriteString(m.styles.Selected.Render(choice))
		} else {
			b.WriteString(m.styles.Choice.Render(choice))
		}
		b.WriteString("\n")
	}
}

func setupConfigInputs(provider string) []textinput.Model {
	var placeholders []string
	switch provider {
	case "GCP":
		placeholders = []string{"Project ID", "Secret ID"}
	case "AWS":
		placeholders = []string{"Region", "Secret ID"}
	}

	inputs := make([]textinput.Model, len(placeholders))
	for i, placeholder := range placeholders {
		inputs[i] = textinput.New()
		inputs[i].Placeholder = placeholder
	}
	if len(inputs) > 0 {
		inputs[0].Focus()
	}
	return inputs
}

// inputValues maps the inputs by placeholder, e.g. "Secret ID" becomes "secretid".
func (m model) inputValues() map[string]string {
	values := make(map[string]string)
	for _, input := range m.configInputs {
		values[strings.ToLower(strings.ReplaceAll(input.Placeholder, " ", ""))] = strings.TrimSpace(input.Value())
	}
	return values
}

func (m model) selected(notifier string) bool {
	for i := range m.selectedNotifiers {
		if m.notifierChoices[i] == notifier {
			return true
		}
	}
	return false
}

// buildConfig turns the answers into a config. Notifier credentials come from the
// environment and are only kept for the selected channels.
func (m model) buildConfig() (config.Config, string, error) {
	values := m.inputValues()
	cfg := config.Default()
	cfg.Provider = providerNames[m.provider]
	cfg.Region = values["region"]
	cfg.ProjectID = values["projectid"]
	cfg.SecretID = values["secretid"]

	if m.selected("Sentry") {
		cfg.Notifiers.SentryDSN = m.getenv("SENTRY_DSN")
	}
	if m.selected("Slack") {
		cfg.Notifiers.SlackBotToken = m.getenv("SLACK_BOT_TOKEN")
		cfg.Notifiers.SlackChannelID = m.getenv("SLACK_CHANNEL_ID")
	}
	cfg.Metrics.PushgatewayURL = m.getenv("PUSHGATEWAY_URL")

	if cfg.SecretID == "" {
		return cfg, "", fmt.Errorf("secret id is required")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}
	return cfg, cfg.SecretID, nil
}

func runRotation(m model) tea.Cmd {
	return func() tea.Msg {
		cfg, secretID, err := m.buildConfig()
		if err != nil {
			return &rotationErrMsg{err}
		}

		ctx := context.Background()
		a, err := m.newApp(ctx, cfg)
		if err != nil {
			return &rotationErrMsg{err}
		}
		defer a.Close()
		defer a.PushMetrics(ctx)

		token, err := a.Rotate(ctx, secretID)
		if err != nil {
			return &rotationErrMsg{err}
		}
		return &rotationMsg{secretID: secretID, token: token, requested: cfg.Provider == config.ProviderAWS}
	}
}

func checkStatus(m model) tea.Cmd {
	return func() tea.Msg {
		cfg, secretID, err := m.buildConfig()
		if err != nil {
			return &rotationErrMsg{err}
		}

		ctx := context.Background()
		a, err := m.newApp(ctx, cfg)
		if err != nil {
			return &rotationErrMsg{err}
		}
		defer a.Close()

		status, err := a.Status(ctx, secretID)
		if err != nil {
			return &rotationErrMsg{err}
		}
		return &statusMsg{status: status}
	}
}

func generateScriptCmd(m model) tea.Cmd {
	return func() tea.Msg {
		values := m.inputValues()
		data := deployment.ScriptData{
			Provider:       m.provider,
			SecretID:       values["secretid"],
			ProjectID:      values["projectid"],
			Region:         values["region"],
			PushgatewayURL: m.getenv("PUSHGATEWAY_URL"),
		}
		if m.selected("Sentry") {
			data.SentryDSN = m.getenv("SENTRY_DSN")
		}
		if m.selected("Slack") {
			data.SlackBotToken = m.getenv("SLACK_BOT_TOKEN")
			data.SlackChannelID = m.getenv("SLACK_CHANNEL_ID")
		}

		script, err := deployment.GenerateScript(data)
		if err != nil {
			return &rotationErrMsg{err}
		}

		filename := fmt.Sprintf("deploy-%s.sh", strings.ToLower(m.provider))
		if err := os.WriteFile(filename, []byte(script), 0755); err != nil {
			return &rotationErrMsg{err}
		}

		return &scriptGeneratedMsg{filename: filename}
	}
}

type scriptGeneratedMsg struct{ filename string }
type statusMsg struct{ status *rotation.Status }
type rotationErrMsg struct{ err error }

type rotationMsg struct {
	secretID, token string
	// requested is set when the store runs the rotation function itself.
	requested bool
}

func (r *rotationMsg) String() string {
	if r.requested {
		return fmt.Sprintf("Rotation of %s requested, pending version %s", r.secretID, r.token)
	}
	return fmt.Sprintf("Secret %s rotated to version %s", r.secretID, r.token)
}

func (e *rotationErrMsg) Error() string {
	return e.err.Error()
}

func main() {
	p := tea.NewProgram(initialModel())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}
