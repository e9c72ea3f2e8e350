package notifiers

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	rotation "credential-rotator/db-rotation"
)

// posts rotation events to a Slack channel.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

// creates a new SlackNotifier. It returns nil without error when token or
// channelID is empty.
func NewSlackNotifier(token, channelID string, opts ...slack.Option) (*SlackNotifier, error) {
	if token == "" || channelID == "" {
		return nil, nil // Slack is not configured
	}

	return &SlackNotifier{
		client:    slack.New(token, opts...),
		channelID: channelID,
	}, nil
}

// sends a notification about a completed rotation.
func (s *SlackNotifier) NotifyRotation(event rotation.Event) {
	if s == nil || s.client == nil {
		return
	}

	attachment := slack.Attachment{
		Pretext: "Credential Rotation Success",
		Color:   "#36a64f", // green
		Title:   "Database Credential Rotated",
		Fields: []slack.AttachmentField{
			{Title: "Secret", Value: fmt.Sprintf("`%s`", event.SecretID)},
			{Title: "New Version", Value: fmt.Sprintf("`%s`", event.Token), Short: true},
			{Title: "Rotated At", Value: event.Time.UTC().Format(time.RFC3339), Short: true},
		},
	}
	s.post(attachment)
}

// sends a notification about a failed rotation step.
func (s *SlackNotifier) NotifyError(event rotation.Event) {
	if s == nil || s.client == nil || event.Err == nil {
		return
	}

	attachment := slack.Attachment{
		Pretext: "Credential Rotation Failure",
		Color:   "#d9534f", // red
		Title:   fmt.Sprintf("%s failed for %s", event.Step, event.SecretID),
		Text:    fmt.Sprintf("```%v```", event.Err),
		Fields: []slack.AttachmentField{
			{Title: "Version", Value: fmt.Sprintf("`%s`", event.Token), Short: true},
			{Title: "Retryable", Value: fmt.Sprint(rotation.Retryable(event.Err)), Short: true},
		},
	}
	s.post(attachment)
}

func (s *SlackNotifier) post(attachment slack.Attachment) {
	_, _, err := s.client.PostMessage(
		s.channelID,
		slack.MsgOptionAttachments(attachment),
		slack.MsgOptionAsUser(true),
	)
	if err != nil {
		log.Error().Err(err).Str("channel", s.channelID).Msg("error sending Slack notification")
	}
}
