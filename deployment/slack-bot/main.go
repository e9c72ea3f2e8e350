package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	rotation "credential-rotator/db-rotation"
	"credential-rotator/db-rotation/app"
	"credential-rotator/db-rotation/config"
)

const command = "/rotator"

var errNoSigningSecret = errors.New("SLACK_SIGNING_SECRET is required to verify slash commands")

// bot answers `/rotator status [secret-id]` slash commands.
type bot struct {
	status        func(ctx context.Context, secretID string) (*rotation.Status, error)
	defaultSecret string
	signingSecret string
}

func newBot(cfg config.Config, status func(ctx context.Context, secretID string) (*rotation.Status, error)) (*bot, error) {
	if cfg.Notifiers.SlackSigningSecret == "" {
		return nil, errNoSigningSecret
	}
	return &bot{
		status:        status,
		defaultSecret: cfg.SecretID,
		signingSecret: cfg.Notifiers.SlackSigningSecret,
	}, nil
}

// AWS Lambda handler for the Slack slash command.
func (b *bot) HandleSlackCommand(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", strings.NewReader(req.Body))
	if err != nil {
		return reply(http.StatusBadRequest, "Error reading request"), nil
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if b.signingSecret == "" {
		return reply(http.StatusUnauthorized, "Error verifying request"), nil
	}
	verifier, err := slack.NewSecretsVerifier(httpReq.Header, b.signingSecret)
	if err != nil {
		return reply(http.StatusUnauthorized, "Error verifying request"), nil
	}
	if _, err := verifier.Write([]byte(req.Body)); err != nil || verifier.Ensure() != nil {
		return reply(http.StatusUnauthorized, "Error verifying request"), nil
	}

	cmd, err := slack.SlashCommandParse(httpReq)
	if err != nil {
		return reply(http.StatusBadRequest, "Error parsing request body"), nil
	}

	args := strings.Fields(cmd.Text)
	if cmd.Command != command || len(args) == 0 || args[0] != "status" || len(args) > 2 {
		return reply(http.StatusOK, "Unsupported command. Please use `/rotator status [secret-id]`"), nil
	}

	secretID := b.defaultSecret
	if len(args) == 2 {
		secretID = args[1]
	}
	if secretID == "" {
		return reply(http.StatusOK, "No secret configured. Please use `/rotator status <secret-id>`"), nil
	}

	status, err := b.status(ctx, secretID)
	if err != nil {
		log.Error().Err(err).Str("secret_id", secretID).Msg("status lookup failed")
		return reply(http.StatusOK, fmt.Sprintf("Error getting rotation status of %s: %v", secretID, err)), nil
	}

	headline := "✅ Rotation is idle"
	if status.InProgress() {
		headline = "🔄 Rotation in progress"
	}
	if !status.RotationEnabled {
		headline = "⚠️ Rotation is disabled"
	}
	return reply(http.StatusOK, fmt.Sprintf("%s\n```%s```", headline, status)), nil
}

func reply(code int, text string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(slack.Msg{ResponseType: slack.ResponseTypeInChannel, Text: text})
	return events.APIGatewayProxyResponse{
		StatusCode: code,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize rotator")
	}

	b, err := newBot(cfg, a.Status)
	if err != nil {
		log.Fatal().Err(err).Msg("refusing to start without request verification")
	}
	lambda.Start(b.HandleSlackCommand)
}
