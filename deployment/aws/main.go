package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	rotation "credential-rotator/db-rotation"
	"credential-rotator/db-rotation/app"
	"credential-rotator/db-rotation/config"
)

// handler is invoked by Secrets Manager once per rotation step.
type handler struct {
	app *app.App
}

// HandleRequest runs the step named in req. Secrets Manager retries a step that
// returns an error.
func (h *handler) HandleRequest(ctx context.Context, req rotation.Request) error {
	defer h.app.PushMetrics(ctx)
	return h.app.Driver.Handle(ctx, req)
}

func main() {
	ctx := context.Background()

	// Configuration is passed via environment variables in Lambda
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize rotator")
	}

	h := &handler{app: a}
	lambda.Start(h.HandleRequest)
}
