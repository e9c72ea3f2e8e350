package deployment

import (
	"bytes"
	"fmt"
	"text/template"
)

// holds the configuration needed to generate a deployment script.
type ScriptData struct {
	Provider       string
	SecretID       string
	ProjectID      string
	Region         string
	SentryDSN      string
	SlackBotToken  string
	SlackChannelID string
	PushgatewayURL string
	// RotationDays is the rotation schedule. Zero means DefaultRotationDays.
	RotationDays int
}

// DefaultRotationDays is the rotation interval used when none is given.
const DefaultRotationDays = 30

const (
	awsScriptTemplate = `#!/bin/bash
# Deployment script for the AWS Lambda rotation function
set -euo pipefail

echo "--- Building Go binary for Lambda ---"
GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -tags lambda.norpc -o bootstrap ./deployment/aws

echo "--- Creating deployment package ---"
zip deployment.zip bootstrap

echo "--- Deploying to AWS ---"
# Note: This script assumes you have configured your AWS CLI and have the necessary permissions.

# The execution role needs secretsmanager:DescribeSecret, GetSecretValue, PutSecretValue and
# UpdateSecretVersionStage on the secret, network access to the database, and CloudWatch Logs.
# Replace this with the ARN of the role you create.
IAM_ROLE_ARN="REPLACE_WITH_YOUR_LAMBDA_EXECUTION_ROLE_ARN"
FUNCTION_NAME="dbCredentialRotator"

aws lambda create-function \
  --region "{{.Region}}" \
  --function-name "$FUNCTION_NAME" \
  --runtime provided.al2023 \
  --architectures arm64 \
  --role "$IAM_ROLE_ARN" \
  --handler bootstrap \
  --timeout 60 \
  --zip-file fileb://deployment.zip \
  --environment "Variables={PROVIDER=aws,REGION={{.Region}},SENTRY_DSN={{.SentryDSN}},SLACK_BOT_TOKEN={{.SlackBotToken}},SLACK_CHANNEL_ID={{.SlackChannelID}},PUSHGATEWAY_URL={{.PushgatewayURL}}}"

LAMBDA_ARN=$(aws lambda get-function --region "{{.Region}}" --function-name "$FUNCTION_NAME" --query 'Configuration.FunctionArn' --output text)
SECRET_ARN=$(aws secretsmanager describe-secret --region "{{.Region}}" --secret-id "{{.SecretID}}" --query 'ARN' --output text)

echo "--- Allowing Secrets Manager to invoke the function ---"
aws lambda add-permission \
  --region "{{.Region}}" \
  --function-name "$FUNCTION_NAME" \
  --statement-id "SecretsManagerInvoke" \
  --action "lambda:InvokeFunction" \
  --principal secretsmanager.amazonaws.com \
  --source-arn "$SECRET_ARN"

echo "--- Enabling rotation every {{.RotationDays}} days ---"
aws secretsmanager rotate-secret \
  --region "{{.Region}}" \
  --secret-id "{{.SecretID}}" \
  --rotation-lambda-arn "$LAMBDA_ARN" \
  --rotation-rules "AutomaticallyAfterDays={{.RotationDays}}"

echo "--- Cleaning up ---"
rm bootstrap deployment.zip

echo "--- Deployment complete! ---"
`

	gcpScriptTemplate = `#!/bin/bash
# Deployment script for the Google Cloud rotation function
set -euo pipefail

echo "--- Deploying to Google Cloud ---"
# Note: This script assumes you have authenticated with the gcloud CLI and have the necessary permissions.

PROJECT_ID="{{.ProjectID}}"
FUNCTION_NAME="rotateDbCredential"
TOPIC="secret-rotation"
SUBSCRIPTION="secret-rotation-push"
INVOKER_SA="rotator-invoker@${PROJECT_ID}.iam.gserviceaccount.com"
PROJECT_NUMBER=$(gcloud projects describe "$PROJECT_ID" --format 'value(projectNumber)')

echo "--- Creating rotation topic ---"
gcloud pubsub topics create "$TOPIC" --project "$PROJECT_ID"
gcloud pubsub topics add-iam-policy-binding "$TOPIC" \
  --project "$PROJECT_ID" \
  --member "serviceAccount:service-${PROJECT_NUMBER}@gcp-sa-secretmanager.iam.gserviceaccount.com" \
  --role roles/pubsub.publisher

gcloud functions deploy "$FUNCTION_NAME" \
  --project "$PROJECT_ID" \
  --gen2 \
  --runtime go123 \
  --trigger-http \
  --no-allow-unauthenticated \
  --source . \
  --entry-point RotateSecret \
  --set-env-vars "PROVIDER=gcp,PROJECT_ID={{.ProjectID}},SENTRY_DSN={{.SentryDSN}},SLACK_BOT_TOKEN={{.SlackBotToken}},SLACK_CHANNEL_ID={{.SlackChannelID}},PUSHGATEWAY_URL={{.PushgatewayURL}}"

FUNCTION_URL=$(gcloud functions describe "$FUNCTION_NAME" --project "$PROJECT_ID" --gen2 --format 'value(serviceConfig.uri)')

echo "--- Subscribing the function to rotation events ---"
gcloud pubsub subscriptions create "$SUBSCRIPTION" \
  --project "$PROJECT_ID" \
  --topic "$TOPIC" \
  --push-endpoint "$FUNCTION_URL" \
  --push-auth-service-account "$INVOKER_SA" \
  --ack-deadline 120

echo "--- Enabling rotation every {{.RotationDays}} days ---"
gcloud secrets update "{{.SecretID}}" \
  --project "$PROJECT_ID" \
  --add-topics "projects/${PROJECT_ID}/topics/${TOPIC}" \
  --next-rotation-time "$(date -u -d '+1 hour' +%Y-%m-%dT%H:%M:%SZ)" \
  --rotation-period "{{.RotationPeriod}}"

echo "--- Deployment complete! ---"
`
)

type scriptView struct {
	ScriptData
	RotationPeriod string
}

// GenerateScript generates a deployment script for the given provider.
func GenerateScript(data ScriptData) (string, error) {
	var tpl string
	switch data.Provider {
	case "AWS":
		tpl = awsScriptTemplate
		if data.Region == "" {
			return "", fmt.Errorf("region is required for AWS")
		}
	case "GCP":
		tpl = gcpScriptTemplate
		if data.ProjectID == "" {
			return "", fmt.Errorf("project id is required for GCP")
		}
	default:
		return "", fmt.Errorf("unknown provider: %s", data.Provider)
	}
	if data.SecretID == "" {
		return "", fmt.Errorf("secret id is required")
	}
	if data.RotationDays <= 0 {
		data.RotationDays = DefaultRotationDays
	}

	tmpl, err := template.New("script").Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse script template: %w", err)
	}

	view := scriptView{
		ScriptData:     data,
		RotationPeriod: fmt.Sprintf("%ds", data.RotationDays*24*60*60),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("failed to execute script template: %w", err)
	}

	return buf.String(), nil
}
