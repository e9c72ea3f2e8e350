package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

// Annotation layout on the GCP secret. Secret Manager versions are numbered by the
// service, so request tokens and their labels live on the secret itself:
//
//	version.<token> = <version number>
//	stages.<token>  = AWSCURRENT[,AWSPREVIOUS...]
//	last-rotated    = RFC 3339 time of the last AWSCURRENT move
const (
	versionAnnotation     = "version."
	stagesAnnotation      = "stages."
	lastRotatedAnnotation = "last-rotated"
	// token of a version that predates rotation by this tool.
	bootstrapTokenPrefix = "version-"
)

// version aliases kept in step with the labels so consumers can read versions/current.
var gcpAliases = map[string]string{
	StageCurrent:  "current",
	StagePrevious: "previous",
}

// GCPSecretsAPI is the subset of Secret Manager operations the store uses.
type GCPSecretsAPI interface {
	GetSecret(ctx context.Context, name string) (*secretmanagerpb.Secret, error)
	// UpdateSecret writes the listed fields; the secret's etag guards the write.
	UpdateSecret(ctx context.Context, secret *secretmanagerpb.Secret, paths ...string) (*secretmanagerpb.Secret, error)
	AddVersion(ctx context.Context, parent string, data []byte) (*secretmanagerpb.SecretVersion, error)
	AccessVersion(ctx context.Context, name string) ([]byte, error)
	ListVersions(ctx context.Context, parent string) ([]*secretmanagerpb.SecretVersion, error)
	DestroyVersion(ctx context.Context, name string) error
}

// GCPSecretManager implements VersionedSecretStore for GCP Secret Manager.
type GCPSecretManager struct {
	client    GCPSecretsAPI
	projectID string
	now       func() time.Time
}

// NewGCPSecretManager creates a new GCPSecretManager. Bare secret ids resolve
// against projectID; call Setup before use unless a client is given.
func NewGCPSecretManager(projectID string, client GCPSecretsAPI) *GCPSecretManager {
	return &GCPSecretManager{client: client, projectID: projectID, now: time.Now}
}

// Setup initializes the GCP Secret Manager client.
func (g *GCPSecretManager) Setup(ctx context.Context, config map[string]string) error {
	projectID, ok := config["projectID"]
	if !ok || projectID == "" {
		return fmt.Errorf("projectID is required for GCP Secret Manager")
	}
	g.projectID = projectID

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create secret manager client: %w", err)
	}
	g.client = &gcpClient{client: client}
	return nil
}

// Describe reads the token labels from the secret annotations.
func (g *GCPSecretManager) Describe(ctx context.Context, secretID string) (*Metadata, error) {
	secret, err := g.getSecret(ctx, secretID)
	if err != nil {
		return nil, err
	}
	stages, err := g.stagesOf(ctx, secret)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		SecretID:        secretID,
		RotationEnabled: secret.GetRotation() != nil && (secret.GetRotation().GetRotationPeriod() != nil || secret.GetRotation().GetNextRotationTime() != nil),
		VersionStages:   stages,
	}
	if ts := secret.GetAnnotations()[lastRotatedAnnotation]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			meta.LastRotated = t
		}
	}
	return meta, nil
}

// GetValue accesses the Secret Manager version behind the token holding stage.
func (g *GCPSecretManager) GetValue(ctx context.Context, secretID, stage, versionID string) ([]byte, error) {
	secret, err := g.getSecret(ctx, secretID)
	if err != nil {
		return nil, err
	}
	stages, err := g.stagesOf(ctx, secret)
	if err != nil {
		return nil, err
	}

	token := versionID
	if token == "" {
		token = stages.holder(stage)
	}
	if token == "" || !slices.Contains(stages[token], stage) {
		return nil, fmt.Errorf("%w: no version of %s with stage %s", ErrNotFound, secretID, stage)
	}
	number, ok := versionNumber(secret, token)
	if !ok {
		return nil, fmt.Errorf("%w: version %s of %s has no content", ErrNotFound, token, secretID)
	}

	data, err := g.client.AccessVersion(ctx, fmt.Sprintf("%s/versions/%d", secret.GetName(), number))
	if err != nil {
		return nil, mapGCPError(err, fmt.Sprintf("access %s of %s", token, secretID))
	}
	return data, nil
}

// PutValue adds a Secret Manager version and records it under token.
func (g *GCPSecretManager) PutValue(ctx context.Context, secretID, token string, value []byte, stages []string) error {
	secret, err := g.getSecret(ctx, secretID)
	if err != nil {
		return err
	}

	number, exists := versionNumber(secret, token)
	added := false
	if exists {
		stored, err := g.client.AccessVersion(ctx, fmt.Sprintf("%s/versions/%d", secret.GetName(), number))
		if err != nil {
			return mapGCPError(err, fmt.Sprintf("access %s of %s", token, secretID))
		}
		if !bytes.Equal(stored, value) {
			return fmt.Errorf("%w: version %s of %s already has different content", ErrConflict, token, secretID)
		}
	} else {
		version, err := g.client.AddVersion(ctx, secret.GetName(), value)
		if err != nil {
			return mapGCPError(err, fmt.Sprintf("add version %s to %s", token, secretID))
		}
		number, err = parseVersionName(version.GetName())
		if err != nil {
			return err
		}
		added = true
	}

	labels, err := g.stagesOf(ctx, secret)
	if err != nil {
		return err
	}
	for _, stage := range stages {
		labels.attach(token, stage)
	}

	annotations := cloneAnnotations(secret)
	annotations[versionAnnotation+token] = strconv.FormatInt(number, 10)
	if err := g.writeStages(ctx, secret, annotations, labels); err != nil {
		if added {
			return g.discardVersion(ctx, secret.GetName(), number, err)
		}
		return err
	}
	return nil
}

// discardVersion destroys a version whose annotations could not be written, so
// the credential it holds does not outlive the failed write.
func (g *GCPSecretManager) discardVersion(ctx context.Context, secretName string, number int64, cause error) error {
	name := fmt.Sprintf("%s/versions/%d", secretName, number)
	if err := g.client.DestroyVersion(ctx, name); err != nil {
		return errors.Join(cause, mapGCPError(err, "destroy unreferenced version "+name))
	}
	return cause
}

// MoveStage rewrites the labels in one etag-guarded UpdateSecret call.
func (g *GCPSecretManager) MoveStage(ctx context.Context, secretID, stage, toVersion, fromVersion string) error {
	secret, err := g.getSecret(ctx, secretID)
	if err != nil {
		return err
	}
	if _, ok := versionNumber(secret, toVersion); !ok {
		return fmt.Errorf("%w: version %s of %s", ErrNotFound, toVersion, secretID)
	}

	labels, err := g.stagesOf(ctx, secret)
	if err != nil {
		return err
	}
	if err := labels.move(stage, toVersion, fromVersion); err != nil {
		return err
	}

	annotations := cloneAnnotations(secret)
	if stage == StageCurrent {
		annotations[lastRotatedAnnotation] = g.now().UTC().Format(time.RFC3339)
	}
	return g.writeStages(ctx, secret, annotations, labels)
}

// StagePending records token as the pending version before it has content.
func (g *GCPSecretManager) StagePending(ctx context.Context, secretID, token string) error {
	secret, err := g.getSecret(ctx, secretID)
	if err != nil {
		return err
	}
	labels, err := g.stagesOf(ctx, secret)
	if err != nil {
		return err
	}
	if _, ok := labels[token]; ok {
		return nil
	}
	labels.attach(token, StagePending)
	return g.writeStages(ctx, secret, cloneAnnotations(secret), labels)
}

func (g *GCPSecretManager) getSecret(ctx context.Context, secretID string) (*secretmanagerpb.Secret, error) {
	secret, err := g.client.GetSecret(ctx, g.secretName(secretID))
	if err != nil {
		return nil, mapGCPError(err, "get secret "+secretID)
	}
	return secret, nil
}

// secretName accepts a full resource name or a bare secret id.
func (g *GCPSecretManager) secretName(secretID string) string {
	if strings.HasPrefix(secretID, "projects/") {
		return secretID
	}
	return fmt.Sprintf("projects/%s/secrets/%s", g.projectID, secretID)
}

// stagesOf decodes the label annotations. A secret without any AWSCURRENT token
// gets its latest enabled version exposed as version-<n>.
func (g *GCPSecretManager) stagesOf(ctx context.Context, secret *secretmanagerpb.Secret) (stageMap, error) {
	labels := stageMap{}
	for key, value := range secret.GetAnnotations() {
		token, ok := strings.CutPrefix(key, stagesAnnotation)
		if !ok || value == "" {
			continue
		}
		labels[token] = strings.Split(value, ",")
	}
	if labels.holder(StageCurrent) != "" {
		return labels, nil
	}

	versions, err := g.client.ListVersions(ctx, secret.GetName())
	if err != nil {
		return nil, mapGCPError(err, "list versions of "+secret.GetName())
	}
	var latest int64
	for _, v := range versions {
		if v.GetState() != secretmanagerpb.SecretVersion_ENABLED {
			continue
		}
		if n, err := parseVersionName(v.GetName()); err == nil && n > latest {
			latest = n
		}
	}
	if latest > 0 {
		labels.add(bootstrapTokenPrefix+strconv.FormatInt(latest, 10), StageCurrent)
	}
	return labels, nil
}

func (g *GCPSecretManager) writeStages(ctx context.Context, secret *secretmanagerpb.Secret, annotations map[string]string, labels stageMap) error {
	for key := range annotations {
		if strings.HasPrefix(key, stagesAnnotation) {
			delete(annotations, key)
		}
		// versions left without labels are not tracked any more
		if token, ok := strings.CutPrefix(key, versionAnnotation); ok {
			if _, labelled := labels[token]; !labelled {
				delete(annotations, key)
			}
		}
	}
	aliases := make(map[string]int64, len(secret.GetVersionAliases()))
	for alias, number := range secret.GetVersionAliases() {
		aliases[alias] = number
	}

	for token, stages := range labels {
		annotations[stagesAnnotation+token] = strings.Join(stages, ",")
	}
	for stage, alias := range gcpAliases {
		delete(aliases, alias)
		token := labels.holder(stage)
		if token == "" {
			continue
		}
		if number, ok := versionNumberIn(annotations, token); ok {
			aliases[alias] = number
		}
	}

	update := &secretmanagerpb.Secret{
		Name:           secret.GetName(),
		Etag:           secret.GetEtag(),
		Annotations:    annotations,
		VersionAliases: aliases,
	}
	if _, err := g.client.UpdateSecret(ctx, update, "annotations", "version_aliases"); err != nil {
		return mapGCPError(err, "update labels of "+secret.GetName())
	}
	return nil
}

func cloneAnnotations(secret *secretmanagerpb.Secret) map[string]string {
	out := make(map[string]string, len(secret.GetAnnotations())+2)
	for k, v := range secret.GetAnnotations() {
		out[k] = v
	}
	return out
}

func versionNumber(secret *secretmanagerpb.Secret, token string) (int64, bool) {
	return versionNumberIn(secret.GetAnnotations(), token)
}

func versionNumberIn(annotations map[string]string, token string) (int64, bool) {
	if v, ok := annotations[versionAnnotation+token]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	if rest, ok := strings.CutPrefix(token, bootstrapTokenPrefix); ok {
		n, err := strconv.ParseInt(rest, 10, 64)
		return n, err == nil && n > 0
	}
	return 0, false
}

// parseVersionName extracts n from projects/p/secrets/s/versions/n.
func parseVersionName(name string) (int64, error) {
	idx := strings.LastIndex(name, "/versions/")
	if idx == -1 {
		return 0, fmt.Errorf("unexpected secret version name %q", name)
	}
	n, err := strconv.ParseInt(name[idx+len("/versions/"):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected secret version name %q: %w", name, err)
	}
	return n, nil
}

func mapGCPError(err error, op string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case codes.Aborted, codes.FailedPrecondition, codes.AlreadyExists:
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// gcpClient adapts the generated Secret Manager client to GCPSecretsAPI.
type gcpClient struct {
	client *secretmanager.Client
}

func (c *gcpClient) GetSecret(ctx context.Context, name string) (*secretmanagerpb.Secret, error) {
	return c.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: name})
}

func (c *gcpClient) UpdateSecret(ctx context.Context, secret *secretmanagerpb.Secret, paths ...string) (*secretmanagerpb.Secret, error) {
	return c.client.UpdateSecret(ctx, &secretmanagerpb.UpdateSecretRequest{
		Secret:     secret,
		UpdateMask: &fieldmaskpb.FieldMask{Paths: paths},
	})
}

func (c *gcpClient) AddVersion(ctx context.Context, parent string, data []byte) (*secretmanagerpb.SecretVersion, error) {
	return c.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  parent,
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	})
}

func (c *gcpClient) AccessVersion(ctx context.Context, name string) ([]byte, error) {
	result, err := c.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return result.GetPayload().GetData(), nil
}

func (c *gcpClient) ListVersions(ctx context.Context, parent string) ([]*secretmanagerpb.SecretVersion, error) {
	it := c.client.ListSecretVersions(ctx, &secretmanagerpb.ListSecretVersionsRequest{
		Parent: parent,
		Filter: "state:ENABLED",
	})

	var versions []*secretmanagerpb.SecretVersion
	for {
		v, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (c *gcpClient) DestroyVersion(ctx context.Context, name string) error {
	_, err := c.client.DestroySecretVersion(ctx, &secretmanagerpb.DestroySecretVersionRequest{Name: name})
	return err
}

// Close releases the underlying gRPC connection.
func (g *GCPSecretManager) Close() error {
	if c, ok := g.client.(*gcpClient); ok {
		return c.client.Close()
	}
	return nil
}
