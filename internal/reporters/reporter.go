// Package reporters notifies external systems about committed deployments.
package reporters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
)

// Reporter is told about every deployment this node commits.
type Reporter interface {
	ReportDeployment(ctx context.Context, d *entity.Deployment) error
}

// Noop discards reports.
type Noop struct{}

func (Noop) ReportDeployment(context.Context, *entity.Deployment) error {
	return nil
}

// SQSConfig locates the reporting queue.
type SQSConfig struct {
	QueueURL        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SQSReporter pushes one message per deployment to an SQS queue.
type SQSReporter struct {
	client   sqsiface.SQSAPI
	queueURL string
	log      log.Logger
}

// NewSQSReporter opens an AWS session. Static credentials are used when set,
// the default chain otherwise.
func NewSQSReporter(l log.Logger, cfg SQSConfig) (*SQSReporter, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return NewSQSReporterWithClient(l, sqs.New(sess), cfg.QueueURL), nil
}

// NewSQSReporterWithClient uses an existing SQS client.
func NewSQSReporterWithClient(l log.Logger, client sqsiface.SQSAPI, queueURL string) *SQSReporter {
	return &SQSReporter{client: client, queueURL: queueURL, log: l.Named("SQSReporter")}
}

type deploymentMessage struct {
	EntityType     entity.Type `json:"entityType"`
	EntityID       string      `json:"entityId"`
	Pointers       []string    `json:"pointers"`
	DeployedBy     string      `json:"deployedBy"`
	OriginServer   string      `json:"originServerUrl,omitempty"`
	LocalTimestamp int64       `json:"localTimestamp"`
}

// ReportDeployment implements Reporter.
func (s *SQSReporter) ReportDeployment(ctx context.Context, d *entity.Deployment) error {
	body, err := json.Marshal(deploymentMessage{
		EntityType:     d.Type,
		EntityID:       d.ID,
		Pointers:       d.Pointers,
		DeployedBy:     d.DeployedBy,
		OriginServer:   d.AuditInfo.OriginServerURL,
		LocalTimestamp: d.AuditInfo.LocalTimestamp,
	})
	if err != nil {
		return err
	}
	out, err := s.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("reporting deployment %s: %w", d.ID, err)
	}
	s.log.Debugw("deployment reported", "id", d.ID, "message", aws.StringValue(out.MessageId))
	return nil
}
