package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint string
}

// AttemptMessage is the event body published for every delivery attempt.
type AttemptMessage struct {
	AttemptID  string `json:"attempt_id"`
	TenantID   string `json:"tenant_id"`
	ReminderID int64  `json:"reminder_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

type sendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AttemptPublisher streams notification attempts to an SQS queue for
// downstream consumers (analytics, audit).
type AttemptPublisher struct {
	client   sendAPI
	queueURL string
	fifo     bool
	logger   *zap.Logger
}

// NewAttemptPublisher creates a new SQS attempt publisher.
func NewAttemptPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*AttemptPublisher, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs attempt publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newAttemptPublisher(client, cfg.QueueURL, logger), nil
}

func newAttemptPublisher(client sendAPI, queueURL string, logger *zap.Logger) *AttemptPublisher {
	return &AttemptPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// PublishAttempt sends one attempt. FIFO queues are grouped per tenant and
// deduplicated on the attempt id.
func (p *AttemptPublisher) PublishAttempt(ctx context.Context, attempt *db.NotificationAttempt) error {
	msg := AttemptMessage{
		AttemptID:  attempt.ID.String(),
		TenantID:   attempt.TenantID,
		ReminderID: attempt.ReminderID,
		Success:    attempt.Success,
		RecordedAt: attempt.RecordedAt.UnixNano(),
	}
	if attempt.Error != nil {
		msg.Error = *attempt.Error
	}
	if attempt.ErrorKind != nil {
		msg.ErrorKind = *attempt.ErrorKind
	}
	if msg.RecordedAt <= 0 {
		msg.RecordedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(attempt.TenantID),
			},
			"success": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(attempt.Success)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(attempt.TenantID)
		input.MessageDeduplicationId = aws.String(msg.AttemptID)
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("attempt published",
		zap.String("tenant_id", attempt.TenantID),
		zap.Int64("reminder_id", attempt.ReminderID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
