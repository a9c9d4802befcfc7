package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/scheduler"
)

// Config holds SNS configuration.
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the service endpoint (LocalStack).
	Endpoint string
}

// TenantLine is one tenant's row in a published report.
type TenantLine struct {
	TenantID string   `json:"tenant_id"`
	Total    int      `json:"total"`
	Sent     int      `json:"sent"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ReportMessage is the SNS payload for one scheduler tick.
type ReportMessage struct {
	TickID     string            `json:"tick_id"`
	StartedAt  int64             `json:"started_at"`
	FinishedAt int64             `json:"finished_at"`
	Batches    int               `json:"batches"`
	Summary    scheduler.Summary `json:"summary"`
	Tenants    []TenantLine      `json:"tenants"`
}

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// ReportPublisher fans tick reports out to an SNS topic. Subscribers can
// filter on the has_failures message attribute.
type ReportPublisher struct {
	client   publishAPI
	topicARN string
	logger   *zap.Logger
}

// NewReportPublisher creates an SNS publisher for the given topic.
func NewReportPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*ReportPublisher, error) {
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("sns topic arn is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &ReportPublisher{client: client, topicARN: cfg.TopicARN, logger: logger}, nil
}

// BuildReportMessage flattens a tick into its published form, tenants
// sorted by id.
func BuildReportMessage(tick scheduler.Tick) ReportMessage {
	msg := ReportMessage{
		TickID:     tick.ID,
		StartedAt:  tick.StartedAt.Unix(),
		FinishedAt: tick.FinishedAt.Unix(),
		Batches:    tick.Batches,
		Summary:    tick.Report.Summarize(),
		Tenants:    make([]TenantLine, 0, len(tick.Report)),
	}
	for _, id := range tick.Report.TenantIDs() {
		res := tick.Report[id]
		msg.Tenants = append(msg.Tenants, TenantLine{
			TenantID: id,
			Total:    res.Total,
			Sent:     res.Sent,
			Failed:   res.Failed,
			Errors:   res.ErrorMessages(),
		})
	}
	return msg
}

// PublishReport publishes one tick report and returns the SNS message id.
func (p *ReportPublisher) PublishReport(ctx context.Context, tick scheduler.Tick) (string, error) {
	msg := BuildReportMessage(tick)

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(fmt.Sprintf("remindbot tick %s", tick.ID)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"has_failures": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(len(msg.Summary.FailingTenants) > 0)),
			},
			"tenants": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(msg.Summary.Tenants)),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Hook adapts the publisher to a scheduler report hook. Failures are logged.
func (p *ReportPublisher) Hook() scheduler.ReportHook {
	return func(ctx context.Context, tick scheduler.Tick) {
		id, err := p.PublishReport(ctx, tick)
		if err != nil {
			p.logger.Warn("failed to publish tick report", zap.String("tick_id", tick.ID), zap.Error(err))
			return
		}
		p.logger.Debug("tick report published", zap.String("tick_id", tick.ID), zap.String("message_id", id))
	}
}
