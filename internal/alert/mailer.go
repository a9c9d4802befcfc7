// Package alert emails operators when a scheduler tick has failing tenants.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/scheduler"
)

// maxErrorsPerTenant caps the lines listed for one tenant in a digest.
const maxErrorsPerTenant = 5

type Config struct {
	Region    string
	FromEmail string
	ToEmails  []string
	Endpoint  string
}

type sendEmailAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// Mailer sends failure digests through SES.
type Mailer struct {
	client sendEmailAPI
	from   string
	to     []string
	logger *zap.Logger
}

func NewMailer(ctx context.Context, cfg Config, logger *zap.Logger) (*Mailer, error) {
	if cfg.FromEmail == "" || len(cfg.ToEmails) == 0 {
		return nil, fmt.Errorf("alert mailer needs a sender and at least one recipient")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &Mailer{
		client: ses.NewFromConfig(awsCfg, func(o *ses.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}),
		from:   cfg.FromEmail,
		to:     cfg.ToEmails,
		logger: logger,
	}, nil
}

// NotifyFailures emails a digest of the tick's failing tenants. It does
// nothing when every tenant succeeded.
func (m *Mailer) NotifyFailures(ctx context.Context, tick scheduler.Tick) error {
	sum := tick.Report.Summarize()
	if len(sum.FailingTenants) == 0 {
		return nil
	}

	subject := fmt.Sprintf("[remindbot] %d of %d tenants had delivery failures", len(sum.FailingTenants), sum.Tenants)

	input := &ses.SendEmailInput{
		Source: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: m.to,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(Digest(tick)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	m.logger.Info("failure digest sent",
		zap.String("tick_id", tick.ID),
		zap.Int("failing_tenants", len(sum.FailingTenants)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Hook adapts the mailer to a scheduler report hook.
func (m *Mailer) Hook() scheduler.ReportHook {
	return func(ctx context.Context, tick scheduler.Tick) {
		if err := m.NotifyFailures(ctx, tick); err != nil {
			m.logger.Warn("failed to send failure digest", zap.String("tick_id", tick.ID), zap.Error(err))
		}
	}
}

// Digest renders the plain-text body listing each failing tenant.
func Digest(tick scheduler.Tick) string {
	sum := tick.Report.Summarize()

	var b strings.Builder
	fmt.Fprintf(&b, "Tick %s finished at %s\n", tick.ID, tick.FinishedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Tenants: %d  Due: %d  Sent: %d  Failed: %d\n\n", sum.Tenants, sum.Total, sum.Sent, sum.Failed)

	for _, id := range sum.FailingTenants {
		res := tick.Report[id]
		fmt.Fprintf(&b, "%s: %d/%d sent, %d failed\n", id, res.Sent, res.Total, res.Failed)
		for i, e := range res.Errors {
			if i == maxErrorsPerTenant {
				fmt.Fprintf(&b, "  ... and %d more\n", len(res.Errors)-maxErrorsPerTenant)
				break
			}
			fmt.Fprintf(&b, "  - [%s] %s\n", e.Kind, e.Message)
		}
	}
	return b.String()
}
