package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"account-recovery-service/internal/client"
	"account-recovery-service/internal/config"
	"account-recovery-service/internal/util"
)

// Email/SMS template names consumed by the downstream renderers.
const (
	TemplateResetRequested = "account_reset_requested"
	TemplateResetCancelled = "account_reset_cancelled"
	TemplateResetGranted   = "account_reset_granted"
	TemplateResetCompleted = "account_reset_completed"
)

// EmailMessage is the wire shape produced to the email topic.
type EmailMessage struct {
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Params    map[string]string `json:"params,omitempty"`
	SentAt    time.Time         `json:"sent_at"`
}

// SMSMessage is the wire shape produced to the SMS topic.
type SMSMessage struct {
	PhoneNumber string    `json:"phone_number"`
	Template    string    `json:"template"`
	SentAt      time.Time `json:"sent_at"`
}

// Notifier fans user-facing notifications out to delivery channels.
// Delivery is best effort; lifecycle transitions never roll back
// because a notification failed.
type Notifier interface {
	SendEmail(ctx context.Context, recipient, template string, params map[string]string) error
	SendSMS(ctx context.Context, phoneNumber, template string) error
}

type KafkaNotifier struct {
	producer *client.KafkaProducer
	config   *config.KafkaConfig
	logger   *zap.Logger
}

func NewKafkaNotifier(producer *client.KafkaProducer, cfg *config.Config, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		config:   &cfg.Kafka,
		logger:   logger,
	}
}

func (n *KafkaNotifier) SendEmail(ctx context.Context, recipient, template string, params map[string]string) error {
	msg := EmailMessage{
		Recipient: recipient,
		Template:  template,
		Params:    params,
		SentAt:    time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	if err := n.producer.ProduceMessage(ctx, n.config.EmailTopic, []byte(recipient), value, nil); err != nil {
		return fmt.Errorf("failed to produce email message: %w", err)
	}

	util.Debug("Email notification queued",
		zap.String("template", template))
	return nil
}

func (n *KafkaNotifier) SendSMS(ctx context.Context, phoneNumber, template string) error {
	msg := SMSMessage{
		PhoneNumber: phoneNumber,
		Template:    template,
		SentAt:      time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sms message: %w", err)
	}

	if err := n.producer.ProduceMessage(ctx, n.config.SMSTopic, []byte(phoneNumber), value, nil); err != nil {
		return fmt.Errorf("failed to produce sms message: %w", err)
	}

	util.Debug("SMS notification queued",
		zap.String("template", template))
	return nil
}
