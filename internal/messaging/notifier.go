// Package messaging delivers step-up verification codes to the account holder.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/BTreeMap/SupportPipe/internal/twiliosms"
)

// Notifier delivers a freshly issued verification code out of band.
type Notifier interface {
	NotifyCode(ctx context.Context, threadID, code string) error
}

var nonDigitRegex = regexp.MustCompile(`\D`)

// ValidateAndCanonicalizePhone strips everything but digits and returns the
// number in "+<digits>" form. At least 6 digits are required.
func ValidateAndCanonicalizePhone(phone string) (string, error) {
	if phone == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}
	digits := nonDigitRegex.ReplaceAllString(phone, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", phone)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	canonical := "+" + digits
	if canonical != phone {
		slog.Debug("messaging canonicalized phone number", "original", phone, "canonical", canonical)
	}
	return canonical, nil
}

// FormatCodeMessage renders the SMS body for a verification code.
func FormatCodeMessage(code string) string {
	return fmt.Sprintf("[DEMO] Your code is %s.", code)
}

// SMSNotifier texts the code to a single fixed destination.
type SMSNotifier struct {
	sender      twiliosms.Sender
	destination string
}

// NewSMSNotifier validates destination and returns a notifier sending through sender.
func NewSMSNotifier(sender twiliosms.Sender, destination string) (*SMSNotifier, error) {
	if sender == nil {
		return nil, fmt.Errorf("sms sender is required")
	}
	canonical, err := ValidateAndCanonicalizePhone(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	return &SMSNotifier{sender: sender, destination: canonical}, nil
}

func (n *SMSNotifier) NotifyCode(ctx context.Context, threadID, code string) error {
	slog.Debug("SMSNotifier.NotifyCode: sending code", "threadID", threadID, "to", n.destination)
	if err := n.sender.SendSMS(ctx, n.destination, FormatCodeMessage(code)); err != nil {
		return fmt.Errorf("send verification code: %w", err)
	}
	return nil
}

// LogNotifier writes the code to the log instead of sending it. For local development only.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyCode(ctx context.Context, threadID, code string) error {
	n.logger.Info("LogNotifier.NotifyCode: verification code issued", "threadID", threadID, "message", FormatCodeMessage(code))
	return nil
}
