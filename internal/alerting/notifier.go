package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装一次分配差异告警的上下文。
type Notification struct {
	AgreementID      string
	SourceTxRef      string
	Amount           decimal.Decimal
	ExpectedToSenior decimal.Decimal
	ExpectedToJunior decimal.Decimal
	ActualToSenior   decimal.Decimal
	ActualToJunior   decimal.Decimal
	Discrepancy      decimal.Decimal
	Tolerance        decimal.Decimal
	ObservedAt       time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("agreement_id", note.AgreementID).
		Str("source_tx_ref", note.SourceTxRef).
		Msg("差异告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Waterfall Settlement Mismatch]\n")
	builder.WriteString(fmt.Sprintf("Agreement: %s\n", note.AgreementID))
	builder.WriteString(fmt.Sprintf("Source TX: %s\n", note.SourceTxRef))
	builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", note.ObservedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Payment: %s XRP\n", note.Amount.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Expected: senior %s / junior %s\n", note.ExpectedToSenior.StringFixed(2), note.ExpectedToJunior.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Actual: senior %s / junior %s\n", note.ActualToSenior.StringFixed(2), note.ActualToJunior.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Discrepancy: %s XRP (tolerance %s)\n", note.Discrepancy.StringFixed(6), note.Tolerance.StringFixed(6)))
	builder.WriteString("Recovery state was corrected to observed ledger reality.")
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
