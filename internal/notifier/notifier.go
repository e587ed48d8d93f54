// Package notifier отвечает за уведомления о совершённых операциях над платежами.
// Уведомление отправляется строго после коммита и не влияет на его судьбу:
// ошибка доставки логируется и никогда не откатывает запись.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type envelope struct {
	Event      string `json:"event"`
	OccurredAt string `json:"occurredAt"`
	Payload    any    `json:"payload"`
}

// Webhook публикует события в лог и, если настроен адрес, доставляет их
// POST-запросом внешнему получателю.
type Webhook struct {
	logger *zap.Logger
	client *retryablehttp.Client
	url    string
}

// NewWebhook создаёт нотификатор. Пустой адрес отключает HTTP-доставку,
// события при этом по-прежнему пишутся в лог.
func NewWebhook(logger *zap.Logger, addr string) *Webhook {
	w := &Webhook{
		logger: logger,
		url:    strings.TrimRight(addr, "/"),
	}

	if w.url != "" {
		client := retryablehttp.NewClient()
		client.RetryMax = 2
		client.RetryWaitMin = 200 * time.Millisecond
		client.HTTPClient.Timeout = 5 * time.Second
		client.Logger = nil
		w.client = client
	}

	return w
}

// Emit публикует событие. Вызов не блокирует вызывающего дольше сериализации
// полезной нагрузки; доставка идёт в отдельной горутине со своим контекстом,
// поэтому контекст вызывающего намеренно не учитывается: отмена запроса после
// коммита не должна отменять уведомление.
func (w *Webhook) Emit(_ context.Context, event string, payload any) {
	w.logger.Info("payment event",
		zap.String("event", event),
	)

	if w.client == nil {
		return
	}

	body, err := json.Marshal(envelope{
		Event:      event,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
		Payload:    payload,
	})
	if err != nil {
		w.logger.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	// Контекст запроса к этому моменту мог быть отменён; доставка живёт
	// со своим собственным таймаутом.
	go w.deliver(event, body)
}

func (w *Webhook) deliver(event string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("create event request", zap.String("event", event), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error("deliver event", zap.String("event", event), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		w.logger.Error("event rejected by receiver",
			zap.String("event", event),
			zap.Int("status", resp.StatusCode),
		)
	}
}
