// Package bus реализует межэкземплярный фан-аут событий комнат через NATS.
//
// Каждой комнате соответствует свой сабжект chat.room.<roomID>. Экземпляр
// сервера подписывается один раз на chat.room.* и демультиплексирует события
// по roomID из конверта, поэтому действие, выполненное на одном экземпляре,
// видят подключения, обслуживаемые любым другим.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"partnerlink/internal/event"
)

const (
	roomSubjectPrefix = "chat.room."
	roomSubjectAll    = "chat.room.*"
)

// Bus публикует и принимает события комнат через NATS.
type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger
	sub    *nats.Subscription
}

// New подключается к NATS по указанному адресу.
func New(url string, logger *zap.Logger) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.Name("partnerlink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &Bus{conn: conn, logger: logger}, nil
}

// Subject возвращает имя канала для комнаты.
func Subject(roomID string) string {
	return roomSubjectPrefix + roomID
}

// Publish отправляет событие в канал комнаты. Доставка по меньшей мере
// однократная и без подтверждений: сбой публикации не откатывает уже
// зафиксированное изменение состояния, вызывающий лишь логирует деградацию.
func (b *Bus) Publish(ctx context.Context, ev event.Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.conn.Publish(Subject(ev.RoomID), data); err != nil {
		return fmt.Errorf("publish to %s: %w", Subject(ev.RoomID), err)
	}

	return nil
}

// Subscribe подписывается на события всех комнат. Событие с нечитаемой
// полезной нагрузкой логируется и отбрасывается, цикл доставки не падает.
func (b *Bus) Subscribe(handler func(event.Envelope)) error {
	sub, err := b.conn.Subscribe(roomSubjectAll, func(m *nats.Msg) {
		var ev event.Envelope
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			b.logger.Warn("drop undecodable event",
				zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", roomSubjectAll, err)
	}

	b.sub = sub
	return nil
}

// Close отписывается и закрывает соединение, дождавшись отправки буфера.
func (b *Bus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
