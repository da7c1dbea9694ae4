package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время на запись одного сообщения подключению.
	writeWait = 10 * time.Second

	// Время ожидания pong от подключения.
	pongWait = 60 * time.Second

	// Период отправки ping.
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения.
	maxMessageSize = 10000
)

// Client представляет одно аутентифицированное WebSocket-подключение.
// Личность участника привязывается один раз при рукопожатии и
// подставляется в каждое входящее действие: сервис никогда не доверяет
// идентификатору, заявленному клиентом в полезной нагрузке.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte

	// ctx живёт столько же, сколько подключение; его отмена останавливает
	// writePump и все действия, выполняемые от имени этой сессии.
	ctx    context.Context
	cancel context.CancelFunc

	partyID int64
	role    string

	rooms    map[string]bool
	roomsMux sync.RWMutex
}

// readPump читает входящие действия подключения и передаёт их диспетчеру.
func (c *Client) readPump() {
	defer func() {
		c.gw.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Warn("websocket read", zap.Int64("party", c.partyID), zap.Error(err))
			}
			break
		}

		c.gw.handleAction(c, raw)
	}
}

// writePump пишет исходящие события подключению и поддерживает ping.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) joinRoom(roomID string) {
	c.roomsMux.Lock()
	defer c.roomsMux.Unlock()
	c.rooms[roomID] = true
	c.gw.hub.joinRoom(c, roomID)
}

func (c *Client) leaveRoom(roomID string) {
	c.roomsMux.Lock()
	defer c.roomsMux.Unlock()
	delete(c.rooms, roomID)
	c.gw.hub.leaveRoom(c, roomID)
}

func (c *Client) inRoom(roomID string) bool {
	c.roomsMux.RLock()
	defer c.roomsMux.RUnlock()
	return c.rooms[roomID]
}
