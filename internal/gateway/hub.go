package gateway

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"partnerlink/internal/event"
)

// Hub хранит активные подключения экземпляра и их подписки на комнаты.
type Hub struct {
	clients map[*Client]bool

	// Подписки: roomID -> подключения.
	rooms    map[string]map[*Client]bool
	roomsMux sync.RWMutex

	register   chan *Client
	unregister chan *Client

	logger *zap.Logger
}

// NewHub создаёт новый хаб подключений.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run обслуживает регистрацию и снятие подключений до отмены контекста вызывающим.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if client.cancel != nil {
					client.cancel()
				}

				h.roomsMux.Lock()
				for roomID, clients := range h.rooms {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.rooms, roomID)
					}
				}
				h.roomsMux.Unlock()
			}
		}
	}
}

func (h *Hub) joinRoom(client *Client, roomID string) {
	h.roomsMux.Lock()
	defer h.roomsMux.Unlock()

	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
}

func (h *Hub) leaveRoom(client *Client, roomID string) {
	h.roomsMux.Lock()
	defer h.roomsMux.Unlock()

	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Deliver доставляет событие всем локальным подключениям, подписанным на
// комнату. Содержимое события для всех получателей одно и то же; признак
// actionable вычисляется по личности получателя в момент доставки.
//
// Горутина доставки не меняет карты хаба и не закрывает каналы: кадр для
// переполненного подключения отбрасывается, а само снятие выполняет цикл
// Run, который единственный владеет членством.
func (h *Hub) Deliver(ev event.Envelope) {
	h.roomsMux.RLock()
	defer h.roomsMux.RUnlock()

	clients, ok := h.rooms[ev.RoomID]
	if !ok {
		return
	}

	for client := range clients {
		delivery := event.ForRecipient(ev, client.partyID)
		data, err := json.Marshal(delivery)
		if err != nil {
			h.logger.Warn("marshal delivery", zap.Error(err))
			continue
		}

		select {
		case client.send <- data:
		default:
			h.logger.Warn("drop frame for slow connection", zap.Int64("party", client.partyID))
			h.evict(client)
		}
	}
}

// evict запрашивает снятие подключения у цикла хаба, не блокируя доставку
// остальным получателям. Повторный запрос для уже снятого подключения
// безопасен: цикл проверяет членство перед очисткой.
func (h *Hub) evict(client *Client) {
	go func() {
		h.unregister <- client
	}()
}
