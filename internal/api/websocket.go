package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/broadcast"
	"github.com/camwatch/camwatch-server/internal/errs"
)

// HandleDeviceStream accepts a long-lived push channel from a device. Each
// binary message is ingested as one frame.
func (s *RESTServer) HandleDeviceStream(w http.ResponseWriter, r *http.Request) {
	deviceID := authenticatedDevice(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().Str("device_id", deviceID).Logger()
	logger.Info().Msg("Device stream connected")

	done := make(chan struct{})
	defer close(done)
	go s.pingPump(conn, done)

	conn.SetReadLimit(s.config.WebSocket.MaxMessageBytes)
	s.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline(conn)
		return nil
	})

	// Frames are ingested with a context detached from the upgrade request
	// so that a slow frame write is not cut off by the request timeout.
	ctx := s.coord.Context()
	var frames int64
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("Device stream read error")
			}
			break
		}
		s.extendReadDeadline(conn)
		if mt != websocket.BinaryMessage {
			continue
		}

		if _, err := s.coord.IngestFrame(ctx, deviceID, data); err != nil {
			if errors.Is(err, errs.ErrDeviceDisabled) || errors.Is(err, errs.ErrNotFound) {
				s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
				break
			}
			logger.Warn().Err(err).Msg("Failed to ingest streamed frame")
			continue
		}
		frames++
	}

	logger.Info().Int64("frames", frames).Msg("Device stream disconnected")
}

// HandleEvents pushes media events as JSON text messages to a viewer.
// ?deviceId= restricts the feed to one device. Viewers that fall behind
// are disconnected.
func (s *RESTServer) HandleEvents(w http.ResponseWriter, r *http.Request) {
	topic := broadcast.TopicAll
	if deviceID := r.URL.Query().Get("deviceId"); deviceID != "" {
		topic = broadcast.DeviceTopic(deviceID)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.coord.Hub().Subscribe(topic)
	defer sub.Close()

	log.Debug().Str("topic", topic).Str("remote", r.RemoteAddr).Msg("Viewer connected")

	readerDone := make(chan struct{})
	go s.discardReads(conn, readerDone)

	s.writeEvents(conn, sub, readerDone)
	log.Debug().Str("topic", topic).Str("remote", r.RemoteAddr).Msg("Viewer disconnected")
}

func (s *RESTServer) writeEvents(conn *websocket.Conn, sub *broadcast.Subscription, readerDone <-chan struct{}) {
	ticker := time.NewTicker(s.config.WebSocket.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				s.closeWith(conn, websocket.CloseTryAgainLater, "subscriber too slow")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.config.WebSocket.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.ping(conn); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

// discardReads consumes control frames so pongs and close messages are
// processed
func (s *RESTServer) discardReads(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	s.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline(conn)
		return nil
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *RESTServer) pingPump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.WebSocket.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.ping(conn); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *RESTServer) ping(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WebSocket.WriteTimeout))
}

func (s *RESTServer) extendReadDeadline(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(2 * s.config.WebSocket.PingInterval))
}

func (s *RESTServer) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.WebSocket.WriteTimeout))
}
