// Package ws is the push gateway: one websocket per session, JSON frames in
// both directions.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"market-chat/auth"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/errors"
	"market-chat/protocol"
	"market-chat/services"
	"market-chat/sink"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const Path = "/v1/ws"

type Settings struct {
	PingInterval   time.Duration
	KeepAlive      time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int64
	BufferSize     int
}

// Server handles websocket connections.
type Server struct {
	log      *slog.Logger
	chat     services.IChatService
	verifier contract.Verifier
	settings Settings
	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, chat services.IChatService, verifier contract.Verifier, settings Settings) *Server {
	return &Server{
		log:      log,
		chat:     chat,
		verifier: verifier,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers of every storefront connect; the bearer token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET(Path, s.HandleWebSocket)
}

// connection is the state shared by the two pumps of one socket.
type connection struct {
	ws      *websocket.Conn
	userID  domain.UserID
	session *sink.SessionSink
	replies chan protocol.Frame
	ctx     context.Context
	cancel  context.CancelFunc
}

// HandleWebSocket authenticates before the upgrade so an anonymous client
// gets a plain 401 instead of a socket.
func (s *Server) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	userID, err := s.verifier.Principal(req.Context(), auth.TokenFromRequest(req))
	if err != nil {
		return err
	}

	ws, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		s.log.Debug("Failed to upgrade websocket", "user_id", userID, "error", err)
		return nil
	}
	ws.SetReadLimit(s.settings.MaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		ws:      ws,
		userID:  userID,
		session: sink.NewSessionSink(userID, s.settings.BufferSize),
		replies: make(chan protocol.Frame, 16),
		ctx:     ctx,
		cancel:  cancel,
	}

	hello, err := protocol.NewFrame(protocol.TypeHello, "", protocol.Hello{
		UserID:     string(userID),
		SessionID:  string(conn.session.ID()),
		ServerTime: time.Now().UTC(),
	})
	if err == nil {
		err = s.write(conn, hello)
	}
	if err != nil {
		cancel()
		_ = ws.Close()
		s.log.Debug("Failed to greet session", "user_id", userID, "error", err)
		return nil
	}

	s.chat.Connect(ctx, userID, conn.session)
	s.log.Debug("Session opened", "user_id", userID, "session_id", conn.session.ID())

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump owns the teardown: whichever side fails first, the socket ends here.
func (s *Server) readPump(conn *connection) {
	defer func() {
		conn.cancel()
		_ = conn.session.Close()
		s.chat.Disconnect(context.Background(), conn.userID, conn.session.ID())
		_ = conn.ws.Close()
		s.log.Debug("Session closed", "user_id", conn.userID, "session_id", conn.session.ID())
	}()

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.settings.KeepAlive))
	conn.ws.SetPongHandler(func(string) error {
		s.chat.Touch(conn.userID, conn.session.ID())
		return conn.ws.SetReadDeadline(time.Now().Add(s.settings.KeepAlive))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("Websocket read failed", "user_id", conn.userID, "error", err)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(s.settings.KeepAlive))
		s.chat.Touch(conn.userID, conn.session.ID())
		s.reply(conn, s.handleFrame(conn, raw))
	}
}

func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.settings.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case e := <-conn.session.Events():
			frame, err := protocol.EncodeEvent(e)
			if err != nil {
				s.log.Error("Cannot encode event", "error", err)
				continue
			}
			if err := s.write(conn, frame); err != nil {
				_ = conn.session.Close()
				return
			}
		case frame := <-conn.replies:
			if err := s.write(conn, frame); err != nil {
				_ = conn.session.Close()
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.session.Close()
				return
			}
		case <-conn.session.Done():
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) write(conn *connection, frame protocol.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("Cannot marshal frame", "type", frame.Type, "error", err)
		return nil
	}
	_ = conn.ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	return conn.ws.WriteMessage(websocket.TextMessage, raw)
}

// reply queues a frame for the write pump. A client that stops reading
// long enough to fill the queue is cut off by the write deadline anyway.
func (s *Server) reply(conn *connection, frame *protocol.Frame) {
	if frame == nil {
		return
	}
	timer := time.NewTimer(s.settings.WriteTimeout)
	defer timer.Stop()
	select {
	case conn.replies <- *frame:
	case <-conn.session.Done():
	case <-timer.C:
		s.log.Warn("Reply dropped", "user_id", conn.userID, "type", frame.Type)
	}
}

// handleFrame runs one client frame and returns the frame to answer with,
// or nil when there is nothing to say.
func (s *Server) handleFrame(conn *connection, raw []byte) *protocol.Frame {
	frame, err := protocol.Decode(raw)
	if err != nil {
		return errorFrame("", err)
	}
	ctx, cancel := context.WithTimeout(conn.ctx, s.settings.RequestTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, conn.userID, frame)
	if err != nil {
		return errorFrame(frame.RequestID, err)
	}
	switch {
	case frame.Type == protocol.TypePing:
		return newFrame(protocol.TypePong, frame.RequestID, nil)
	case data == nil && frame.RequestID == "":
		return nil
	default:
		return newFrame(protocol.TypeAck, frame.RequestID, data)
	}
}

func (s *Server) dispatch(ctx context.Context, userID domain.UserID, frame protocol.Frame) (*protocol.Ack, error) {
	switch frame.Type {
	case protocol.TypeSend:
		var req protocol.SendRequest
		if err := frame.Payload(&req); err != nil {
			return nil, err
		}
		cmd, err := req.ToSendCommand(userID)
		if err != nil {
			return nil, err
		}
		msg, err := s.chat.Send(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return messageAck(msg), nil

	case protocol.TypeEdit:
		var req protocol.EditRequest
		if err := frame.Payload(&req); err != nil {
			return nil, err
		}
		msg, err := s.chat.Edit(ctx, domain.EditCommand{
			MessageID: domain.MessageID(req.MessageID),
			EditorID:  userID,
			Content:   req.Content,
		})
		if err != nil {
			return nil, err
		}
		return messageAck(msg), nil

	case protocol.TypeDelete:
		var req protocol.DeleteRequest
		if err := frame.Payload(&req); err != nil {
			return nil, err
		}
		msg, err := s.chat.Delete(ctx, domain.DeleteCommand{MessageID: domain.MessageID(req.MessageID), ActorID: userID})
		if err != nil {
			return nil, err
		}
		return messageAck(msg), nil

	case protocol.TypeMarkRead:
		var req protocol.MarkReadRequest
		if err := frame.Payload(&req); err != nil {
			return nil, err
		}
		receipt, err := s.chat.MarkRead(ctx, domain.MarkReadCommand{
			ConversationID: domain.ConversationID(req.ConversationID),
			UserID:         userID,
			UpToSequence:   req.UpToSequence,
		})
		if err != nil {
			return nil, err
		}
		r := protocol.FromReceipt(receipt)
		return &protocol.Ack{Receipt: &r}, nil

	case protocol.TypeSubscribe:
		var req protocol.SubscribeRequest
		if err := frame.Payload(&req); err != nil {
			return nil, err
		}
		maxSequence, err := s.chat.Subscribe(ctx, domain.ConversationID(req.ConversationID), userID)
		if err != nil {
			return nil, err
		}
		return &protocol.Ack{MaxSequence: &maxSequence}, nil

	case protocol.TypeTyping:
		var req protocol.TypingRequest
		if err := frame.Payload(&req); err != nil {
			return nil, err
		}
		return nil, s.chat.SetTyping(ctx, domain.TypingCommand{
			ConversationID: domain.ConversationID(req.ConversationID),
			UserID:         userID,
			IsTyping:       req.IsTyping,
		})

	case protocol.TypePing:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", errors.ErrInvalidRequest, frame.Type)
	}
}

func messageAck(msg domain.Message) *protocol.Ack {
	m := protocol.FromMessage(msg)
	return &protocol.Ack{Message: &m}
}

func errorFrame(requestID string, err error) *protocol.Frame {
	f := protocol.ErrorFrame(requestID, err)
	return &f
}

func newFrame(frameType, requestID string, data *protocol.Ack) *protocol.Frame {
	var payload any
	if data != nil {
		payload = data
	}
	f, err := protocol.NewFrame(frameType, requestID, payload)
	if err != nil {
		return errorFrame(requestID, err)
	}
	return &f
}
