// Package rest is the request/response fallback. It calls the same chat
// service as the push gateway, so both fronts see the same state.
package rest

import (
	"context"
	stderrors "errors"
	"log/slog"
	"market-chat/auth"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/observability"
	"market-chat/protocol"
	"market-chat/repositories"
	"market-chat/services"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"
)

// StatsSource serves the latest metrics snapshot.
type StatsSource interface {
	GetLatest() observability.ChatStats
}

// Inspector dumps raw store entries. Only the badger store has one.
type Inspector interface {
	Inspect(prefix string, limit int) ([]repositories.InspectRow, error)
}

type Settings struct {
	OperatorKeyHash string
	Readiness       func(ctx context.Context) error
	Stats           StatsSource
	Inspector       Inspector
	MaxBodySize     string
}

type Server struct {
	log      *slog.Logger
	echo     *echo.Echo
	chat     services.IChatService
	settings Settings
}

func NewServer(log *slog.Logger, chat services.IChatService, verifier contract.Verifier, settings Settings) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(log)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("Request",
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency", v.Latency,
				"error", v.Error,
			)
			return nil
		},
	}))
	if settings.MaxBodySize != "" {
		e.Use(middleware.BodyLimit(settings.MaxBodySize))
	}

	s := &Server{log: log, echo: e, chat: chat, settings: settings}

	e.GET("/health", s.health)

	operator := e.Group("", auth.OperatorOnly(settings.OperatorKeyHash))
	operator.GET("/stats", s.stats)
	operator.GET("/debug/inspect", s.inspect)

	v1 := e.Group("/v1", auth.Middleware(verifier))
	v1.POST("/messages", s.send)
	v1.PUT("/messages", s.edit)
	v1.DELETE("/messages/:messageId", s.delete)
	v1.GET("/history", s.history)
	v1.POST("/read", s.markRead)
	v1.POST("/typing", s.typing)
	v1.GET("/unread", s.unread)
	v1.GET("/presence/:userId", s.presence)

	v1.GET("/conversations", s.listConversations)
	v1.POST("/conversations/private", s.createPrivate)
	v1.POST("/conversations/group", s.createGroup)
	v1.POST("/conversations/inquiry", s.createInquiry)
	v1.GET("/conversations/:id", s.getConversation)
	v1.PUT("/conversations/:id", s.renameGroup)
	v1.GET("/conversations/:id/participants", s.participants)
	v1.POST("/conversations/:id/participants", s.addParticipant)
	v1.DELETE("/conversations/:id/participants/:userId", s.removeParticipant)
	v1.POST("/conversations/:id/leave", s.leave)
	v1.PUT("/conversations/:id/mute", s.mute)

	return s
}

// Echo lets the push gateway mount its route on the same listener.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start(address string) error {
	s.log.Info("HTTP server listening", "address", address)
	if err := s.echo.Start(address); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// bind decodes the JSON body into v and validates it.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return bindError(err)
	}
	return protocol.Validate(v)
}

func conversationID(c echo.Context) domain.ConversationID {
	return domain.ConversationID(c.Param("id"))
}

func (s *Server) health(c echo.Context) error {
	if s.settings.Readiness != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.settings.Readiness(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(c echo.Context) error {
	if s.settings.Stats == nil {
		return echo.ErrNotFound
	}
	return c.JSON(http.StatusOK, s.settings.Stats.GetLatest())
}

func (s *Server) inspect(c echo.Context) error {
	if s.settings.Inspector == nil {
		return echo.ErrNotFound
	}
	prefix := c.QueryParam("prefix")
	if prefix == "" {
		prefix = "conv:"
	}
	var limit int
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return bindError(err)
	}
	rows, err := s.settings.Inspector.Inspect(prefix, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) send(c echo.Context) error {
	var req protocol.SendRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	cmd, err := req.ToSendCommand(auth.UserID(c))
	if err != nil {
		return err
	}
	msg, err := s.chat.Send(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, protocol.FromMessage(msg))
}

func (s *Server) edit(c echo.Context) error {
	var req protocol.EditRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	msg, err := s.chat.Edit(c.Request().Context(), domain.EditCommand{
		MessageID: domain.MessageID(req.MessageID),
		EditorID:  auth.UserID(c),
		Content:   req.Content,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromMessage(msg))
}

func (s *Server) delete(c echo.Context) error {
	msg, err := s.chat.Delete(c.Request().Context(), domain.DeleteCommand{
		MessageID: domain.MessageID(c.Param("messageId")),
		ActorID:   auth.UserID(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromMessage(msg))
}

func (s *Server) history(c echo.Context) error {
	query := domain.HistoryQuery{
		ConversationID: domain.ConversationID(c.QueryParam("conversationId")),
		UserID:         auth.UserID(c),
	}
	err := echo.QueryParamsBinder(c).
		Int64("afterSequence", &query.AfterSequence).
		Int("pageSize", &query.PageSize).
		BindError()
	if err != nil {
		return bindError(err)
	}
	if query.ConversationID == "" {
		return bindError(stderrors.New("conversationId is required"))
	}
	page, err := s.chat.History(c.Request().Context(), query)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromHistory(page))
}

func (s *Server) markRead(c echo.Context) error {
	var req protocol.MarkReadRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	receipt, err := s.chat.MarkRead(c.Request().Context(), domain.MarkReadCommand{
		ConversationID: domain.ConversationID(req.ConversationID),
		UserID:         auth.UserID(c),
		UpToSequence:   req.UpToSequence,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromReceipt(receipt))
}

func (s *Server) typing(c echo.Context) error {
	var req protocol.TypingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	err := s.chat.SetTyping(c.Request().Context(), domain.TypingCommand{
		ConversationID: domain.ConversationID(req.ConversationID),
		UserID:         auth.UserID(c),
		IsTyping:       req.IsTyping,
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) unread(c echo.Context) error {
	summary, err := s.chat.UnreadCounts(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromUnread(summary))
}

func (s *Server) presence(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.FromPresence(s.chat.Presence(domain.UserID(c.Param("userId")))))
}

func (s *Server) listConversations(c echo.Context) error {
	summaries, err := s.chat.ListConversations(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lo.Map(summaries, func(sum domain.ConversationSummary, _ int) protocol.ConversationSummary {
		return protocol.FromSummary(sum)
	}))
}

func (s *Server) createPrivate(c echo.Context) error {
	var req protocol.CreatePrivateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := s.chat.CreatePrivate(c.Request().Context(), auth.UserID(c), domain.UserID(req.UserID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromConversation(conv))
}

func (s *Server) createGroup(c echo.Context) error {
	var req protocol.CreateGroupRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := s.chat.CreateGroup(c.Request().Context(), domain.CreateGroupCommand{
		CreatorID: auth.UserID(c),
		ParticipantIDs: lo.Map(req.ParticipantIDs, func(id string, _ int) domain.UserID {
			return domain.UserID(id)
		}),
		Name: req.Name,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, protocol.FromConversation(conv))
}

func (s *Server) createInquiry(c echo.Context) error {
	var req protocol.CreateInquiryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := s.chat.CreateListingInquiry(c.Request().Context(), domain.CreateInquiryCommand{
		BuyerID:        auth.UserID(c),
		SellerID:       domain.UserID(req.SellerID),
		ListingID:      domain.ListingID(req.ListingID),
		OpeningMessage: req.OpeningMessage,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromConversation(conv))
}

func (s *Server) getConversation(c echo.Context) error {
	conv, err := s.chat.GetConversation(c.Request().Context(), conversationID(c), auth.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromConversation(conv))
}

func (s *Server) renameGroup(c echo.Context) error {
	var req protocol.RenameGroupRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conv, err := s.chat.RenameGroup(c.Request().Context(), conversationID(c), auth.UserID(c), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, protocol.FromConversation(conv))
}

func (s *Server) participants(c echo.Context) error {
	participants, err := s.chat.Participants(c.Request().Context(), conversationID(c), auth.UserID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lo.Map(participants, func(p domain.Participant, _ int) protocol.Participant {
		return protocol.FromParticipant(p)
	}))
}

func (s *Server) addParticipant(c echo.Context) error {
	var req protocol.AddParticipantRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := s.chat.AddParticipant(c.Request().Context(), conversationID(c), auth.UserID(c), domain.UserID(req.UserID))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, protocol.FromParticipant(p))
}

func (s *Server) removeParticipant(c echo.Context) error {
	err := s.chat.RemoveParticipant(c.Request().Context(), conversationID(c), auth.UserID(c), domain.UserID(c.Param("userId")))
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) leave(c echo.Context) error {
	if err := s.chat.Leave(c.Request().Context(), conversationID(c), auth.UserID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) mute(c echo.Context) error {
	var req protocol.MuteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.chat.SetMuted(c.Request().Context(), conversationID(c), auth.UserID(c), req.Muted); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
