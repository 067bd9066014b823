package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type createUserRequest struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

// createUser provisions a principal, or signs into an existing one. A brand
// new user gets the greeting chat and the initial memory seeded by the store.
func (s *Server) createUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	ctx := c.Request().Context()

	user, err := s.store.CreateOrGetUser(ctx, req.Name)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("Failed to create user")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create user")
	}

	if user.PasswordHash != "" {
		if CheckPassword(user.PasswordHash, req.Password) != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "wrong password")
		}
	} else if req.Password != "" {
		hash, err := HashPassword(req.Password)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to set password")
		}
		if err := s.store.SetUserPassword(ctx, user.ID, hash); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to set password")
		}
	}

	token, err := s.tokens.Issue(user.ID, user.Name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue token")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

// getChats returns the principal's full conversation, oldest first.
func (s *Server) getChats(c echo.Context) error {
	chats, err := s.store.ChatsOfUser(c.Request().Context(), userID(c))
	if err != nil {
		log.Error().Err(err).Str("user_id", userID(c)).Msg("Failed to load chats")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load chats")
	}
	return c.JSON(http.StatusOK, chats)
}

type postChatRequest struct {
	Content string `json:"content"`
}

// postChat accepts one inbound message and dispatches it asynchronously. The
// developer's replies arrive over the websocket, or in the chat log.
func (s *Server) postChat(c echo.Context) error {
	var req postChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	id := userID(c)

	// Dispatch outlives the request: classification and the follow-up round
	// trips can take far longer than an HTTP client is willing to wait.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := s.registry.Dispatch(ctx, id, req.Content); err != nil {
			log.Error().Err(err).Str("user_id", id).Msg("Failed to dispatch message")
		}
	}()

	return c.NoContent(http.StatusAccepted)
}

// openSink upgrades the request to a websocket and registers it as the
// principal's live chat channel. The read loop only watches for the close.
func (s *Server) openSink(c echo.Context) error {
	id := userID(c)

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", id).Msg("Failed to accept websocket")
		return nil
	}

	s.sinks.Register(id, conn)
	defer s.sinks.Unregister(id, conn)

	ctx := c.Request().Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != -1 {
				log.Debug().Str("user_id", id).Msg("Websocket closed by client")
			}
			return nil
		}
	}
}
