package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/auth"
	"github.com/danmuck/wabridge/internal/delivery"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Gateway is the slice of *session.Manager served over HTTP.
type Gateway interface {
	SendMessage(ctx context.Context, destination string, payload any, opts session.SendOptions) (session.DeliveryResult, error)
	SendPresenceUpdate(ctx context.Context, status session.Presence, id string) error
	State() session.State
}

type presenceRequest struct {
	Type session.Presence `json:"type"`
	To   string           `json:"to"`
}

// RegisterGatewayRoutes serves a live session: sends, presence, status and
// the common health and metrics endpoints. When fwd is non-nil sends go
// through it instead of straight to gw. A non-nil v guards everything
// except health and metrics.
func RegisterGatewayRoutes(r gin.IRouter, gw Gateway, fwd Forwarder, started time.Time, v auth.Validator) {
	registerCommon(r, "gateway", started)
	api := r.Group("/", auth.Require(v))

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gw.State())
	})

	api.POST("/sendMessage", func(c *gin.Context) {
		to, payload, opts, err := decodeSendBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if fwd != nil {
			req := delivery.Request{
				ID:      observability.RequestIDFrom(c),
				To:      to,
				Payload: payload,
				Options: opts,
			}
			res, err := fwd.Forward(context.WithoutCancel(c.Request.Context()), req)
			if err != nil {
				respondSessionError(c, err)
				return
			}
			writeResult(c, res)
			return
		}
		res, err := gw.SendMessage(c.Request.Context(), to, payload, opts)
		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, delivery.SendResponse{Status: "sent", ID: res.ID, To: res.RemoteJID})
	})

	api.POST("/presence", func(c *gin.Context) {
		var req presenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := gw.SendPresenceUpdate(c.Request.Context(), req.Type, req.To); err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// decodeSendBody splits {to, options?, ...payload} into its parts.
func decodeSendBody(c *gin.Context) (string, map[string]any, session.SendOptions, error) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		return "", nil, session.SendOptions{}, errors.New("body must be a JSON object")
	}
	to, _ := body["to"].(string)
	delete(body, "to")

	var opts session.SendOptions
	if raw, ok := body["options"].(map[string]any); ok {
		opts.QuotedID, _ = raw["quotedId"].(string)
		delete(body, "options")
	}
	return strings.TrimSpace(to), body, opts, nil
}

func respondSessionError(c *gin.Context, err error) {
	var (
		notFound *session.RecipientNotFoundError
		protoErr *session.ProtocolError
	)
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "id": notFound.ID})
	case errors.Is(err, session.ErrDisconnected), errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &protoErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"code":   protoErr.Code,
			"reason": protoErr.Reason,
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("gateway_send_failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
