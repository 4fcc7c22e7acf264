package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/wabridge/internal/auth"
	"github.com/danmuck/wabridge/internal/delivery"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/gin-gonic/gin"
)

const missingDestination = "destination phone not specified"

// Forwarder is the slice of *delivery.Proxy served over HTTP.
type Forwarder interface {
	Forward(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// RegisterRelayRoutes serves the retrying relay. A forward keeps running
// when the client disconnects so exhaustion is still escalated.
func RegisterRelayRoutes(r gin.IRouter, fwd Forwarder, started time.Time, v auth.Validator) {
	registerCommon(r, "relay", started)
	api := r.Group("/", auth.Require(v))

	api.POST("/sendMessage", func(c *gin.Context) {
		to, payload, opts, err := decodeSendBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if to == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": missingDestination})
			return
		}

		req := delivery.Request{
			ID:      observability.RequestIDFrom(c),
			To:      to,
			Payload: payload,
			Options: opts,
		}
		res, err := fwd.Forward(context.WithoutCancel(c.Request.Context()), req)
		if err == nil {
			writeResult(c, res)
			return
		}

		var (
			exhausted *delivery.ExhaustedError
			statusErr *delivery.StatusError
		)
		switch {
		case errors.Is(err, delivery.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &exhausted) && exhausted.Result != nil:
			writeResult(c, *exhausted.Result)
		case errors.As(err, &exhausted):
			c.String(http.StatusInternalServerError, "proxy error: "+errText(exhausted.Last))
		case errors.As(err, &statusErr):
			writeResult(c, statusErr.Result())
		default:
			c.String(http.StatusInternalServerError, "proxy error: "+err.Error())
		}
	})
}

func writeResult(c *gin.Context, res delivery.Result) {
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(res.Status, contentType, res.Body)
}

func errText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
