package mqttbroker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/banchen21/esp32c3-oled/internal/credential"
	"github.com/banchen21/esp32c3-oled/internal/model"
	"github.com/banchen21/esp32c3-oled/internal/telemetry"
)

const (
	replyCodeOK         = 200
	replyCodeBadRequest = 400
	methodPropertyPost  = "thing.event.property.post"
)

// KeyAuthenticator accepts clients whose username is "<clientID>&<productID>" and whose
// password is the HMAC credential derived from key.
func KeyAuthenticator(key []byte) Authenticator {
	return func(clientID, username, password string) bool {
		if !strings.HasPrefix(username, clientID+credential.Separator) {
			return false
		}
		return credential.Verify(key, username, password)
	}
}

// OwnTopicsOnly lets a client subscribe only to reply topics carrying its own client id.
func OwnTopicsOnly() SubscribeFilter {
	return func(clientID, topic string) bool {
		return strings.HasPrefix(topic, "/sys/"+clientID+"/") && strings.HasSuffix(topic, "/thing/property/post_reply")
	}
}

// PropertyAcker answers every property post that requests an acknowledgement with a
// reply on the matching post_reply topic. next, when set, also receives every message.
func PropertyAcker(b *Broker, logger *slog.Logger, next Handler) Handler {
	return func(ctx context.Context, msg PublishMessage) {
		if next != nil {
			next(ctx, msg)
		}

		clientID, productID, ok := telemetry.ParsePostTopic(msg.Topic)
		if !ok {
			return
		}

		reply := model.Reply{
			Code:    replyCodeOK,
			Message: "success",
			Method:  methodPropertyPost,
			Version: model.PayloadVersion,
			Data:    map[string]any{},
		}

		var post model.Payload
		if err := json.Unmarshal(msg.Payload, &post); err != nil {
			logger.Warn("property post decode failed", "topic", msg.Topic, "error", err)
			reply.Code = replyCodeBadRequest
			reply.Message = "request parameter error"
		} else {
			reply.ID = post.ID
			if !post.Sys.Ack {
				return
			}
			logger.Info("property post received", "client", clientID, "product", productID, "id", post.ID, "params", len(post.Params))
		}

		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error("encode reply failed", "error", err)
			return
		}
		if err := b.Publish(telemetry.ReplyTopic(clientID, productID), data); err != nil {
			logger.Warn("publish reply failed", "topic", msg.Topic, "error", err)
		}
	}
}
