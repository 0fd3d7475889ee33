package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/photoproc/api/middleware"
	"github.com/angelmondragon/photoproc/api/responses"
	"github.com/angelmondragon/photoproc/internal/delivery"
	"github.com/angelmondragon/photoproc/internal/processing"
	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
	"github.com/angelmondragon/photoproc/pkg/logger"
)

// DeliveryAttemptHeader lets a push proxy forward the redelivery counter.
const DeliveryAttemptHeader = "X-Delivery-Attempt"

// JobProcessor runs one decoded job.
type JobProcessor interface {
	Process(ctx context.Context, job delivery.Job) processing.Result
}

type pushMessage struct {
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes"`
	MessageID   string            `json:"messageId"`
	MessageIDv1 string            `json:"message_id"`
}

type pushEnvelope struct {
	Message         pushMessage `json:"message"`
	Subscription    string      `json:"subscription"`
	DeliveryAttempt *int        `json:"deliveryAttempt"`
}

// PubSubPush handles Pub/Sub push deliveries. A 2xx acknowledges the message
// and any other status asks Pub/Sub to redeliver it.
func PubSubPush(processor JobProcessor, maxBodyBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				logg.Error(ctx, "push envelope exceeds body limit", err)
				responses.WriteNoContent(w)
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeTransientDependency, err, "read push body"))
			return
		}

		var env pushEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			logg.Error(logg.WithField(ctx, "payload_len", len(body)), "dropping malformed push envelope", err)
			responses.WriteNoContent(w)
			return
		}

		messageID := env.Message.MessageID
		if messageID == "" {
			messageID = env.Message.MessageIDv1
		}
		ctx = logg.WithFields(ctx, map[string]any{
			"message_id":   messageID,
			"subscription": env.Subscription,
		})

		job, err := delivery.Decode(delivery.Inbound{
			Data:                  []byte(env.Message.Data),
			Attributes:            env.Message.Attributes,
			MessageID:             messageID,
			TransportAttempt:      delivery.ParseAttempt(strings.TrimSpace(r.Header.Get(DeliveryAttemptHeader))),
			EnvelopeAttempt:       env.DeliveryAttempt,
			FallbackCorrelationID: middleware.RequestIDFromContext(r.Context()),
		})
		if err != nil {
			logg.Error(ctx, "dropping malformed photo job", err)
			responses.WriteNoContent(w)
			return
		}

		res := processor.Process(ctx, job)
		if res.Ack() {
			responses.WriteNoContent(w)
			return
		}

		retryErr := res.Err
		if retryErr == nil {
			retryErr = errors.New("redelivery requested")
		}
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeTransientDependency, retryErr, "photo processing will be retried").
			WithReason(res.Reason))
	}
}
