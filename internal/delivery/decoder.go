package delivery

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
)

const (
	AttrAttempt          = "attempt"
	AttrCorrelationID    = "correlationId"
	attrCorrelationSnake = "correlation_id"

	ReasonMalformedEnvelope = "malformed_envelope"
)

// Inbound is a transport-neutral view of one delivery.
type Inbound struct {
	Data       []byte
	Attributes map[string]string
	MessageID  string
	// TransportAttempt is the redelivery counter maintained by the transport.
	TransportAttempt *int
	// EnvelopeAttempt is an attempt number carried inside the envelope itself.
	EnvelopeAttempt *int
	// FallbackCorrelationID is used when the envelope carries none.
	FallbackCorrelationID string
}

// Job is the decoded unit of work.
type Job struct {
	PhotoID       int64  `json:"photoId" validate:"required,gt=0"`
	Attempt       int    `json:"attempt" validate:"required,gte=1"`
	DeliveryID    string `json:"deliveryId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type payload struct {
	PhotoID json.RawMessage `json:"photoId"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// Decode turns an inbound delivery into a Job. Every failure is a structural
// error: the same bytes will never decode on redelivery.
func Decode(in Inbound) (Job, error) {
	body, err := unwrapPayload(in.Data)
	if err != nil {
		return Job{}, structural(err, "undecodable payload")
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Job{}, structural(err, "payload is not a JSON object")
	}

	photoID, err := parsePhotoID(p.PhotoID)
	if err != nil {
		return Job{}, structural(err, "invalid photoId")
	}

	envelopeAttempt := in.EnvelopeAttempt
	if envelopeAttempt == nil {
		envelopeAttempt = ParseAttempt(in.Attributes[AttrAttempt])
	}

	job := Job{
		PhotoID:       photoID,
		Attempt:       ResolveAttempt(in.TransportAttempt, envelopeAttempt),
		DeliveryID:    strings.TrimSpace(in.MessageID),
		CorrelationID: correlationID(in),
	}
	if err := validate.Struct(job); err != nil {
		return Job{}, structural(err, "job validation failed")
	}
	return job, nil
}

// unwrapPayload accepts raw JSON or base64-encoded JSON.
func unwrapPayload(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload empty")
	}
	if trimmed[0] == '{' {
		return trimmed, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(string(trimmed)); err == nil {
			return bytes.TrimSpace(decoded), nil
		}
	}
	return nil, fmt.Errorf("payload is neither JSON nor base64")
}

func parsePhotoID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("photoId missing")
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
		text = strings.TrimSpace(text)
	}

	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("photoId %s is not an integer", raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("photoId %d must be positive", id)
	}
	return id, nil
}

func correlationID(in Inbound) string {
	for _, key := range []string{AttrCorrelationID, attrCorrelationSnake} {
		if v := strings.TrimSpace(in.Attributes[key]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(in.FallbackCorrelationID)
}

func structural(err error, msg string) error {
	return pkgerrors.Wrap(pkgerrors.CodeStructural, err, msg).WithReason(ReasonMalformedEnvelope)
}
