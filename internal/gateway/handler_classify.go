package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/internal/broker"
	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/internal/metrics"
	"github.com/crowdclass/elastictier/pkg/types"
)

// ClassifyHandler bridges an inbound upload to the asynchronous worker
// pool: it stores the payload, enqueues a job descriptor, and blocks on
// the broker until the correlated reply arrives or the timeout elapses.
type ClassifyHandler struct {
	jobs          cloud.Queue
	store         cloud.ObjectStore
	broker        *broker.Broker
	inputBucket   string
	resultTimeout time.Duration
}

// NewClassifyHandler creates the classify handler.
func NewClassifyHandler(jobs cloud.Queue, store cloud.ObjectStore, b *broker.Broker, inputBucket string, resultTimeout time.Duration) *ClassifyHandler {
	return &ClassifyHandler{
		jobs:          jobs,
		store:         store,
		broker:        b,
		inputBucket:   inputBucket,
		resultTimeout: resultTimeout,
	}
}

// Classify handles POST / with a single "inputFile" multipart payload.
// The response is plain text "<file_name>:<result>".
func (h *ClassifyHandler) Classify(c echo.Context) error {
	start := time.Now()
	reqID := types.GenerateRequestID()

	fileHeader, err := c.FormFile("inputFile")
	if err != nil {
		metrics.Classifications.WithLabelValues("error").Inc()
		return ErrorBadRequest(c, "No file uploaded")
	}
	if fileHeader.Filename == "" {
		metrics.Classifications.WithLabelValues("error").Inc()
		return ErrorBadRequest(c, "No selected file")
	}

	file, err := fileHeader.Open()
	if err != nil {
		metrics.Classifications.WithLabelValues("error").Inc()
		return ErrorBadRequest(c, "Unreadable file upload")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		metrics.Classifications.WithLabelValues("error").Inc()
		return ErrorBadRequest(c, "Unreadable file upload")
	}

	ctx := c.Request().Context()
	fileName := fileHeader.Filename

	if err := h.store.Put(ctx, h.inputBucket, fileName, content); err != nil {
		metrics.Classifications.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("reqId", reqID).Str("file", fileName).Msg("gateway: input upload failed")
		return ErrorInternal(c, "Error uploading file")
	}

	body, err := json.Marshal(types.JobDescriptor{FileName: fileName})
	if err != nil {
		metrics.Classifications.WithLabelValues("error").Inc()
		return ErrorInternal(c, "Error encoding job")
	}

	messageID, err := h.jobs.Send(ctx, string(body))
	if err != nil {
		metrics.Classifications.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("reqId", reqID).Str("file", fileName).Msg("gateway: job enqueue failed")
		return ErrorInternal(c, "Error sending message")
	}

	pending, err := h.broker.Register(messageID)
	if err != nil {
		metrics.Classifications.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("reqId", reqID).Str("correlationId", messageID).Msg("gateway: correlation register failed")
		return ErrorInternal(c, "Error registering request")
	}

	log.Info().Str("reqId", reqID).Str("file", fileName).Str("correlationId", messageID).Msg("gateway: job enqueued; awaiting reply")

	result, err := h.broker.Await(ctx, pending, h.resultTimeout)
	if err != nil {
		if errors.Is(err, broker.ErrTimeout) {
			metrics.Classifications.WithLabelValues("timeout").Inc()
			log.Warn().Str("reqId", reqID).Str("correlationId", messageID).Dur("waited", time.Since(start)).Msg("gateway: reply timed out")
			return ErrorGatewayTimeout(c, "Timed out waiting for classification result")
		}
		metrics.Classifications.WithLabelValues("error").Inc()
		return ErrorInternal(c, "Error awaiting result")
	}

	metrics.Classifications.WithLabelValues("ok").Inc()
	metrics.ClassifyDuration.Observe(time.Since(start).Seconds())

	reply := types.ReplyMessage{MessageID: messageID, ResultImage: result}
	return c.String(http.StatusOK, fmt.Sprintf("%s:%s", fileName, reply.Result()))
}
