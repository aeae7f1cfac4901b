package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderTopic     = "X-Webhook-Topic"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Dispatcher delivers signed event payloads to subscriber endpoints.
// Signature: hex(HMAC-SHA256(secret, timestamp + "." + body)) so receivers
// can verify both integrity and freshness.
type Dispatcher struct {
	endpoints []string
	secret    []byte
	client    *http.Client
	log       *logrus.Entry
}

type Options struct {
	// Endpoints is a comma-separated list of subscriber URLs.
	Endpoints     string
	SigningSecret string
	Timeout       time.Duration
	Logger        *logrus.Entry
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.SigningSecret == "" {
		return nil, fmt.Errorf("webhooks: signing secret is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		opts.Logger = logrus.NewEntry(l)
	}

	var endpoints []string
	for _, raw := range strings.Split(opts.Endpoints, ",") {
		if url := strings.TrimSpace(raw); url != "" {
			endpoints = append(endpoints, url)
		}
	}

	return &Dispatcher{
		endpoints: endpoints,
		secret:    []byte(opts.SigningSecret),
		client:    &http.Client{Timeout: opts.Timeout},
		log:       opts.Logger,
	}, nil
}

func (d *Dispatcher) Endpoints() []string {
	return d.endpoints
}

// Deliver posts the payload to every endpoint. A failed endpoint does not
// block the others; the first error is returned so the caller can retry the
// whole delivery (receivers dedupe on event ID).
func (d *Dispatcher) Deliver(ctx context.Context, topic string, eventID uuid.UUID, payload []byte) error {
	var firstErr error
	now := strconv.FormatInt(time.Now().Unix(), 10)
	signature := d.Sign(now, payload)

	for _, endpoint := range d.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEventID, eventID.String())
		req.Header.Set(HeaderTopic, topic)
		req.Header.Set(HeaderTimestamp, now)

		resp, err := d.client.Do(req)
		if err != nil {
			d.log.WithError(err).WithField("endpoint", endpoint).Warn("webhooks: delivery failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			err := fmt.Errorf("webhooks: endpoint %s returned %d", endpoint, resp.StatusCode)
			d.log.WithField("endpoint", endpoint).WithField("status", resp.StatusCode).Warn("webhooks: delivery rejected")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Dispatcher) Sign(timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
