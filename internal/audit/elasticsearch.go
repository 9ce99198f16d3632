// Package audit forwards download events and pass lifecycle changes to the
// systems that review them.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"entitlement-delivery/internal/common/logger"
	"entitlement-delivery/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
)

const downloadEventMapping = `{
	"mappings": {
		"properties": {
			"tokenId":     {"type": "keyword"},
			"principalId": {"type": "keyword"},
			"productId":   {"type": "keyword"},
			"fileKey":     {"type": "keyword"},
			"occurredAt":  {"type": "date"},
			"clientIp":    {"type": "keyword"},
			"userAgent":   {"type": "text"},
			"bytesServed": {"type": "long"},
			"anomalous":   {"type": "boolean"}
		}
	}
}`

// ElasticsearchSink indexes each download event as its own document, keyed by
// event id so a retried write overwrites rather than duplicates.
type ElasticsearchSink struct {
	client  *elasticsearch.Client
	index   string
	timeout time.Duration
	logger  logger.Logger
}

func NewElasticsearchSink(client *elasticsearch.Client, index string, log logger.Logger) *ElasticsearchSink {
	return &ElasticsearchSink{
		client:  client,
		index:   index,
		timeout: 2 * time.Second,
		logger:  log.WithFields(map[string]interface{}{"component": "audit-es", "index": index}),
	}
}

func (s *ElasticsearchSink) Record(ctx context.Context, ev models.DownloadEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal download event: %w", err)
	}

	res, err := s.client.Index(s.index, bytes.NewReader(body),
		s.client.Index.WithDocumentID(ev.ID),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index download event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("index download event: %s: %s", res.Status(), strings.TrimSpace(string(msg)))
	}
	return nil
}

// EnsureIndex creates the audit index with its mapping if it does not exist.
func (s *ElasticsearchSink) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check audit index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	res, err = s.client.Indices.Create(s.index,
		s.client.Indices.Create.WithBody(strings.NewReader(downloadEventMapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create audit index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 400 {
		return fmt.Errorf("create audit index: %s", res.Status())
	}

	s.logger.Info("audit index ready", nil)
	return nil
}
