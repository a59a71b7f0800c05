package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/backstage/services/relay/config"
	"example.com/backstage/services/relay/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexDeadletter indexes a deadlettered record for operator inspection.
// Only classification and forwarding-state fields are indexed; the raw
// payload stays inside the boundary.
func (c *ElasticClient) IndexDeadletter(ctx context.Context, rec *models.EventRecord) error {
	log.Info().Str("record_id", rec.ID.String()).Msg("indexing deadlettered record")

	doc := map[string]interface{}{
		"id":            rec.ID.String(),
		"tenant_id":     rec.TenantID.String(),
		"kind":          rec.Kind,
		"stage":         rec.Stage,
		"status":        rec.Status,
		"attempts":      rec.Attempts,
		"created_at":    rec.CreatedAt,
		"deadletter_at": rec.DeadletterAt,
	}
	if rec.CaseID != nil {
		doc["case_id"] = rec.CaseID.String()
	}
	if rec.ForwardError != nil {
		doc["forward_error"] = *rec.ForwardError
	}

	docJson, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal deadletter document")
	}

	// Prepare the index request
	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: rec.ID.String(),
		Body:       bytes.NewReader(docJson),
		Refresh:    "true",
	}

	// Execute the request
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	// Check for errors in the response
	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	return nil
}
