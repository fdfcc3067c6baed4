package xbigquery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

// The BigQuery sink uses the GCP BQ Go client API for its functionality.
// We're decoupling this API here on consumer side for full unit test capabilities.

type BigQueryClient interface {
	GetDatasetMetadata(ctx context.Context, datasetId string) (*bigquery.DatasetMetadata, DatasetTableStatus, error)
	GetTableMetadata(ctx context.Context, datasetId, tableId string) (*bigquery.TableMetadata, DatasetTableStatus, error)
	GetTableInserter(datasetId, tableId string) BigQueryInserter
}

// Concrete bq wrapper client as returned by NewBigQueryClient
type defaultBigQueryClient struct {
	client *bigquery.Client
}

func NewBigQueryClient(client *bigquery.Client) BigQueryClient {
	return &defaultBigQueryClient{client: client}
}

type DatasetTableStatus int

const (
	Unknown DatasetTableStatus = iota
	Existent
	NonExistent
)

func (b *defaultBigQueryClient) GetDatasetMetadata(ctx context.Context, datasetId string) (*bigquery.DatasetMetadata, DatasetTableStatus, error) {
	md, err := b.client.Dataset(datasetId).Metadata(ctx)
	return md, statusFrom(md != nil, err), err
}

func (b *defaultBigQueryClient) GetTableMetadata(ctx context.Context, datasetId, tableId string) (*bigquery.TableMetadata, DatasetTableStatus, error) {
	md, err := b.client.Dataset(datasetId).Table(tableId).Metadata(ctx)
	return md, statusFrom(md != nil, err), err
}

func (b *defaultBigQueryClient) GetTableInserter(datasetId, tableId string) BigQueryInserter {
	return b.client.Dataset(datasetId).Table(tableId).Inserter()
}

func statusFrom(found bool, err error) DatasetTableStatus {
	var e *googleapi.Error
	if errors.As(err, &e) && e.Code == http.StatusNotFound {
		return NonExistent
	}
	if found && err == nil {
		return Existent
	}
	return Unknown
}

type BigQueryInserter interface {
	Put(ctx context.Context, src any) error
}

// A context aware sleep func returning true if proper timeout after sleep and false if ctx canceled
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func probableTableUpdatingError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such field")
}
