// Package xbigquery provides a sink streaming chain outputs into BigQuery tables. The output
// table name is the BigQuery table id, in the dataset given by the destination sink config.
package xbigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
	"google.golang.org/api/googleapi"
)

const TableUpdateBackoffTime = 8 * time.Second

var ErrTableNotFound = errors.New("table does not exist")

var log *logger.Log

func init() {
	log = logger.New()
}

type Sink struct {
	id      string
	spec    *entity.DestinationSpec
	dataset string
	client  BigQueryClient

	mu        sync.Mutex
	inserters map[string]BigQueryInserter
}

func NewSink(ctx context.Context, spec *entity.DestinationSpec, id string, client BigQueryClient) (*Sink, error) {

	if client == nil {
		return nil, errors.New("invalid arguments, BigQueryClient cannot be nil")
	}
	s := &Sink{
		id:        id,
		spec:      spec,
		client:    client,
		inserters: make(map[string]BigQueryInserter),
	}
	if spec.Sink.Config == nil || spec.Sink.Config.Dataset == "" {
		return nil, fmt.Errorf(s.lgprfx()+"no BigQuery dataset specified for destination %s", spec.Id)
	}
	s.dataset = spec.Sink.Config.Dataset

	_, status, err := client.GetDatasetMetadata(ctx, s.dataset)
	switch status {
	case Existent:
		return s, nil
	case NonExistent:
		return nil, fmt.Errorf(s.lgprfx()+"dataset %s does not exist", s.dataset)
	default:
		return nil, err
	}
}

func (s *Sink) Load(ctx context.Context, data []*entity.Output) (string, error, bool) {

	if len(data) == 0 || data[0] == nil {
		return "", errors.New("load called without data to load"), false
	}

	rowsPerTable := make(map[string][]*Row)
	var order []string
	for _, output := range data {
		row, err := NewRow(output)
		if err != nil {
			return "", err, false // corrupt payload, retrying won't help
		}
		if _, ok := rowsPerTable[output.Table]; !ok {
			order = append(order, output.Table)
		}
		rowsPerTable[output.Table] = append(rowsPerTable[output.Table], row)
	}

	for _, table := range order {
		inserter, err := s.inserter(ctx, table)
		if err != nil {
			return "", err, !errors.Is(err, ErrTableNotFound) && retryable(err)
		}

		err = inserter.Put(ctx, rowsPerTable[table])
		if err == nil {
			if s.spec.Ops.LogEventData {
				log.Debugf(s.lgprfx()+"successfully inserted %d rows to BigQuery table %s", len(rowsPerTable[table]), table)
			}
			continue
		}

		if probableTableUpdatingError(err) {
			// New columns can take a while before BQ accepts inserts to them
			log.Warnf(s.lgprfx()+"BQ table %s probably not ready after table update, backing off (err: %v)", table, err)
			if !sleepCtx(ctx, TableUpdateBackoffTime) {
				return "", entity.ErrEntityShutdownRequested, false
			}
			return "", err, true
		}
		err = classify(err)
		return "", err, retryable(err)
	}
	return "", nil, false
}

func (s *Sink) Shutdown(ctx context.Context) {}

// inserter returns the inserter for a table, checking it exists on first use.
func (s *Sink) inserter(ctx context.Context, table string) (BigQueryInserter, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	if ins, ok := s.inserters[table]; ok {
		return ins, nil
	}

	_, status, err := s.client.GetTableMetadata(ctx, s.dataset, table)
	switch status {
	case Existent:
	case NonExistent:
		return nil, fmt.Errorf(s.lgprfx()+"%w: %s.%s", ErrTableNotFound, s.dataset, table)
	default:
		return nil, classify(err)
	}

	ins := s.client.GetTableInserter(s.dataset, table)
	s.inserters[table] = ins
	return ins, nil
}

func (s *Sink) lgprfx() string {
	return "[xbigquery.sink:" + s.id + "] "
}

// classify turns googleapi errors into HTTPError faults, keeping the status and body for
// operator display.
func classify(err error) error {
	var e *googleapi.Error
	if errors.As(err, &e) {
		return fault.NewHTTPError(e.Message, e.Code, e.Body)
	}
	return err
}

func retryable(err error) bool {
	var httpErr *fault.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= http.StatusInternalServerError ||
			httpErr.Status == http.StatusTooManyRequests ||
			httpErr.Status == http.StatusRequestTimeout
	}
	var multi bigquery.PutMultiError
	return !errors.As(err, &multi)
}

// Row is a single BigQuery row created from a chain output payload.
type Row struct {
	InsertId string
	values   map[string]bigquery.Value
}

func NewRow(output *entity.Output) (*Row, error) {
	var values map[string]bigquery.Value
	if err := json.Unmarshal(output.Payload, &values); err != nil {
		return nil, fmt.Errorf("output payload for table %s is not a JSON object: %w", output.Table, err)
	}
	r := &Row{InsertId: bigquery.NoDedupeID, values: values}
	if len(output.Key) > 0 {
		r.InsertId = string(output.Key)
	}
	return r, nil
}

// Save is required for implementing the BigQuery ValueSaver interface, as used by the bigquery.Inserter
func (r *Row) Save() (map[string]bigquery.Value, string, error) {
	return r.values, r.InsertId, nil
}
