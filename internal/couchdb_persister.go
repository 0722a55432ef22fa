package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
	"github.com/lychee-technology/couchodm"
	"go.uber.org/zap"
)

// CouchDBPersister talks to one CouchDB database through kivik.
type CouchDBPersister struct {
	client     *kivik.Client
	db         *kivik.DB
	httpClient *http.Client
	serverURL  string
	username   string
	password   string
	logger     *zap.SugaredLogger
}

// NewCouchDBPersister connects to cfg.URL and opens cfg.Database, creating it
// when cfg.CreateIfMissing is set.
func NewCouchDBPersister(ctx context.Context, cfg couchodm.CouchDBConfig, logger *zap.Logger) (*CouchDBPersister, error) {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.URL == "" || cfg.Database == "" {
		return nil, fmt.Errorf("couchdb url and database are required")
	}

	dsn, err := couchDSN(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create couchdb client: %w", err)
	}

	if cfg.CreateIfMissing {
		exists, err := client.DBExists(ctx, cfg.Database)
		if err != nil {
			_ = client.Close()
			return nil, couchodm.NewTransportError("failed to check database", err)
		}
		if !exists {
			if err := client.CreateDB(ctx, cfg.Database); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
				_ = client.Close()
				return nil, couchodm.NewTransportError("failed to create database", err)
			}
			logger.Sugar().Infow("created couchdb database", "database", cfg.Database)
		}
	}

	db := client.DB(cfg.Database)
	if err := db.Err(); err != nil {
		_ = client.Close()
		return nil, couchodm.NewTransportError("failed to open database", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CouchDBPersister{
		client:     client,
		db:         db,
		httpClient: &http.Client{Timeout: timeout},
		serverURL:  strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		logger:     logger.Sugar().Named("couchdb"),
	}, nil
}

func couchDSN(cfg couchodm.CouchDBConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid couchdb url: %w", err)
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String(), nil
}

// Close releases the underlying client.
func (p *CouchDBPersister) Close() error {
	return p.client.Close()
}

// BulkSubmit sends ops to _bulk_docs. Conflicted results carry the current
// server body, fetched with one GET per conflicted document.
func (p *CouchDBPersister) BulkSubmit(ctx context.Context, ops []couchodm.Operation) ([]couchodm.OperationResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	docs := make([]interface{}, len(ops))
	for i, op := range ops {
		docs[i] = op.Body
	}

	bulk, err := p.db.BulkDocs(ctx, docs)
	if err != nil {
		return nil, couchodm.NewTransportError("bulk request failed", err)
	}

	results := make([]couchodm.OperationResult, len(bulk))
	for i, r := range bulk {
		res := couchodm.OperationResult{ID: r.ID}
		switch {
		case r.Error == nil:
			res.Outcome = couchodm.OutcomeOK
			res.Revision = r.Rev
		case kivik.HTTPStatus(r.Error) == http.StatusConflict:
			res.Outcome = couchodm.OutcomeConflict
			res.Reason = r.Error.Error()
			body, err := p.fetchRaw(ctx, r.ID)
			if err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
				p.logger.Warnw("cannot fetch server body of conflicted document", "id", r.ID, "error", err)
			}
			res.ServerBody = body
		default:
			res.Outcome = couchodm.OutcomeError
			res.Reason = r.Error.Error()
		}
		results[i] = res
	}
	return results, nil
}

// Fetch returns the current body of id.
func (p *CouchDBPersister) Fetch(ctx context.Context, id string) (map[string]any, error) {
	body, err := p.fetchRaw(ctx, id)
	if err != nil {
		if _, ok := couchodm.AsODMError(err); ok {
			return nil, err
		}
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, couchodm.NewDocumentNotFoundError("", id)
		}
		return nil, couchodm.NewTransportError("failed to fetch document", err).WithDetail("id", id)
	}
	return body, nil
}

// fetchRaw decodes numbers as json.Number so large integers keep their
// precision on the way to hydration.
func (p *CouchDBPersister) fetchRaw(ctx context.Context, id string) (map[string]any, error) {
	var raw json.RawMessage
	if err := p.db.Get(ctx, id).ScanDoc(&raw); err != nil {
		return nil, err
	}
	decoded, err := decodeJSON(raw)
	if err != nil {
		return nil, couchodm.NewMalformedResponseError("document body is not valid JSON").WithDetail("id", id).WithCause(err)
	}
	body, ok := decoded.(map[string]any)
	if !ok {
		return nil, couchodm.NewMalformedResponseError("document body is not a JSON object").WithDetail("id", id)
	}
	return body, nil
}

type uuidsResponse struct {
	UUIDs []string `json:"uuids"`
}

// AllocateIdentifiers asks the server's /_uuids endpoint for count ids.
func (p *CouchDBPersister) AllocateIdentifiers(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	endpoint := p.serverURL + "/_uuids?count=" + strconv.Itoa(count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build uuids request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, couchodm.NewTransportError("uuids request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, couchodm.NewTransportError("uuids request failed", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var out uuidsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, couchodm.NewMalformedResponseError("cannot decode uuids response").WithCause(err)
	}
	if len(out.UUIDs) != count {
		return nil, couchodm.NewMalformedResponseError("uuids response has the wrong count").
			WithDetail("expected", count).
			WithDetail("actual", len(out.UUIDs))
	}
	return out.UUIDs, nil
}
