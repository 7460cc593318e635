package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/entity"
)

const defaultRemoteTimeout = 5 * time.Second

var errMissingBaseURL = errors.New("remote store base url is required")

// RemoteStore implements EntityStore against a remote record service over a
// generic request/response interface with a bearer credential and a bounded
// timeout. Field-name and schema translation stays on the remote side.
type RemoteStore struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// RemoteStoreConfig wires a RemoteStore.
type RemoteStoreConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
	Logger  *zap.Logger
}

// NewRemoteStore constructs a RemoteStore.
func NewRemoteStore(cfg RemoteStoreConfig) (*RemoteStore, error) {
	if cfg.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteStore{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  client,
		logger:  logger,
	}, nil
}

type remoteRecord struct {
	Key        string `json:"key"`
	Topic      string `json:"topic"`
	Version    int64  `json:"version"`
	Payload    string `json:"payload"`
	Lifecycle  string `json:"lifecycle"`
	LastWriter string `json:"last_writer"`
	UpdatedAt  int64  `json:"updated_at_s"`
	CreatedAt  int64  `json:"created_at_s"`
}

func toRemote(record entity.Entity) remoteRecord {
	return remoteRecord{
		Key:        record.Key,
		Topic:      record.Topic,
		Version:    record.Version,
		Payload:    record.PayloadJSON,
		Lifecycle:  string(record.Lifecycle),
		LastWriter: record.LastWriter,
		UpdatedAt:  record.UpdatedAtSeconds,
		CreatedAt:  record.CreatedAtSeconds,
	}
}

func fromRemote(record remoteRecord) entity.Entity {
	return entity.Entity{
		Key:              record.Key,
		Topic:            record.Topic,
		Version:          record.Version,
		PayloadJSON:      record.Payload,
		Lifecycle:        entity.LifecycleState(record.Lifecycle),
		LastWriter:       record.LastWriter,
		UpdatedAtSeconds: record.UpdatedAt,
		CreatedAtSeconds: record.CreatedAt,
	}
}

// Get fetches one entity by key.
func (s *RemoteStore) Get(ctx context.Context, key string) (*entity.Entity, error) {
	var record remoteRecord
	status, err := s.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(key), nil, &record)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	result := fromRemote(record)
	return &result, nil
}

// List fetches a filtered collection.
func (s *RemoteStore) List(ctx context.Context, filter Filter) ([]entity.Entity, error) {
	query := url.Values{}
	if filter.Topic != "" {
		query.Set("topic", filter.Topic)
	}
	if filter.IncludeDeleted {
		query.Set("include_deleted", "true")
	}
	if filter.MinVersion > 0 {
		query.Set("min_version", strconv.FormatInt(filter.MinVersion, 10))
	}
	path := "/entities"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var records []remoteRecord
	status, err := s.do(ctx, http.MethodGet, path, nil, &records)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	out := make([]entity.Entity, 0, len(records))
	for _, record := range records {
		out = append(out, fromRemote(record))
	}
	return out, nil
}

// Put performs a conditional write keyed on expectedVersion.
func (s *RemoteStore) Put(ctx context.Context, record entity.Entity, expectedVersion int64) error {
	body := struct {
		Record          remoteRecord `json:"record"`
		ExpectedVersion int64        `json:"expected_version"`
	}{Record: toRemote(record), ExpectedVersion: expectedVersion}

	status, err := s.do(ctx, http.MethodPut, "/entities/"+url.PathEscape(record.Key), body, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrVersionMismatch
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
}

// Delete soft-deletes by default, hard-deletes on request.
func (s *RemoteStore) Delete(ctx context.Context, key string, hard bool, expectedVersion int64) error {
	query := url.Values{}
	if hard {
		query.Set("hard", "true")
	}
	query.Set("expected_version", strconv.FormatInt(expectedVersion, 10))
	path := "/entities/" + url.PathEscape(key) + "?" + query.Encode()

	status, err := s.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrVersionMismatch
	case http.StatusForbidden:
		return ErrIllegalDelete
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
}

// AppendAudit records one accepted change.
func (s *RemoteStore) AppendAudit(ctx context.Context, record entity.AuditRecord) error {
	status, err := s.do(ctx, http.MethodPost, "/audit", record, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return nil
}

// MaxVersion reports the highest committed version.
func (s *RemoteStore) MaxVersion(ctx context.Context) (int64, error) {
	var out struct {
		MaxVersion int64 `json:"max_version"`
	}
	status, err := s.do(ctx, http.MethodGet, "/entities/max-version", nil, &out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return out.MaxVersion, nil
}

func (s *RemoteStore) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	request, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := s.client.Do(request)
	if err != nil {
		s.logger.Warn("remote store request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if out != nil && response.StatusCode < 300 {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return response.StatusCode, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return response.StatusCode, nil
}

var _ EntityStore = (*RemoteStore)(nil)
