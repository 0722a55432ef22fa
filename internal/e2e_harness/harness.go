package e2e_harness

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	couchUser     = "admin"
	couchPassword = "password"
)

// TestHarness holds the CouchDB container used by E2E tests.
type TestHarness struct {
	CouchContainer testcontainers.Container
	CouchURL       string
}

// StartCouchDB starts a single-node CouchDB container and returns its URL.
// It waits until /_up answers. Caller is responsible for calling StopCouchDB.
func (h *TestHarness) StartCouchDB(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     couchUser,
			"COUCHDB_PASSWORD": couchPassword,
		},
		WaitingFor: wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}
	h.CouchContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := container.MappedPort(ctx, "5984")
	if err != nil {
		return "", err
	}
	h.CouchURL = fmt.Sprintf("http://%s:%s", host, mapped.Port())
	return h.CouchURL, nil
}

// StopCouchDB terminates the CouchDB container.
func (h *TestHarness) StopCouchDB(ctx context.Context) error {
	if h.CouchContainer != nil {
		if err := h.CouchContainer.Terminate(ctx); err != nil {
			return err
		}
		h.CouchContainer = nil
	}
	return nil
}
