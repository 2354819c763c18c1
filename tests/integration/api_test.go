package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/access"
	"github.com/wardenhq/warden/pkg/observability"
)

// requireDatabase connects to the Postgres instance named by
// WARDEN_TEST_POSTGRES, or skips when none is configured.
func requireDatabase(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("WARDEN_TEST_POSTGRES")
	if dbURL == "" {
		t.Skip("Skipping integration test: WARDEN_TEST_POSTGRES not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Skipf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupServer(t *testing.T, db *sql.DB) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, access.RunMigrations(ctx, db))

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	router := mux.NewRouter()
	access.NewHandlers(db, logger, nil).RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestPermissionWriteAndCheckRoundTrip(t *testing.T) {
	db := requireDatabase(t)
	server := setupServer(t, db)

	// The seed migration installs root.1 with no super-user rule in a
	// fresh database, so grant one directly for the test actor's group.
	_, err := db.Exec(`UPDATE assets SET rules = '{"core.admin":{"1":1}}' WHERE name = 'root.1'`)
	require.NoError(t, err)

	component := fmt.Sprintf("com_inttest.item.%d", time.Now().UnixNano())

	payload, _ := json.Marshal(access.PermissionRequest{
		Component: component,
		Action:    "core.edit",
		Rule:      1,
		Value:     ptr("1"),
	})
	req, _ := http.NewRequest("POST", server.URL+"/access/permissions", bytes.NewReader(payload))
	req.Header.Set(access.HeaderActorID, "1")
	req.Header.Set(access.HeaderActorGroups, "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result access.PermissionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Result)

	checkURL := fmt.Sprintf("%s/access/check?group=1&action=core.edit&asset=%s", server.URL, component)
	checkResp, err := http.Get(checkURL)
	require.NoError(t, err)
	defer checkResp.Body.Close()
	require.Equal(t, http.StatusOK, checkResp.StatusCode)

	var check struct {
		State   string `json:"state"`
		Allowed bool   `json:"allowed"`
	}
	require.NoError(t, json.NewDecoder(checkResp.Body).Decode(&check))
	assert.True(t, check.Allowed)
}

func TestGuardRejectionOverHTTP(t *testing.T) {
	db := requireDatabase(t)
	server := setupServer(t, db)

	payload, _ := json.Marshal(access.PermissionRequest{
		Component: "com_inttest",
		Action:    "core.edit",
		Rule:      1,
		Value:     ptr("1"),
	})
	req, _ := http.NewRequest("POST", server.URL+"/access/permissions", bytes.NewReader(payload))
	req.Header.Set(access.HeaderActorID, "99")
	req.Header.Set(access.HeaderActorGroups, "999")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func ptr(s string) *string { return &s }
