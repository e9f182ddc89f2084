package main

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdfundBack/utils"
)

func testApp(t *testing.T) (*application, *bytes.Buffer) {
	t.Helper()
	tokens, err := utils.NewManager("test-secret")
	require.NoError(t, err)
	errBuf := &bytes.Buffer{}
	return &application{
		infoLog:  log.New(io.Discard, "", 0),
		errorLog: log.New(errBuf, "", 0),
		tokens:   tokens,
	}, errBuf
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, _ := utils.UserIDFromContext(r.Context())
	_, _ = w.Write([]byte(id))
}

func TestAuthenticate(t *testing.T) {
	app, _ := testApp(t)
	h := app.authenticate(http.HandlerFunc(echoUser))

	token, err := app.tokens.NewJWT("u42", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u42", rec.Body.String())
}

func TestAuthenticateRejects(t *testing.T) {
	app, _ := testApp(t)
	h := app.authenticate(http.HandlerFunc(echoUser))

	other, err := utils.NewManager("other-secret")
	require.NoError(t, err)
	foreign, err := other.NewJWT("u42", time.Hour)
	require.NoError(t, err)
	expired, err := app.tokens.NewJWT("u42", -time.Minute)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":       "",
		"not bearer":    "Basic abc",
		"foreign key":   "Bearer " + foreign,
		"expired token": "Bearer " + expired,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"kind":"Unauthorized"`)
		})
	}
}

func TestRecoverPanic(t *testing.T) {
	app, errBuf := testApp(t)
	h := app.recoverPanic(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.Contains(t, errBuf.String(), "boom")
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestSecureHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	secureHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "deny", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHealthz(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	app, _ := testApp(t)
	app.db = db

	mock.ExpectPing()
	rec := httptest.NewRecorder()
	app.healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
