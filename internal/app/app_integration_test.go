//go:build integration

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/fanfest-signup/internal/config"
	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testApp       *App
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	mailpit       *testutil.MailpitClient
	twilio        *fakeTwilio
)

// fakeTwilio records Messages API calls.
type fakeTwilio struct {
	mu       sync.Mutex
	messages []url.Values
}

func (f *fakeTwilio) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.messages = append(f.messages, r.PostForm)
	n := len(f.messages)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = fmt.Fprintf(w, `{"sid":"SM%032d","status":"queued"}`, n)
}

func (f *fakeTwilio) sentTo(number string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []url.Values
	for _, m := range f.messages {
		if m.Get("To") == number {
			out = append(out, m)
		}
	}
	return out
}

func TestMain(m *testing.M) {
	os.Exit(runIntegration(m))
}

func runIntegration(m *testing.M) int {
	ctx := context.Background()

	pg, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = pg.Terminate(ctx) }()

	rd, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer func() { _ = rd.Terminate(ctx) }()

	mp, err := testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("start mailpit: %v", err)
	}
	defer func() { _ = mp.Terminate(ctx) }()
	mailpit = mp.Client()

	twilio = &fakeTwilio{}
	twilioServer := httptest.NewServer(twilio)
	defer twilioServer.Close()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Database.URL = pg.ConnectionString
	cfg.Database.ConnectAttempts = 3
	cfg.Redis.Addr = rd.Addr
	cfg.Log = config.LogConfig{Level: "error", Format: "text"}
	cfg.Duplicate.KeySecret = "integration-test-secret"
	cfg.Receipt.Secret = "integration-receipt-secret"
	cfg.Admission.Submit = config.RateRule{Limit: 1000, Window: time.Minute}
	cfg.Admission.Success = config.RateRule{Limit: 1000, Window: time.Minute}
	cfg.Worker.Enabled = true
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollTimeout = time.Second
	cfg.Notifications.Retry.InitialBackoff = 100 * time.Millisecond
	cfg.Notifications.SMS = config.SMSConfig{
		Enabled:    true,
		AccountSID: "ACtest",
		AuthToken:  "token",
		FromNumber: "+18165550100",
		BaseURL:    twilioServer.URL,
		Timeout:    5 * time.Second,
	}
	cfg.Notifications.Email = config.EmailConfig{
		Enabled:     true,
		SMTPHost:    mp.SMTPHost,
		SMTPPort:    mp.SMTPPort,
		FromAddress: "KC Fan Fest <noreply@fanfest.example.com>",
	}
	// Sweeps are triggered by the tests.
	cfg.Sweeper.Schedule = "@every 1h"
	cfg.Sweeper.StatsSchedule = ""

	testApp, err = New(ctx, cfg, RoleAPI)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pg.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}
	defer testDB.Close()

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	testServer = httptest.NewServer(testApp.Router())
	defer testServer.Close()

	code := m.Run()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := testApp.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	return code
}

func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)
	return client
}

type createdEnvelope struct {
	Data struct {
		ID                 int64  `json:"id"`
		Email              string `json:"email"`
		Phone              string `json:"phone"`
		NotificationStatus string `json:"notification_status"`
		SuccessURL         string `json:"success_url"`
	} `json:"data"`
}

type successEnvelope struct {
	Data struct {
		ID                 int64  `json:"id"`
		NotificationStatus string `json:"notification_status"`
	} `json:"data"`
}

func submit(t *testing.T, client *testutil.Client, body map[string]any) createdEnvelope {
	t.Helper()
	resp, err := client.POST("/signup", body)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: status %d: %s", resp.StatusCode, testutil.ReadBody(t, resp))
	}

	var created createdEnvelope
	testutil.DecodeJSON(t, resp, &created)
	return created
}

// waitForStatus polls the success page until the signup reaches status.
func waitForStatus(t *testing.T, client *testutil.Client, successURL string, status domain.NotificationStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := client.WithoutValidation().GET(successURL)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var body successEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.Data.NotificationStatus == string(status)
	}, 15*time.Second, 200*time.Millisecond)
}

func uniqueEmail(t *testing.T) string {
	return fmt.Sprintf("%s-%d@example.com", strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-")), time.Now().UnixNano())
}

func TestIntegration_Health(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.GET("/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, StatusHealthy, body.Status)
	assert.Equal(t, map[string]string{"cache": "up", "database": "up"}, body.Checks)
}

func TestIntegration_EmailConfirmation(t *testing.T) {
	client := newTestClient(t)
	email := uniqueEmail(t)

	created := submit(t, client, map[string]any{
		"name":              "alex morgan",
		"email":             strings.ToUpper(email),
		"zip_code":          "64105",
		"events_interested": []string{"Food Truck Festival", "Kids Zone Activities"},
	})
	assert.Equal(t, email, created.Data.Email, "email is stored normalized")
	assert.Equal(t, "pending", created.Data.NotificationStatus)
	require.Contains(t, created.Data.SuccessURL, "?t=")

	waitForStatus(t, client, created.Data.SuccessURL, domain.NotificationSent)

	var messages []testutil.MailpitMessage
	require.Eventually(t, func() bool {
		var err error
		messages, err = mailpit.SearchByRecipient(email)
		return err == nil && len(messages) == 1
	}, 10*time.Second, 200*time.Millisecond)

	msg, err := mailpit.GetMessageByID(messages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "You're registered for the Kansas City FIFA Fan Fest", msg.Subject)
	assert.Contains(t, msg.Text, "Hi Alex Morgan,")
	assert.Contains(t, msg.Text, "  - Food Truck Festival")
	assert.Contains(t, msg.Text, fmt.Sprintf("Registration #%d", created.Data.ID))
}

func TestIntegration_SMSConfirmation(t *testing.T) {
	client := newTestClient(t)

	form := url.Values{
		"name":                {"Jordan Lee"},
		"email":               {uniqueEmail(t)},
		"phone":               {"(816) 555-0142"},
		"zip_code":            {"66101"},
		"events_interested[]": {"Photo Booth Experience"},
	}
	resp, err := client.POSTForm("/signup", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created createdEnvelope
	testutil.DecodeJSON(t, resp, &created)
	assert.Equal(t, "+18165550142", created.Data.Phone)

	waitForStatus(t, client, created.Data.SuccessURL, domain.NotificationSent)

	sent := twilio.sentTo("+18165550142")
	require.Len(t, sent, 1, "one SMS per signup")
	assert.Equal(t, "+18165550100", sent[0].Get("From"))
	assert.Contains(t, sent[0].Get("Body"), "Hey Jordan!")
	assert.Contains(t, sent[0].Get("Body"), "Photo Booth Experience")
}

func TestIntegration_DuplicateEmail(t *testing.T) {
	client := newTestClient(t)
	email := uniqueEmail(t)
	body := map[string]any{
		"name":              "Sam Rivera",
		"email":             email,
		"zip_code":          "64108",
		"events_interested": []string{"World Cup Viewing Parties"},
	}

	submit(t, client, body)

	body["email"] = "  " + strings.ToUpper(email) + " "
	resp, err := client.WithoutValidation().POST("/signup", body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), "This email has already been registered.")

	var rows int
	err = testDB.QueryRow(context.Background(), "SELECT count(*) FROM signups WHERE email = $1", email).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
}

func TestIntegration_ConcurrentDuplicates(t *testing.T) {
	email := uniqueEmail(t)

	const clients = 10
	codes := make(chan int, clients)
	var wg sync.WaitGroup
	for range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := testutil.NewClient(testServer.URL).POST("/signup", map[string]any{
				"name":              "Casey Park",
				"email":             email,
				"zip_code":          "64106",
				"events_interested": []string{"Live Music & Entertainment"},
			})
			if err != nil {
				codes <- 0
				return
			}
			_ = resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for c := range codes {
		counts[c]++
	}
	assert.Equal(t, 1, counts[http.StatusCreated])
	assert.Equal(t, clients-1, counts[http.StatusConflict])
}

func TestIntegration_SuccessRequiresReceipt(t *testing.T) {
	client := newTestClient(t)
	created := submit(t, client, map[string]any{
		"name":              "Riley Chen",
		"email":             uniqueEmail(t),
		"zip_code":          "64111",
		"events_interested": []string{"Skills Challenge & Games"},
	})

	resp, err := client.GET(fmt.Sprintf("/success/%d", created.Data.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = client.GET(created.Data.SuccessURL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntegration_SweeperRecoversLostTask(t *testing.T) {
	ctx := context.Background()
	email := uniqueEmail(t)

	// A committed signup whose task never reached the queue.
	var id int64
	err := testDB.QueryRow(ctx, `
		INSERT INTO signups (name, email, zip_code, events_interested, notification_updated_at)
		VALUES ($1, $2, $3, $4, now() - interval '1 hour')
		RETURNING id`,
		"Morgan Blake", email, "64105", `["Kids Zone Activities"]`,
	).Scan(&id)
	require.NoError(t, err)

	n, err := testApp.Scheduler().Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	require.Eventually(t, func() bool {
		var status string
		err := testDB.QueryRow(ctx, "SELECT notification_status FROM signups WHERE id = $1", id).Scan(&status)
		return err == nil && status == string(domain.NotificationSent)
	}, 15*time.Second, 200*time.Millisecond)

	messages, err := mailpit.SearchByRecipient(email)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestIntegration_Version(t *testing.T) {
	resp, err := newTestClient(t).GET("/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, testutil.ReadBody(t, resp), `"version"`)
}

func TestIntegration_Metrics(t *testing.T) {
	resp, err := newTestClient(t).GET("/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := testutil.ReadBody(t, resp)
	assert.Contains(t, body, "fanfest_http_request_duration_seconds")
	assert.Contains(t, body, "fanfest_admission_decisions_total")
}
