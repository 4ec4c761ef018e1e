package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/billparse"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/expenses"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/groups"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	jsonContentType = "application/json"
	lineItemsReply  = "```json\n[{\"item\":\"Margherita Pizza\",\"price\":15.5},{\"item\":\"Coke\",\"price\":2.5}]\n```"
)

type apiClient struct {
	testContext *testing.T
	baseURL     string
	token       string
}

func (c *apiClient) postJSON(path string, body any, target any) int {
	c.testContext.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		c.testContext.Fatalf("failed to encode body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	return c.do(request, target)
}

func (c *apiClient) get(path string, target any) int {
	c.testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		c.testContext.Fatalf("failed to build request: %v", err)
	}
	return c.do(request, target)
}

func (c *apiClient) upload(path string, image []byte, target any) int {
	c.testContext.Helper()
	var payload bytes.Buffer
	writer := multipart.NewWriter(&payload)
	part, err := writer.CreateFormFile("billImage", "bill.jpg")
	if err != nil {
		c.testContext.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(image); err != nil {
		c.testContext.Fatalf("failed to write image: %v", err)
	}
	if err := writer.Close(); err != nil {
		c.testContext.Fatalf("failed to close multipart writer: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, c.baseURL+path, &payload)
	if err != nil {
		c.testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(request, target)
}

func (c *apiClient) do(request *http.Request, target any) int {
	c.testContext.Helper()
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		c.testContext.Fatalf("request %s failed: %v", request.URL.Path, err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			c.testContext.Fatalf("failed to decode %s response: %v", request.URL.Path, err)
		}
	}
	return response.StatusCode
}

func newGeminiStub(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", jsonContentType)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": lineItemsReply}}},
			}},
		})
	}))
	testContext.Cleanup(stub.Close)
	return stub
}

func newTallyServer(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.Open(database.Config{Path: filepath.Join(testContext.TempDir(), "tally.db")}, logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "tally-auth",
		Audience:      "tally-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Hasher: auth.NewPasswordHasher(bcrypt.MinCost)})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	groupService, err := groups.NewService(groups.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build groups service: %v", err)
	}
	expenseService, err := expenses.NewService(expenses.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build expenses service: %v", err)
	}
	billClient, err := billparse.NewClient(context.Background(), billparse.Config{APIKey: "stub", Endpoint: newGeminiStub(testContext).URL})
	if err != nil {
		testContext.Fatalf("failed to build bill parser: %v", err)
	}
	ids := realtime.NewUUIDProvider()
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry:   realtime.NewSessionRegistry(),
		Router:     realtime.NewRoomRouter(realtime.RouterConfig{}),
		IDProvider: ids,
		Authorizer: groupService,
	})
	if err != nil {
		testContext.Fatalf("failed to build dispatcher: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenIssuer,
		Users:        userService,
		Groups:       groupService,
		Expenses:     expenseService,
		BillParser:   billClient,
		Realtime:     dispatcher,
		IDProvider:   ids,
		Logger:       logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	tallyServer := httptest.NewServer(handler)
	testContext.Cleanup(tallyServer.Close)
	return tallyServer
}

type loginResponse struct {
	Token    string `json:"token"`
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
}

func signUp(testContext *testing.T, baseURL, username string) (*apiClient, loginResponse) {
	testContext.Helper()
	client := &apiClient{testContext: testContext, baseURL: baseURL}
	credentials := map[string]string{"username": username, "email": username + "@example.com", "password": "pw-" + username}
	if status := client.postJSON("/api/auth/register", credentials, nil); status != http.StatusCreated {
		testContext.Fatalf("register %s: unexpected status %d", username, status)
	}
	var login loginResponse
	if status := client.postJSON("/api/auth/login", credentials, &login); status != http.StatusOK {
		testContext.Fatalf("login %s: unexpected status %d", username, status)
	}
	client.token = login.Token
	return client, login
}

func dial(testContext *testing.T, baseURL, token string) *websocket.Conn {
	testContext.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/realtime?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		testContext.Fatalf("failed to dial realtime: %v", err)
	}
	testContext.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(testContext *testing.T, conn *websocket.Conn, event string, data any) {
	testContext.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		testContext.Fatalf("failed to emit %s: %v", event, err)
	}
}

func awaitMessage(testContext *testing.T, conn *websocket.Conn, match func(realtime.ChatMessage) bool) realtime.ChatMessage {
	testContext.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var envelope realtime.OutboundEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			testContext.Fatalf("expected realtime message: %v", err)
		}
		if match(envelope.Data) {
			return envelope.Data
		}
	}
}

func TestBillSplitFlow(testContext *testing.T) {
	tallyServer := newTallyServer(testContext)
	alice, aliceLogin := signUp(testContext, tallyServer.URL, "alice")
	bob, bobLogin := signUp(testContext, tallyServer.URL, "bob")

	var group struct {
		ID uint `json:"id"`
	}
	if status := alice.postJSON("/api/groups/create", map[string]string{"name": "Friday Dinner"}, &group); status != http.StatusCreated {
		testContext.Fatalf("create group: unexpected status %d", status)
	}
	if status := alice.postJSON(fmt.Sprintf("/api/groups/%d/members", group.ID), map[string]any{"userIdToAdd": bobLogin.UserID}, nil); status != http.StatusCreated {
		testContext.Fatalf("add member: unexpected status %d", status)
	}

	var split struct {
		Items []realtime.Item `json:"items"`
	}
	if status := alice.upload("/api/groups/split-bill", []byte("jpeg-bytes"), &split); status != http.StatusOK {
		testContext.Fatalf("split bill: unexpected status %d", status)
	}
	if len(split.Items) != 2 {
		testContext.Fatalf("expected 2 extracted items, got %#v", split.Items)
	}

	aliceConn := dial(testContext, tallyServer.URL, aliceLogin.Token)
	bobConn := dial(testContext, tallyServer.URL, bobLogin.Token)
	for _, member := range []struct {
		conn *websocket.Conn
		name string
	}{{aliceConn, "alice"}, {bobConn, "bob"}} {
		emit(testContext, member.conn, realtime.EventJoinRoom, map[string]any{"groupId": group.ID})
		probe := "hi from " + member.name
		emit(testContext, member.conn, realtime.EventSendMessage, map[string]any{"groupId": group.ID, "message": probe, "username": member.name})
		awaitMessage(testContext, member.conn, func(message realtime.ChatMessage) bool { return message.Text == probe })
	}

	emit(testContext, aliceConn, realtime.EventSendAssignments, map[string]any{
		"groupId":  group.ID,
		"username": "alice",
		"assignments": map[string]any{
			fmt.Sprint(bobLogin.UserID):   []realtime.Item{split.Items[0]},
			fmt.Sprint(aliceLogin.UserID): []realtime.Item{split.Items[1]},
		},
	})
	notice := awaitMessage(testContext, bobConn, func(message realtime.ChatMessage) bool {
		return message.Type == realtime.MessageTypeAssignmentNotice
	})
	if notice.FromUser != "alice" || len(notice.Items) != 1 || notice.Items[0].Item != "Margherita Pizza" {
		testContext.Fatalf("unexpected notice for bob %#v", notice)
	}
	own := awaitMessage(testContext, aliceConn, func(message realtime.ChatMessage) bool {
		return message.Type == realtime.MessageTypeAssignmentNotice
	})
	if len(own.Items) != 1 || own.Items[0].Item != "Coke" {
		testContext.Fatalf("unexpected notice for alice %#v", own)
	}

	var added struct {
		Message string `json:"message"`
	}
	if status := bob.postJSON("/api/expenses/add-bulk", map[string]any{"items": notice.Items, "vendor": "Trattoria"}, &added); status != http.StatusCreated {
		testContext.Fatalf("add bulk: unexpected status %d", status)
	}

	var listed []struct {
		Vendor      string  `json:"vendor"`
		Category    string  `json:"category"`
		TotalAmount float64 `json:"total_amount"`
	}
	if status := bob.get("/api/expenses", &listed); status != http.StatusOK {
		testContext.Fatalf("list expenses: unexpected status %d", status)
	}
	if len(listed) != 1 || listed[0].Vendor != "Trattoria" || listed[0].Category != "Group Purchase" || listed[0].TotalAmount != 15.5 {
		testContext.Fatalf("unexpected expenses for bob %#v", listed)
	}

	var aliceExpenses []json.RawMessage
	if status := alice.get("/api/expenses", &aliceExpenses); status != http.StatusOK || len(aliceExpenses) != 0 {
		testContext.Fatalf("expected alice to have no expenses yet, got %d rows (status %d)", len(aliceExpenses), status)
	}
}
