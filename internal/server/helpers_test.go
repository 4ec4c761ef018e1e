package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/billparse"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/expenses"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/groups"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type stubBillParser struct {
	receipt    billparse.Receipt
	receiptErr error
	items      []realtime.Item
	itemsErr   error
	lastImage  billparse.Image
}

func (s *stubBillParser) ParseReceipt(_ context.Context, image billparse.Image) (billparse.Receipt, error) {
	s.lastImage = image
	return s.receipt, s.receiptErr
}

func (s *stubBillParser) ExtractLineItems(_ context.Context, image billparse.Image) ([]realtime.Item, error) {
	s.lastImage = image
	return s.items, s.itemsErr
}

type testEnv struct {
	handler    http.Handler
	tokens     *auth.TokenIssuer
	users      *users.Service
	groups     *groups.Service
	expenses   *expenses.Service
	bills      *stubBillParser
	dispatcher *realtime.Dispatcher
}

func newTestEnv(t *testing.T, logger *zap.Logger) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}, &groups.Group{}, &groups.Member{}, &expenses.Expense{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Hasher: auth.NewPasswordHasher(bcrypt.MinCost)})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	groupService, err := groups.NewService(groups.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build groups service: %v", err)
	}
	expenseService, err := expenses.NewService(expenses.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build expenses service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "tally-auth",
		Audience:      "tally-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	ids := realtime.NewUUIDProvider()
	router := realtime.NewRoomRouter(realtime.RouterConfig{Logger: logger})
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry:   realtime.NewSessionRegistry(),
		Router:     router,
		IDProvider: ids,
		Authorizer: groupService,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}

	bills := &stubBillParser{}
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokenIssuer,
		Users:        userService,
		Groups:       groupService,
		Expenses:     expenseService,
		BillParser:   bills,
		Realtime:     dispatcher,
		IDProvider:   ids,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}

	return &testEnv{
		handler:    handler,
		tokens:     tokenIssuer,
		users:      userService,
		groups:     groupService,
		expenses:   expenseService,
		bills:      bills,
		dispatcher: dispatcher,
	}
}

func (e *testEnv) register(t *testing.T, username string) (users.User, string) {
	t.Helper()
	user, err := e.users.Register(context.Background(), users.RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "password-" + username,
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", username, err)
	}
	token, _, err := e.tokens.IssueUserToken(context.Background(), auth.UserClaims{UserID: user.IDString(), Username: user.Username})
	if err != nil {
		t.Fatalf("failed to issue token for %s: %v", username, err)
	}
	return user, token
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func (e *testEnv) doUpload(t *testing.T, path, token string, image []byte) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	writer := multipart.NewWriter(&payload)
	if image != nil {
		part, err := writer.CreateFormFile(billImageField, "bill.png")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(image); err != nil {
			t.Fatalf("failed to write image: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, &payload)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
