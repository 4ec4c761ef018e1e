package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/billparse"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/expenses"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/groups"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "tally_user_id"
	usernameContextKey = "tally_username"

	billImageField        = "billImage"
	defaultMaxUploadBytes = 10 << 20
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsers         = errors.New("users dependency required")
	errMissingGroups        = errors.New("groups dependency required")
	errMissingExpenses      = errors.New("expenses dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenManager interface {
	IssueUserToken(ctx context.Context, claims auth.UserClaims) (string, int64, error)
	ValidateToken(token string) (auth.UserClaims, error)
}

type UserDirectory interface {
	Register(ctx context.Context, input users.RegisterInput) (users.User, error)
	Authenticate(ctx context.Context, email, password string) (users.User, error)
	Search(ctx context.Context, term string, excludeUserID uint) ([]users.User, error)
}

type GroupStore interface {
	Create(ctx context.Context, name string, creatorID uint) (groups.Group, error)
	ListForUser(ctx context.Context, userID uint) ([]groups.Group, error)
	Members(ctx context.Context, groupID, callerID uint) ([]groups.MemberProfile, error)
	AddMember(ctx context.Context, groupID, callerID, userID uint) error
}

type ExpenseStore interface {
	Create(ctx context.Context, input expenses.NewExpense) (expenses.Expense, error)
	List(ctx context.Context, userID uint) ([]expenses.Expense, error)
	AddBulk(ctx context.Context, userID uint, input expenses.BulkInput) (int, error)
}

type BillParser interface {
	ParseReceipt(ctx context.Context, image billparse.Image) (billparse.Receipt, error)
	ExtractLineItems(ctx context.Context, image billparse.Image) ([]realtime.Item, error)
}

// Dependencies wires the HTTP surface. BillParser and Realtime are optional;
// without them the upload routes answer 503 and the websocket route is absent.
type Dependencies struct {
	TokenManager   TokenManager
	Users          UserDirectory
	Groups         GroupStore
	Expenses       ExpenseStore
	BillParser     BillParser
	Realtime       *realtime.Dispatcher
	IDProvider     realtime.IDProvider
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Groups == nil {
		return nil, errMissingGroups
	}
	if deps.Expenses == nil {
		return nil, errMissingExpenses
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = realtime.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))
	router.MaxMultipartMemory = maxUpload

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		users:     deps.Users,
		groups:    deps.Groups,
		expenses:  deps.Expenses,
		bills:     deps.BillParser,
		maxUpload: maxUpload,
		logger:    logger,
	}

	api := router.Group("/api")
	api.POST("/auth/register", handler.handleRegister)
	api.POST("/auth/login", handler.handleLogin)

	if deps.Realtime != nil {
		stream := newRealtimeEndpoint(deps.Realtime, deps.AllowedOrigins, idProvider, logger)
		api.GET("/realtime", handler.authorizeRealtime, stream.handle)
	}

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/expenses/upload", handler.handleUploadReceipt)
	protected.GET("/expenses", handler.handleListExpenses)
	protected.POST("/expenses/add-bulk", handler.handleAddBulk)
	protected.GET("/groups", handler.handleListGroups)
	protected.POST("/groups/create", handler.handleCreateGroup)
	protected.POST("/groups/split-bill", handler.handleSplitBill)
	protected.GET("/groups/:groupId/members", handler.handleListMembers)
	protected.POST("/groups/:groupId/members", handler.handleAddMember)
	protected.POST("/users/search", handler.handleSearchUsers)

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = []string{"*"}
		return cfg
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowOrigins = []string{"*"}
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

type httpHandler struct {
	tokens    TokenManager
	users     UserDirectory
	groups    GroupStore
	expenses  ExpenseStore
	bills     BillParser
	maxUpload int64
	logger    *zap.Logger
}

type registerRequestPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponsePayload struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Username, email, and password are required."})
		return
	}
	user, err := h.users.Register(c.Request.Context(), users.RegisterInput{
		Username: request.Username,
		Email:    request.Email,
		Password: request.Password,
	})
	switch {
	case errors.Is(err, users.ErrMissingCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"message": "Username, email, and password are required."})
		return
	case errors.Is(err, users.ErrUserExists):
		c.JSON(http.StatusConflict, gin.H{"message": "The email or username is already taken."})
		return
	case err != nil:
		h.logger.Error("failed to register user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error registering user."})
		return
	}
	c.JSON(http.StatusCreated, registerResponsePayload{ID: user.ID, Username: user.Username, Email: user.Email})
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	UserID    uint   `json:"userId"`
	Username  string `json:"username"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid credentials"})
		return
	}
	user, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid credentials"})
		return
	}
	if err != nil {
		h.logger.Error("failed to authenticate user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error logging in"})
		return
	}

	token, expiresIn, err := h.tokens.IssueUserToken(c.Request.Context(), auth.UserClaims{
		UserID:   user.IDString(),
		Username: user.Username,
	})
	if err != nil {
		h.logger.Error("failed to issue user token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error logging in"})
		return
	}
	c.JSON(http.StatusOK, loginResponsePayload{
		Token:     token,
		ExpiresIn: expiresIn,
		UserID:    user.ID,
		Username:  user.Username,
	})
}

func (h *httpHandler) handleUploadReceipt(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	if h.bills == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Bill parsing is not configured."})
		return
	}
	image, ok := h.readBillImage(c)
	if !ok {
		return
	}

	receipt, err := h.bills.ParseReceipt(c.Request.Context(), image)
	if errors.Is(err, billparse.ErrIncompleteExtraction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Extracted data is missing required fields."})
		return
	}
	if err != nil {
		h.logger.Error("failed to parse receipt", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process bill image."})
		return
	}
	expenseDate, err := expenses.ParseDate(receipt.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Extracted data is missing required fields."})
		return
	}

	expense, err := h.expenses.Create(c.Request.Context(), expenses.NewExpense{
		UserID:      userID,
		Vendor:      receipt.Vendor,
		Category:    receipt.Category,
		TotalAmount: receipt.TotalAmount,
		ExpenseDate: expenseDate,
	})
	if errors.Is(err, expenses.ErrInvalidExpense) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Extracted data is missing required fields."})
		return
	}
	if err != nil {
		h.logger.Error("failed to store expense", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process bill image."})
		return
	}
	c.JSON(http.StatusCreated, expense)
}

func (h *httpHandler) handleListExpenses(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	found, err := h.expenses.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch expenses"})
		return
	}
	if found == nil {
		found = []expenses.Expense{}
	}
	c.JSON(http.StatusOK, found)
}

type bulkItemPayload struct {
	Item  string  `json:"item"`
	Price float64 `json:"price"`
}

type addBulkRequestPayload struct {
	Items    []bulkItemPayload `json:"items"`
	Vendor   string            `json:"vendor"`
	Category string            `json:"category"`
}

func (h *httpHandler) handleAddBulk(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	var request addBulkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "An array of items is required to add."})
		return
	}
	items := make([]expenses.BulkItem, 0, len(request.Items))
	for _, item := range request.Items {
		items = append(items, expenses.BulkItem{Item: item.Item, Price: item.Price})
	}

	_, err := h.expenses.AddBulk(c.Request.Context(), userID, expenses.BulkInput{
		Items:    items,
		Vendor:   request.Vendor,
		Category: request.Category,
	})
	switch {
	case errors.Is(err, expenses.ErrNoItems):
		c.JSON(http.StatusBadRequest, gin.H{"message": "An array of items is required to add."})
		return
	case errors.Is(err, expenses.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"message": "Item prices must not be negative."})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to add expenses due to a server error."})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Expenses added to your dashboard successfully!"})
}

func (h *httpHandler) handleListGroups(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	found, err := h.groups.ListForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error fetching groups."})
		return
	}
	if found == nil {
		found = []groups.Group{}
	}
	c.JSON(http.StatusOK, found)
}

type createGroupRequestPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	var request createGroupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Group name is required."})
		return
	}
	group, err := h.groups.Create(c.Request.Context(), request.Name, userID)
	if errors.Is(err, groups.ErrMissingName) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Group name is required."})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error creating group."})
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (h *httpHandler) handleSplitBill(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	if h.bills == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Bill parsing is not configured."})
		return
	}
	image, ok := h.readBillImage(c)
	if !ok {
		return
	}
	items, err := h.bills.ExtractLineItems(c.Request.Context(), image)
	if err != nil {
		h.logger.Error("failed to extract bill items", zap.Uint("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to extract items from bill."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type searchUsersRequestPayload struct {
	SearchTerm string `json:"searchTerm"`
}

type userSummaryPayload struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

func (h *httpHandler) handleSearchUsers(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	var request searchUsersRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Search term is required."})
		return
	}
	found, err := h.users.Search(c.Request.Context(), request.SearchTerm, userID)
	if errors.Is(err, users.ErrMissingSearchTerm) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Search term is required."})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error searching for users."})
		return
	}
	response := make([]userSummaryPayload, 0, len(found))
	for _, user := range found {
		response = append(response, userSummaryPayload{ID: user.ID, Username: user.Username})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	members, err := h.groups.Members(c.Request.Context(), groupID, userID)
	if h.writeGroupError(c, err, "Error fetching group members.") {
		return
	}
	if members == nil {
		members = []groups.MemberProfile{}
	}
	c.JSON(http.StatusOK, members)
}

type addMemberRequestPayload struct {
	UserIDToAdd realtime.FlexibleID `json:"userIdToAdd"`
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	var request addMemberRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.UserIDToAdd.String() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User ID to add is required."})
		return
	}
	target, err := strconv.ParseUint(request.UserIDToAdd.String(), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User ID to add is required."})
		return
	}
	err = h.groups.AddMember(c.Request.Context(), groupID, userID, uint(target))
	if h.writeGroupError(c, err, "Error adding user to group.") {
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "User added to group successfully."})
}

// writeGroupError maps group service errors to responses and reports whether
// one was written.
func (h *httpHandler) writeGroupError(c *gin.Context, err error, fallback string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, groups.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Group not found."})
	case errors.Is(err, groups.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"message": "You are not a member of this group."})
	case errors.Is(err, groups.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found."})
	case errors.Is(err, groups.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"message": "This user is already in the group."})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": fallback})
	}
	return true
}

func (h *httpHandler) readBillImage(c *gin.Context) (billparse.Image, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	header, err := c.FormFile(billImageField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image file is too large."})
			return billparse.Image{}, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file uploaded."})
		return billparse.Image{}, false
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file uploaded."})
		return billparse.Image{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Warn("failed to read uploaded image", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file uploaded."})
		return billparse.Image{}, false
	}
	return billparse.Image{Data: data, MIMEType: header.Header.Get("Content-Type")}, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	h.authorizeToken(c, token)
}

// authorizeRealtime also accepts the token as an access_token query parameter
// because browsers cannot set headers on websocket handshakes.
func (h *httpHandler) authorizeRealtime(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	h.authorizeToken(c, token)
}

func (h *httpHandler) authorizeToken(c *gin.Context, token string) {
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(usernameContextKey, claims.Username)
	c.Next()
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

// requestUserID reads the numeric account id set by the auth middleware,
// answering 403 when the token carried a foreign subject.
func requestUserID(c *gin.Context) (uint, bool) {
	raw := c.GetString(userIDContextKey)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return 0, false
	}
	return uint(parsed), true
}

func groupIDParam(c *gin.Context) (uint, bool) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(c.Param("groupId")), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid group id."})
		return 0, false
	}
	return uint(parsed), true
}
