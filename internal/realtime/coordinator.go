package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// AssignmentMap assigns bill items to users, keyed by user identifier.
type AssignmentMap map[string][]Item

// MissReason explains why a recipient did not receive its notice.
type MissReason string

const (
	// MissRegistry means the user had no registered connection.
	MissRegistry MissReason = "registry_miss"
	// MissConnectionGone means the registered connection could not accept the notice.
	MissConnectionGone MissReason = "connection_gone"
	// MissIDGeneration means no notice identifier could be issued.
	MissIDGeneration MissReason = "id_generation_failed"
)

// RecipientMiss describes one undelivered notice. Relayed is set when the
// notice was handed to the cross-instance relay after the local miss.
type RecipientMiss struct {
	UserID   string
	NoticeID string
	Reason   MissReason
	Relayed  bool
}

// DeliveryReport summarizes a Distribute call. Delivered and Missed are in
// ascending user id order.
type DeliveryReport struct {
	RoomID    string
	Delivered []string
	Missed    []RecipientMiss
}

// Relay forwards deliveries to other server instances. Publishing is skipped
// while Available reports false.
type Relay interface {
	Available() bool
	PublishBroadcast(ctx context.Context, roomID string, message ChatMessage) error
	PublishUnicast(ctx context.Context, userID string, message ChatMessage) error
}

var (
	errMissingRegistry   = errors.New("realtime: session registry is required")
	errMissingRouter     = errors.New("realtime: room router is required")
	errMissingIDProvider = errors.New("realtime: id provider is required")
)

// CoordinatorConfig wires the bill-split coordinator.
type CoordinatorConfig struct {
	Registry   *SessionRegistry
	Router     *RoomRouter
	IDProvider IDProvider
	Relay      Relay
	Logger     *zap.Logger
	// OnMiss, when set, is invoked synchronously for every undelivered notice.
	OnMiss func(RecipientMiss)
}

// BillSplitCoordinator fans a submitted assignment map out as private notices.
type BillSplitCoordinator struct {
	registry   *SessionRegistry
	router     *RoomRouter
	idProvider IDProvider
	relay      Relay
	logger     *zap.Logger
	onMiss     func(RecipientMiss)
}

func NewBillSplitCoordinator(cfg CoordinatorConfig) (*BillSplitCoordinator, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Router == nil {
		return nil, errMissingRouter
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillSplitCoordinator{
		registry:   cfg.Registry,
		router:     cfg.Router,
		idProvider: cfg.IDProvider,
		relay:      cfg.Relay,
		logger:     logger,
		onMiss:     cfg.OnMiss,
	}, nil
}

// Distribute sends each user in assignments a notice carrying their items.
// Recipients are independent: a miss is recorded and the loop continues.
// There is no acknowledgment, so Delivered means "queued to a live connection".
func (c *BillSplitCoordinator) Distribute(ctx context.Context, roomID string, assignments AssignmentMap, fromUser string) DeliveryReport {
	report := DeliveryReport{RoomID: roomID}
	if len(assignments) == 0 {
		return report
	}

	userIDs := make([]string, 0, len(assignments))
	for userID := range assignments {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	for _, userID := range userIDs {
		baseID, err := c.idProvider.NewID()
		if err != nil {
			c.recordMiss(&report, RecipientMiss{UserID: userID, Reason: MissIDGeneration}, err)
			continue
		}
		notice := NewAssignmentNotice(noticeID(baseID, userID), fromUser, assignments[userID])

		connectionID, ok := c.registry.Lookup(userID)
		if !ok {
			miss := RecipientMiss{UserID: userID, NoticeID: notice.ID, Reason: MissRegistry}
			miss.Relayed = c.relayUnicast(ctx, userID, notice)
			c.recordMiss(&report, miss, nil)
			continue
		}
		if !c.router.Unicast(connectionID, notice) {
			c.recordMiss(&report, RecipientMiss{UserID: userID, NoticeID: notice.ID, Reason: MissConnectionGone}, nil)
			continue
		}
		report.Delivered = append(report.Delivered, userID)
	}

	c.logger.Debug("assignments distributed",
		zap.String("room_id", roomID),
		zap.String("from_user", fromUser),
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("missed", len(report.Missed)))
	return report
}

func (c *BillSplitCoordinator) relayUnicast(ctx context.Context, userID string, notice ChatMessage) bool {
	if c.relay == nil || !c.relay.Available() {
		return false
	}
	if err := c.relay.PublishUnicast(ctx, userID, notice); err != nil {
		c.logger.Warn("failed to relay assignment notice",
			zap.String("user_id", userID),
			zap.String("notice_id", notice.ID),
			zap.Error(err))
		return false
	}
	return true
}

func (c *BillSplitCoordinator) recordMiss(report *DeliveryReport, miss RecipientMiss, cause error) {
	report.Missed = append(report.Missed, miss)
	fields := []zap.Field{
		zap.String("room_id", report.RoomID),
		zap.String("user_id", miss.UserID),
		zap.String("notice_id", miss.NoticeID),
		zap.String("reason", string(miss.Reason)),
		zap.Bool("relayed", miss.Relayed),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	c.logger.Info("assignment notice not delivered", fields...)
	if c.onMiss != nil {
		c.onMiss(miss)
	}
}

func noticeID(baseID, userID string) string {
	return fmt.Sprintf("assign-%s-%s", baseID, userID)
}
