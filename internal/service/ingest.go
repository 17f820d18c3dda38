package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/events"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/security"
	"mailsink/backend/internal/storage"
)

// IngestState 单次 webhook 处理所处的阶段
type IngestState string

const (
	StateReceived             IngestState = "received"
	StateSignatureChecked     IngestState = "signature_checked"
	StateInboxResolved        IngestState = "inbox_resolved"
	StateScored               IngestState = "scored"
	StatePersisted            IngestState = "persisted"
	StateAttachmentsProcessed IngestState = "attachments_processed"
	StateDone                 IngestState = "done"
	StateRejected             IngestState = "rejected"
)

// AttachmentStatus 单个附件的处理结果
type AttachmentStatus string

const (
	AttachmentStored  AttachmentStatus = "stored"
	AttachmentBlocked AttachmentStatus = "blocked"
	AttachmentFailed  AttachmentStatus = "failed"
)

// generatedMessageDomain 缺少 Message-ID 时生成的 ID 所用域名
const generatedMessageDomain = "mailsink.local"

// ErrAttachmentContentMissing 声明了大小但没有内容的附件，不写入 blob
var ErrAttachmentContentMissing = errors.New("attachment content missing")

// AttachmentOutcome 附件处理结果，原样返回给调用方
type AttachmentOutcome struct {
	Filename     string           `json:"filename"`
	Status       AttachmentStatus `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	AttachmentID string           `json:"attachmentId,omitempty"`
	StoragePath  string           `json:"storagePath,omitempty"`
	FileHash     string           `json:"fileHash"`
	Size         int64            `json:"size"`
}

// IngestResult 单个收件人的处理结果
type IngestResult struct {
	State       IngestState         `json:"state"`
	Recipient   string              `json:"recipient"`
	EmailID     string              `json:"emailId,omitempty"`
	InboxID     string              `json:"inboxId,omitempty"`
	MessageID   string              `json:"messageId,omitempty"`
	SpamScore   float64             `json:"spamScore"`
	IsSpam      bool                `json:"isSpam"`
	Duplicate   bool                `json:"duplicate"`
	Attachments []AttachmentOutcome `json:"attachments"`
}

// EventDispatcher 异步发布邮件入库事件
type EventDispatcher interface {
	Dispatch(evt *events.EmailReceived)
}

// IngestionService 编排一封已通过签名校验的邮件的入库流程
type IngestionService struct {
	resolver    *InboxResolver
	emails      storage.EmailRepository
	attachments *AttachmentStore
	scorer      *security.SpamScorer
	validator   *security.AttachmentValidator
	profiles    map[domain.Source]security.SpamProfile
	dispatcher  EventDispatcher
	metrics     *monitoring.Metrics
	log         *zap.Logger
	now         func() time.Time
}

// IngestionDeps 入库流程的依赖
type IngestionDeps struct {
	Resolver    *InboxResolver
	Emails      storage.EmailRepository
	Attachments *AttachmentStore
	Scorer      *security.SpamScorer
	Validator   *security.AttachmentValidator
	Profiles    map[domain.Source]security.SpamProfile
	Dispatcher  EventDispatcher
	Metrics     *monitoring.Metrics
	Log         *zap.Logger
}

// NewIngestionService 创建入库服务，未提供的评分配置使用各提供商的默认值
func NewIngestionService(deps IngestionDeps) *IngestionService {
	profiles := map[domain.Source]security.SpamProfile{
		domain.SourceForm: security.FormSpamProfile(),
		domain.SourceJSON: security.JSONSpamProfile(),
	}
	for source, profile := range deps.Profiles {
		profiles[source] = profile
	}

	scorer := deps.Scorer
	if scorer == nil {
		scorer = security.NewSpamScorer()
	}
	validator := deps.Validator
	if validator == nil {
		validator = security.NewAttachmentValidator()
	}

	return &IngestionService{
		resolver:    deps.Resolver,
		emails:      deps.Emails,
		attachments: deps.Attachments,
		scorer:      scorer,
		validator:   validator,
		profiles:    profiles,
		dispatcher:  deps.Dispatcher,
		metrics:     deps.Metrics,
		log:         deps.Log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Ingest 处理一封邮件：解析收件箱、评分、入库、逐个处理附件并发布事件。
//
// 返回错误时 result.State 为 StateRejected。重复投递返回 Duplicate=true 且不报错。
// 附件失败不会让整封邮件失败，只体现在 Attachments 中。
func (s *IngestionService) Ingest(ctx context.Context, msg *domain.NormalizedMessage) (*IngestResult, error) {
	start := time.Now()
	result := &IngestResult{
		State:       StateSignatureChecked,
		Recipient:   msg.Recipient,
		Attachments: []AttachmentOutcome{},
	}

	inbox, err := s.resolver.Resolve(ctx, msg.Recipient)
	if err != nil {
		return s.reject(result, msg, err)
	}
	result.State = StateInboxResolved
	result.InboxID = inbox.ID

	profile, ok := s.profiles[msg.Source]
	if !ok {
		profile = security.FormSpamProfile()
	}
	verdict := s.scorer.Score(msg, profile)
	result.State = StateScored
	result.SpamScore = verdict.Score
	result.IsSpam = verdict.IsSpam

	email := s.buildEmail(inbox, msg, verdict)
	result.MessageID = email.MessageID

	if err := s.emails.CreateEmail(ctx, email); err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateMessage):
			result.Duplicate = true
			result.State = StateDone
			s.log.Info("duplicate message ignored",
				zap.String("inbox_id", inbox.ID),
				zap.String("message_id", email.MessageID),
			)
			return result, nil
		case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrInboxNotFound):
			return s.reject(result, msg, err)
		default:
			return s.reject(result, msg, fmt.Errorf("%w: save email: %v", domain.ErrPersistence, err))
		}
	}
	result.State = StatePersisted
	result.EmailID = email.ID

	var (
		recorded  int
		totalSize int64
	)
	for i := range msg.Attachments {
		outcome := s.processAttachment(ctx, inbox, email, &msg.Attachments[i])
		result.Attachments = append(result.Attachments, outcome)
		s.metrics.RecordAttachment(string(outcome.Status), outcome.Size)

		switch outcome.Status {
		case AttachmentStored:
			recorded++
			totalSize += outcome.Size
		case AttachmentBlocked:
			recorded++
		}
	}

	if recorded > 0 {
		if err := s.emails.UpdateEmailTotals(ctx, email.ID, recorded, totalSize); err != nil {
			s.log.Warn("failed to backfill email totals",
				zap.String("email_id", email.ID),
				zap.Error(err),
			)
		} else {
			email.AttachmentCount = recorded
			email.TotalSizeBytes = totalSize
		}
	}
	result.State = StateAttachmentsProcessed

	s.publish(email)
	result.State = StateDone

	s.metrics.RecordIngest(string(msg.Source), verdict.Score, verdict.IsSpam, time.Since(start))
	s.log.Info("email ingested",
		zap.String("email_id", email.ID),
		zap.String("inbox_id", inbox.ID),
		zap.String("source", string(msg.Source)),
		zap.Float64("spam_score", verdict.Score),
		zap.Bool("is_spam", verdict.IsSpam),
		zap.Int("attachments", len(msg.Attachments)),
	)

	return result, nil
}

func (s *IngestionService) reject(result *IngestResult, msg *domain.NormalizedMessage, err error) (*IngestResult, error) {
	result.State = StateRejected
	level := s.log.Info
	if errors.Is(err, domain.ErrPersistence) {
		level = s.log.Error
	}
	level("email rejected",
		zap.String("recipient", msg.Recipient),
		zap.String("source", string(msg.Source)),
		zap.Error(err),
	)
	return result, err
}

func (s *IngestionService) buildEmail(inbox *domain.Inbox, msg *domain.NormalizedMessage, verdict security.SpamVerdict) *domain.Email {
	messageID := msg.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), generatedMessageDomain)
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	return &domain.Email{
		ID:          uuid.NewString(),
		InboxID:     inbox.ID,
		MessageID:   messageID,
		FromAddress: msg.From,
		ToAddress:   inbox.EmailAddress,
		Subject:     msg.Subject,
		Body:        msg.TextBody,
		HTMLBody:    msg.HTMLBody,
		Headers:     msg.Headers,
		SpamScore:   verdict.Score,
		IsSpam:      verdict.IsSpam,
		Source:      msg.Source,
		ReceivedAt:  receivedAt.UTC(),
	}
}

// processAttachment 校验、计算摘要并保存单个附件
func (s *IngestionService) processAttachment(ctx context.Context, inbox *domain.Inbox, email *domain.Email, att *domain.NormalizedAttachment) AttachmentOutcome {
	size := att.Size()
	outcome := AttachmentOutcome{
		Filename: att.Filename,
		FileHash: security.HashContent(att.Data),
		Size:     size,
	}

	decision := s.validator.Validate(att.Filename, att.ContentType, size)
	if !decision.Allowed {
		outcome.Status = AttachmentBlocked
		outcome.Reason = decision.Reason

		stored, err := s.attachments.RecordBlocked(ctx, BlockedInput{
			EmailID:     email.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        size,
			Hash:        outcome.FileHash,
			Reason:      decision.Reason,
		})
		if err != nil {
			s.log.Error("failed to record blocked attachment",
				zap.String("email_id", email.ID),
				zap.String("filename", att.Filename),
				zap.Error(err),
			)
			outcome.Status = AttachmentFailed
			outcome.Reason = err.Error()
			return outcome
		}
		outcome.AttachmentID = stored.ID
		return outcome
	}

	if att.Data == nil && att.DeclaredSize > 0 {
		s.log.Warn("attachment has no content",
			zap.String("email_id", email.ID),
			zap.String("filename", att.Filename),
			zap.Int64("declared_size", att.DeclaredSize),
		)
		outcome.Status = AttachmentFailed
		outcome.Reason = ErrAttachmentContentMissing.Error()
		outcome.Size = 0
		return outcome
	}

	stored, err := s.attachments.Store(ctx, StoreInput{
		OwnerID:     inbox.OwnerKey(),
		InboxID:     inbox.ID,
		EmailID:     email.ID,
		Filename:    att.Filename,
		ContentType: att.ContentType,
		Data:        att.Data,
		Hash:        outcome.FileHash,
	})
	if err != nil {
		s.log.Error("failed to store attachment",
			zap.String("email_id", email.ID),
			zap.String("filename", att.Filename),
			zap.Error(err),
		)
		outcome.Status = AttachmentFailed
		outcome.Reason = err.Error()
		return outcome
	}

	outcome.Status = AttachmentStored
	outcome.Size = stored.FileSize
	outcome.AttachmentID = stored.ID
	outcome.StoragePath = stored.StoragePath
	return outcome
}

func (s *IngestionService) publish(email *domain.Email) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(&events.EmailReceived{
		Type:            events.TypeEmailReceived,
		EventID:         uuid.NewString(),
		EmailID:         email.ID,
		InboxID:         email.InboxID,
		From:            email.FromAddress,
		To:              email.ToAddress,
		Subject:         email.Subject,
		SpamScore:       email.SpamScore,
		IsSpam:          email.IsSpam,
		AttachmentCount: email.AttachmentCount,
		Source:          string(email.Source),
		ReceivedAt:      email.ReceivedAt,
	})
}
