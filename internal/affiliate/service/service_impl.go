package service

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/affiliate/internal/affiliate/accesscode"
	"github.com/smallbiznis/affiliate/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/observability/logger"
	"github.com/smallbiznis/affiliate/pkg/db"
	"github.com/smallbiznis/affiliate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxCodePrefix = 4

var codePattern = regexp.MustCompile(`^[A-Z0-9]{4,32}$`)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Cfg     config.Config
	Program *config.ProgramConfigHolder
	Audit   auditdomain.Service `optional:"true"`
	Clock   clock.Clock         `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	siteURL    string
	queryParam string
	program    *config.ProgramConfigHolder
	audit      auditdomain.Service
	clock      clock.Clock
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("affiliate.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		siteURL:    p.Cfg.SiteURL,
		queryParam: queryParam(p.Cfg),
		program:    p.Program,
		audit:      p.Audit,
		clock:      clk,
	}
}

// NormalizeCode is the canonical form codes are stored and matched in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.RegisterResult{}, domain.ErrInvalidName
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.RegisterResult{}, domain.ErrInvalidEmail
	}

	existing, err := s.repo.FindByEmail(ctx, s.db, email)
	if err != nil {
		return domain.RegisterResult{}, err
	}
	if existing != nil {
		return domain.RegisterResult{Affiliate: *existing}, domain.ErrDuplicateEmail
	}

	program := s.program.Get()
	plain, err := accesscode.Generate(program.AccessCodeLength)
	if err != nil {
		return domain.RegisterResult{}, err
	}
	hash, err := accesscode.Hash(plain)
	if err != nil {
		return domain.RegisterResult{}, err
	}

	now := s.clock.Now()
	affiliate := domain.Affiliate{
		ID:             s.genID.Generate(),
		AccessCodeHash: hash,
		Name:           name,
		Email:          email,
		Phone:          optional(req.Phone),
		PixKey:         optional(req.PixKey),
		CommissionRate: program.DefaultCommissionRate,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for attempt := 0; attempt < program.CodeMaxAttempts; attempt++ {
		code, err := s.candidateCode(ctx, name, program.CodeLength)
		if err != nil {
			return domain.RegisterResult{}, err
		}
		if code == "" {
			continue
		}
		affiliate.Code = code

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.Insert(ctx, tx, &affiliate); err != nil {
				return err
			}
			return s.record(ctx, tx, auditdomain.Entry{
				Action:     "affiliate.registered",
				TargetType: "affiliate",
				TargetID:   affiliate.ID.String(),
				Metadata: map[string]any{
					"code":  affiliate.Code,
					"email": affiliate.Email,
				},
			})
		})
		if err == nil {
			logger.WithAffiliate(s.log, affiliate.ID.Int64()).Info("affiliate registered", zap.String("code", affiliate.Code))
			return domain.RegisterResult{Affiliate: affiliate, AccessCode: plain}, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return domain.RegisterResult{}, err
		}

		// Either the code or the email lost a race.
		existing, findErr := s.repo.FindByEmail(ctx, s.db, email)
		if findErr != nil {
			return domain.RegisterResult{}, findErr
		}
		if existing != nil {
			return domain.RegisterResult{Affiliate: *existing}, domain.ErrDuplicateEmail
		}
	}

	s.log.Error("affiliate code generation exhausted", zap.Int("attempts", program.CodeMaxAttempts))
	return domain.RegisterResult{}, domain.ErrCodeExhausted
}

// candidateCode returns "" when the generated code is already taken.
func (s *Service) candidateCode(ctx context.Context, name string, length int) (string, error) {
	prefix := codePrefix(name)
	suffix, err := accesscode.Generate(length - len(prefix))
	if err != nil {
		return "", err
	}
	code := prefix + suffix

	exists, err := s.repo.CodeExists(ctx, s.db, code)
	if err != nil {
		return "", err
	}
	if exists {
		return "", nil
	}
	return code, nil
}

func codePrefix(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(slug.Make(name)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == maxCodePrefix {
				break
			}
		}
	}
	return b.String()
}

func (s *Service) SetStatus(ctx context.Context, req domain.SetStatusRequest) (domain.Affiliate, error) {
	id, err := parseID(req.AffiliateID)
	if err != nil {
		return domain.Affiliate{}, err
	}
	target := domain.Status(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if !target.Valid() {
		return domain.Affiliate{}, domain.ErrInvalidStatus
	}

	var updated domain.Affiliate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.Status == target {
			return domain.ErrNoOpTransition
		}

		now := s.clock.Now()
		var approvedAt *time.Time
		if target == domain.StatusApproved {
			approvedAt = &now
		}
		rows, err := s.repo.UpdateStatus(ctx, tx, id, current.Status, target, approvedAt, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrStatusConflict
		}

		if err := s.record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeOperator,
			ActorID:    req.ActorID,
			Action:     "affiliate.status_changed",
			TargetType: "affiliate",
			TargetID:   id.String(),
			Metadata: map[string]any{
				"from":  string(current.Status),
				"to":    string(target),
				"notes": strings.TrimSpace(req.Notes),
			},
		}); err != nil {
			return err
		}

		updated = *current
		updated.Status = target
		updated.UpdatedAt = now
		if approvedAt != nil {
			updated.ApprovedAt = approvedAt
		}
		return nil
	})
	if err != nil {
		return domain.Affiliate{}, err
	}

	logger.WithAffiliate(s.log, id.Int64()).Info("affiliate status changed",
		zap.String("status", string(target)),
		zap.String("actor_id", req.ActorID),
	)
	return updated, nil
}

func (s *Service) ValidateCode(ctx context.Context, code string) (domain.CodeValidation, error) {
	code = NormalizeCode(code)
	if !codePattern.MatchString(code) {
		return domain.CodeValidation{Reason: domain.ReasonMalformedCode}, nil
	}

	affiliate, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return domain.CodeValidation{}, err
	}
	if affiliate == nil {
		return domain.CodeValidation{Reason: domain.ReasonUnknownCode}, nil
	}

	result := domain.CodeValidation{Affiliate: affiliate}
	switch affiliate.Status {
	case domain.StatusApproved:
		result.Valid = true
	case domain.StatusPending:
		result.Reason = domain.ReasonAffiliatePending
	case domain.StatusRejected:
		result.Reason = domain.ReasonAffiliateRejected
	default:
		result.Reason = domain.ReasonAffiliateBlocked
	}
	return result, nil
}

func (s *Service) Authenticate(ctx context.Context, email, code string) (domain.Affiliate, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(code) == "" {
		return domain.Affiliate{}, domain.ErrInvalidCredentials
	}

	affiliate, err := s.repo.FindByEmail(ctx, s.db, email)
	if err != nil {
		return domain.Affiliate{}, err
	}
	if affiliate == nil {
		accesscode.VerifyDummy(code)
		return domain.Affiliate{}, domain.ErrInvalidCredentials
	}
	if !accesscode.Verify(code, affiliate.AccessCodeHash) {
		return domain.Affiliate{}, domain.ErrInvalidCredentials
	}
	if affiliate.Status == domain.StatusBlocked {
		return domain.Affiliate{}, domain.ErrInvalidCredentials
	}
	return *affiliate, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Affiliate, error) {
	affiliateID, err := parseID(id)
	if err != nil {
		return domain.Affiliate{}, err
	}
	affiliate, err := s.repo.FindByID(ctx, s.db, affiliateID)
	if err != nil {
		return domain.Affiliate{}, err
	}
	if affiliate == nil {
		return domain.Affiliate{}, domain.ErrNotFound
	}
	return *affiliate, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (domain.Affiliate, error) {
	affiliate, err := s.repo.FindByCode(ctx, s.db, NormalizeCode(code))
	if err != nil {
		return domain.Affiliate{}, err
	}
	if affiliate == nil {
		return domain.Affiliate{}, domain.ErrNotFound
	}
	return *affiliate, nil
}

func (s *Service) List(ctx context.Context, req domain.ListAffiliateRequest) (domain.ListAffiliateResponse, error) {
	var status domain.Status
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status = domain.Status(strings.ToLower(raw))
		if !status.Valid() {
			return domain.ListAffiliateResponse{}, domain.ErrInvalidStatus
		}
	}

	afterID, err := req.Pagination.AfterID()
	if err != nil {
		return domain.ListAffiliateResponse{}, domain.ErrInvalidPageToken
	}
	limit := req.Pagination.Limit()

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		Status:  status,
		Email:   strings.ToLower(strings.TrimSpace(req.Email)),
		AfterID: afterID,
		Limit:   limit,
	})
	if err != nil {
		return domain.ListAffiliateResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, limit, func(item *domain.Affiliate) int64 {
		return item.ID.Int64()
	})
	affiliates := make([]domain.Affiliate, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		affiliates = append(affiliates, *item)
	}
	return domain.ListAffiliateResponse{PageInfo: pageInfo, Affiliates: affiliates}, nil
}

// UpdateCommissionRate affects future referrals only; recorded referrals keep
// the rate they were created with.
func (s *Service) UpdateCommissionRate(ctx context.Context, req domain.UpdateCommissionRateRequest) (domain.Affiliate, error) {
	id, err := parseID(req.AffiliateID)
	if err != nil {
		return domain.Affiliate{}, err
	}
	if req.Rate.LessThanOrEqual(decimal.Zero) || req.Rate.GreaterThan(decimal.NewFromInt(100)) {
		return domain.Affiliate{}, domain.ErrInvalidCommissionRate
	}
	rate := req.Rate.Round(2)

	var updated domain.Affiliate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		now := s.clock.Now()
		if err := s.repo.UpdateCommissionRate(ctx, tx, id, rate, now); err != nil {
			return err
		}
		if err := s.record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeOperator,
			ActorID:    req.ActorID,
			Action:     "affiliate.commission_rate_changed",
			TargetType: "affiliate",
			TargetID:   id.String(),
			Metadata: map[string]any{
				"from": current.CommissionRate.String(),
				"to":   rate.String(),
			},
		}); err != nil {
			return err
		}
		updated = *current
		updated.CommissionRate = rate
		updated.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Affiliate{}, err
	}
	return updated, nil
}

func (s *Service) UpdatePixKey(ctx context.Context, id string, pixKey string) (domain.Affiliate, error) {
	affiliateID, err := parseID(id)
	if err != nil {
		return domain.Affiliate{}, err
	}
	key := optional(&pixKey)
	if key == nil {
		return domain.Affiliate{}, domain.ErrInvalidPixKey
	}

	var updated domain.Affiliate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, affiliateID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		now := s.clock.Now()
		if err := s.repo.UpdatePixKey(ctx, tx, affiliateID, key, now); err != nil {
			return err
		}
		if err := s.record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeAffiliate,
			ActorID:    affiliateID.String(),
			Action:     "affiliate.pix_key_changed",
			TargetType: "affiliate",
			TargetID:   affiliateID.String(),
			Metadata:   map[string]any{"pix_key": *key},
		}); err != nil {
			return err
		}
		updated = *current
		updated.PixKey = key
		updated.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Affiliate{}, err
	}
	return updated, nil
}

func (s *Service) ResetAccessCode(ctx context.Context, id string, actorID string) (string, error) {
	affiliateID, err := parseID(id)
	if err != nil {
		return "", err
	}
	plain, err := accesscode.Generate(s.program.Get().AccessCodeLength)
	if err != nil {
		return "", err
	}
	hash, err := accesscode.Hash(plain)
	if err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, affiliateID)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if err := s.repo.UpdateAccessCodeHash(ctx, tx, affiliateID, hash, s.clock.Now()); err != nil {
			return err
		}
		return s.record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeOperator,
			ActorID:    actorID,
			Action:     "affiliate.access_code_reset",
			TargetType: "affiliate",
			TargetID:   affiliateID.String(),
		})
	})
	if err != nil {
		return "", err
	}
	return plain, nil
}

func (s *Service) ShareLink(affiliate domain.Affiliate) string {
	return s.siteURL + "?" + url.Values{s.queryParam: []string{affiliate.Code}}.Encode()
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, entry)
}

func queryParam(cfg config.Config) string {
	if param := strings.TrimSpace(cfg.Attribution.QueryParam); param != "" {
		return param
	}
	return "ref"
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func optional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

