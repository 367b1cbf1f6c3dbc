package license

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/config"
	"github.com/updatepulse/updatepulse-server/internal/crypto"
	"github.com/updatepulse/updatepulse-server/internal/db/models"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
	"github.com/updatepulse/updatepulse-server/internal/telemetry"
)

// Store is the persistence surface the engine needs. *repositories.LicenseRepository
// satisfies it; tests substitute an in-memory implementation.
type Store interface {
	Create(ctx context.Context, lic *models.License) error
	GetByID(ctx context.Context, id int64) (*models.License, error)
	GetByKey(ctx context.Context, licenseKey string) (*models.License, error)
	Update(ctx context.Context, lic *models.License) error
	Delete(ctx context.Context, id int64) error
	UpdateWithLock(ctx context.Context, licenseKey string, fn func(*models.License) error) (*models.License, error)
	Browse(ctx context.Context, q *repositories.BrowseQuery) ([]models.License, error)
	SweepExpired(ctx context.Context, now time.Time) ([]models.License, error)
}

// EventSink receives license lifecycle events. Implementations must not
// block; the engine fires events on the request path.
type EventSink interface {
	LicenseEvent(event string, lic *models.License)
}

// License lifecycle event names.
const (
	EventActivate   = "license_activate"
	EventDeactivate = "license_deactivate"
	EventAdd        = "license_add"
	EventEdit       = "license_edit"
	EventDelete     = "license_delete"
	EventExpire     = "license_expire"
)

// Engine owns every license state transition.
type Engine struct {
	store  Store
	cfg    config.LicensesConfig
	events EventSink
	now    func() time.Time
}

// NewEngine creates an Engine. events may be nil when no webhook delivery is
// configured.
func NewEngine(store Store, cfg config.LicensesConfig, events EventSink) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		events: events,
		now:    time.Now,
	}
}

func (e *Engine) fire(event string, lic *models.License) {
	if e.events != nil {
		e.events.LicenseEvent(event, lic)
	}
}

// ---------------------------------------------------------------------------
// Public operations: check, activate, deactivate
// ---------------------------------------------------------------------------

// Check returns the sanitized record for a license key. An unknown key is
// reported exactly like a malformed one so probing cannot enumerate keys.
func (e *Engine) Check(ctx context.Context, licenseKey string) (map[string]interface{}, error) {
	if licenseKey == "" {
		return nil, rejectInvalidKey()
	}

	lic, err := e.store.GetByKey(ctx, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	if lic == nil {
		return nil, rejectInvalidKey()
	}

	return Sanitize(lic), nil
}

// Activate adds a domain to the license's allowed list and returns the
// sanitized record plus a signature the client stores for offline
// verification. The whole read-check-write cycle runs under a row lock, so
// two domains racing for the last slot cannot both win. Check order matters:
// the first failing check wins, so a full license re-requesting a listed
// domain is refused for capacity, not reported as already activated.
func (e *Engine) Activate(ctx context.Context, licenseKey, packageSlug, domain string) (map[string]interface{}, error) {
	if licenseKey == "" || packageSlug == "" || domain == "" {
		telemetry.LicenseActivationsTotal.WithLabelValues(CodeInvalidLicenseKey).Inc()
		return nil, rejectInvalidKey()
	}

	var deferred *Rejection
	lic, err := e.store.UpdateWithLock(ctx, licenseKey, func(l *models.License) error {
		if l.PackageSlug != packageSlug {
			return rejectInvalidKey()
		}
		if rej := e.expireInPlace(l); rej != nil {
			// The status flip must survive the rejection, so commit and
			// refuse afterwards.
			deferred = rej
			return nil
		}
		if l.Status == models.LicenseStatusOnHold || l.Status == models.LicenseStatusBlocked || l.Status == models.LicenseStatusExpired {
			return rejectIllegalStatus(l.Status, expiryData(l))
		}
		if len(l.AllowedDomains)+1 > absDomains(l.MaxAllowedDomains) {
			return rejectMaxDomains()
		}
		if l.Status == models.LicenseStatusActivated && l.HasDomain(domain) {
			return rejectAlreadyActivated()
		}

		if !l.HasDomain(domain) {
			l.AllowedDomains = append(l.AllowedDomains, domain)
		}
		l.Status = models.LicenseStatusActivated
		if l.Data == nil {
			l.Data = models.JSONMap{}
		}
		// A still-future cooldown is a custom dwell time and survives the
		// activation; otherwise the slate is wiped so the domain may
		// deactivate at will until a deactivation imposes the next cooldown.
		if l.NextDeactivate() <= e.now().Unix() {
			l.Data[models.DataKeyNextDeactivate] = e.now().Unix()
		}
		return nil
	})
	if err != nil {
		if rej := AsRejection(err); rej != nil {
			telemetry.LicenseActivationsTotal.WithLabelValues(rej.Code).Inc()
			return nil, rej
		}
		telemetry.LicenseActivationsTotal.WithLabelValues(CodeUnexpectedError).Inc()
		return nil, fmt.Errorf("activate: %w", err)
	}
	if lic == nil {
		telemetry.LicenseActivationsTotal.WithLabelValues(CodeInvalidLicenseKey).Inc()
		return nil, rejectInvalidKey()
	}
	if deferred != nil {
		telemetry.LicenseActivationsTotal.WithLabelValues(deferred.Code).Inc()
		return nil, deferred
	}

	signature, err := e.GenerateSignature(lic, domain)
	if err != nil {
		telemetry.LicenseActivationsTotal.WithLabelValues(CodeUnexpectedError).Inc()
		return nil, fmt.Errorf("activate: sign: %w", err)
	}

	e.fire(EventActivate, lic)
	telemetry.LicenseActivationsTotal.WithLabelValues("ok").Inc()

	result := Sanitize(lic)
	result["license_signature"] = signature
	result["next_deactivate"] = lic.NextDeactivate()
	return result, nil
}

// Deactivate removes a domain from the allowed list and starts the anti-churn
// cooldown: the license may not deactivate again until the dwell time has
// elapsed. Within the window the refusal carries the timestamp the client may
// retry at.
func (e *Engine) Deactivate(ctx context.Context, licenseKey, packageSlug, domain string) (map[string]interface{}, error) {
	if licenseKey == "" || packageSlug == "" || domain == "" {
		telemetry.LicenseDeactivationsTotal.WithLabelValues(CodeInvalidLicenseKey).Inc()
		return nil, rejectInvalidKey()
	}

	var deferred *Rejection
	lic, err := e.store.UpdateWithLock(ctx, licenseKey, func(l *models.License) error {
		if l.PackageSlug != packageSlug {
			return rejectInvalidKey()
		}
		if rej := e.expireInPlace(l); rej != nil {
			deferred = rej
			return nil
		}
		if l.Status == models.LicenseStatusOnHold || l.Status == models.LicenseStatusBlocked || l.Status == models.LicenseStatusExpired {
			return rejectIllegalStatus(l.Status, expiryData(l))
		}
		if l.Status == models.LicenseStatusDeactivated || !l.HasDomain(domain) {
			return rejectAlreadyDeactivated()
		}
		if next := l.NextDeactivate(); next > e.now().Unix() {
			return rejectTooEarlyDeactivation(next)
		}

		kept := make(models.StringList, 0, len(l.AllowedDomains))
		for _, d := range l.AllowedDomains {
			if d != domain {
				kept = append(kept, d)
			}
		}
		l.AllowedDomains = kept
		if len(kept) == 0 {
			l.Status = models.LicenseStatusDeactivated
		}
		if l.Data == nil {
			l.Data = models.JSONMap{}
		}
		l.Data[models.DataKeyNextDeactivate] = e.now().Add(e.cfg.EffectiveDeactivateCooldown()).Unix()
		return nil
	})
	if err != nil {
		if rej := AsRejection(err); rej != nil {
			telemetry.LicenseDeactivationsTotal.WithLabelValues(rej.Code).Inc()
			return nil, rej
		}
		telemetry.LicenseDeactivationsTotal.WithLabelValues(CodeUnexpectedError).Inc()
		return nil, fmt.Errorf("deactivate: %w", err)
	}
	if lic == nil {
		telemetry.LicenseDeactivationsTotal.WithLabelValues(CodeInvalidLicenseKey).Inc()
		return nil, rejectInvalidKey()
	}
	if deferred != nil {
		telemetry.LicenseDeactivationsTotal.WithLabelValues(deferred.Code).Inc()
		return nil, deferred
	}

	// The signature is issued for the domain just removed; it verifies false
	// from now on, but clients expect the field for bookkeeping.
	signature, err := e.GenerateSignature(lic, domain)
	if err != nil {
		telemetry.LicenseDeactivationsTotal.WithLabelValues(CodeUnexpectedError).Inc()
		return nil, fmt.Errorf("deactivate: sign: %w", err)
	}

	e.fire(EventDeactivate, lic)
	telemetry.LicenseDeactivationsTotal.WithLabelValues("ok").Inc()

	result := Sanitize(lic)
	result["license_signature"] = signature
	result["next_deactivate"] = lic.NextDeactivate()
	return result, nil
}

// expireInPlace flips a lapsed license to expired and returns the rejection
// the caller must surface. Blocked licenses keep their status.
func (e *Engine) expireInPlace(l *models.License) *Rejection {
	if l.Status == models.LicenseStatusBlocked || l.Status == models.LicenseStatusExpired {
		return nil
	}
	if !l.IsExpired(e.now()) {
		return nil
	}
	l.Status = models.LicenseStatusExpired
	e.fire(EventExpire, l)
	return rejectIllegalStatus(models.LicenseStatusExpired, models.FormatDate(l.DateExpiry))
}

func expiryData(l *models.License) string {
	if l.Status == models.LicenseStatusExpired {
		return models.FormatDate(l.DateExpiry)
	}
	return ""
}

// absDomains mirrors the capacity rule's tolerance for a negative
// max_allowed_domains value in stored records.
func absDomains(max int) int {
	if max < 0 {
		return -max
	}
	return max
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// GenerateSignature seals domain|package_slug|license_key|id with the
// license's own key material.
func (e *Engine) GenerateSignature(lic *models.License, domain string) (string, error) {
	sc, err := crypto.NewSignatureCipher(lic.CryptoKey, lic.HMACKey)
	if err != nil {
		return "", err
	}
	payload := fmt.Sprintf("%s|%s|%s|%d", domain, lic.PackageSlug, lic.LicenseKey, lic.ID)
	return sc.Seal(payload)
}

// VerifySignature reports whether signature was issued for this license and
// names a currently-allowed domain. Every failure mode answers false; callers
// cannot distinguish a forged signature from a revoked domain, which is the
// point.
func (e *Engine) VerifySignature(lic *models.License, signature string) bool {
	sc, err := crypto.NewSignatureCipher(lic.CryptoKey, lic.HMACKey)
	if err != nil {
		return false
	}
	payload, err := sc.Open(signature)
	if err != nil {
		return false
	}

	parts := strings.SplitN(payload, "|", 4)
	if len(parts) != 4 {
		return false
	}
	domain, slug, key, id := parts[0], parts[1], parts[2], parts[3]
	if slug != lic.PackageSlug || key != lic.LicenseKey || id != strconv.FormatInt(lic.ID, 10) {
		return false
	}
	return lic.HasDomain(domain)
}

// ---------------------------------------------------------------------------
// Private operations: browse, read, add, edit, delete
// ---------------------------------------------------------------------------

// Browse lists licenses matching the query. Keys without the "other" scope
// only see records they created; the filter is applied here rather than
// trusted to the caller-supplied criteria.
func (e *Engine) Browse(ctx context.Context, q *repositories.BrowseQuery, apiOwner string, canSeeOthers bool) ([]models.License, error) {
	if !canSeeOthers {
		q.APIOwner = apiOwner
	}
	licenses, err := e.store.Browse(ctx, q)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidBrowseQuery) {
			return nil, rejectInvalidData([]string{err.Error()})
		}
		return nil, fmt.Errorf("browse: %w", err)
	}
	return licenses, nil
}

// Read fetches the full record by id or, when id is zero, by license key.
func (e *Engine) Read(ctx context.Context, id int64, licenseKey string, apiOwner string, canSeeOthers bool) (*models.License, error) {
	var (
		lic *models.License
		err error
	)
	if id != 0 {
		lic, err = e.store.GetByID(ctx, id)
	} else {
		lic, err = e.store.GetByKey(ctx, licenseKey)
	}
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if lic == nil {
		return nil, rejectNotFound()
	}
	if !canSeeOthers && lic.APIOwner() != apiOwner {
		// Hidden, not forbidden: revealing the record exists would leak data
		// across API key boundaries.
		return nil, rejectNotFound()
	}
	return lic, nil
}

// Add creates a license. A blank license key is generated, missing secrets
// are generated, missing dates default to today, and the creating API key
// (when any) is recorded as the owner.
func (e *Engine) Add(ctx context.Context, in *LicenseInput, apiOwner string) (*models.License, error) {
	if errs := validateInput(in, true); len(errs) > 0 {
		return nil, rejectInvalidData(errs)
	}

	var licenseKey string
	if in.LicenseKey != nil {
		licenseKey = *in.LicenseKey
	}
	if licenseKey == "" {
		generated, err := crypto.GenerateSecret(16)
		if err != nil {
			return nil, fmt.Errorf("add: license key: %w", err)
		}
		licenseKey = generated
	}

	existing, err := e.store.GetByKey(ctx, licenseKey)
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	if existing != nil {
		return nil, rejectExists(licenseKey)
	}

	lic := &models.License{
		LicenseKey:        licenseKey,
		MaxAllowedDomains: 1,
		AllowedDomains:    models.StringList{},
		Status:            models.LicenseStatusPending,
		PackageSlug:       *in.PackageSlug,
		PackageType:       models.PackageTypePlugin,
		Email:             *in.Email,
		Data:              models.JSONMap{},
	}
	if in.MaxAllowedDomains != nil {
		lic.MaxAllowedDomains = *in.MaxAllowedDomains
	}
	if len(in.AllowedDomains) > 0 {
		lic.AllowedDomains = dedupeDomains(in.AllowedDomains)
	}
	if in.Status != nil {
		lic.Status = *in.Status
	}
	if in.OwnerName != nil {
		lic.OwnerName = *in.OwnerName
	}
	if in.CompanyName != nil {
		lic.CompanyName = *in.CompanyName
	}
	if in.TxnID != nil {
		lic.TxnID = *in.TxnID
	}
	if in.PackageType != nil {
		lic.PackageType = *in.PackageType
	}
	if apiOwner != "" {
		lic.Data[models.DataKeyAPIOwner] = apiOwner
	}

	lic.DateCreated = e.now().Truncate(24 * time.Hour)
	if in.DateCreated != nil {
		if d, err := parseDate(*in.DateCreated); err == nil && d != nil {
			lic.DateCreated = *d
		}
	}
	if in.DateRenewed != nil {
		lic.DateRenewed, _ = parseDate(*in.DateRenewed)
	}
	if in.DateExpiry != nil {
		lic.DateExpiry, _ = parseDate(*in.DateExpiry)
	}

	if lic.HMACKey, err = crypto.GenerateSecret(24); err != nil {
		return nil, fmt.Errorf("add: hmac key: %w", err)
	}
	if lic.CryptoKey, err = crypto.GenerateSecret(24); err != nil {
		return nil, fmt.Errorf("add: crypto key: %w", err)
	}

	if err := e.store.Create(ctx, lic); err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}

	e.fire(EventAdd, lic)
	return lic, nil
}

// Edit applies the supplied fields to an existing license under a row lock.
// The record is selected by id or, when id is zero, by the payload's
// license_key. Ownership is enforced the same way as Read.
func (e *Engine) Edit(ctx context.Context, id int64, in *LicenseInput, apiOwner string, canSeeOthers bool) (*models.License, error) {
	if errs := validateInput(in, false); len(errs) > 0 {
		return nil, rejectInvalidData(errs)
	}

	var selector string
	if id == 0 && in.LicenseKey != nil {
		selector = *in.LicenseKey
	}
	current, err := e.Read(ctx, id, selector, apiOwner, canSeeOthers)
	if err != nil {
		return nil, err
	}

	lic, err := e.store.UpdateWithLock(ctx, current.LicenseKey, func(l *models.License) error {
		if in.MaxAllowedDomains != nil {
			l.MaxAllowedDomains = *in.MaxAllowedDomains
		}
		if in.AllowedDomains != nil {
			l.AllowedDomains = dedupeDomains(in.AllowedDomains)
		}
		if in.Status != nil {
			l.Status = *in.Status
		}
		if in.OwnerName != nil {
			l.OwnerName = *in.OwnerName
		}
		if in.Email != nil {
			l.Email = *in.Email
		}
		if in.CompanyName != nil {
			l.CompanyName = *in.CompanyName
		}
		if in.TxnID != nil {
			l.TxnID = *in.TxnID
		}
		if in.DateRenewed != nil {
			l.DateRenewed, _ = parseDate(*in.DateRenewed)
		}
		if in.DateExpiry != nil {
			l.DateExpiry, _ = parseDate(*in.DateExpiry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}
	if lic == nil {
		return nil, rejectNotFound()
	}

	e.fire(EventEdit, lic)
	return lic, nil
}

// Delete removes a license record entirely, selected by id or license key.
func (e *Engine) Delete(ctx context.Context, id int64, licenseKey string, apiOwner string, canSeeOthers bool) (*models.License, error) {
	lic, err := e.Read(ctx, id, licenseKey, apiOwner, canSeeOthers)
	if err != nil {
		return nil, err
	}

	if err := e.store.Delete(ctx, lic.ID); err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}

	e.fire(EventDelete, lic)
	return lic, nil
}

// ---------------------------------------------------------------------------
// Expiry sweep
// ---------------------------------------------------------------------------

// SweepExpired transitions every lapsed license to expired and fires one
// expire event per flipped record.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired, err := e.store.SweepExpired(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	for i := range expired {
		e.fire(EventExpire, &expired[i])
		telemetry.LicensesExpiredTotal.Inc()
	}

	return len(expired), nil
}

// ---------------------------------------------------------------------------
// Sanitization
// ---------------------------------------------------------------------------

// Sanitize renders a license for public consumption: secrets, PII, and the
// raw domain list are stripped, and the domain count is exposed instead.
func Sanitize(lic *models.License) map[string]interface{} {
	return map[string]interface{}{
		"id":                  lic.ID,
		"license_key":         lic.LicenseKey,
		"status":              lic.Status,
		"max_allowed_domains": lic.MaxAllowedDomains,
		"num_allowed_domains": len(lic.AllowedDomains),
		"date_created":        lic.DateCreated.Format(dateLayout),
		"date_renewed":        models.FormatDate(lic.DateRenewed),
		"date_expiry":         models.FormatDate(lic.DateExpiry),
		"package_slug":        lic.PackageSlug,
		"package_type":        lic.PackageType,
	}
}
