package ingest

import (
	"context"

	"wainbox/db"
	"wainbox/models"
	"wainbox/tools"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const DIRECTORY_SCAN_BATCH = 200

// Directory resolves a phone hint to its tenant. The mapping table is a
// self-healing cache over tenant_phones: misses fall back to a full scan
// and write the discovered variants back.
type Directory struct {
	db        *gorm.DB
	batchSize int
}

func NewDirectory(database *gorm.DB) *Directory {
	return &Directory{db: database, batchSize: DIRECTORY_SCAN_BATCH}
}

// ResolveTenant returns the tenant owning phone, or ErrTenantNotFound.
func (d *Directory) ResolveTenant(ctx context.Context, phone string) (string, error) {
	variants := tools.PhoneVariants(phone)
	if len(variants) == 0 {
		return "", ErrTenantNotFound
	}

	tenantID, err := d.lookup(variants)
	if err != nil {
		return "", err
	}
	if tenantID != "" {
		return tenantID, nil
	}

	match, err := d.scan(ctx, variants)
	if err != nil {
		return "", err
	}
	if match == nil {
		return "", ErrTenantNotFound
	}

	zap.L().Info("directory: mapping recovered by full scan",
		zap.String("tenant_id", match.TenantID),
		zap.String("phone", variants[0]),
	)
	if err := d.Remember(ctx, match.TenantID, phone, match.Phone); err != nil {
		zap.L().Warn("directory: write back failed", zap.String("tenant_id", match.TenantID), zap.Error(err))
	}
	return match.TenantID, nil
}

// lookup reads every variant in one query. Rows recorded for the same
// canonical number win; otherwise the earliest variant does.
func (d *Directory) lookup(variants []string) (string, error) {
	var rows []models.PhoneIdentityMapping
	if err := d.db.Where("phone IN (?)", variants).Find(&rows).Error; err != nil {
		return "", eris.Wrap(err, "directory: lookup mapping")
	}
	byPhone := make(map[string]models.PhoneIdentityMapping, len(rows))
	for _, r := range rows {
		if r.CanonicalPhone == variants[0] {
			return r.TenantID, nil
		}
		byPhone[r.Phone] = r
	}
	for _, v := range variants {
		if r, ok := byPhone[v]; ok {
			return r.TenantID, nil
		}
	}
	return "", nil
}

// scan walks tenant_phones in id order, comparing canonical forms.
func (d *Directory) scan(ctx context.Context, variants []string) (*models.TenantPhone, error) {
	canonical := variants[0]
	var lastID int64

	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "directory: scan interrupted")
		}

		var batch []models.TenantPhone
		err := d.db.Where("id > ?", lastID).Order("id").Limit(d.batchSize).Find(&batch).Error
		if err != nil {
			return nil, eris.Wrap(err, "directory: scan tenant phones")
		}
		for i := range batch {
			if tools.NormalizePhone(batch[i].Phone) == canonical {
				return &batch[i], nil
			}
		}
		if len(batch) < d.batchSize {
			return nil, nil
		}
		lastID = batch[len(batch)-1].ID
	}
}

// ResolveInstance maps a provider instance name to its tenant.
func (d *Directory) ResolveInstance(ctx context.Context, instance string) (string, error) {
	if instance == "" {
		return "", ErrTenantNotFound
	}
	var cfg models.WhatsAppConfig
	err := d.db.Where("instance = ?", instance).First(&cfg).Error
	if gorm.IsRecordNotFoundError(err) {
		return "", ErrTenantNotFound
	}
	if err != nil {
		return "", eris.Wrap(err, "directory: lookup instance")
	}
	return cfg.TenantID, nil
}

// TenantExists reports whether tenantID names a known tenant.
func (d *Directory) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, nil
	}
	var count int
	if err := d.db.Model(&models.Tenant{}).Where("id = ?", tenantID).Count(&count).Error; err != nil {
		return false, eris.Wrap(err, "directory: lookup tenant")
	}
	return count > 0, nil
}

// Remember writes every variant of every phone as a mapping to tenantID.
// Conflicting entries are overwritten (last write wins).
func (d *Directory) Remember(ctx context.Context, tenantID string, phones ...string) error {
	for _, phone := range phones {
		variants := tools.PhoneVariants(phone)
		if len(variants) == 0 {
			continue
		}
		canonical := variants[0]
		for _, v := range variants {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.upsertMapping(v, tenantID, canonical, phone); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Directory) upsertMapping(variant, tenantID, canonical, original string) error {
	attrs := models.PhoneIdentityMapping{TenantID: tenantID, CanonicalPhone: canonical, OriginalPhone: original}
	var m models.PhoneIdentityMapping

	err := d.db.Where(models.PhoneIdentityMapping{Phone: variant}).Assign(attrs).FirstOrCreate(&m).Error
	if err != nil && db.IsUniqueViolation(err) {
		// another event created it between our read and insert
		err = d.db.Where(models.PhoneIdentityMapping{Phone: variant}).Assign(attrs).FirstOrCreate(&m).Error
	}
	if err != nil {
		return eris.Wrapf(err, "directory: remember %s", variant)
	}
	return nil
}
