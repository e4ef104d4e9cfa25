package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"policy-engine/internal/policy"
	"policy-engine/internal/schema"
	"policy-engine/internal/spatial"
)

var (
	ErrTemplateNotPublished = errors.New("template is not published")
	ErrInstanceActive       = errors.New("instance is active")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// Reduce log noise: "record not found" is expected when quota state is
	// read for the first time. Keep warnings/errors otherwise.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()

	// Create missing tables only. We intentionally avoid AutoMigrate here because it
	// can trigger driver/migrator edge-cases in some environments; our schema is
	// stable and managed by explicit model definitions.
	tables := []struct {
		name  string
		model any
	}{
		{"device_types", &DeviceType{}},
		{"device_models", &DeviceModel{}},
		{"device_features", &DeviceFeature{}},
		{"spatial_nodes", &SpatialNode{}},
		{"occupant_categories", &OccupantCategory{}},
		{"policy_templates", &PolicyTemplate{}},
		{"policy_instances", &PolicyInstance{}},
		{"quota_states", &QuotaState{}},
		{"pending_dispatches", &PendingDispatch{}},
	}
	for _, t := range tables {
		if !m.HasTable(t.model) {
			if err := m.CreateTable(t.model); err != nil {
				return fmt.Errorf("create table %s: %w", t.name, err)
			}
		}
	}

	// Ensure indexes exist (names come from struct tags in models.go).
	indexes := []struct {
		model any
		field string
	}{
		{&DeviceModel{}, "TypeID"},
		{&SpatialNode{}, "ParentID"},
		{&PolicyTemplate{}, "Kind"},
		{&PolicyInstance{}, "ProjectID"},
		{&PolicyInstance{}, "Kind"},
		{&QuotaState{}, "InstanceID"},
		{&PendingDispatch{}, "InstanceID"},
		{&PendingDispatch{}, "NextAttemptAt"},
	}
	for _, ix := range indexes {
		if !m.HasIndex(ix.model, ix.field) {
			if err := m.CreateIndex(ix.model, ix.field); err != nil {
				return fmt.Errorf("create index %T.%s: %w", ix.model, ix.field, err)
			}
		}
	}

	return nil
}

// --- Device catalog ---

func (r *Repo) ListDeviceTypes(ctx context.Context) ([]DeviceType, error) {
	var rows []DeviceType
	if err := r.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListDeviceModels(ctx context.Context, typeID string) ([]DeviceModel, error) {
	var rows []DeviceModel
	q := r.db.WithContext(ctx).Order("id asc")
	if typeID != "" {
		q = q.Where("type_id = ?", typeID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListModelFeatures(ctx context.Context, modelID string) ([]DeviceFeature, error) {
	var rows []DeviceFeature
	if err := r.db.WithContext(ctx).Where("model_id = ?", modelID).Order("identifier asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListFeatures implements schema.Source: the registry snapshots the full
// catalog through this.
func (r *Repo) ListFeatures(ctx context.Context) ([]schema.Feature, error) {
	var rows []DeviceFeature
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]schema.Feature, 0, len(rows))
	for _, row := range rows {
		f, err := toSchemaFeature(row)
		if err != nil {
			return nil, fmt.Errorf("feature %s.%s: %w", row.ModelID, row.Identifier, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func toSchemaFeature(row DeviceFeature) (schema.Feature, error) {
	f := schema.Feature{
		ModelID:    row.ModelID,
		Identifier: row.Identifier,
		Name:       row.Name,
		DataType:   schema.DataType(row.DataType),
		AccessMode: schema.AccessMode(row.AccessMode),
		Unit:       row.Unit,
	}
	specs, err := schema.DecodeSpecs(f.DataType, []byte(row.Specs))
	if err != nil {
		return f, err
	}
	f.Specs = specs
	return f, nil
}

func (r *Repo) UpsertDeviceType(ctx context.Context, t *DeviceType) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(t).Error
}

func (r *Repo) UpsertDeviceModel(ctx context.Context, m *DeviceModel) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error
}

func (r *Repo) UpsertDeviceFeature(ctx context.Context, f *DeviceFeature) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "model_id"}, {Name: "identifier"}},
		UpdateAll: true,
	}).Create(f).Error
}

// --- Spatial hierarchy and occupant categories ---

// ListSpatialNodes implements spatial.Source.
func (r *Repo) ListSpatialNodes(ctx context.Context) ([]spatial.Node, error) {
	var rows []SpatialNode
	if err := r.db.WithContext(ctx).Order("sort_order asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]spatial.Node, 0, len(rows))
	for _, row := range rows {
		out = append(out, spatial.Node{ID: row.ID, ParentID: row.ParentID, Kind: spatial.NodeKind(row.Kind), Name: row.Name})
	}
	return out, nil
}

// ListOccupantCategories implements spatial.Source.
func (r *Repo) ListOccupantCategories(ctx context.Context) ([]spatial.Category, error) {
	var rows []OccupantCategory
	if err := r.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]spatial.Category, 0, len(rows))
	for _, row := range rows {
		out = append(out, spatial.Category{ID: row.ID, Name: row.Name})
	}
	return out, nil
}

func (r *Repo) UpsertSpatialNode(ctx context.Context, n *SpatialNode) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(n).Error
}

func (r *Repo) UpsertOccupantCategory(ctx context.Context, c *OccupantCategory) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(c).Error
}

// --- Templates ---

func (r *Repo) ListTemplates(ctx context.Context, kind string) ([]PolicyTemplate, error) {
	var rows []PolicyTemplate
	q := r.db.WithContext(ctx).Order("created_at desc")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetTemplate(ctx context.Context, id uuid.UUID) (*PolicyTemplate, error) {
	var t PolicyTemplate
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) CreateTemplate(ctx context.Context, t *PolicyTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = "draft"
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) UpdateTemplate(ctx context.Context, t *PolicyTemplate) error {
	return r.db.WithContext(ctx).Save(t).Error
}

func (r *Repo) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&PolicyTemplate{}, "id = ?", id).Error
}

func (r *Repo) SetTemplateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.db.WithContext(ctx).Model(&PolicyTemplate{}).Where("id = ?", id).Update("status", status).Error
}

// CountInstancesFromTemplate reports how many instances were materialized
// from the template. Informational only: the copies are independent.
func (r *Repo) CountInstancesFromTemplate(ctx context.Context, templateID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&PolicyInstance{}).Where("source_template_id = ?", templateID).Count(&n).Error
	return n, err
}

// --- Instances ---

func (r *Repo) ListInstances(ctx context.Context, projectID, kind string) ([]PolicyInstance, error) {
	var rows []PolicyInstance
	q := r.db.WithContext(ctx).Order("created_at desc")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListActiveInstances(ctx context.Context) ([]PolicyInstance, error) {
	var rows []PolicyInstance
	if err := r.db.WithContext(ctx).Where("status = ?", "active").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetInstance(ctx context.Context, id uuid.UUID) (*PolicyInstance, error) {
	var p PolicyInstance
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) CreateInstance(ctx context.Context, p *PolicyInstance) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = "inactive"
	}
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repo) UpdateInstance(ctx context.Context, p *PolicyInstance) error {
	return r.db.WithContext(ctx).Save(p).Error
}

// DeleteInstance removes the instance and its accumulated quota state in one
// transaction. An active instance must be deactivated first.
func (r *Repo) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p PolicyInstance
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			return err
		}
		if p.Status == "active" {
			return ErrInstanceActive
		}
		if err := tx.Delete(&QuotaState{}, "instance_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&PendingDispatch{}, "instance_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&PolicyInstance{}, "id = ?", id).Error
	})
}

func (r *Repo) SetInstanceStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.db.WithContext(ctx).Model(&PolicyInstance{}).Where("id = ?", id).Update("status", status).Error
}

// MaterializeInstance deep-copies a published template into a new project
// instance. Rules and actions get fresh IDs so quota state and dispatch
// correlation never collide across instances of the same template. The copy
// is a value snapshot: later template edits do not reach it.
func (r *Repo) MaterializeInstance(ctx context.Context, templateID uuid.UUID, projectID, name, createdBy string) (*PolicyInstance, error) {
	var inst *PolicyInstance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t PolicyTemplate
		if err := tx.First(&t, "id = ?", templateID).Error; err != nil {
			return err
		}
		if t.Status != "published" {
			return ErrTemplateNotPublished
		}
		def, err := t.Definition()
		if err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
		def = freshenDefinition(def)
		rules, actions, scope, err := encodeDefinition(def)
		if err != nil {
			return err
		}
		if name == "" {
			name = t.Name
		}
		tid := t.ID
		inst = &PolicyInstance{
			ID:                 uuid.New(),
			ProjectID:          projectID,
			Kind:               t.Kind,
			Name:               name,
			Description:        t.Description,
			Status:             "inactive",
			SourceTemplateID:   &tid,
			SourceTemplateName: t.Name,
			Rules:              rules,
			Actions:            actions,
			Scope:              scope,
			AlarmType:          t.AlarmType,
			AlarmLevel:         t.AlarmLevel,
			CreatedBy:          createdBy,
		}
		return tx.Create(inst).Error
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// freshenDefinition re-identifies every rule and action. Definitions are
// plain values, so reassigning IDs on the decoded copy is a full deep copy
// with respect to the stored template document.
func freshenDefinition(def policy.Definition) policy.Definition {
	rules := make([]policy.Rule, len(def.Rules))
	copy(rules, def.Rules)
	for i := range rules {
		rules[i].ID = uuid.NewString()
	}
	actions := make([]policy.Action, len(def.Actions))
	copy(actions, def.Actions)
	for i := range actions {
		actions[i].ID = uuid.NewString()
	}
	def.Rules = rules
	def.Actions = actions
	return def
}

// --- Quota state ---

// GetQuotaState returns nil, nil when no row exists yet: a fresh accumulator
// starts from zero.
func (r *Repo) GetQuotaState(ctx context.Context, instanceID uuid.UUID, ruleID, entityID string) (*QuotaState, error) {
	var st QuotaState
	err := r.db.WithContext(ctx).First(&st, "instance_id = ? AND rule_id = ? AND entity_id = ?", instanceID, ruleID, entityID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (r *Repo) SaveQuotaState(ctx context.Context, st *QuotaState) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	st.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "rule_id"}, {Name: "entity_id"}},
		UpdateAll: true,
	}).Create(st).Error
}

func (r *Repo) ListQuotaStates(ctx context.Context, instanceID uuid.UUID) ([]QuotaState, error) {
	var rows []QuotaState
	if err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("entity_id asc, rule_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- Pending dispatches ---

func (r *Repo) CreatePendingDispatch(ctx context.Context, d *PendingDispatch) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = "pending"
	}
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) GetPendingDispatch(ctx context.Context, id uuid.UUID) (*PendingDispatch, error) {
	var d PendingDispatch
	err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Normal case: ack for a dispatch we no longer track.
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// FindDispatchByKey dedupes redelivered samples: the same instance firing on
// the same sample timestamp must not enqueue a second command unit.
func (r *Repo) FindDispatchByKey(ctx context.Context, idempotencyKey string) (*PendingDispatch, error) {
	var d PendingDispatch
	err := r.db.WithContext(ctx).First(&d, "idempotency_key = ?", idempotencyKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// RecordDispatchAck increments the ack counter and marks the dispatch acked
// once every command in the unit has been confirmed.
func (r *Repo) RecordDispatchAck(ctx context.Context, id uuid.UUID) (*PendingDispatch, error) {
	var d PendingDispatch
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&d, "id = ?", id).Error; err != nil {
			return err
		}
		d.Acks++
		if d.Acks >= d.ExpectedAcks {
			d.Status = "acked"
		}
		return tx.Save(&d).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *Repo) UpdatePendingDispatch(ctx context.Context, d *PendingDispatch) error {
	return r.db.WithContext(ctx).Save(d).Error
}

// ListDueDispatches returns pending units whose retry time has arrived.
func (r *Repo) ListDueDispatches(ctx context.Context, now time.Time, limit int) ([]PendingDispatch, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []PendingDispatch
	q := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", "pending", now).
		Order("next_attempt_at asc").Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) PruneFinishedDispatches(ctx context.Context, olderThan time.Time) error {
	return r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{"acked", "failed"}, olderThan).
		Delete(&PendingDispatch{}).Error
}
