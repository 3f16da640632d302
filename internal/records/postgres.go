package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	logx "leadpulse/pkg/logx"
)

// Postgres is a Store backed by gorm on PostgreSQL.
type Postgres struct {
	db *gorm.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects, migrates the record tables and returns the store.
func OpenPostgres(ctx context.Context, dsn string, log logx.Logger) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: records dsn required", ErrInvalid)
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(gormWriter{log: log}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open records db: %w", err)
	}
	p := &Postgres{db: gdb}
	if err := p.migrate(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

type gormWriter struct{ log logx.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn("records sql", logx.String("detail", fmt.Sprintf(format, args...)))
}

func (p *Postgres) migrate(ctx context.Context) error {
	db := p.db.WithContext(ctx)
	if err := db.AutoMigrate(&taskRow{}, &leadRow{}, &userRow{}, &notificationRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	stmts := []string{
		`create index if not exists idx_tasks_overdue on tasks(status, due_date) where overdue_notified = false;`,
		`create index if not exists idx_leads_owner_status on leads(owner_id, status);`,
		`create index if not exists idx_messages_due on scheduled_messages(status, scheduled_time);`,
		`create index if not exists idx_notifications_expiry on notifications(expires_at) where expires_at is not null;`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---- rows ----

type taskRow struct {
	ID              string     `gorm:"primaryKey"`
	OwnerID         string     `gorm:"index;not null"`
	LeadID          string     `gorm:"index"`
	Title           string     `gorm:"not null"`
	Description     string     `gorm:"type:text;not null;default:''"`
	Type            string     `gorm:"not null;default:''"`
	Priority        string     `gorm:"not null;default:''"`
	DueDate         time.Time  `gorm:"type:timestamptz;index;not null"`
	Status          string     `gorm:"index;not null"`
	ReminderAt      *time.Time `gorm:"type:timestamptz"`
	ReminderSent    bool       `gorm:"not null;default:false"`
	OverdueNotified bool       `gorm:"not null;default:false"`

	HasRecurrence         bool       `gorm:"not null;default:false"`
	RecurrenceFrequency   string     `gorm:"not null;default:''"`
	RecurrenceInterval    int        `gorm:"not null;default:0"`
	RecurrenceEndDate     *time.Time `gorm:"type:timestamptz"`
	RecurrenceLastCreated *time.Time `gorm:"type:timestamptz"`
	RecurrenceActive      bool       `gorm:"not null;default:false"`
	ParentTaskID          string     `gorm:"index;not null;default:''"`
	// Nullable so tasks without a key never collide.
	RecurrenceKey *string `gorm:"uniqueIndex"`

	CompletedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;not null"`
}

func (taskRow) TableName() string { return "tasks" }

func taskToRow(t Task) taskRow {
	r := taskRow{
		ID: t.ID, OwnerID: t.OwnerID, LeadID: t.LeadID, Title: t.Title,
		Description: t.Description, Type: t.Type, Priority: t.Priority,
		DueDate: t.DueDate.UTC(), Status: string(t.Status), ReminderAt: t.ReminderAt,
		ReminderSent: t.ReminderSent, OverdueNotified: t.OverdueNotified,
		ParentTaskID: t.ParentTaskID, CompletedAt: t.CompletedAt,
		CreatedAt: t.CreatedAt.UTC(), UpdatedAt: t.UpdatedAt.UTC(),
	}
	if t.RecurrenceKey != "" {
		k := t.RecurrenceKey
		r.RecurrenceKey = &k
	}
	if rec := t.Recurrence; rec != nil {
		r.HasRecurrence = true
		r.RecurrenceFrequency = string(rec.Frequency)
		r.RecurrenceInterval = rec.Interval
		r.RecurrenceEndDate = rec.EndDate
		r.RecurrenceLastCreated = rec.LastCreated
		r.RecurrenceActive = rec.Active
	}
	return r
}

func (r taskRow) task() Task {
	t := Task{
		ID: r.ID, OwnerID: r.OwnerID, LeadID: r.LeadID, Title: r.Title,
		Description: r.Description, Type: r.Type, Priority: r.Priority,
		DueDate: r.DueDate, Status: TaskStatus(r.Status), ReminderAt: r.ReminderAt,
		ReminderSent: r.ReminderSent, OverdueNotified: r.OverdueNotified,
		ParentTaskID: r.ParentTaskID, CompletedAt: r.CompletedAt,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.RecurrenceKey != nil {
		t.RecurrenceKey = *r.RecurrenceKey
	}
	if r.HasRecurrence {
		t.Recurrence = &TaskRecurrence{
			Frequency:   Frequency(r.RecurrenceFrequency),
			Interval:    r.RecurrenceInterval,
			EndDate:     r.RecurrenceEndDate,
			LastCreated: r.RecurrenceLastCreated,
			Active:      r.RecurrenceActive,
		}
	}
	return t
}

type leadRow struct {
	ID              string     `gorm:"primaryKey"`
	OwnerID         string     `gorm:"index;not null"`
	Name            string     `gorm:"not null"`
	Email           string     `gorm:"not null;default:''"`
	Company         string     `gorm:"not null;default:''"`
	Status          string     `gorm:"index;not null"`
	Value           float64    `gorm:"not null;default:0"`
	LastContactedAt *time.Time `gorm:"type:timestamptz"`
	WonAt           *time.Time `gorm:"type:timestamptz"`
	CreatedAt       time.Time  `gorm:"type:timestamptz;index;not null"`
	UpdatedAt       time.Time  `gorm:"type:timestamptz;not null"`
}

func (leadRow) TableName() string { return "leads" }

func (r leadRow) lead() Lead {
	return Lead{
		ID: r.ID, OwnerID: r.OwnerID, Name: r.Name, Email: r.Email, Company: r.Company,
		Status: LeadStatus(r.Status), Value: r.Value, LastContactedAt: r.LastContactedAt,
		WonAt: r.WonAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type userRow struct {
	ID                 string `gorm:"primaryKey"`
	Name               string `gorm:"not null;default:''"`
	Email              string `gorm:"not null;default:''"`
	TelegramChatID     int64  `gorm:"not null;default:0"`
	Timezone           string `gorm:"not null;default:''"`
	Active             bool   `gorm:"index;not null;default:true"`
	PrefDailySummary   *bool
	PrefWeeklyReport   *bool
	PrefEmailReminders *bool
	CreatedAt          time.Time `gorm:"type:timestamptz;not null"`
}

func (userRow) TableName() string { return "users" }

func (r userRow) user() User {
	return User{
		ID: r.ID, Name: r.Name, Email: r.Email, TelegramChatID: r.TelegramChatID,
		Timezone: r.Timezone, Active: r.Active, CreatedAt: r.CreatedAt,
		Preferences: Preferences{
			DailySummary:   r.PrefDailySummary,
			WeeklyReport:   r.PrefWeeklyReport,
			EmailReminders: r.PrefEmailReminders,
		},
	}
}

type notificationRow struct {
	ID        string          `gorm:"primaryKey"`
	UserID    string          `gorm:"index;not null"`
	Type      string          `gorm:"index;not null"`
	Title     string          `gorm:"not null"`
	Message   string          `gorm:"type:text;not null"`
	Link      string          `gorm:"not null;default:''"`
	Priority  string          `gorm:"not null;default:'normal'"`
	Data      json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	Read      bool            `gorm:"not null;default:false"`
	ReadAt    *time.Time      `gorm:"type:timestamptz"`
	CreatedAt time.Time       `gorm:"type:timestamptz;index;not null"`
	ExpiresAt *time.Time      `gorm:"type:timestamptz"`
}

func (notificationRow) TableName() string { return "notifications" }

func (r notificationRow) notification() Notification {
	n := Notification{
		ID: r.ID, UserID: r.UserID, Type: NotificationType(r.Type), Title: r.Title,
		Message: r.Message, Link: r.Link, Priority: Priority(r.Priority), Read: r.Read,
		ReadAt: r.ReadAt, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt,
	}
	if len(r.Data) > 0 && string(r.Data) != "{}" {
		_ = json.Unmarshal(r.Data, &n.Data)
	}
	return n
}

type messageRow struct {
	ID            string     `gorm:"primaryKey"`
	UserID        string     `gorm:"index;not null"`
	LeadID        string     `gorm:"index;not null;default:''"`
	TaskID        string     `gorm:"not null;default:''"`
	Channel       string     `gorm:"not null"`
	Recipient     string     `gorm:"not null"`
	Subject       string     `gorm:"not null;default:''"`
	Content       string     `gorm:"type:text;not null"`
	ScheduledTime time.Time  `gorm:"type:timestamptz;not null"`
	Status        string     `gorm:"not null"`
	RetryCount    int        `gorm:"not null;default:0"`
	MaxRetries    int        `gorm:"not null;default:3"`
	FailureReason string     `gorm:"type:text;not null;default:''"`
	SentAt        *time.Time `gorm:"type:timestamptz"`
	CreatedAt     time.Time  `gorm:"type:timestamptz;not null"`
	UpdatedAt     time.Time  `gorm:"type:timestamptz;not null"`
}

func (messageRow) TableName() string { return "scheduled_messages" }

func messageToRow(m ScheduledMessage) messageRow {
	return messageRow{
		ID: m.ID, UserID: m.UserID, LeadID: m.LeadID, TaskID: m.TaskID,
		Channel: string(m.Channel), Recipient: m.Recipient, Subject: m.Subject,
		Content: m.Content, ScheduledTime: m.ScheduledTime.UTC(), Status: string(m.Status),
		RetryCount: m.RetryCount, MaxRetries: m.MaxRetries, FailureReason: m.FailureReason,
		SentAt: m.SentAt, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func (r messageRow) message() ScheduledMessage {
	return ScheduledMessage{
		ID: r.ID, UserID: r.UserID, LeadID: r.LeadID, TaskID: r.TaskID,
		Channel: Channel(r.Channel), Recipient: r.Recipient, Subject: r.Subject,
		Content: r.Content, ScheduledTime: r.ScheduledTime, Status: MessageStatus(r.Status),
		RetryCount: r.RetryCount, MaxRetries: r.MaxRetries, FailureReason: r.FailureReason,
		SentAt: r.SentAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// ---- helpers ----

func strs[T ~string](xs []T) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = string(x)
	}
	return out
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (p *Postgres) taskQuery(ctx context.Context, f TaskFilter) *gorm.DB {
	q := p.db.WithContext(ctx).Model(&taskRow{})
	if len(f.IDs) > 0 {
		q = q.Where("id = ANY(?)", pq.Array(f.IDs))
	}
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status = ANY(?)", pq.Array(strs(f.Statuses)))
	}
	if f.DueFrom != nil {
		q = q.Where("due_date >= ?", f.DueFrom.UTC())
	}
	if f.DueBefore != nil {
		q = q.Where("due_date < ?", f.DueBefore.UTC())
	}
	if f.CompletedFrom != nil {
		q = q.Where("completed_at >= ?", f.CompletedFrom.UTC())
	}
	if f.ReminderSent != nil {
		q = q.Where("reminder_sent = ?", *f.ReminderSent)
	}
	if f.OverdueNotified != nil {
		q = q.Where("overdue_notified = ?", *f.OverdueNotified)
	}
	if f.ParentTaskID != "" {
		q = q.Where("parent_task_id = ?", f.ParentTaskID)
	}
	if f.RecurrenceKey != "" {
		q = q.Where("recurrence_key = ?", f.RecurrenceKey)
	}
	return q
}

func taskUpdates(p TaskPatch, now time.Time) map[string]any {
	u := map[string]any{"updated_at": now.UTC()}
	if p.MarkReminderSent {
		u["reminder_sent"] = true
	}
	if p.MarkOverdueNotified {
		u["overdue_notified"] = true
	}
	if p.Status != nil {
		u["status"] = string(*p.Status)
	}
	if p.CompletedAt != nil {
		u["completed_at"] = p.CompletedAt.UTC()
	}
	if p.ReminderAt != nil {
		u["reminder_at"] = p.ReminderAt.UTC()
	}
	if p.DueDate != nil {
		u["due_date"] = p.DueDate.UTC()
	}
	if p.RecurrenceLastCreated != nil {
		u["recurrence_last_created"] = p.RecurrenceLastCreated.UTC()
	}
	return u
}

// ---- tasks ----

func (p *Postgres) Task(ctx context.Context, id string) (Task, error) {
	var r taskRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return Task{}, translate(err, "task "+id)
	}
	return r.task(), nil
}

func (p *Postgres) FindTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var rows []taskRow
	q := p.taskQuery(ctx, f).Order("due_date asc, id asc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "find tasks")
	}
	out := make([]Task, len(rows))
	for i, r := range rows {
		out[i] = r.task()
	}
	return out, nil
}

func (p *Postgres) CountTasks(ctx context.Context, f TaskFilter) (int, error) {
	var n int64
	if err := p.taskQuery(ctx, f).Count(&n).Error; err != nil {
		return 0, translate(err, "count tasks")
	}
	return int(n), nil
}

func (p *Postgres) InsertTask(ctx context.Context, t Task) (Task, error) {
	if strings.TrimSpace(t.OwnerID) == "" {
		return Task{}, fmt.Errorf("%w: task owner required", ErrInvalid)
	}
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	r := taskToRow(t)
	if err := p.db.WithContext(ctx).Create(&r).Error; err != nil {
		return Task{}, translate(err, "insert task "+t.ID)
	}
	return r.task(), nil
}

func (p *Postgres) UpdateTask(ctx context.Context, id string, patch TaskPatch) (bool, error) {
	if patch.empty() {
		return false, nil
	}
	res := p.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", id).Updates(taskUpdates(patch, time.Now()))
	if res.Error != nil {
		return false, translate(res.Error, "update task "+id)
	}
	return res.RowsAffected > 0, nil
}

func (p *Postgres) UpdateTasks(ctx context.Context, f TaskFilter, patch TaskPatch) (int, error) {
	if patch.empty() {
		return 0, nil
	}
	res := p.taskQuery(ctx, f).Updates(taskUpdates(patch, time.Now()))
	if res.Error != nil {
		return 0, translate(res.Error, "update tasks")
	}
	return int(res.RowsAffected), nil
}

// ---- leads ----

func (p *Postgres) Lead(ctx context.Context, id string) (Lead, error) {
	var r leadRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return Lead{}, translate(err, "lead "+id)
	}
	return r.lead(), nil
}

func (p *Postgres) InsertLead(ctx context.Context, l Lead) (Lead, error) {
	if l.ID == "" {
		l.ID = NewID()
	}
	if l.Status == "" {
		l.Status = LeadNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	r := leadRow{
		ID: l.ID, OwnerID: l.OwnerID, Name: l.Name, Email: l.Email, Company: l.Company,
		Status: string(l.Status), Value: l.Value, LastContactedAt: l.LastContactedAt,
		WonAt: l.WonAt, CreatedAt: l.CreatedAt.UTC(), UpdatedAt: l.UpdatedAt.UTC(),
	}
	if err := p.db.WithContext(ctx).Create(&r).Error; err != nil {
		return Lead{}, translate(err, "insert lead "+l.ID)
	}
	return r.lead(), nil
}

func (p *Postgres) CountLeads(ctx context.Context, f LeadFilter) (int, error) {
	q := p.db.WithContext(ctx).Model(&leadRow{})
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status = ANY(?)", pq.Array(strs(f.Statuses)))
	}
	if len(f.ExcludeStatuses) > 0 {
		q = q.Where("NOT (status = ANY(?))", pq.Array(strs(f.ExcludeStatuses)))
	}
	if f.NotContactedSince != nil {
		q = q.Where("COALESCE(last_contacted_at, created_at) < ?", f.NotContactedSince.UTC())
	}
	if f.UpdatedBefore != nil {
		q = q.Where("updated_at < ?", f.UpdatedBefore.UTC())
	}
	if f.CreatedFrom != nil {
		q = q.Where("created_at >= ?", f.CreatedFrom.UTC())
	}
	if f.WonFrom != nil {
		q = q.Where("won_at >= ?", f.WonFrom.UTC())
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, translate(err, "count leads")
	}
	return int(n), nil
}

// ---- users ----

func (p *Postgres) User(ctx context.Context, id string) (User, error) {
	var r userRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return User{}, translate(err, "user "+id)
	}
	return r.user(), nil
}

func (p *Postgres) InsertUser(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	r := userRow{
		ID: u.ID, Name: u.Name, Email: u.Email, TelegramChatID: u.TelegramChatID,
		Timezone: u.Timezone, Active: u.Active, CreatedAt: u.CreatedAt.UTC(),
		PrefDailySummary:   u.Preferences.DailySummary,
		PrefWeeklyReport:   u.Preferences.WeeklyReport,
		PrefEmailReminders: u.Preferences.EmailReminders,
	}
	// Select all columns so an explicit Active=false is not replaced by the
	// column default.
	if err := p.db.WithContext(ctx).Select("*").Create(&r).Error; err != nil {
		return User{}, translate(err, "insert user "+u.ID)
	}
	return r.user(), nil
}

func (p *Postgres) FindUsers(ctx context.Context, f UserFilter) ([]User, error) {
	var rows []userRow
	q := p.db.WithContext(ctx).Order("id asc")
	if f.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "find users")
	}
	out := make([]User, len(rows))
	for i, r := range rows {
		out[i] = r.user()
	}
	return out, nil
}

// ---- notifications ----

func (p *Postgres) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.UserID == "" || n.Type == "" {
		return Notification{}, fmt.Errorf("%w: notification user and type required", ErrInvalid)
	}
	if n.ID == "" {
		n.ID = NewID()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data := json.RawMessage("{}")
	if len(n.Data) > 0 {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return Notification{}, fmt.Errorf("encode notification data: %w", err)
		}
		data = b
	}
	r := notificationRow{
		ID: n.ID, UserID: n.UserID, Type: string(n.Type), Title: n.Title, Message: n.Message,
		Link: n.Link, Priority: string(n.Priority), Data: data, CreatedAt: n.CreatedAt.UTC(),
		ExpiresAt: n.ExpiresAt,
	}
	if err := p.db.WithContext(ctx).Create(&r).Error; err != nil {
		return Notification{}, translate(err, "insert notification "+n.ID)
	}
	return r.notification(), nil
}

func (p *Postgres) FindNotifications(ctx context.Context, f NotificationFilter) ([]Notification, error) {
	q := p.db.WithContext(ctx).Order("created_at desc, id asc")
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.Unread {
		q = q.Where("read = ?", false)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []notificationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "find notifications")
	}
	out := make([]Notification, len(rows))
	for i, r := range rows {
		out[i] = r.notification()
	}
	return out, nil
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error) {
	res := p.db.WithContext(ctx).Model(&notificationRow{}).
		Where("id = ? AND read = ?", id, false).
		Updates(map[string]any{"read": true, "read_at": at.UTC()})
	if res.Error != nil {
		return false, translate(res.Error, "mark notification "+id)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := p.db.WithContext(ctx).Model(&notificationRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, translate(err, "notification "+id)
	}
	if n == 0 {
		return false, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func (p *Postgres) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	res := p.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).Delete(&notificationRow{})
	if res.Error != nil {
		return 0, translate(res.Error, "delete expired notifications")
	}
	return int(res.RowsAffected), nil
}

// ---- scheduled messages ----

func (p *Postgres) ScheduledMessage(ctx context.Context, id string) (ScheduledMessage, error) {
	var r messageRow
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return ScheduledMessage{}, translate(err, "message "+id)
	}
	return r.message(), nil
}

func (p *Postgres) InsertScheduledMessage(ctx context.Context, m ScheduledMessage) (ScheduledMessage, error) {
	if m.ScheduledTime.IsZero() {
		return ScheduledMessage{}, fmt.Errorf("%w: message scheduled time required", ErrInvalid)
	}
	if m.ID == "" {
		m.ID = NewID()
	}
	m.Status = MessagePending
	m.RetryCount = 0
	if m.MaxRetries <= 0 {
		m.MaxRetries = DefaultMessageRetries
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	r := messageToRow(m)
	if err := p.db.WithContext(ctx).Create(&r).Error; err != nil {
		return ScheduledMessage{}, translate(err, "insert message "+m.ID)
	}
	return r.message(), nil
}

func (p *Postgres) FindScheduledMessages(ctx context.Context, f MessageFilter) ([]ScheduledMessage, error) {
	q := p.db.WithContext(ctx).Order("scheduled_time asc, id asc")
	if len(f.Statuses) > 0 {
		q = q.Where("status = ANY(?)", pq.Array(strs(f.Statuses)))
	}
	if f.DueBefore != nil {
		q = q.Where("scheduled_time <= ?", f.DueBefore.UTC())
	}
	if f.Sendable {
		q = q.Where("(status = ? OR (status = ? AND retry_count < CASE WHEN max_retries > 0 THEN max_retries ELSE ? END))",
			string(MessagePending), string(MessageFailed), DefaultMessageRetries)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "find messages")
	}
	out := make([]ScheduledMessage, len(rows))
	for i, r := range rows {
		out[i] = r.message()
	}
	return out, nil
}

// TransitionMessage locks the row and applies the shared state machine.
func (p *Postgres) TransitionMessage(ctx context.Context, id string, o MessageOutcome) (bool, error) {
	applied := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r messageRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&r).Error; err != nil {
			return err
		}
		m := r.message()
		if !allowedTransition(m, o) {
			return nil
		}
		applyOutcome(&m, o)
		applied = true
		return tx.Model(&messageRow{}).Where("id = ?", id).Updates(map[string]any{
			"status":         string(m.Status),
			"retry_count":    m.RetryCount,
			"failure_reason": m.FailureReason,
			"sent_at":        m.SentAt,
			"updated_at":     m.UpdatedAt,
		}).Error
	})
	if err != nil {
		return false, translate(err, "transition message "+id)
	}
	return applied, nil
}

func (p *Postgres) RescheduleMessage(ctx context.Context, id string, at time.Time) error {
	res := p.db.WithContext(ctx).Model(&messageRow{}).
		Where("id = ? AND status = ?", id, string(MessagePending)).
		Updates(map[string]any{"scheduled_time": at.UTC(), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return translate(res.Error, "reschedule message "+id)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	m, err := p.ScheduledMessage(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("message %s is %s: %w", id, m.Status, ErrImmutable)
}
