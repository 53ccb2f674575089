package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"tuitionpay/internal/clients"
	"tuitionpay/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

type PaymentRecordLister interface {
	ListVerified(ctx context.Context, f repository.PaymentRecordsFilter) ([]repository.PaymentRecord, error)
}

// ExportNotifier pushes export lifecycle events to the requesting cashier.
type ExportNotifier interface {
	NotifyExportProgress(ctx context.Context, userID int64, exportID string, progress float64, stage string) error
	NotifyExportComplete(ctx context.Context, userID int64, exportID string, url string, filename string) error
	NotifyExportFailed(ctx context.Context, userID int64, exportID string, errMsg string) error
}

type ExportStatus struct {
	Key      string    `json:"key"`
	Type     string    `json:"type"`
	UserID   int64     `json:"user_id"`
	Filters  any       `json:"filters"`
	Progress float64   `json:"progress"`
	FileURL  *string   `json:"file_url"`
	Error    *string   `json:"error,omitempty"`
	Created  time.Time `json:"created_at"`
}

const (
	exportSetKey = "export_ids"
	exportTTL    = 20 * time.Minute

	maxRecordsForExport = 500_000
)

type RecordColumn struct {
	Header string
	Value  func(rec repository.PaymentRecord) any
}

var recordColumns = map[string]RecordColumn{
	"installment_id": {Header: "ID de cuota", Value: func(rec repository.PaymentRecord) any { return rec.InstallmentID }},
	"enrollment_id":  {Header: "ID de matrícula", Value: func(rec repository.PaymentRecord) any { return rec.EnrollmentID }},
	"student_id":     {Header: "ID de estudiante", Value: func(rec repository.PaymentRecord) any { return rec.StudentID }},
	"sequence":       {Header: "Cuota N°", Value: func(rec repository.PaymentRecord) any { return rec.Sequence }},
	"due_date":       {Header: "Fecha de vencimiento", Value: func(rec repository.PaymentRecord) any { return rec.DueDate.Format("2006-01-02") }},
	"amount":         {Header: "Monto", Value: func(rec repository.PaymentRecord) any { return rec.Amount.StringFixed(2) }},
	"late_fee":       {Header: "Mora", Value: func(rec repository.PaymentRecord) any { return rec.LateFee.StringFixed(2) }},
	"paid_amount":    {Header: "Monto pagado", Value: func(rec repository.PaymentRecord) any { return rec.PaidAmount.StringFixed(2) }},
	"paid_date":      {Header: "Fecha de pago", Value: func(rec repository.PaymentRecord) any { return timePtr(rec.PaidDate) }},
	"source":         {Header: "Medio de pago", Value: func(rec repository.PaymentRecord) any { return rec.Source }},
	"reference":      {Header: "Referencia", Value: func(rec repository.PaymentRecord) any { return rec.Reference }},
}

func timePtr(p *time.Time) string {
	if p == nil {
		return ""
	}
	return p.Format("2006-01-02 15:04:05")
}

// ExportService builds xlsx reports of verified payments in the background
// and tracks their progress in redis so the UI can poll or listen on the
// websocket channel.
type ExportService struct {
	records PaymentRecordLister
	redis   *clients.RedisClient
	storage *clients.StorageClient
	s3      *clients.S3Client
	ws      ExportNotifier
	log     *logrus.Logger
}

func NewExportService(
	records PaymentRecordLister,
	redis *clients.RedisClient,
	storage *clients.StorageClient,
	s3 *clients.S3Client,
	ws ExportNotifier,
	log *logrus.Logger,
) *ExportService {
	return &ExportService{
		records: records,
		redis:   redis,
		storage: storage,
		s3:      s3,
		ws:      ws,
		log:     log,
	}
}

func (s *ExportService) saveStatus(ctx context.Context, st *ExportStatus) error {
	if s.redis == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, st.Key, string(data), exportTTL); err != nil {
		return err
	}
	return s.redis.SAdd(ctx, exportSetKey, st.Key)
}

// StartExport validates the request, records an initial status and kicks off
// the background worker. The returned id is what the client polls.
func (s *ExportService) StartExport(ctx context.Context, selected []string, filter repository.PaymentRecordsFilter, userID int64) (string, error) {
	if len(selected) == 0 {
		selected = []string{"paid_date", "installment_id", "enrollment_id", "student_id", "sequence", "due_date", "amount", "late_fee", "paid_amount", "source", "reference"}
	}

	exportID := fmt.Sprintf("exports:%s", uuid.NewString())
	now := time.Now()

	status := &ExportStatus{
		Key:      exportID,
		Type:     "payments",
		UserID:   userID,
		Filters:  buildFiltersMap(filter, selected),
		Progress: 0,
		FileURL:  nil,
		Created:  now,
	}

	if err := s.saveStatus(ctx, status); err != nil {
		s.log.WithError(err).WithField("export_id", exportID).Warn("export status save failed")
	}

	go s.runExport(context.Background(), exportID, selected, filter, userID, now)

	return exportID, nil
}

func (s *ExportService) runExport(ctx context.Context, exportID string, selected []string, filter repository.PaymentRecordsFilter, userID int64, createdAt time.Time) {
	status := &ExportStatus{
		Key:      exportID,
		Type:     "payments",
		UserID:   userID,
		Filters:  buildFiltersMap(filter, selected),
		Progress: 0,
		FileURL:  nil,
		Created:  createdAt,
	}

	fail := func(msg string, err error) {
		s.log.WithError(err).WithField("export_id", exportID).Error(msg)
		errStr := msg
		status.Error = &errStr
		status.Progress = 100
		_ = s.saveStatus(ctx, status)
		if s.ws != nil {
			_ = s.ws.NotifyExportFailed(ctx, userID, exportID, errStr)
		}
	}

	records, err := s.records.ListVerified(ctx, filter)
	if err != nil {
		fail("no se pudieron leer los pagos", err)
		return
	}
	if len(records) > maxRecordsForExport {
		fail(fmt.Sprintf("demasiados pagos para exportar (más de %d registros)", maxRecordsForExport), nil)
		return
	}

	var cols []RecordColumn
	for _, key := range selected {
		col, ok := recordColumns[key]
		if !ok {
			continue
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		fail("ninguna columna válida seleccionada", nil)
		return
	}

	f := excelize.NewFile()
	sheet := "Pagos"
	f.SetSheetName(f.GetSheetName(0), sheet)

	_ = f.SetDocProps(&excelize.DocProperties{Creator: fmt.Sprintf("user_%d", userID)})

	for i, col := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, col.Header)
	}

	total := len(records)
	rowIdx := 2
	chunkSize := 1000
	for i, rec := range records {
		for colIdx, col := range cols {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx)
			_ = f.SetCellValue(sheet, cell, col.Value(rec))
		}
		rowIdx++

		if (i+1)%chunkSize == 0 || i == total-1 {
			raw := float64(i+1) / float64(total) * 100.0
			progress := math.Round(raw)
			if progress >= 100 {
				progress = 95
			}
			status.Progress = progress
			_ = s.saveStatus(ctx, status)
			if s.ws != nil {
				_ = s.ws.NotifyExportProgress(ctx, userID, exportID, progress, "generating")
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		fail("no se pudo generar el archivo", err)
		return
	}
	data := buf.Bytes()

	fileName := fmt.Sprintf("pagos_%s.xlsx", time.Now().Format("20060102_150405"))

	status.Progress = 95
	_ = s.saveStatus(ctx, status)
	if s.ws != nil {
		_ = s.ws.NotifyExportProgress(ctx, userID, exportID, 95, "uploading")
	}

	url, err := s.store(ctx, fileName, data)
	if err != nil {
		fail("no se pudo guardar el archivo", err)
		return
	}

	status.FileURL = &url
	status.Progress = 100
	_ = s.saveStatus(ctx, status)
	if s.ws != nil {
		_ = s.ws.NotifyExportProgress(ctx, userID, exportID, 100, "ready")
		_ = s.ws.NotifyExportComplete(ctx, userID, exportID, url, fileName)
	}
}

// store prefers the bucket when one is configured, local disk otherwise.
func (s *ExportService) store(ctx context.Context, fileName string, data []byte) (string, error) {
	if s.s3 != nil {
		key, err := s.s3.Upload(ctx, fileName, data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err != nil {
			return "", err
		}
		return s.s3.GetTemporaryURL(ctx, key, exportTTL)
	}
	if s.storage != nil {
		saved, err := s.storage.Save(ctx, fileName, data)
		if err != nil {
			return "", err
		}
		return s.storage.GetURL(saved), nil
	}
	return "", errors.New("no storage configured")
}

func buildFiltersMap(f repository.PaymentRecordsFilter, fields []string) map[string]interface{} {
	m := map[string]interface{}{}
	if f.EnrollmentID != nil {
		m["enrollment_id"] = *f.EnrollmentID
	} else {
		m["enrollment_id"] = nil
	}
	if f.StudentID != nil {
		m["student_id"] = *f.StudentID
	} else {
		m["student_id"] = nil
	}
	if f.PaidFrom != nil {
		m["paid_from"] = f.PaidFrom.Format("2006-01-02")
	} else {
		m["paid_from"] = nil
	}
	if f.PaidTo != nil {
		m["paid_to"] = f.PaidTo.Format("2006-01-02")
	} else {
		m["paid_to"] = nil
	}
	m["fields"] = fields
	return m
}

// GetExports lists the caller's recent exports, newest first.
func (s *ExportService) GetExports(ctx context.Context, userID int64) ([]map[string]interface{}, error) {
	if s.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	keys, err := s.redis.SMembers(ctx, exportSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get export keys: %w", err)
	}

	var statuses []ExportStatus
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key)
		if err != nil {
			continue
		}

		var status ExportStatus
		if err := json.Unmarshal([]byte(data), &status); err != nil {
			continue
		}

		if status.UserID == userID {
			statuses = append(statuses, status)
		}
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Created.After(statuses[j].Created)
	})

	var exports []map[string]interface{}
	for _, status := range statuses {
		exports = append(exports, exportView(status))
	}

	return exports, nil
}

func (s *ExportService) GetExport(ctx context.Context, exportID string, userID int64) (map[string]interface{}, error) {
	if s.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	data, err := s.redis.Get(ctx, exportID)
	if err != nil {
		return nil, errors.New("export not found")
	}

	var status ExportStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("failed to parse export status: %w", err)
	}

	if status.UserID != userID {
		return nil, errors.New("export not found")
	}

	return exportView(status), nil
}

func exportView(status ExportStatus) map[string]interface{} {
	return map[string]interface{}{
		"key":        status.Key,
		"type":       status.Type,
		"user_id":    status.UserID,
		"progress":   status.Progress,
		"file_url":   status.FileURL,
		"error":      status.Error,
		"filters":    status.Filters,
		"created_at": humanizeAgo(status.Created),
	}
}

// humanizeAgo renders a relative timestamp in Spanish for the export list.
func humanizeAgo(t time.Time) string {
	now := time.Now()
	if t.After(now) {
		return "justo ahora"
	}

	diff := now.Sub(t)
	minutes := int(diff.Minutes())
	if minutes < 1 {
		return "justo ahora"
	}
	if minutes < 60 {
		return fmt.Sprintf("hace %d %s", minutes, esPlural(minutes, "minuto", "minutos"))
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("hace %d %s", hours, esPlural(hours, "hora", "horas"))
	}
	days := hours / 24
	if days < 30 {
		return fmt.Sprintf("hace %d %s", days, esPlural(days, "día", "días"))
	}
	return t.Format("02/01/2006 15:04")
}

func esPlural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
